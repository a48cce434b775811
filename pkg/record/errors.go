package record

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidField = errors.New("invalid field")
)

// StorageError is returned by every Store operation that fails, including lookups that matched no row.
type StorageError struct {
	Op       string
	RecordID int64
	Err      error
}

func (e *StorageError) Error() string {
	if e.RecordID != 0 {
		return fmt.Sprintf("storage %s of record %d: %v", e.Op, e.RecordID, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err unless it already is a *StorageError.
func NewStorageError(op string, id int64, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, RecordID: id, Err: err}
}
