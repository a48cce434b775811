package record

import (
	"context"
	"fmt"
	"time"
)

// Record is a single shared paste. ID is assigned by the Store on Insert and never changes afterwards. Removed only
// ever moves from false to true.
type Record struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	ClientID  string    `json:"client_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Removed   bool      `json:"stale"`
}

// Value returns the current value of the given field.
func (r Record) Value(f Field) string {
	switch f {
	case FieldTitle:
		return r.Title
	case FieldContent:
		return r.Content
	}
	return ""
}

// Draft holds the caller supplied attributes of a record that has not been inserted yet.
type Draft struct {
	Title    string
	Content  string
	ClientID string
}

// DefaultTitle is used when a draft is inserted without a title.
func DefaultTitle(at time.Time) string {
	return fmt.Sprintf("Paste del %d/%d/%d", at.Day(), int(at.Month()), at.Year())
}

type Field string

const (
	FieldTitle   Field = "title"
	FieldContent Field = "content"
)

// EditableFields lists the fields an update may touch, in the order stores apply them.
var EditableFields = []Field{FieldTitle, FieldContent}

func ParseField(raw string) (Field, error) {
	for _, f := range EditableFields {
		if string(f) == raw {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidField, raw)
}

// Fields is a partial update keyed by field.
type Fields map[Field]string

// Store is the persistence port. Every failure is returned as a *StorageError, and a missing (or removed, for
// Update) row wraps ErrNotFound.
type Store interface {
	Insert(ctx context.Context, draft Draft) (Record, error)
	Update(ctx context.Context, id int64, fields Fields) (Record, error)
	MarkRemoved(ctx context.Context, id int64) (Record, error)
	Get(ctx context.Context, id int64) (Record, error)
	// ListActive returns the records that are not removed, ordered by id.
	ListActive(ctx context.Context) ([]Record, error)
	Close() error
}
