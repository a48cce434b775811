// Package protocol defines the JSON messages exchanged with websocket clients. Every frame is an envelope with an
// event name and a data payload.
package protocol

import (
	"encoding/json"

	"github.com/astromechza/clipsync/pkg/record"
)

const (
	// server -> client
	EventSessionCreated     = "session_created"
	EventCommitApplied      = "commit_applied"
	EventIncrementalApplied = "incremental_applied"
	EventRecordCreated      = "record_created"
	EventRecordRemoved      = "record_removed"

	// client -> server
	EventEditCommit      = "edit_commit"
	EventEditIncremental = "edit_incremental"
)

// Event is an outbound frame.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Envelope is an inbound frame whose data is decoded once the event name is known.
type Envelope struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// EditCommitPacket asks for one field of one record to be persisted. OriginID is set by the server from the
// connection that sent it and is only used to keep the change from echoing back.
type EditCommitPacket struct {
	RecordID int64  `json:"recordId" validate:"required,gt=0"`
	Field    string `json:"field" validate:"required,oneof=title content"`
	Value    string `json:"value"`
	OriginID string `json:"originId,omitempty"`
}

// IncrementalPacket carries in-progress typing. It is never persisted and its payload is relayed untouched.
type IncrementalPacket struct {
	RecordID int64           `json:"recordId" validate:"required,gt=0"`
	OriginID string          `json:"originId,omitempty"`
	Payload  json.RawMessage `json:"payload" validate:"required"`
}

type SessionCreated struct {
	ClientID string `json:"clientId"`
}

type CommitApplied struct {
	RecordID int64  `json:"recordId"`
	Field    string `json:"field"`
	Value    string `json:"value"`
}

type IncrementalApplied struct {
	RecordID int64           `json:"recordId"`
	Payload  json.RawMessage `json:"payload"`
}

type RecordCreated = record.Record

type RecordRemoved struct {
	ID int64 `json:"id"`
}
