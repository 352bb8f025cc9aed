package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tenantshowcase/inappdb/internal/inappdb"
)

// EventType is the kind of row change a notification reports.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

const (
	TableChannelMessages = string(inappdb.PartitionChannelMessages)
	TableChannelActivity = string(inappdb.PartitionChannelActivity)
)

var (
	ErrUnsupportedTable = errors.New("realtime: unsupported table")
	ErrUnsupportedEvent = errors.New("realtime: unsupported event type")
	errMissingRecord    = errors.New("realtime: change notification carries no record")
)

// Envelope is the wire shape of a backend change notification.
type Envelope struct {
	Type      EventType       `json:"type"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// Event is a decoded change to one message or one activity row.
type Event struct {
	Type     EventType
	Table    string
	Message  *inappdb.ChannelMessage
	Activity *inappdb.ChannelActivity
}

// Channel returns the channel username the event belongs to.
func (e Event) Channel() string {
	switch {
	case e.Message != nil:
		return e.Message.Username
	case e.Activity != nil:
		return e.Activity.Username
	}
	return ""
}

// ParseEnvelope decodes one notification. Deletes read old_record when record is absent.
func ParseEnvelope(data []byte) (Event, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Event{}, fmt.Errorf("realtime: decode envelope: %w", err)
	}
	switch envelope.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnsupportedEvent, envelope.Type)
	}

	record := envelope.Record
	if envelope.Type == EventDelete && len(envelope.OldRecord) > 0 {
		record = envelope.OldRecord
	}
	if len(record) == 0 || string(record) == "null" {
		return Event{}, errMissingRecord
	}

	event := Event{Type: envelope.Type, Table: envelope.Table}
	switch envelope.Table {
	case TableChannelMessages:
		var message inappdb.ChannelMessage
		if err := json.Unmarshal(record, &message); err != nil {
			return Event{}, fmt.Errorf("realtime: decode message: %w", err)
		}
		event.Message = &message
	case TableChannelActivity:
		var activity inappdb.ChannelActivity
		if err := json.Unmarshal(record, &activity); err != nil {
			return Event{}, fmt.Errorf("realtime: decode activity: %w", err)
		}
		event.Activity = &activity
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnsupportedTable, envelope.Table)
	}
	return event, nil
}
