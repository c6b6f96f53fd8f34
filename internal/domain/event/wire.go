package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireEvent is the JSON shape producers write (filesystem watchers,
// in-process emitters, webhook callers): the event file format from the
// external-interfaces contract. Field names are wire-frozen; the in-memory
// Event is free to evolve independently.
type wireEvent struct {
	EventID          string         `json:"event_id"`
	Type             string         `json:"type"`
	Source           string         `json:"source"`
	Timestamp        string         `json:"timestamp"`
	TaskID           string         `json:"task_id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Data             map[string]any `json:"data,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	ParentEventID    string         `json:"parent_event_id,omitempty"`
	RetryCount       int            `json:"retry_count,omitempty"`
	ProcessingStatus string         `json:"processing_status,omitempty"`
	SchemaVersion    string         `json:"schema_version,omitempty"`
}

// ParseStatus maps a wire processing_status string onto a Status,
// defaulting to StatusUnknown.
func ParseStatus(s string) Status {
	switch s {
	case "received":
		return StatusReceived
	case "admitted":
		return StatusAdmitted
	case "rejected":
		return StatusRejected
	default:
		return StatusUnknown
	}
}

// DecodeWire parses one producer-written JSON document into an Event.
// Unknown event types map to KindUnknown rather than failing (forward
// compatibility); a missing or malformed timestamp is an error, so every
// decoded event carries a valid producer timestamp.
func DecodeWire(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("event: timestamp %q: %w", w.Timestamp, err)
	}

	ev := &Event{
		ID:               w.EventID,
		Kind:             ParseKind(w.Type),
		Source:           w.Source,
		Timestamp:        ts,
		TaskID:           w.TaskID,
		Title:            w.Title,
		Description:      w.Description,
		Data:             Payload(w.Data),
		CorrelationID:    w.CorrelationID,
		ParentEventID:    w.ParentEventID,
		RetryCount:       w.RetryCount,
		ProcessingStatus: ParseStatus(w.ProcessingStatus),
		SchemaVersion:    w.SchemaVersion,
	}
	if ev.SchemaVersion == "" {
		ev.SchemaVersion = CurrentSchemaVersion
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// EncodeWire renders an Event back into the producer JSON shape, for
// in-process emitters that hand events to an external spool.
func (e *Event) EncodeWire() ([]byte, error) {
	w := wireEvent{
		EventID:       e.ID,
		Type:          e.Kind.String(),
		Source:        e.Source,
		Timestamp:     e.Timestamp.Format(time.RFC3339Nano),
		TaskID:        e.TaskID,
		Title:         e.Title,
		Description:   e.Description,
		Data:          e.Data,
		CorrelationID: e.CorrelationID,
		ParentEventID: e.ParentEventID,
		RetryCount:    e.RetryCount,
		SchemaVersion: e.SchemaVersion,
	}
	if e.ProcessingStatus != StatusUnknown {
		w.ProcessingStatus = e.ProcessingStatus.String()
	}
	return json.Marshal(w)
}
