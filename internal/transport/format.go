package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"eventbridge/internal/domain/event"
)

// FormatEvent renders an Event into the plain text handed to
// Sender.Send: title, optional description, and a kind/source footer.
// Events carry no per-producer template, so the layout is fixed.
func FormatEvent(ev *event.Event) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(ev.Title))
	if ev.Description != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(ev.Description))
	}
	b.WriteString(fmt.Sprintf("\n\n[%s/%s]", ev.Kind, ev.Source))
	return b.String()
}

// decodeQueuedEvent unmarshals the JSON snapshot a Persistent Queue row
// stores alongside its status, reversing the json.Marshal(ev) done at
// Enqueue time.
func decodeQueuedEvent(eventJSON string) (*event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
