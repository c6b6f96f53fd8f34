// Package event defines the Event type admitted at the edge of the pipeline
// and shared by value (never mutated) across every downstream component —
// the Fingerprinter, Deduplicator, Persistent Queue, Tier Dispatcher, and
// Tracker all read the same snapshot.
package event

import (
	"fmt"
	"time"
)

// Kind is the finite, enumerated set of event kinds. An unrecognized
// kind from an external source maps to KindUnknown rather than failing
// admission, keeping the wire format forward compatible.
type Kind int

const (
	KindUnknown Kind = iota
	KindTask
	KindBuild
	KindCode
	KindFilesystem
	KindGit
	KindSystem
	KindUserInteraction
	KindIntegration
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindBuild:
		return "build"
	case KindCode:
		return "code"
	case KindFilesystem:
		return "filesystem"
	case KindGit:
		return "git"
	case KindSystem:
		return "system"
	case KindUserInteraction:
		return "user-interaction"
	case KindIntegration:
		return "integration"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// ParseKind maps a wire-format event type string onto a Kind, defaulting to
// KindUnknown for anything it doesn't recognize.
func ParseKind(s string) Kind {
	switch s {
	case "task":
		return KindTask
	case "build":
		return KindBuild
	case "code":
		return KindCode
	case "filesystem":
		return KindFilesystem
	case "git":
		return KindGit
	case "system":
		return KindSystem
	case "user-interaction":
		return KindUserInteraction
	case "integration":
		return KindIntegration
	case "custom":
		return KindCustom
	default:
		return KindUnknown
	}
}

// Status is the event's processing status as carried in the wire format.
// This tracks admission-time state, distinct from (and much coarser than)
// the Tracker's per-attempt Trace status timeline.
type Status int

const (
	StatusUnknown Status = iota
	StatusReceived
	StatusAdmitted
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusReceived:
		return "received"
	case StatusAdmitted:
		return "admitted"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// CurrentSchemaVersion is stamped onto events minted in-process (by the
// in-process emitter collaborator). Events admitted from the filesystem
// watcher or a webhook carry their own producer-stamped version verbatim.
const CurrentSchemaVersion = "1"

// Payload is the sparse map of optional typed fields accompanying an event.
// Kept as a generic map (rather than a fixed struct) because producers are
// heterogeneous collaborators outside this module's control; components
// that care about a specific field read it defensively.
type Payload map[string]any

// Event is immutable once admitted: no component mutates a received Event,
// they copy-on-write via Clone when a derived value (e.g. a retry) is
// needed.
type Event struct {
	ID               string
	Kind             Kind
	Source           string
	Timestamp        time.Time
	TaskID           string
	Title            string
	Description      string
	Data             Payload
	CorrelationID    string
	ParentEventID    string
	RetryCount       int
	ProcessingStatus Status
	SchemaVersion    string
}

// Validate enforces the event identifier and task identifier non-empty
// invariant from the data model.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event: identifier must not be empty")
	}
	if e.TaskID == "" {
		return fmt.Errorf("event: task identifier must not be empty")
	}
	return nil
}

// Clone returns a deep copy so callers (e.g. a retry path that bumps
// RetryCount) never mutate the admitted original.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Data != nil {
		clone.Data = make(Payload, len(e.Data))
		for k, v := range e.Data {
			clone.Data[k] = v
		}
	}
	return &clone
}

// WithIncrementedRetry returns a cloned event with RetryCount bumped by one,
// used by the Persistent Queue when it schedules a failed row for retry.
func (e *Event) WithIncrementedRetry() *Event {
	clone := e.Clone()
	clone.RetryCount++
	return clone
}

// The methods below satisfy fingerprint.Fingerprintable, letting the
// Deduplicator hash an Event without this package importing fingerprint.

func (e *Event) FingerprintTitle() string       { return e.Title }
func (e *Event) FingerprintDescription() string { return e.Description }
func (e *Event) FingerprintKind() string        { return e.Kind.String() }
func (e *Event) FingerprintTaskID() string      { return e.TaskID }
