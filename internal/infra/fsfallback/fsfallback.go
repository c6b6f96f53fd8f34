// Package fsfallback implements the last-resort delivery tier: when
// neither the direct transport nor the durable queue can take an event,
// write it to a local handoff file an out-of-process reader can later
// pick up. Files are written atomically with sanitized names, so a reader
// never observes a torn or path-escaping file.
package fsfallback

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"eventbridge/internal/domain/event"
	"eventbridge/internal/errs"
	"eventbridge/internal/infra/storage"
)

// Sender writes events that could not be delivered through any live tier to
// disk as self-contained JSON handoff files. It implements tier.Sender by
// structural typing (Send(ctx, *event.Event, chatID) (string, error)) without
// importing the tier package, keeping the dependency direction outward.
type Sender struct {
	dir     string
	hmacKey []byte
}

// New returns a Sender that writes handoff files under dir, creating it on
// first write if needed.
func New(dir string) *Sender {
	return &Sender{dir: dir}
}

// NewWithIntegrity is New plus HMAC-SHA256 integrity metadata on every
// handoff file, keyed by the configured HMAC key, so the out-of-process
// reader can verify an artifact wasn't altered between write and pickup.
func NewWithIntegrity(dir string, hmacKey []byte) *Sender {
	return &Sender{dir: dir, hmacKey: hmacKey}
}

// handoffFile is the on-disk shape of a fallback-written event: enough to
// reconstruct delivery without the rest of the pipeline's in-memory state.
type handoffFile struct {
	EventID     string         `json:"event_id"`
	ChatID      string         `json:"chat_id"`
	Kind        event.Kind     `json:"kind"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
	WrittenAt   time.Time      `json:"written_at"`
	// Integrity is the hex HMAC-SHA256 of the document serialized with
	// this field empty; present only when the sender carries a key.
	Integrity string `json:"integrity,omitempty"`
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Send implements tier.Sender: it never contacts the network, so it only
// fails on a local I/O error (disk full, permission denied), surfaced as
// errs.ProtocolError since none of those are retryable in a meaningful way
// for the fallback tier itself — a retry belongs to a human clearing disk
// space, not the Retry Engine.
func (s *Sender) Send(ctx context.Context, ev *event.Event, chatID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.New(errs.ConnectionTimeout, err)
	}

	doc := handoffFile{
		EventID:     ev.ID,
		ChatID:      chatID,
		Kind:        ev.Kind,
		Title:       ev.Title,
		Description: ev.Description,
		Data:        ev.Data,
		WrittenAt:   time.Now(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", errs.New(errs.SerializationError, err)
	}
	if len(s.hmacKey) > 0 {
		doc.Integrity = s.sign(data)
		if data, err = json.MarshalIndent(doc, "", "  "); err != nil {
			return "", errs.New(errs.SerializationError, err)
		}
	}

	name := sanitizeFilename(fmt.Sprintf("event_%s.json", ev.ID))
	path := filepath.Join(s.dir, name)
	if err := storage.AtomicWriteFile(path, data); err != nil {
		return "", errs.New(errs.ProtocolError, err)
	}
	return "fsfallback:" + name, nil
}

func sanitizeFilename(name string) string {
	safe := unsafeFilenameChars.ReplaceAllString(name, "_")
	return strings.ReplaceAll(safe, "..", "_")
}

func (s *Sender) sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes a handoff document's integrity field, for the reader
// side of the contract (and tests). Returns true when the document carries
// no integrity field and the sender has no key.
func Verify(raw []byte, hmacKey []byte) (bool, error) {
	var doc handoffFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, errs.New(errs.SerializationError, err)
	}
	if doc.Integrity == "" {
		return len(hmacKey) == 0, nil
	}
	want := doc.Integrity
	doc.Integrity = ""
	unsigned, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return false, errs.New(errs.SerializationError, err)
	}
	got := (&Sender{hmacKey: hmacKey}).sign(unsigned)
	return hmac.Equal([]byte(got), []byte(want)), nil
}
