// Package fingerprint maps an event and chat id onto a stable 256-bit
// digest the Deduplicator uses to recognize repeat admissions: two
// differently-identified events with equal normalized content collide on
// purpose. Pure functions, no I/O.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"regexp"
	"strings"
)

// Config enumerates the fingerprinting knobs.
type Config struct {
	// NormalizeContent toggles lowercasing, whitespace collapsing, and
	// volatile-token stripping. When false, title/description are hashed
	// verbatim.
	NormalizeContent bool
	// SimilarityEnabled is read by the Deduplicator, not by Fingerprint
	// itself; kept on Config because both share the same knob set.
	SimilarityEnabled bool
	// SimilarityThreshold is read by the Deduplicator (0.0-1.0).
	SimilarityThreshold float64
	// VolatilePatterns are regexes stripped from text before hashing, when
	// NormalizeContent is enabled. Defaults cover timestamps, UUIDs, and
	// bare numeric counters.
	VolatilePatterns []*regexp.Regexp
}

var defaultVolatilePatterns = []*regexp.Regexp{
	// RFC3339-ish timestamps. Case-insensitive because Normalize lowercases
	// the text (so "T"/"Z" arrive as "t"/"z") before stripping.
	regexp.MustCompile(`(?i)\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`),
	// UUIDs.
	regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`),
	// Bare integer runs of 3+ digits, the usual shape of counters/ids/ports.
	regexp.MustCompile(`\b\d{3,}\b`),
}

// DefaultConfig returns the Config used when a caller enables normalization
// without supplying its own volatile-token patterns.
func DefaultConfig() Config {
	return Config{
		NormalizeContent:    true,
		SimilarityEnabled:   true,
		SimilarityThreshold: 0.8,
		VolatilePatterns:    defaultVolatilePatterns,
	}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize, when cfg.NormalizeContent is set, lowercases text, strips each
// of cfg's volatile-token patterns, and collapses runs of whitespace to a
// single space; otherwise it returns text unchanged. Deterministic, no I/O.
func Normalize(text string, cfg Config) string {
	if !cfg.NormalizeContent {
		return text
	}
	normalized := strings.ToLower(text)
	patterns := cfg.VolatilePatterns
	if patterns == nil {
		patterns = defaultVolatilePatterns
	}
	for _, p := range patterns {
		normalized = p.ReplaceAllString(normalized, "")
	}
	normalized = whitespaceRun.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// Fingerprintable is the minimal surface Fingerprint needs from an event,
// kept narrow so this package has no import-time dependency on
// internal/domain/event (avoiding an import cycle risk as the event package
// grows).
type Fingerprintable interface {
	FingerprintTitle() string
	FingerprintDescription() string
	FingerprintKind() string
	FingerprintTaskID() string
}

// Fingerprint derives the 256-bit digest over (normalized title,
// normalized description, event kind, task id, chat id), in that order,
// each segment length-prefixed so "ab"+"c" never collides with "a"+"bc".
func Fingerprint(ev Fingerprintable, chatID string, cfg Config) [32]byte {
	title := Normalize(ev.FingerprintTitle(), cfg)
	desc := Normalize(ev.FingerprintDescription(), cfg)

	h := sha256.New()
	writeSegment(h, title)
	writeSegment(h, desc)
	writeSegment(h, ev.FingerprintKind())
	writeSegment(h, ev.FingerprintTaskID())
	writeSegment(h, chatID)

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

func writeSegment(h interface{ Write([]byte) (int, error) }, s string) {
	// Length-prefix (8-byte big-endian) so segment boundaries can't be
	// forged by concatenation, whatever bytes the segment contains.
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}

// Hex renders a digest as a lowercase hex string, the form persisted as the
// DedupRecord primary key.
func Hex(digest [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(digest)*2)
	for i, b := range digest {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
