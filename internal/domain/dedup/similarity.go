package dedup

import "strings"

// tokenize splits normalized text on whitespace into a token set. Callers
// pass already-normalized text (via fingerprint.Normalize) so this stays a
// pure splitter with no normalization logic of its own.
func tokenize(text string) map[string]struct{} {
	fields := strings.Fields(text)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// jaccard computes the token-Jaccard similarity between two token sets:
// |intersection| / |union|. Two empty sets are defined as dissimilar (0).
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// bestMatch scans candidates and returns the fingerprint and score of the
// most similar body snippet to target, or ok=false if candidates is empty.
func bestMatch(target string, candidates []*Record) (fingerprint string, score float64, ok bool) {
	targetTokens := tokenize(target)
	best := -1.0
	bestFP := ""
	for _, rec := range candidates {
		s := jaccard(targetTokens, tokenize(rec.BodySnippet))
		if s > best {
			best = s
			bestFP = rec.Fingerprint
		}
	}
	if best < 0 {
		return "", 0, false
	}
	return bestFP, best, true
}
