// Package dedup suppresses re-extracted records by content-addressed
// fingerprinting. Each task keeps a persistent set of fingerprints of every
// record it has ever produced; a record whose fingerprint is already in the
// set is a repeat, not new data.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/Kirby6A/scraper-cr/errors"
	"github.com/Kirby6A/scraper-cr/task"
)

// Fingerprint computes the canonical content hash of a record: SHA-256 over
// its JSON encoding with object keys sorted at every nesting level. Two
// records with the same fields and values always hash identically regardless
// of field order; any value difference, including type, yields a different
// hash.
func Fingerprint(r task.Record) (string, error) {
	// encoding/json writes map keys in sorted order at every level, so
	// marshaling the decoded record is already the canonical form.
	canonical, err := json.Marshal(map[string]any(r))
	if err != nil {
		return "", errors.Wrap(err, "canonicalizing record")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
