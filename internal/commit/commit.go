// Package commit holds reveal payloads between the commit and reveal
// phases of a commit-reveal evaluation. The store maps 16-byte hashes to
// payloads with a creation timestamp; entries die on reveal or when the
// purge loop sweeps them past their TTL.
//
// The store is the process's only shared mutable state. Both backends
// serialize every operation through a single mutex and work on the full
// snapshot: load, mutate, write back.
package commit

import (
	"time"

	"github.com/verdikta/arbiter/internal/model"
)

// Entry is one stored reveal payload.
type Entry struct {
	Payload model.CommitPayload `json:"payload"`
	Created time.Time           `json:"created"`
}

// Store is the commit-reveal backing store. A later Save under an
// existing hash overwrites the entry.
type Store interface {
	Save(hash string, e Entry) error
	Get(hash string) (Entry, bool)
	Delete(hash string) error
	// PurgeStale removes entries older than maxAge and reports how many
	// were removed.
	PurgeStale(maxAge time.Duration) (int, error)
}

const hashLen = 32

// NormalizeHash lowercases a caller-supplied commit hash and reports
// whether it is a well-formed key: exactly 32 hex characters.
func NormalizeHash(s string) (string, bool) {
	if len(s) != hashLen {
		return "", false
	}
	out := make([]byte, hashLen)
	for i := 0; i < hashLen; i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
			out[i] = c
		case c >= 'A' && c <= 'F':
			out[i] = c + ('a' - 'A')
		default:
			return "", false
		}
	}
	return string(out), true
}
