// Package ids mints the identifiers that key every persisted entity.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier used as the primary key
// for every persisted entity.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Tagged prefixes a fresh identifier with a short kind marker ("role",
// "team") so IDs that surface in admin URLs and audit details are
// recognizable at a glance.
func Tagged(kind string) string {
	return kind + "-" + New()
}
