// Package xid generates the prefixed ids used for holds, audit entries and
// server-assigned idempotency keys. Sale rows use uuid primary keys instead.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns "<prefix>-<unixnano>-<8 random hex bytes>". The timestamp keeps
// ids roughly sortable across terminals; the random suffix makes collisions
// within the same nanosecond a non-issue.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
