// Package objectid generates record identifiers in the server's format:
// 24 lowercase hex characters encoding a 4-byte timestamp, 5 random bytes
// and a 3-byte counter.
package objectid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

var (
	processUnique = readProcessUnique()
	counter       = readCounterSeed()
)

// New returns a fresh identifier based on the current time.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns an identifier whose timestamp part is t.
func NewAt(t time.Time) string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(t.Unix()))
	copy(b[4:9], processUnique[:])
	c := atomic.AddUint32(&counter, 1)
	b[9] = byte(c >> 16)
	b[10] = byte(c >> 8)
	b[11] = byte(c)
	return hex.EncodeToString(b[:])
}

// IsValid reports whether s is 24 lowercase hex characters.
func IsValid(s string) bool {
	if len(s) != 24 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func readProcessUnique() [5]byte {
	var b [5]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		panic(fmt.Errorf("objectid: cannot read random bytes: %w", err))
	}
	return b
}

func readCounterSeed() uint32 {
	var b [4]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		panic(fmt.Errorf("objectid: cannot read random bytes: %w", err))
	}
	return binary.BigEndian.Uint32(b[:]) & 0x00ffffff
}
