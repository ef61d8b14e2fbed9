// Package ident mints the ULIDs pulse attaches to outgoing messages.
//
// A run ID is generated once per process so that consumers can tell separate
// pulse lifetimes apart when the counter starts again from 1. Batch IDs group
// the messages of one SendBatch call even when the sink splits it across
// several broker requests.
package ident

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID is a ULID string.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// One monotonic source for the whole process keeps IDs minted within the same
// millisecond lexicographically ordered.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh, time-ordered ULID.
func New() (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", fmt.Errorf("ident: generate: %w", err)
	}
	return ID(id.String()), nil
}

// MustNew is like New but panics on error. Use only in tests or init code.
func MustNew() ID {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// Validate returns an error if s is not a well-formed ULID string.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}
