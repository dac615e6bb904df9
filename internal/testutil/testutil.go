// Package testutil carries deterministic test doubles shared across
// package tests: a settable clock, a sequential id source, and small
// filesystem helpers.
package testutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/weft/core/ident"
)

// Clock is a manually advanced clock. Stores and locks built on it see
// exactly the instants a test dictates.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// IDSource mints 16-byte raw ids from a counter: distinct, ordered,
// and reproducible across runs.
type IDSource struct {
	mu   sync.Mutex
	next uint64
}

func (s *IDSource) NewRawID() ([ident.RawLen]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	var raw [ident.RawLen]byte
	binary.BigEndian.PutUint64(raw[ident.RawLen-8:], s.next)
	return raw, nil
}

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test helper for controlled paths.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}
