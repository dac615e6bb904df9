package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/davidahmann/weft/core/ident"
)

func TestClockAdvances(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := NewClock(start)
	if got := clock.Now(); !got.Equal(start) {
		t.Fatalf("Now = %v, want %v", got, start)
	}

	clock.Advance(90 * time.Second)
	if got := clock.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Now after advance = %v", got)
	}
}

func TestIDSourceIsSequentialAndDistinct(t *testing.T) {
	src := &IDSource{}
	first, err := ident.MintSessionID(src)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	second, err := ident.MintSessionID(src)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if first == second {
		t.Fatal("sequential source repeated an id")
	}

	replay := &IDSource{}
	again, err := ident.MintSessionID(replay)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if again != first {
		t.Fatal("fresh source did not reproduce the first id")
	}
}

func TestWriteFileAndMustReadFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "output.json")
	WriteFile(t, target, []byte(`{"ok":true}`))
	got := MustReadFile(t, target)
	if string(got) != `{"ok":true}` {
		t.Fatalf("unexpected file content: %q", string(got))
	}
}
