package fsx

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFileAtomicCreatesAndOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteFileAtomic(path, []byte("first"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "first" {
		t.Fatalf("content = %q, want %q", got, "first")
	}

	if err := WriteFileAtomic(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic overwrite: %v", err)
	}
	got, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("content = %q, want %q", got, "second")
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	if err := WriteFileAtomic(path, []byte{0x01, 0x02}, 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if TempFilePattern(e.Name()) {
			t.Fatalf("temp file %s left behind", e.Name())
		}
	}
}

func TestWriteFileAtomicSurvivesStrayTemp(t *testing.T) {
	// An orphan temp from an interrupted earlier write must not disturb
	// a later write to the same destination.
	dir := t.TempDir()
	path := filepath.Join(dir, "data.jsonl")

	if err := WriteFileAtomic(path, []byte("live\n"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	orphan := filepath.Join(dir, ".data.jsonl.tmp-crashed")
	if err := os.WriteFile(orphan, []byte("torn"), 0o600); err != nil {
		t.Fatalf("plant orphan: %v", err)
	}

	if err := WriteFileAtomic(path, []byte("live\nnext\n"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic after orphan: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "live\nnext\n" {
		t.Fatalf("content = %q, want %q", got, "live\nnext\n")
	}
}

func TestAppendLineAtomicBuildsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")

	if err := AppendLineAtomic(path, `{"n":1}`, 0o600); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := AppendLineAtomic(path, `{"n":2}`+"\n", 0o600); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := `{"n":1}` + "\n" + `{"n":2}` + "\n"
	if string(got) != want {
		t.Fatalf("content = %q, want %q", got, want)
	}
}

func TestAppendLineAtomicRejectsInteriorNewline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")

	err := AppendLineAtomic(path, "a\nb", 0o600)
	if err == nil {
		t.Fatal("expected error for interior newline")
	}
	if !strings.Contains(err.Error(), "interior newline") {
		t.Fatalf("err = %v, want interior newline rejection", err)
	}
}

func TestAppendLineAtomicRejectsUnterminatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")

	if err := os.WriteFile(path, []byte("partial"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := AppendLineAtomic(path, `{"n":1}`, 0o600); err == nil {
		t.Fatal("expected error for unterminated file")
	}
}

func TestWriteFileOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "objects", "ab.json")
	if err := os.Mkdir(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	created, err := WriteFileOnce(path, []byte(`{"v":1}`), 0o600)
	if err != nil {
		t.Fatalf("WriteFileOnce: %v", err)
	}
	if !created {
		t.Fatal("first write reported created=false")
	}

	created, err = WriteFileOnce(path, []byte(`{"v":1}`), 0o600)
	if err != nil {
		t.Fatalf("WriteFileOnce repeat: %v", err)
	}
	if created {
		t.Fatal("repeat write of identical content reported created=true")
	}

	_, err = WriteFileOnce(path, []byte(`{"v":2}`), 0o600)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	got, readErr := os.ReadFile(path)
	if readErr != nil {
		t.Fatalf("ReadFile: %v", readErr)
	}
	if string(got) != `{"v":1}` {
		t.Fatalf("original content replaced: %q", got)
	}
}

func TestValidateRelPath(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"events/000001.jsonl", true},
		{"manifest.jsonl", true},
		{"snapshots/a/b.json", true},
		{"", false},
		{"/etc/passwd", false},
		{"events/../escape", false},
		{"./events", false},
		{"events//gap", false},
		{`events\win`, false},
	}
	for _, tc := range cases {
		got, err := ValidateRelPath(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ValidateRelPath(%q) = %v, want ok", tc.in, err)
		}
		if tc.ok && got != tc.in {
			t.Errorf("ValidateRelPath(%q) rewrote path to %q", tc.in, got)
		}
		if !tc.ok && err == nil {
			t.Errorf("ValidateRelPath(%q) accepted, want error", tc.in)
		}
	}
}

func TestTempFilePattern(t *testing.T) {
	if !TempFilePattern(".state.json.tmp-123456") {
		t.Error("orphan temp name not recognized")
	}
	if TempFilePattern("state.json") {
		t.Error("plain file misclassified as temp")
	}
	if TempFilePattern(".hidden") {
		t.Error("dotfile without tmp marker misclassified")
	}
}
