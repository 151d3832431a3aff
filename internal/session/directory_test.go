package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"llamabridge/internal/registry"
)

func testRegistry(t *testing.T, files ...string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("gguf"), 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
	r, err := registry.New(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return r
}

func TestGetOrCreateReuses(t *testing.T) {
	bin := writeFakeBin(t, `while IFS= read -r line; do :; done
`)
	reg := testRegistry(t, "TinyLlama-1.1B.gguf")
	d := NewDirectory(reg, testConfig(bin), zerolog.Nop())
	defer d.ShutdownAll()

	s1, err := d.GetOrCreate("tinyllama")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s2, err := d.GetOrCreate("tinyllama")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected the same session for a repeated name")
	}
	if d.Count() != 1 {
		t.Fatalf("count=%d", d.Count())
	}
	if s1.State() != StateRunning {
		t.Fatalf("session not started: %v", s1.State())
	}
}

func TestGetOrCreateKeyedByRequestedName(t *testing.T) {
	// Two aliases of one artifact get two independent processes. Callers
	// may rely on per-alias isolation, so this is pinned down here.
	bin := writeFakeBin(t, `while IFS= read -r line; do :; done
`)
	reg := testRegistry(t, "TinyLlama-1.1B.gguf")
	d := NewDirectory(reg, testConfig(bin), zerolog.Nop())
	defer d.ShutdownAll()

	s1, err := d.GetOrCreate("tinyllama")
	if err != nil {
		t.Fatalf("GetOrCreate(tinyllama): %v", err)
	}
	s2, err := d.GetOrCreate("tinyllama:latest")
	if err != nil {
		t.Fatalf("GetOrCreate(tinyllama:latest): %v", err)
	}
	if s1 == s2 {
		t.Fatalf("aliases unexpectedly share a session")
	}
	if s1.ModelPath() != s2.ModelPath() {
		t.Fatalf("aliases resolved to different artifacts: %q vs %q", s1.ModelPath(), s2.ModelPath())
	}
	if d.Count() != 2 {
		t.Fatalf("count=%d, want 2", d.Count())
	}
}

func TestGetOrCreateNotFoundSpawnsNothing(t *testing.T) {
	// The binary path is bogus on purpose: if resolution failed to short
	// circuit, session start would fail loudly instead of returning the
	// not-found error.
	reg := testRegistry(t, "TinyLlama-1.1B.gguf")
	d := NewDirectory(reg, testConfig("/nonexistent/llama"), zerolog.Nop())
	defer d.ShutdownAll()

	_, err := d.GetOrCreate("deepthought:42b")
	if err == nil {
		t.Fatalf("expected not-found")
	}
	if !registry.IsNotFound(err) {
		t.Fatalf("expected registry not-found, got %v", err)
	}
	if d.Count() != 0 {
		t.Fatalf("count=%d after failed resolution", d.Count())
	}
}

func TestShutdownAll(t *testing.T) {
	bin := writeFakeBin(t, `while IFS= read -r line; do :; done
`)
	reg := testRegistry(t, "TinyLlama-1.1B.gguf", "gemma-2b-it.gguf")
	d := NewDirectory(reg, testConfig(bin), zerolog.Nop())

	s1, err := d.GetOrCreate("tinyllama")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s2, err := d.GetOrCreate("gemma")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	d.ShutdownAll()
	if d.Count() != 0 {
		t.Fatalf("count=%d after shutdown", d.Count())
	}
	if s1.State() != StateStopped || s2.State() != StateStopped {
		t.Fatalf("sessions not stopped: %v %v", s1.State(), s2.State())
	}
	// Idempotent at the directory level too.
	d.ShutdownAll()
}
