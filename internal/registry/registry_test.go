package registry

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestRegistry(t *testing.T, files ...string) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("gguf"), 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
	r, err := New(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return r, dir
}

func TestScanResolveRoundTrip(t *testing.T) {
	files := []string{
		"TinyLlama-1.1B-Chat-Q4_K_M.gguf",
		"Llama-3.2-1B-Instruct-Q4.gguf",
		"phi-3-mini.gguf",
	}
	r, dir := newTestRegistry(t, files...)
	for _, f := range files {
		got, err := r.Resolve(f)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", f, err)
		}
		if want := filepath.Join(dir, f); got != want {
			t.Fatalf("Resolve(%q)=%q want %q", f, got, want)
		}
	}
}

func TestScanIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, "TinyLlama-1.1B.gguf", "gemma-2b-it.gguf")
	first := r.snap.Load()
	if err := r.Scan(); err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	second := r.snap.Load()
	if !reflect.DeepEqual(first.aliases, second.aliases) {
		t.Fatalf("alias maps differ across scans:\n%v\n%v", first.aliases, second.aliases)
	}
	if !reflect.DeepEqual(first.order, second.order) {
		t.Fatalf("alias order differs across scans:\n%v\n%v", first.order, second.order)
	}
}

func TestResolveStemAndSimpleName(t *testing.T) {
	r, dir := newTestRegistry(t, "TinyLlama-1.1B-Chat.gguf")
	want := filepath.Join(dir, "TinyLlama-1.1B-Chat.gguf")
	for _, name := range []string{
		"TinyLlama-1.1B-Chat", // stem
		"tinyllama-1.1b-chat", // lowercase stem
		"tinyllama_1_1b_chat", // simple name
		"TINYLLAMA-1.1B-CHAT", // lowercase rule
		"tinyllama 1.1b chat", // space -> dash transform
	} {
		got, err := r.Resolve(name)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", name, err)
		}
		if got != want {
			t.Fatalf("Resolve(%q)=%q want %q", name, got, want)
		}
	}
}

func TestResolveFamilyAliases(t *testing.T) {
	r, dir := newTestRegistry(t, "TinyLlama-1.1B-Chat.gguf", "qwen1.5-1.8b-chat.gguf")
	cases := map[string]string{
		"tinyllama":        "TinyLlama-1.1B-Chat.gguf",
		"tinyllama:latest": "TinyLlama-1.1B-Chat.gguf",
		"tinyllama:1.1b":   "TinyLlama-1.1B-Chat.gguf",
		"qwen":             "qwen1.5-1.8b-chat.gguf",
		"qwen:latest":      "qwen1.5-1.8b-chat.gguf",
		"qwen:1.8b":        "qwen1.5-1.8b-chat.gguf",
	}
	for name, file := range cases {
		got, err := r.Resolve(name)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", name, err)
		}
		if want := filepath.Join(dir, file); got != want {
			t.Fatalf("Resolve(%q)=%q want %q", name, got, want)
		}
	}
}

func TestResolveTagFallback(t *testing.T) {
	// "gemma" is registered via the family rule; "gemma:9x" is not. The tag
	// rule strips the tag and finds the base alias.
	r, dir := newTestRegistry(t, "gemma-2b-it.gguf")
	got, err := r.Resolve("gemma:9x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := filepath.Join(dir, "gemma-2b-it.gguf"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestResolveSubstringFallback(t *testing.T) {
	// "mistral" matches no exact rule; only the bidirectional substring rule
	// catches it ("mistral" is a substring of the registered stem). The
	// first alias in registration order must win.
	r, dir := newTestRegistry(t, "Mistral-7B-Instruct-v0.2.gguf")
	got, err := r.Resolve("mistral")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := filepath.Join(dir, "Mistral-7B-Instruct-v0.2.gguf"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	// Reverse direction: a long request containing a registered alias.
	got2, err := r.Resolve("my-favourite-mistral-7b-instruct-v0.2-build")
	if err != nil {
		t.Fatalf("Resolve long name: %v", err)
	}
	if got2 != got {
		t.Fatalf("reverse substring: got %q want %q", got2, got)
	}
}

func TestResolveLiteralFilename(t *testing.T) {
	// File added after the scan is invisible to the alias table but rule 6
	// verifies it directly on disk.
	r, dir := newTestRegistry(t, "TinyLlama.gguf")
	late := filepath.Join(dir, "late-arrival.gguf")
	if err := os.WriteFile(late, []byte("gguf"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := r.Resolve("late-arrival.gguf")
	if err != nil {
		t.Fatalf("Resolve with ext: %v", err)
	}
	if got != late {
		t.Fatalf("got %q want %q", got, late)
	}
	got, err = r.Resolve("late-arrival")
	if err != nil {
		t.Fatalf("Resolve without ext: %v", err)
	}
	if got != late {
		t.Fatalf("got %q want %q", got, late)
	}
}

func TestResolveNotFound(t *testing.T) {
	r, _ := newTestRegistry(t, "TinyLlama.gguf")
	_, err := r.Resolve("deepthought:42b")
	if err == nil {
		t.Fatalf("expected not-found")
	}
	if !IsNotFound(err) {
		t.Fatalf("expected IsNotFound, got %v", err)
	}
}

func TestResolveScansEmptyRegistry(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "TinyLlama.gguf"), []byte("gguf"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := New(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// No explicit Scan: Resolve must trigger one.
	got, err := r.Resolve("tinyllama")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := filepath.Join(dir, "TinyLlama.gguf"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestScanIgnoresNonModels(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"notes.txt", "weights.bin"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.gguf"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	r, err := New(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n := r.UniqueCount(); n != 0 {
		t.Fatalf("expected empty registry, got %d artifacts", n)
	}
}

func TestScanCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does", "not", "exist")
	r, err := New(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !dirExists(dir) {
		t.Fatalf("models dir not created")
	}
}

func dirExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func TestListPrefersTaggedAlias(t *testing.T) {
	r, _ := newTestRegistry(t, "TinyLlama-1.1B-Chat.gguf", "random-model.gguf")
	arts := r.List()
	if len(arts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(arts))
	}
	byFile := map[string]Artifact{}
	for _, a := range arts {
		byFile[filepath.Base(a.Path)] = a
	}
	tiny := byFile["TinyLlama-1.1B-Chat.gguf"]
	if tiny.Name == "" || !containsColon(tiny.Name) {
		t.Fatalf("expected tagged preferred name for tinyllama, got %q", tiny.Name)
	}
	if tiny.Family != "tinyllama" || tiny.ParamSize != "1.1B" {
		t.Fatalf("unexpected details: %+v", tiny)
	}
	other := byFile["random-model.gguf"]
	if other.Name != "random-model.gguf" {
		t.Fatalf("expected filename alias for untagged model, got %q", other.Name)
	}
	if len(tiny.Digest()) != 12 {
		t.Fatalf("digest length: %q", tiny.Digest())
	}
}

func containsColon(s string) bool {
	for _, c := range s {
		if c == ':' {
			return true
		}
	}
	return false
}

func TestConcurrentResolveDuringScan(t *testing.T) {
	// Readers race a rebuilding writer; the atomic snapshot swap must never
	// expose a torn table. Run with -race.
	r, _ := newTestRegistry(t, "TinyLlama.gguf")
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := r.Resolve("tinyllama"); err != nil {
					t.Errorf("Resolve: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		if err := r.Scan(); err != nil {
			t.Fatalf("Scan: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}
