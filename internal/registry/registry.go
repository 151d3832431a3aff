// Package registry maps the many names clients use for a model onto the one
// GGUF file that backs it. The alias table is rebuilt wholesale on every scan
// and published with an atomic pointer swap, so readers never observe a
// partially built table.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"llamabridge/internal/common/fsutil"
)

// Ext is the one recognized model artifact extension.
const Ext = ".gguf"

// Artifact is one unique model file, described for listings.
type Artifact struct {
	// Name is the preferred display alias; a ':'-tagged alias wins over a
	// plain one because that is what Ollama clients expect to see.
	Name       string
	Path       string
	Size       int64
	ModifiedAt time.Time
	Family     string
	ParamSize  string
}

// Digest derives the short pseudo-digest reported for this artifact.
func (a Artifact) Digest() string {
	sum := sha256.Sum256([]byte(a.Name))
	return hex.EncodeToString(sum[:])[:12]
}

// snapshot is one immutable build of the alias table. order preserves
// registration order so the substring fallback in Resolve stays
// deterministic for a given directory state.
type snapshot struct {
	aliases map[string]string
	order   []string
	paths   []string // unique artifact paths, scan order
}

// Registry resolves loose model names to artifact paths.
type Registry struct {
	dir string
	log zerolog.Logger

	mu   sync.Mutex // serializes Scan; Resolve never takes it
	snap atomic.Pointer[snapshot]
}

// New builds a Registry over dir. No scan happens until Scan or the first
// Resolve against an empty table.
func New(dir string, log zerolog.Logger) (*Registry, error) {
	abs, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err = filepath.Abs(abs)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	r := &Registry{dir: abs, log: log}
	r.snap.Store(&snapshot{aliases: map[string]string{}})
	return r, nil
}

// Dir returns the absolute models directory.
func (r *Registry) Dir() string { return r.dir }

// Scan rebuilds the alias table from the directory's current contents.
// The table is a pure function of the directory: two scans over an
// unchanged directory produce identical mappings.
func (r *Registry) Scan() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !fsutil.PathExists(r.dir) {
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			return fmt.Errorf("create models dir: %w", err)
		}
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read models dir: %w", err)
	}

	next := &snapshot{aliases: make(map[string]string)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), Ext) {
			continue
		}
		path := filepath.Join(r.dir, name)
		next.paths = append(next.paths, path)
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		stemLower := strings.ToLower(stem)

		next.add(name, path)
		next.add(stem, path)
		next.add(stemLower, path)
		simple := strings.NewReplacer("-", "_", ".", "_").Replace(stemLower)
		next.add(simple, path)

		for _, alias := range familyAliases(stemLower) {
			next.add(alias, path)
		}
	}
	r.snap.Store(next)

	r.log.Info().
		Int("artifacts", len(next.paths)).
		Int("aliases", len(next.aliases)).
		Str("dir", r.dir).
		Msg("model scan complete")
	if len(next.paths) == 0 {
		r.log.Warn().Str("dir", r.dir).Msg("no models found")
	}
	return nil
}

// add registers alias -> path, keeping order for deterministic iteration.
// Later files overwrite earlier ones for a contested alias, matching the
// scan order semantics of the table being a plain map rebuild.
func (s *snapshot) add(alias, path string) {
	if _, seen := s.aliases[alias]; !seen {
		s.order = append(s.order, alias)
	}
	s.aliases[alias] = path
}

// familyAliases returns the conventional family:size tags for a stem.
// Substring checks, not parsing: first matching rule wins per family group,
// and groups are independent, so one file can satisfy several.
func familyAliases(stemLower string) []string {
	var out []string
	if strings.Contains(stemLower, "tinyllama") {
		out = append(out, "tinyllama", "tinyllama:latest", "tinyllama:1b", "tinyllama:1.1b")
	}
	if strings.Contains(stemLower, "llama") && strings.Contains(stemLower, "3.2") {
		out = append(out, "llama3.2:1b", "llama3.2", "llama3:latest", "llama3")
	}
	if strings.Contains(stemLower, "llama3") {
		out = append(out, "llama3", "llama3:latest")
		switch {
		case strings.Contains(stemLower, "1b"):
			out = append(out, "llama3:1b", "llama3.2:1b")
		case strings.Contains(stemLower, "3b"):
			out = append(out, "llama3:3b")
		case strings.Contains(stemLower, "7b"), strings.Contains(stemLower, "8b"):
			out = append(out, "llama3:8b")
		}
	}
	if strings.Contains(stemLower, "phi") {
		out = append(out, "phi3:mini", "phi3:latest", "phi3", "phi")
	}
	if strings.Contains(stemLower, "gemma") {
		out = append(out, "gemma:2b", "gemma:latest", "gemma")
	}
	if strings.Contains(stemLower, "qwen") {
		out = append(out, "qwen:1.8b", "qwen:latest", "qwen:1.5b", "qwen")
	}
	return out
}

// Resolve maps a requested model name to an artifact path. The rule chain is
// strict: the first rule that succeeds returns immediately.
//
//  1. exact alias
//  2. lowercase alias
//  3. separator transforms (space/dash/underscore), each exact then lowercase
//  4. tag stripped, then tag replaced with :latest
//  5. substring match either direction, first alias in registration order;
//     intentionally lossy under ambiguous names
//  6. literal filename under the models dir, with or without the extension
func (r *Registry) Resolve(name string) (string, error) {
	s := r.snap.Load()
	if len(s.aliases) == 0 {
		if err := r.Scan(); err != nil {
			return "", err
		}
		s = r.snap.Load()
	}

	if p, ok := s.aliases[name]; ok {
		return p, nil
	}
	lower := strings.ToLower(name)
	if p, ok := s.aliases[lower]; ok {
		return p, nil
	}

	variants := []string{
		strings.ReplaceAll(name, " ", "-"),
		strings.ReplaceAll(name, " ", "_"),
		strings.ReplaceAll(name, "-", "_"),
		strings.ReplaceAll(name, "_", "-"),
	}
	for _, v := range variants {
		if p, ok := s.aliases[v]; ok {
			return p, nil
		}
		if p, ok := s.aliases[strings.ToLower(v)]; ok {
			return p, nil
		}
	}

	if i := strings.Index(name, ":"); i >= 0 {
		base := name[:i]
		if p, ok := s.aliases[base]; ok {
			return p, nil
		}
		if p, ok := s.aliases[base+":latest"]; ok {
			return p, nil
		}
	}

	for _, alias := range s.order {
		aliasLower := strings.ToLower(alias)
		if strings.Contains(aliasLower, lower) || strings.Contains(lower, aliasLower) {
			p := s.aliases[alias]
			r.log.Info().Str("name", name).Str("alias", alias).Str("path", p).Msg("partial model match")
			return p, nil
		}
	}

	direct := filepath.Join(r.dir, name)
	if strings.EqualFold(filepath.Ext(name), Ext) && fsutil.PathExists(direct) {
		return direct, nil
	}
	withExt := filepath.Join(r.dir, name+Ext)
	if fsutil.PathExists(withExt) {
		return withExt, nil
	}

	r.log.Warn().Str("name", name).Msg("model not found")
	return "", notFoundError{name: name}
}

// Aliases returns the registered aliases in registration order.
func (r *Registry) Aliases() []string {
	s := r.snap.Load()
	return append([]string(nil), s.order...)
}

// UniqueCount reports the number of distinct artifacts in the table.
func (r *Registry) UniqueCount() int {
	return len(r.snap.Load().paths)
}

// List returns one Artifact per unique model file, with the preferred
// display alias and filesystem metadata. Files deleted since the last scan
// are skipped.
func (r *Registry) List() []Artifact {
	s := r.snap.Load()

	preferred := make(map[string]string, len(s.paths))
	for _, alias := range s.order {
		p := s.aliases[alias]
		cur, ok := preferred[p]
		if !ok {
			preferred[p] = alias
			continue
		}
		if !strings.Contains(cur, ":") && strings.Contains(alias, ":") {
			preferred[p] = alias
		}
	}

	out := make([]Artifact, 0, len(s.paths))
	for _, p := range s.paths {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		family, paramSize := describeFile(filepath.Base(p))
		out = append(out, Artifact{
			Name:       preferred[p],
			Path:       p,
			Size:       fi.Size(),
			ModifiedAt: fi.ModTime(),
			Family:     family,
			ParamSize:  paramSize,
		})
	}
	return out
}

// describeFile guesses family and parameter size from a filename. Best
// effort for display only; resolution never depends on it.
func describeFile(filename string) (family, paramSize string) {
	lower := strings.ToLower(filename)
	family, paramSize = "llama", "1B"
	switch {
	case strings.Contains(lower, "tinyllama"):
		family, paramSize = "tinyllama", "1.1B"
	case strings.Contains(lower, "llama"):
		switch {
		case strings.Contains(lower, "1b"):
			paramSize = "1B"
		case strings.Contains(lower, "3b"):
			paramSize = "3B"
		case strings.Contains(lower, "7b"), strings.Contains(lower, "8b"):
			paramSize = "8B"
		}
	case strings.Contains(lower, "phi"):
		family, paramSize = "phi", "3.8B"
	case strings.Contains(lower, "gemma"):
		family, paramSize = "gemma", "2B"
	case strings.Contains(lower, "qwen"):
		family, paramSize = "qwen", "1.8B"
	}
	return family, paramSize
}
