package session

import (
	"sync"

	"github.com/rs/zerolog"

	"llamabridge/internal/registry"
)

// Directory is the process-wide table of live sessions. Sessions are keyed
// by the requested model name, not the resolved path: two aliases of the
// same artifact get two independent processes. Callers may rely on that
// per-alias isolation, so it is load-bearing behavior, not an accident.
type Directory struct {
	reg *registry.Registry
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewDirectory builds an empty directory resolving names through reg.
func NewDirectory(reg *registry.Registry, cfg Config, log zerolog.Logger) *Directory {
	return &Directory{
		reg:      reg,
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the live session for modelName, creating and starting
// one when none exists. Resolution failures return before any process is
// spawned.
func (d *Directory) GetOrCreate(modelName string) (*Session, error) {
	path, err := d.reg.Resolve(modelName)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[modelName]; ok {
		return s, nil
	}
	s := New(modelName, path, d.cfg, d.log)
	if err := s.Start(); err != nil {
		return nil, err
	}
	d.sessions[modelName] = s
	return s, nil
}

// Count reports the number of live sessions.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// ShutdownAll stops and discards every session. Called once at teardown.
func (d *Directory) ShutdownAll() {
	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.sessions = make(map[string]*Session)
	d.mu.Unlock()

	d.log.Info().Int("sessions", len(sessions)).Msg("shutting down sessions")
	for _, s := range sessions {
		_ = s.Stop()
	}
}
