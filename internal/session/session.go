// Package session implements persistent-mode generation: one long-lived
// interactive llama.cpp process per model name, multiplexing prompts through
// its stdin/stdout across requests. Because the binary emits no end-of-turn
// marker, each response's end is inferred by the completion detector.
package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// State is the session lifecycle: UNSTARTED -> RUNNING -> STOPPED.
type State int

const (
	StateUnstarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config fixes the child-process invocation and the detector thresholds
// shared by every session.
type Config struct {
	Bin       string
	GPULayers int
	Threads   int
	CtxSize   int
	MaxTokens int
	Detector  DetectorConfig
}

// queueSize bounds the drain queue. The reader blocks when a response goes
// unconsumed for this long, which only happens when no request is draining.
const queueSize = 1024

// Session owns one interactive child process and its I/O plumbing. All
// Generate calls are serialized behind genMu: two concurrent requests to the
// same session never interleave process I/O.
type Session struct {
	modelName string
	modelPath string
	cfg       Config
	log       zerolog.Logger

	genMu sync.Mutex

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	queue    chan string
	stopCh   chan struct{} // closed by Stop to unblock the reader
	procDone chan struct{} // closed when the process has been reaped
	alive    bool
}

// New builds an unstarted session for a resolved model path. modelName is
// the requested name, kept for logging and error text.
func New(modelName, modelPath string, cfg Config, log zerolog.Logger) *Session {
	return &Session{
		modelName: modelName,
		modelPath: modelPath,
		cfg:       cfg,
		log:       log.With().Str("model", modelName).Logger(),
	}
}

// ModelPath returns the resolved artifact path backing this session.
func (s *Session) ModelPath() string { return s.modelPath }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Alive reports whether the child process is still running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// interactiveArgs is the fixed argument list for the interactive child.
func (s *Session) interactiveArgs() []string {
	return []string{
		"-m", s.modelPath,
		"-ngl", fmt.Sprint(s.cfg.GPULayers),
		"-t", fmt.Sprint(s.cfg.Threads),
		"-c", fmt.Sprint(s.cfg.CtxSize),
		"--interactive",
		"--interactive-first",
		"--simple-io",
		"-n", fmt.Sprint(s.cfg.MaxTokens),
		"--temp", "0.7",
		"--top-p", "0.9",
		"--top-k", "40",
		"--repeat-penalty", "1.1",
	}
}

// Start launches the child process and its single reader goroutine. Calling
// Start on a RUNNING session is a no-op; on a STOPPED one it fails.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRunning:
		return nil
	case StateStopped:
		return stoppedError{model: s.modelName}
	}

	cmd := exec.Command(s.cfg.Bin, s.interactiveArgs()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start session process: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.queue = make(chan string, queueSize)
	s.stopCh = make(chan struct{})
	s.procDone = make(chan struct{})
	s.state = StateRunning
	s.alive = true
	s.log.Info().Int("pid", cmd.Process.Pid).Str("path", s.modelPath).Msg("session start")

	// The one background task per session: move stdout lines onto the
	// queue unmodified until the process exits, then reap it.
	go func(queue chan string, stopCh, procDone chan struct{}) {
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case queue <- strings.TrimRight(sc.Text(), "\r"):
			case <-stopCh:
				// Drain remaining output so Wait can close the pipe.
				for sc.Scan() {
				}
			}
		}
		err := cmd.Wait()
		s.mu.Lock()
		s.alive = false
		s.mu.Unlock()
		close(procDone)
		close(queue)
		if err != nil {
			tail := stderr.String()
			if len(tail) > 4096 {
				tail = tail[len(tail)-4096:]
			}
			s.log.Error().Err(err).Str("stderr_tail", tail).Msg("session process exit")
			return
		}
		s.log.Info().Msg("session process exit")
	}(s.queue, s.stopCh, s.procDone)
	return nil
}

// drainStale discards queued output left over from a previous response.
// Best effort: lines still in flight inside the child or the reader may
// survive the drain.
func (s *Session) drainStale(queue chan string) {
	for {
		select {
		case _, ok := <-queue:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Generate writes the prompt to the child process and returns the response
// as a single-pass stream of newline-terminated lines. The stream ends when
// the completion detector fires; consuming it to exhaustion releases the
// session for the next caller. Lazily starts the session.
func (s *Session) Generate(ctx context.Context, prompt string) (<-chan string, error) {
	s.genMu.Lock()
	if err := s.Start(); err != nil {
		s.genMu.Unlock()
		return nil, err
	}
	s.mu.Lock()
	queue := s.queue
	stdin := s.stdin
	s.mu.Unlock()

	s.drainStale(queue)

	if _, err := io.WriteString(stdin, prompt+"\n"); err != nil {
		s.genMu.Unlock()
		return nil, fmt.Errorf("write prompt: %w", err)
	}

	det := newDetector(s.cfg.Detector, time.Now)
	echo := strings.TrimSpace(prompt)
	ch := make(chan string)

	go func() {
		defer s.genMu.Unlock()
		defer close(ch)
		q := queue
		for !det.Done() {
			select {
			case line, ok := <-q:
				if !ok {
					// Process died mid-response; no explicit signal
					// exists, so fall back to the timeout rules.
					q = nil
					continue
				}
				if strings.TrimSpace(line) == echo && echo != "" {
					continue
				}
				if det.ObserveLine(line) {
					select {
					case ch <- line + "\n":
					case <-ctx.Done():
						return
					}
				}
			case <-time.After(s.detectorPollInterval()):
				det.ObserveIdle()
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *Session) detectorPollInterval() time.Duration {
	if s.cfg.Detector.PollInterval > 0 {
		return s.cfg.Detector.PollInterval
	}
	return DefaultDetectorConfig().PollInterval
}

// GenerateCollect runs Generate and returns the full response, lines joined
// by newlines, after completion detection has ended it.
func (s *Session) GenerateCollect(ctx context.Context, prompt string) (string, error) {
	ch, err := s.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	var lines []string
	for chunk := range ch {
		lines = append(lines, strings.TrimSuffix(chunk, "\n"))
	}
	return strings.Join(lines, "\n"), nil
}

// Stop terminates the child process: SIGTERM, a bounded wait, then SIGKILL.
// Pending output is not flushed. Idempotent.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	cmd := s.cmd
	procDone := s.procDone
	close(s.stopCh)
	s.cmd = nil
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = s.stdin.Close()
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-procDone:
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
			<-procDone
		}
	}
	s.log.Info().Msg("session stopped")
	return nil
}
