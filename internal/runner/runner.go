// Package runner implements one-shot generation: one llama.cpp process per
// request, streamed until exit. No state survives the request.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Params are the per-request sampling knobs. Zero values take defaults.
type Params struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	Seed          *int64
}

func (p *Params) applyDefaults(defaultMaxTokens int) {
	if p.MaxTokens <= 0 {
		p.MaxTokens = defaultMaxTokens
	}
	if p.Temperature == 0 {
		p.Temperature = 0.7
	}
	if p.TopP == 0 {
		p.TopP = 0.9
	}
	if p.TopK == 0 {
		p.TopK = 40
	}
	if p.RepeatPenalty == 0 {
		p.RepeatPenalty = 1.1
	}
}

// Config fixes the process-invariant part of the argument contract.
type Config struct {
	Bin       string
	GPULayers int
	Threads   int
	CtxSize   int
	MaxTokens int // default output budget when a request does not set one
}

// Runner spawns one child process per Run call.
type Runner struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Runner {
	return &Runner{cfg: cfg, log: log}
}

// diagnosticLine reports lines the binary prints about itself rather than
// generated text.
func diagnosticLine(line string) bool {
	return strings.HasPrefix(line, "system_info:") || strings.HasPrefix(line, "main:")
}

// Args builds the positional flag list passed to the binary.
func (r *Runner) Args(modelPath, prompt string, p Params) []string {
	args := []string{
		"-m", modelPath,
		"-ngl", fmt.Sprint(r.cfg.GPULayers),
		"-t", fmt.Sprint(r.cfg.Threads),
		"-c", fmt.Sprint(r.cfg.CtxSize),
		"-n", fmt.Sprint(p.MaxTokens),
		"--temp", fmt.Sprint(p.Temperature),
		"--top-p", fmt.Sprint(p.TopP),
		"--top-k", fmt.Sprint(p.TopK),
		"--repeat-penalty", fmt.Sprint(p.RepeatPenalty),
		"-p", prompt,
		"--simple-io",
		"--no-display-prompt",
	}
	if p.Seed != nil {
		args = append(args, "-s", fmt.Sprint(*p.Seed))
	}
	return args
}

// Run launches the binary and returns a single-pass, non-restartable stream
// of output lines in arrival order, each terminated by a newline, with
// diagnostic banners filtered out. The channel closes only after the process
// has exited. A non-zero exit is logged and does not invalidate chunks
// already delivered. Launch failures surface as one synthetic "Error:" chunk
// so the streaming contract is never broken mid-response.
func (r *Runner) Run(ctx context.Context, modelPath, prompt string, p Params) <-chan string {
	p.applyDefaults(r.cfg.MaxTokens)
	out := make(chan string)

	cmd := exec.CommandContext(ctx, r.cfg.Bin, r.Args(modelPath, prompt, p)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		r.log.Error().Err(err).Str("bin", r.cfg.Bin).Str("model", modelPath).Msg("launch failed")
		go func() {
			defer close(out)
			select {
			case out <- "Error: " + err.Error():
			case <-ctx.Done():
			}
		}()
		return out
	}
	r.log.Debug().Str("model", modelPath).Int("pid", cmd.Process.Pid).Msg("one-shot start")

	go func() {
		defer close(out)
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimRight(sc.Text(), "\r")
			if diagnosticLine(line) {
				continue
			}
			select {
			case out <- line + "\n":
			case <-ctx.Done():
				// Client gone: let CommandContext kill the process, then
				// fall through to Wait below.
				_ = cmd.Wait()
				return
			}
		}
		if err := cmd.Wait(); err != nil {
			tail := stderr.String()
			if len(tail) > 4096 {
				tail = tail[len(tail)-4096:]
			}
			r.log.Error().Err(err).Str("model", modelPath).Str("stderr_tail", tail).Msg("one-shot exit")
		} else {
			r.log.Debug().Str("model", modelPath).Msg("one-shot done")
		}
	}()
	return out
}

// RunCollect drains a Run stream and returns the lines rejoined with
// newlines, delivered only after the process has exited.
func (r *Runner) RunCollect(ctx context.Context, modelPath, prompt string, p Params) string {
	var lines []string
	for chunk := range r.Run(ctx, modelPath, prompt, p) {
		lines = append(lines, strings.TrimSuffix(chunk, "\n"))
	}
	return strings.Join(lines, "\n")
}
