package session

import "time"

// Phase of the completion detector. A response moves COLLECTING -> IDLE_GRACE
// when the queue goes quiet after output has arrived, back to COLLECTING when
// a line shows up, and to DONE when any completion rule fires.
type Phase int

const (
	PhaseCollecting Phase = iota
	PhaseIdleGrace
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseCollecting:
		return "collecting"
	case PhaseIdleGrace:
		return "idle_grace"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// DetectorConfig holds the completion-detection thresholds. The interactive
// binary emits no end-of-turn marker, so completion is inferred from silence
// and blank-line runs; these knobs tune that inference.
type DetectorConfig struct {
	// PollInterval is how long a single queue poll waits before reporting
	// an empty tick.
	PollInterval time.Duration
	// IdleTimeout ends the response after this much silence, armed only
	// once at least one line has been collected.
	IdleTimeout time.Duration
	// BlankLineLimit ends the response after this many consecutive blank
	// lines.
	BlankLineLimit int
	// ResponseBudget is the hard wall-clock limit for one response,
	// measured from the prompt write. It always wins.
	ResponseBudget time.Duration
}

// DefaultDetectorConfig matches the documented thresholds: 100ms polls, 2s
// idle gap, two blank lines, 30s budget.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		PollInterval:   100 * time.Millisecond,
		IdleTimeout:    2 * time.Second,
		BlankLineLimit: 2,
		ResponseBudget: 30 * time.Second,
	}
}

func (c *DetectorConfig) applyDefaults() {
	d := DefaultDetectorConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.BlankLineLimit <= 0 {
		c.BlankLineLimit = d.BlankLineLimit
	}
	if c.ResponseBudget <= 0 {
		c.ResponseBudget = d.ResponseBudget
	}
}

// detector decides, per response, when the stream of queued lines has ended.
// It is fed one event per poll: ObserveLine for a received line, ObserveIdle
// for an empty poll. The clock is injected so the transitions are testable
// without waiting.
type detector struct {
	cfg   DetectorConfig
	now   func() time.Time
	phase Phase

	start     time.Time // prompt write
	lastLine  time.Time
	collected int
	blankRun  int
}

func newDetector(cfg DetectorConfig, now func() time.Time) *detector {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	d := &detector{cfg: cfg, now: now}
	d.start = now()
	d.lastLine = d.start
	return d
}

// ObserveLine feeds one queued line. keep reports whether the line belongs
// to the response (blank lines are counted, not kept).
func (d *detector) ObserveLine(line string) (keep bool) {
	if d.phase == PhaseDone {
		return false
	}
	if d.overBudget() {
		d.phase = PhaseDone
		return false
	}
	if line == "" {
		d.blankRun++
		if d.blankRun >= d.cfg.BlankLineLimit {
			d.phase = PhaseDone
		}
		return false
	}
	d.blankRun = 0
	d.collected++
	d.lastLine = d.now()
	d.phase = PhaseCollecting
	return true
}

// ObserveIdle feeds one empty poll.
func (d *detector) ObserveIdle() {
	if d.phase == PhaseDone {
		return
	}
	if d.overBudget() {
		d.phase = PhaseDone
		return
	}
	if d.collected == 0 {
		// Idle before any output never ends the response; only the
		// budget can.
		return
	}
	d.phase = PhaseIdleGrace
	if d.now().Sub(d.lastLine) > d.cfg.IdleTimeout {
		d.phase = PhaseDone
	}
}

func (d *detector) overBudget() bool {
	return d.now().Sub(d.start) > d.cfg.ResponseBudget
}

// Done reports whether the response has ended.
func (d *detector) Done() bool { return d.phase == PhaseDone }

// Collected reports how many non-blank lines have been kept.
func (d *detector) Collected() int { return d.collected }
