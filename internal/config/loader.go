package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Generation modes. Persistent keeps one interactive child process alive per
// model name; oneshot spawns a fresh process per request.
const (
	ModePersistent = "persistent"
	ModeOneshot    = "oneshot"
)

// Config holds runtime parameters for the bridge.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// LlamaBin is the primary path to the llama.cpp CLI binary. When the
	// file is absent, a sibling named llama-cli is tried before failing.
	LlamaBin string `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	Mode     string `json:"mode" yaml:"mode" toml:"mode"`

	GPULayers int `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	Threads   int `json:"threads" yaml:"threads" toml:"threads"`
	CtxSize   int `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`

	// Completion-detection thresholds for persistent sessions.
	PollIntervalMS   int `json:"poll_interval_ms" yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	IdleTimeoutMS    int `json:"idle_timeout_ms" yaml:"idle_timeout_ms" toml:"idle_timeout_ms"`
	BlankLineLimit   int `json:"blank_line_limit" yaml:"blank_line_limit" toml:"blank_line_limit"`
	ResponseBudgetMS int `json:"response_budget_ms" yaml:"response_budget_ms" toml:"response_budget_ms"`

	// CORSAllowedOrigins defaults to allowing every origin, which is what
	// the local web UIs talking to this bridge expect.
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyDefaults fills every unspecified field in place.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:11434"
	}
	if c.ModelsDir == "" {
		c.ModelsDir = "~/PocketLLM/models"
	}
	if c.LlamaBin == "" {
		c.LlamaBin = "~/llama.cpp/build/bin/main"
	}
	if c.Mode == "" {
		c.Mode = ModeOneshot
	}
	if c.GPULayers == 0 {
		c.GPULayers = 16
	}
	if c.Threads == 0 {
		c.Threads = runtime.NumCPU()
	}
	if c.CtxSize == 0 {
		c.CtxSize = 4096
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 512
	}
	if c.PollIntervalMS == 0 {
		c.PollIntervalMS = 100
	}
	if c.IdleTimeoutMS == 0 {
		c.IdleTimeoutMS = 2000
	}
	if c.BlankLineLimit == 0 {
		c.BlankLineLimit = 2
	}
	if c.ResponseBudgetMS == 0 {
		c.ResponseBudgetMS = 30000
	}
	if len(c.CORSAllowedOrigins) == 0 {
		c.CORSAllowedOrigins = []string{"*"}
	}
}

// Validate rejects configurations the rest of the system cannot honor.
func (c Config) Validate() error {
	switch c.Mode {
	case ModePersistent, ModeOneshot:
	default:
		return fmt.Errorf("invalid mode %q (want %q or %q)", c.Mode, ModePersistent, ModeOneshot)
	}
	if c.PollIntervalMS < 0 || c.IdleTimeoutMS < 0 || c.ResponseBudgetMS < 0 {
		return fmt.Errorf("timing thresholds must be non-negative")
	}
	if c.BlankLineLimit < 1 {
		return fmt.Errorf("blank_line_limit must be at least 1")
	}
	return nil
}
