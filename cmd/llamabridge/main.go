package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"llamabridge/internal/common/fsutil"
	"llamabridge/internal/config"
	"llamabridge/internal/httpapi"
	"llamabridge/internal/registry"
	"llamabridge/internal/runner"
	"llamabridge/internal/session"
)

func main() {
	// Flags with environment variable defaults
	defaultAddr := ""
	if v := os.Getenv("LLAMABRIDGE_ADDR"); v != "" {
		defaultAddr = v
	}
	configPath := flag.String("config", "", "Optional config file (.yaml/.json/.toml)")
	addr := flag.String("addr", defaultAddr, "HTTP listen address, e.g. 127.0.0.1:11434")
	modelsDir := flag.String("models-dir", "", "Directory to scan for *.gguf model files")
	llamaBin := flag.String("llama-bin", "", "Path to the llama.cpp CLI binary")
	mode := flag.String("mode", "", "Generation mode: oneshot or persistent")
	gpuLayers := flag.Int("gpu-layers", 0, "Number of layers to offload to the GPU")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	var cfg config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("load config")
		}
		cfg = loaded
	}
	// Flags override file values.
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *modelsDir != "" {
		cfg.ModelsDir = *modelsDir
	}
	if *llamaBin != "" {
		cfg.LlamaBin = *llamaBin
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *gpuLayers != 0 {
		cfg.GPULayers = *gpuLayers
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	bin, err := resolveBinary(cfg.LlamaBin)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.LlamaBin).Msg("llama.cpp binary not usable")
	}
	cfg.LlamaBin = bin

	reg, err := registry.New(cfg.ModelsDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init registry")
	}
	if err := reg.Scan(); err != nil {
		log.Fatal().Err(err).Msg("scan models dir")
	}

	run := runner.New(runner.Config{
		Bin:       cfg.LlamaBin,
		GPULayers: cfg.GPULayers,
		Threads:   cfg.Threads,
		CtxSize:   cfg.CtxSize,
		MaxTokens: cfg.MaxTokens,
	}, log)

	var sessions *session.Directory
	if cfg.Mode == config.ModePersistent {
		sessions = session.NewDirectory(reg, session.Config{
			Bin:       cfg.LlamaBin,
			GPULayers: cfg.GPULayers,
			Threads:   cfg.Threads,
			CtxSize:   cfg.CtxSize,
			MaxTokens: cfg.MaxTokens,
			Detector: session.DetectorConfig{
				PollInterval:   time.Duration(cfg.PollIntervalMS) * time.Millisecond,
				IdleTimeout:    time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
				BlankLineLimit: cfg.BlankLineLimit,
				ResponseBudget: time.Duration(cfg.ResponseBudgetMS) * time.Millisecond,
			},
		}, log)
	}

	api := httpapi.New(cfg, log, reg, run, sessions)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Addr).
			Str("mode", cfg.Mode).
			Str("models_dir", cfg.ModelsDir).
			Str("llama_bin", cfg.LlamaBin).
			Int("models", reg.UniqueCount()).
			Msg("llamabridge listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	if sessions != nil {
		sessions.ShutdownAll()
	}
}

// resolveBinary expands and checks the configured binary path, falling back
// to a sibling llama-cli when the primary name is absent.
func resolveBinary(path string) (string, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return "", err
	}
	if fsutil.PathExists(p) && fsutil.IsExecutable(p) {
		return p, nil
	}
	sibling := filepath.Join(filepath.Dir(p), "llama-cli")
	if fsutil.PathExists(sibling) && fsutil.IsExecutable(sibling) {
		return sibling, nil
	}
	return "", os.ErrNotExist
}
