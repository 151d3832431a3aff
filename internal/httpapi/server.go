// Package httpapi exposes the Ollama-compatible HTTP surface. Handlers are
// thin adapters: model names go through the registry, prompts go to the
// one-shot runner or the session directory, and the resulting chunk stream
// is re-serialized into the Ollama wire format.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"llamabridge/internal/config"
	"llamabridge/internal/registry"
	"llamabridge/internal/runner"
	"llamabridge/internal/session"
	"llamabridge/pkg/types"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes int64 = 1 << 20

const timeFormat = "2006-01-02T15:04:05Z"

// embeddingDim is the size of the stub embedding vector.
const embeddingDim = 384

// Server wires the core components behind the route layer.
type Server struct {
	cfg      config.Config
	log      zerolog.Logger
	reg      *registry.Registry
	runner   *runner.Runner
	sessions *session.Directory
}

// New builds a Server. sessions may be nil when the mode is oneshot.
func New(cfg config.Config, log zerolog.Logger, reg *registry.Registry, run *runner.Runner, sessions *session.Directory) *Server {
	return &Server{cfg: cfg, log: log, reg: reg, runner: run, sessions: sessions}
}

// Routes returns the HTTP handler with all endpoints mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(MetricsMiddleware)

	r.Get("/api/tags", s.handleTags)
	r.Get("/api/models", s.handleTags)
	r.Post("/api/show", s.handleShow)
	r.Post("/api/chat", s.handleChat)
	r.Post("/api/generate", s.handleGenerate)
	r.Post("/api/pull", s.handlePull)
	r.Post("/api/embeddings", s.handleEmbeddings)
	r.Get("/health", s.handleHealth)
	r.Get("/api/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func createdAt() string { return time.Now().UTC().Format(timeFormat) }

func shortDigest(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])[:12]
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// writeCoreError maps core errors onto HTTP statuses: unresolvable names are
// 404, everything else is 500 unless the error carries its own code.
func (s *Server) writeCoreError(w http.ResponseWriter, model string, err error) {
	if registry.IsNotFound(err) {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Model %s not found", model))
		return
	}
	if he, ok := err.(HTTPError); ok {
		writeJSONError(w, he.StatusCode(), he.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}

// stream routes a prompt through whichever generation mode is active and
// returns the chunk stream plus the mode label for metrics.
func (s *Server) stream(ctx context.Context, model, prompt string, p runner.Params) (<-chan string, string, error) {
	if s.cfg.Mode == config.ModePersistent && s.sessions != nil {
		sess, err := s.sessions.GetOrCreate(model)
		if err != nil {
			return nil, "", err
		}
		ch, err := sess.Generate(ctx, prompt)
		if err != nil {
			return nil, "", err
		}
		return ch, config.ModePersistent, nil
	}
	path, err := s.reg.Resolve(model)
	if err != nil {
		return nil, "", err
	}
	return s.runner.Run(ctx, path, prompt, p), config.ModeOneshot, nil
}

func paramsFrom(o types.Options) runner.Params {
	return runner.Params{
		MaxTokens:     o.NumPredict,
		Temperature:   o.Temperature,
		TopP:          o.TopP,
		TopK:          o.TopK,
		RepeatPenalty: o.RepeatPenalty,
		Seed:          o.Seed,
	}
}

// writeSSE emits one server-sent event carrying a JSON payload.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	if flusher != nil {
		flusher.Flush()
	}
}

func sseHeaders(w http.ResponseWriter) http.Flusher {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	f, _ := w.(http.Flusher)
	return f
}

// collectChunks joins a drained stream back into one response body.
func collectChunks(ch <-chan string) string {
	var lines []string
	for chunk := range ch {
		lines = append(lines, strings.TrimSuffix(chunk, "\n"))
	}
	return strings.Join(lines, "\n")
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	// Listing rescans so freshly dropped-in files show up immediately.
	if err := s.reg.Scan(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	arts := s.reg.List()
	models := make([]types.ModelSummary, 0, len(arts)+1)
	for _, a := range arts {
		models = append(models, types.ModelSummary{
			Name:       a.Name,
			Model:      a.Name,
			ModifiedAt: a.ModifiedAt.UTC().Format(timeFormat),
			Size:       a.Size,
			Digest:     a.Digest(),
			Details: types.ModelDetails{
				Format:            "gguf",
				Family:            a.Family,
				ParameterSize:     a.ParamSize,
				QuantizationLevel: "Q4_K_M",
			},
		})
	}
	// Synthetic embedding model entry: keeps clients from trying to pull
	// one at startup.
	models = append(models, types.ModelSummary{
		Name:       "nomic-embed-text:latest",
		Model:      "nomic-embed-text:latest",
		ModifiedAt: createdAt(),
		Size:       274302450,
		Digest:     "0a109f422b47",
		Details: types.ModelDetails{
			Format:            "gguf",
			Family:            "nomic",
			ParameterSize:     "137M",
			QuantizationLevel: "F16",
		},
	})
	writeJSON(w, types.TagsResponse{Models: models})
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	var req types.ShowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	path, err := s.reg.Resolve(req.Name)
	if err != nil {
		s.writeCoreError(w, req.Name, err)
		return
	}
	writeJSON(w, types.ShowResponse{
		License:    "Apache 2.0",
		Modelfile:  "FROM " + filepath.Base(path),
		Parameters: fmt.Sprintf("gpu_layers %d\nthreads %d", s.cfg.GPULayers, s.cfg.Threads),
		Template:   "{{ .Prompt }}",
		Details: types.ModelDetails{
			Format:            "gguf",
			Families:          []string{"llama"},
			ParameterSize:     "1.1B",
			QuantizationLevel: "Q4_K_M",
		},
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "no messages provided")
		return
	}
	streaming := req.Stream == nil || *req.Stream
	prompt := buildChatPrompt(req.Messages)

	ch, mode, err := s.stream(r.Context(), req.Model, prompt, paramsFrom(req.Options))
	if err != nil {
		s.writeCoreError(w, req.Model, err)
		return
	}
	responseID := uuid.NewString()
	log := s.log.With().Str("response_id", responseID).Str("model", req.Model).Str("mode", mode).Logger()
	log.Info().Int("messages", len(req.Messages)).Msg("chat request")
	start := time.Now()

	if !streaming {
		content := collectChunks(ch)
		writeJSON(w, types.ChatResponse{
			Model:     req.Model,
			CreatedAt: createdAt(),
			Message:   &types.Message{Role: "assistant", Content: content},
			Done:      true,
		})
		log.Info().Dur("dur", time.Since(start)).Msg("chat done")
		return
	}

	flusher := sseHeaders(w)
	ts := createdAt()
	chunks := 0
	for chunk := range ch {
		writeSSE(w, flusher, types.ChatResponse{
			Model:     req.Model,
			CreatedAt: ts,
			Message:   &types.Message{Role: "assistant", Content: chunk},
			Done:      false,
		})
		countChunk(mode)
		chunks++
	}
	writeSSE(w, flusher, types.ChatResponse{
		Model:           req.Model,
		CreatedAt:       ts,
		Message:         &types.Message{Role: "assistant", Content: ""},
		Done:            true,
		TotalDuration:   time.Since(start).Nanoseconds(),
		PromptEvalCount: len(strings.Fields(prompt)),
		EvalCount:       chunks,
	})
	log.Info().Int("chunks", chunks).Dur("dur", time.Since(start)).Msg("chat done")
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "no prompt provided")
		return
	}
	streaming := req.Stream == nil || *req.Stream

	ch, mode, err := s.stream(r.Context(), req.Model, req.Prompt, paramsFrom(req.Options))
	if err != nil {
		s.writeCoreError(w, req.Model, err)
		return
	}
	responseID := uuid.NewString()
	log := s.log.With().Str("response_id", responseID).Str("model", req.Model).Str("mode", mode).Logger()
	log.Info().Int("prompt_len", len(req.Prompt)).Msg("generate request")
	start := time.Now()

	if !streaming {
		writeJSON(w, types.GenerateResponse{
			Model:     req.Model,
			CreatedAt: createdAt(),
			Response:  collectChunks(ch),
			Done:      true,
		})
		log.Info().Dur("dur", time.Since(start)).Msg("generate done")
		return
	}

	flusher := sseHeaders(w)
	ts := createdAt()
	chunks := 0
	for chunk := range ch {
		writeSSE(w, flusher, types.GenerateResponse{
			Model:     req.Model,
			CreatedAt: ts,
			Response:  chunk,
			Done:      false,
		})
		countChunk(mode)
		chunks++
	}
	writeSSE(w, flusher, types.GenerateResponse{
		Model:         req.Model,
		CreatedAt:     ts,
		Response:      "",
		Done:          true,
		Context:       []int{},
		TotalDuration: time.Since(start).Nanoseconds(),
	})
	log.Info().Int("chunks", chunks).Dur("dur", time.Since(start)).Msg("generate done")
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req types.PullRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	lower := strings.ToLower(req.Name)
	// Embedding models are not runnable here but clients insist on pulling
	// them; pretend it worked.
	if strings.Contains(lower, "embed") || strings.Contains(lower, "minilm") {
		writeJSON(w, types.PullResponse{
			Status: "success",
			Digest: shortDigest(req.Name),
			Note:   "Embedding model simulated for compatibility",
		})
		return
	}
	if _, err := s.reg.Resolve(req.Name); err != nil {
		if registry.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Model %s not found. Please download it first.", req.Name))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, types.PullResponse{Status: "success", Digest: shortDigest(req.Name)})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req types.EmbeddingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// Stub: a fixed-size random vector with no semantics.
	embedding := make([]float64, embeddingDim)
	for i := range embedding {
		embedding[i] = rand.Float64()
	}
	writeJSON(w, types.EmbeddingsResponse{Embedding: embedding})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	loaded := 0
	if s.sessions != nil {
		loaded = s.sessions.Count()
	}
	writeJSON(w, types.HealthResponse{
		Status:          "ok",
		Mode:            s.cfg.Mode,
		GPULayers:       s.cfg.GPULayers,
		ModelsAvailable: s.reg.UniqueCount(),
		SessionsLoaded:  loaded,
	})
}
