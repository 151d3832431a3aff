package types

// Message is a single turn in a chat conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries the sampling parameters clients may attach to a chat or
// generate request. Zero values mean "use the server default".
type Options struct {
	Temperature   float64 `json:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	// Seed for reproducibility; nil lets the binary choose.
	Seed *int64 `json:"seed,omitempty"`
	// NumPredict is the output token budget (Ollama naming).
	NumPredict int `json:"num_predict,omitempty"`
}

// ChatRequest is the payload of POST /api/chat.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	// Stream defaults to true when omitted, matching Ollama.
	Stream  *bool   `json:"stream,omitempty"`
	Options Options `json:"options,omitempty"`
}

// ChatResponse is one streamed (or the single buffered) chat chunk.
type ChatResponse struct {
	Model     string   `json:"model"`
	CreatedAt string   `json:"created_at"`
	Message   *Message `json:"message,omitempty"`
	Done      bool     `json:"done"`
	// Final-chunk accounting fields. Durations are nanoseconds.
	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// GenerateRequest is the payload of POST /api/generate.
type GenerateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  *bool   `json:"stream,omitempty"`
	Options Options `json:"options,omitempty"`
}

// GenerateResponse is one streamed (or the single buffered) completion chunk.
type GenerateResponse struct {
	Model         string `json:"model"`
	CreatedAt     string `json:"created_at"`
	Response      string `json:"response"`
	Done          bool   `json:"done"`
	Context       []int  `json:"context,omitempty"`
	TotalDuration int64  `json:"total_duration,omitempty"`
	LoadDuration  int64  `json:"load_duration,omitempty"`
}

// ModelDetails describes a listed model artifact.
type ModelDetails struct {
	Format            string   `json:"format"`
	Family            string   `json:"family,omitempty"`
	Families          []string `json:"families,omitempty"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

// ModelSummary is one entry of the /api/tags listing.
type ModelSummary struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt string       `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

// TagsResponse wraps the model listing returned by GET /api/tags.
type TagsResponse struct {
	Models []ModelSummary `json:"models"`
}

// ShowRequest is the payload of POST /api/show.
type ShowRequest struct {
	Name string `json:"name"`
}

// ShowResponse is the model detail returned by POST /api/show.
type ShowResponse struct {
	License    string       `json:"license"`
	Modelfile  string       `json:"modelfile"`
	Parameters string       `json:"parameters"`
	Template   string       `json:"template"`
	Details    ModelDetails `json:"details"`
}

// PullRequest is the payload of POST /api/pull.
type PullRequest struct {
	Name string `json:"name"`
}

// PullResponse reports the outcome of a pull. No download happens; the
// handler only verifies the model already exists locally.
type PullResponse struct {
	Status string `json:"status"`
	Digest string `json:"digest,omitempty"`
	Note   string `json:"note,omitempty"`
}

// EmbeddingsRequest is the payload of POST /api/embeddings.
type EmbeddingsRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

// EmbeddingsResponse carries the stub embedding vector.
type EmbeddingsResponse struct {
	Embedding []float64 `json:"embedding"`
}

// HealthResponse is returned by GET /health and GET /api/health.
type HealthResponse struct {
	Status          string `json:"status"`
	Mode            string `json:"mode"`
	GPULayers       int    `json:"gpu_layers"`
	ModelsAvailable int    `json:"models_available"`
	SessionsLoaded  int    `json:"sessions_loaded"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
