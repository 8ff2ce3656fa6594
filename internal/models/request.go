package models

// Request bounds enforced by the validate tags below.
const (
	MaxMessages      = 100
	MaxContentLength = 50000

	// MaxBodyBytes is the default cap on a chat request body. The largest
	// valid request fits even when every character arrives as an escaped
	// surrogate pair (12 bytes), with 1 MiB left for the surrounding JSON.
	MaxBodyBytes = MaxMessages*MaxContentLength*12 + 1<<20
)

// Message represents a single chat message
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant function tool"`
	Content string `json:"content" validate:"max=50000"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []Message `json:"messages" validate:"required,min=1,max=100,dive"`

	// Model overrides the configured default model when set.
	Model     string `json:"model,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`

	// Optional sampling parameters; nil means "not sent upstream".
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int     `json:"max_tokens,omitempty" validate:"omitempty,min=1,max=16000"`
}
