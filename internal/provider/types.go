package provider

import (
	"time"

	json "github.com/goccy/go-json"
)

// Message is one chat message forwarded to the upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Timeouts bounds a single upstream attempt.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
}

// Request is one logical chat call. It may result in several HTTP attempts.
type Request struct {
	Messages    []Message
	Model       string
	Temperature *float64
	MaxTokens   *int
	Timeouts    Timeouts
}

// Usage is the upstream token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the decoded body of a successful chat-completions call.
type Response struct {
	ID      string            `json:"id,omitempty"`
	Model   string            `json:"model"`
	Choices []json.RawMessage `json:"choices"`
	Usage   Usage             `json:"usage"`

	// Attempts is how many HTTP attempts the call took.
	Attempts int `json:"-"`
}

// payload is the upstream request body.
type payload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

func newPayload(req Request) payload {
	return payload{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      false,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}
