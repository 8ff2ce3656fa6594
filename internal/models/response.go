package models

import json "github.com/goccy/go-json"

// Usage is the token accounting reported by the upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the success body of POST /api/chat.
type ChatResponse struct {
	Provider       string            `json:"provider"`
	Choices        []json.RawMessage `json:"choices"`
	Usage          Usage             `json:"usage"`
	Model          string            `json:"model"`
	LatencySeconds float64           `json:"latency_seconds"`

	// Attempts is the number of upstream HTTP attempts. Logged, not sent.
	Attempts int `json:"-"`
}

// ErrorResponse is a structured error body. Status is the HTTP status it is
// sent with and is not part of the body.
type ErrorResponse struct {
	Status int `json:"-"`

	Error   string `json:"error"`
	Message string `json:"message"`

	// Upstream details, set depending on the error kind.
	StatusCode int    `json:"status,omitempty"`
	Body       string `json:"body,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Detail     string `json:"detail,omitempty"`

	Details []FieldError `json:"details,omitempty"`
}

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
