// Package models holds the wire types of the client-facing chat protocol
// and the ephemeral per-request override.
package models

import (
	"encoding/json"
	"fmt"
)

// Message is a single chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the parsed inbound request plus the per-request override:
// transient directive flags and credential plumbing. It is never persisted
// and is discarded at request end.
type ChatRequest struct {
	MaxTokens        int       `json:"max_tokens"`
	Messages         []Message `json:"messages"`
	Model            string    `json:"model"`
	Stream           bool      `json:"stream"`
	Temperature      float64   `json:"temperature"`
	TopK             float64   `json:"top_k"`
	TopP             float64   `json:"top_p"`
	FrequencyPenalty float64   `json:"frequency_penalty"`

	// Quiet comes from the request URL, not the JSON body
	Quiet bool `json:"-"`

	// Toggles set by "this"-style directives, applying to this message only
	Toggles map[string]bool `json:"-"`

	// Credential plumbing filled in by the orchestrator
	APIKey   string `json:"-"`
	KeyIndex int    `json:"-"`
	KeyCount int    `json:"-"`
}

// ParseChatRequest decodes a client request body
func ParseChatRequest(data []byte) (*ChatRequest, error) {
	req := &ChatRequest{Toggles: make(map[string]bool)}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	return req, nil
}

// Toggle sets a per-message override flag
func (r *ChatRequest) Toggle(name string, value bool) {
	if r.Toggles == nil {
		r.Toggles = make(map[string]bool)
	}
	r.Toggles[name] = value
}

// Toggled reports the per-message override flag
func (r *ChatRequest) Toggled(name string) bool {
	return r.Toggles[name]
}

// LastMessage returns the final message of the request, or nil
func (r *ChatRequest) LastMessage() *Message {
	if len(r.Messages) == 0 {
		return nil
	}
	return &r.Messages[len(r.Messages)-1]
}

// IsProxyTest reports whether the request is the synthetic connectivity
// test the chat client sends when the user saves their proxy settings.
// A normal chat request has two or more messages and the first one always
// has role "system" (the bot description). The test request instead has a
// single user message with a fixed content. A false negative only sends
// the request down the regular chat path, which is harmless.
func (r *ChatRequest) IsProxyTest() bool {
	if len(r.Messages) != 1 {
		return false
	}
	return r.Messages[0].Role == "user" && r.Messages[0].Content == "Just say TEST"
}
