// Package provider fronts the upstream generative-content API and
// classifies its failures into user-facing outcomes.
package provider

import (
	"context"
	"fmt"
)

// Turn is one ordered conversation turn sent upstream
type Turn struct {
	Role string
	Text string
}

// Settings is the flat generation-settings map. Recognized keys follow
// the client protocol: temperature, max_tokens, top_k, top_p,
// frequency_penalty, system_instruction, stop_sequences, search.
type Settings map[string]any

// Part is one piece of candidate output. Thought parts are internal
// reasoning and never shown to users.
type Part struct {
	Text    string
	Thought bool
}

// TokenUsage carries the upstream token counters
type TokenUsage struct {
	Prompt     int
	Candidates int
	Thoughts   int
	Total      int
}

// Response is the abstract successful result shape. This is the only
// provider response surface the orchestration layer ever sees.
type Response struct {
	Parts         []Part
	BlockReason   string
	BlockMessage  string
	FinishReason  string
	Usage         *TokenUsage
	SearchQueries []string
	Links         []string
}

// Text returns the concatenated visible output text
func (r *Response) Text() string {
	var text string
	for _, part := range r.Parts {
		if !part.Thought {
			text += part.Text
		}
	}
	return text
}

// QuotaViolation is one entry of a quota-failure detail
type QuotaViolation struct {
	QuotaID string `json:"quotaId"`
}

// ErrorDetail is one structured detail of an upstream failure
type ErrorDetail struct {
	Type       string           `json:"@type"`
	Reason     string           `json:"reason"`
	Violations []QuotaViolation `json:"violations"`
}

const (
	detailTypeErrorInfo    = "type.googleapis.com/google.rpc.ErrorInfo"
	detailTypeQuotaFailure = "type.googleapis.com/google.rpc.QuotaFailure"
)

// UpstreamError is a typed upstream failure: a coarse status code, a
// machine status name, a human message and optional structured details.
type UpstreamError struct {
	Code    int
	Status  string
	Message string
	Details []ErrorDetail
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %d %s: %s", e.Code, e.Status, e.Message)
}

// Provider is the upstream generative-content API. Implementations own
// the protocol-specific request body and response parsing; callers only
// see the abstract shapes above.
type Provider interface {
	GenerateContent(ctx context.Context, apiKey, model string, turns []Turn, settings Settings) (*Response, error)
}
