package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/janiproxy/janiproxy/internal/config"
	"github.com/sirupsen/logrus"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// redirectPrefix marks grounding links that hide the real target behind
// an upstream redirect service.
const redirectPrefix = "https://vertexaisearch.cloud.google.com/grounding-api-redirect/"

// The fixed safety-policy block sent with every generation request
var safetySettings = []geminiSafetySetting{
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_CIVIC_INTEGRITY", Threshold: "BLOCK_NONE"},
}

// Gemini implements Provider over Google AI's REST API
type Gemini struct {
	baseURL    string
	httpClient *http.Client
	linkClient *http.Client
	logger     *logrus.Logger
}

// NewGemini creates a Gemini provider
func NewGemini(cfg *config.ProviderConfig, logger *logrus.Logger) *Gemini {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Gemini{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		linkClient: &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiPart struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	TopK             *float64 `json:"topK,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	CandidateCount   int      `json:"candidateCount"`
	StopSequences    []string `json:"stopSequences,omitempty"`
}

type geminiTool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
	SafetySettings    []geminiSafetySetting  `json:"safetySettings"`
	Tools             []geminiTool           `json:"tools,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason      string `json:"finishReason"`
		GroundingMetadata *struct {
			WebSearchQueries []string `json:"webSearchQueries"`
			GroundingChunks  []struct {
				Web *struct {
					URI string `json:"uri"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason        string `json:"blockReason"`
		BlockReasonMessage string `json:"blockReasonMessage"`
	} `json:"promptFeedback"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int           `json:"code"`
		Message string        `json:"message"`
		Status  string        `json:"status"`
		Details []ErrorDetail `json:"details"`
	} `json:"error"`
}

// GenerateContent issues one generation request. Context deadlines are
// the only cancellation mechanism; once issued the call runs to
// completion or to its own timeout.
func (g *Gemini) GenerateContent(ctx context.Context, apiKey, model string, turns []Turn, settings Settings) (*Response, error) {
	body := geminiRequest{
		GenerationConfig: geminiGenerationConfig{CandidateCount: 1},
		SafetySettings:   safetySettings,
	}

	for _, turn := range turns {
		role := "user"
		if turn.Role == "assistant" || turn.Role == "model" {
			role = "model"
		}
		body.Contents = append(body.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: turn.Text}},
		})
	}

	applySettings(&body, settings)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errBody geminiErrorBody
		if err := json.Unmarshal(data, &errBody); err != nil || errBody.Error.Status == "" {
			return nil, &UpstreamError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return nil, &UpstreamError{
			Code:    errBody.Error.Code,
			Status:  errBody.Error.Status,
			Message: errBody.Error.Message,
			Details: errBody.Error.Details,
		}
	}

	var result geminiResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}

	return g.convert(&result), nil
}

func applySettings(body *geminiRequest, settings Settings) {
	for key, value := range settings {
		switch key {
		case "system_instruction":
			if text, ok := value.(string); ok && text != "" {
				body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: text}}}
			}
		case "temperature":
			if v, ok := toFloat(value); ok {
				body.GenerationConfig.Temperature = &v
			}
		case "max_tokens":
			if v, ok := toFloat(value); ok && v > 0 {
				n := int(v)
				body.GenerationConfig.MaxOutputTokens = &n
			}
		case "top_k":
			if v, ok := toFloat(value); ok {
				body.GenerationConfig.TopK = &v
			}
		case "top_p":
			if v, ok := toFloat(value); ok {
				body.GenerationConfig.TopP = &v
			}
		case "frequency_penalty":
			if v, ok := toFloat(value); ok {
				body.GenerationConfig.FrequencyPenalty = &v
			}
		case "repetition_penalty":
			if v, ok := toFloat(value); ok {
				body.GenerationConfig.PresencePenalty = &v
			}
		case "stop_sequences":
			if seqs, ok := value.([]string); ok {
				body.GenerationConfig.StopSequences = seqs
			}
		case "search":
			if enabled, ok := value.(bool); ok && enabled {
				body.Tools = append(body.Tools, geminiTool{GoogleSearch: &struct{}{}})
			}
		}
	}
}

func (g *Gemini) convert(result *geminiResponse) *Response {
	response := &Response{}

	if result.PromptFeedback != nil {
		response.BlockReason = result.PromptFeedback.BlockReason
		response.BlockMessage = result.PromptFeedback.BlockReasonMessage
	}

	if result.UsageMetadata != nil {
		response.Usage = &TokenUsage{
			Prompt:     result.UsageMetadata.PromptTokenCount,
			Candidates: result.UsageMetadata.CandidatesTokenCount,
			Thoughts:   result.UsageMetadata.ThoughtsTokenCount,
			Total:      result.UsageMetadata.TotalTokenCount,
		}
	}

	if len(result.Candidates) == 0 {
		return response
	}
	if len(result.Candidates) > 1 {
		g.logger.Warn("More than one candidate in provider response")
	}

	candidate := result.Candidates[0]
	response.FinishReason = candidate.FinishReason
	for _, part := range candidate.Content.Parts {
		response.Parts = append(response.Parts, Part{Text: part.Text, Thought: part.Thought})
	}

	if gm := candidate.GroundingMetadata; gm != nil {
		response.SearchQueries = gm.WebSearchQueries
		for _, chunk := range gm.GroundingChunks {
			if chunk.Web != nil && chunk.Web.URI != "" {
				response.Links = append(response.Links, g.resolveLink(chunk.Web.URI))
			}
		}
	}

	return response
}

// resolveLink follows the upstream redirect service one hop so users get
// the real target. Failures fall back to the original link.
func (g *Gemini) resolveLink(link string) string {
	if !strings.HasPrefix(link, redirectPrefix) {
		return link
	}

	resp, err := g.linkClient.Get(link)
	if err != nil {
		g.logger.WithError(err).Debug("Could not resolve grounding link")
		return link
	}
	defer resp.Body.Close()

	if location := resp.Header.Get("Location"); location != "" {
		return location
	}
	return link
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
