package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/janiproxy/janiproxy/internal/services/stats"
	"github.com/janiproxy/janiproxy/internal/xuid"
	"github.com/sirupsen/logrus"
)

// Outcome is a classified generation result: an HTTP-equivalent status,
// a user-facing message or text, and the metadata the orchestrator needs
// to act on it.
type Outcome struct {
	Status  int
	Message string

	// Text and Extras are only set on success
	Text   string
	Extras string
	Usage  *TokenUsage

	// APIKeyValid is false when the upstream rejected the credential
	// itself. The orchestrator must not persist user state in that case.
	APIKeyValid bool

	// RejectionFeedback is the machine-readable tag of a content
	// rejection (block or finish reason).
	RejectionFeedback string
}

// Classifier maps upstream failures onto the fixed outcome taxonomy
type Classifier struct {
	stats  *stats.Tracker
	logger *logrus.Logger
}

// NewClassifier creates an error classifier
func NewClassifier(tracker *stats.Tracker, logger *logrus.Logger) *Classifier {
	return &Classifier{stats: tracker, logger: logger}
}

// Classify turns a provider call result into a classified outcome
func (c *Classifier) Classify(ctx context.Context, user xuid.XUID, model string, resp *Response, err error) *Outcome {
	if err != nil {
		return c.classifyError(ctx, user, model, err)
	}
	return c.classifyResponse(ctx, user, resp)
}

func (c *Classifier) classifyError(ctx context.Context, user xuid.XUID, model string, err error) *Outcome {
	if isTimeout(err) {
		c.stats.Track(ctx, "g.time_out")
		return &Outcome{Status: http.StatusGatewayTimeout, Message: "Gateway Timeout", APIKeyValid: true}
	}

	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		// These are really anomalous
		c.log(user).WithError(err).Error("Unhandled provider failure")
		c.stats.Track(ctx, "g.failed.unknown")
		return &Outcome{Status: http.StatusBadGateway, Message: "Unhandled exception from Google AI.", APIKeyValid: true}
	}

	message := upstream.Message
	if message == "" {
		message = "Unknown error"
	}

	switch upstream.Status {
	case "NOT_FOUND":
		// 404 NOT_FOUND "models/* is not found for API version v1beta"
		if strings.HasPrefix(message, "models/") {
			c.stats.Track(ctx, "g.failed.client.not_found.model")
			return &Outcome{Status: upstream.Code, Message: "Invalid/unsupported model '" + model + "'", APIKeyValid: true}
		}

		c.log(user).WithError(upstream).Warn("Anomalous not-found failure")
		c.stats.Track(ctx, "g.failed.client.not_found.unknown")
		return &Outcome{Status: upstream.Code, Message: message, APIKeyValid: true}

	case "INVALID_ARGUMENT":
		if strings.Contains(message, "API key not valid") {
			// 400 INVALID_ARGUMENT "API key not valid. Please pass a valid API key."
			c.stats.Track(ctx, "g.failed.client.invalid.api_key")
			return &Outcome{Status: upstream.Code, Message: message, APIKeyValid: false}
		}

		// 400 INVALID_ARGUMENT "Penalty is not enabled for models/*"
		c.stats.Track(ctx, "g.failed.client.invalid")
		return &Outcome{Status: upstream.Code, Message: message, APIKeyValid: true}

	case "PERMISSION_DENIED":
		for _, detail := range upstream.Details {
			if detail.Type != detailTypeErrorInfo {
				continue
			}

			switch detail.Reason {
			case "SERVICE_DISABLED":
				// Either a misconfigured API key or a banned user
				c.stats.Track(ctx, "g.failed.client.denied.disabled")
				return &Outcome{Status: upstream.Code, Message: "Generative Language API needs to be enabled", APIKeyValid: true}
			case "CONSUMER_SUSPENDED":
				// Most likely a banned user
				c.stats.Track(ctx, "g.failed.client.denied.suspended")
				return &Outcome{Status: upstream.Code, Message: "Customer suspended. You might be banned.", APIKeyValid: true}
			}
		}

		// 403 PERMISSION_DENIED "Consumer 'api_key:*' has been suspended."
		c.stats.Track(ctx, "g.failed.client.denied.unknown")
		return &Outcome{Status: upstream.Code, Message: message, APIKeyValid: true}

	case "RESOURCE_EXHAUSTED":
		for _, detail := range upstream.Details {
			if detail.Type != detailTypeQuotaFailure {
				continue
			}

			for _, violation := range detail.Violations {
				if feedback := quotaViolationFeedback(violation.QuotaID); feedback != "" {
					c.stats.Track(ctx, "g.failed.client.quota.violation."+violation.QuotaID)
					return &Outcome{Status: upstream.Code, Message: feedback, APIKeyValid: true}
				}
			}
		}

		// 429 RESOURCE_EXHAUSTED "Resource has been exhausted (e.g. check quota)."
		c.stats.Track(ctx, "g.failed.client.quota.unknown")
		return &Outcome{Status: upstream.Code, Message: message, APIKeyValid: true}

	case "UNAVAILABLE":
		// 503 UNAVAILABLE "The model is overloaded. Please try again later."
		c.stats.Track(ctx, "g.failed.server.overloaded")
		return &Outcome{Status: upstream.Code, Message: message, APIKeyValid: true}

	case "DEADLINE_EXCEEDED":
		// 504 DEADLINE_EXCEEDED "The request timed out. Please try again."
		c.stats.Track(ctx, "g.failed.server.time_out")
		return &Outcome{Status: upstream.Code, Message: "Google AI timed out. Try again later.", APIKeyValid: true}

	case "INTERNAL":
		// 500 INTERNAL "An internal error has occurred."
		// The actual message is longer and not relevant to users.
		c.stats.Track(ctx, "g.failed.server.internal")
		return &Outcome{Status: upstream.Code, Message: "Google AI had an internal error. Try again later.", APIKeyValid: true}
	}

	// Unmatched status: pass the upstream message through, but keep it
	// visible to operators.
	c.log(user).WithError(upstream).Warn("Unclassified provider failure")
	if upstream.Code >= 500 {
		c.stats.Track(ctx, "g.failed.server.unknown")
	} else {
		c.stats.Track(ctx, "g.failed.client.unknown")
	}
	return &Outcome{Status: upstream.Code, Message: message, APIKeyValid: true}
}

func (c *Classifier) classifyResponse(ctx context.Context, user xuid.XUID, resp *Response) *Outcome {
	if resp == nil {
		c.stats.Track(ctx, "g.failed.unknown")
		return &Outcome{Status: http.StatusBadGateway, Message: "Google AI returned no response", APIKeyValid: true}
	}

	text := resp.Text()
	if text == "" {
		// Content rejection: the upstream status was fine but there is no
		// usable output. Classify from the block/finish reason instead.
		feedback := rejectionFeedback(resp)
		if feedback == "" {
			c.log(user).Warn("No result text and no rejection feedback")
			feedback = "UNKNOWN"
		}

		c.stats.Track(ctx, "g.rejected."+feedback)
		message := "Response blocked/empty due to " + feedback + "."
		if hint := rejectionHint(feedback); hint != "" {
			message += " " + hint
		}
		return &Outcome{
			Status:            http.StatusBadGateway,
			Message:           message,
			APIKeyValid:       true,
			RejectionFeedback: feedback,
		}
	}

	c.stats.Track(ctx, "g.succeeded")
	return &Outcome{
		Status:      http.StatusOK,
		Text:        text,
		Extras:      groundingExtras(resp),
		Usage:       resp.Usage,
		APIKeyValid: true,
	}
}

func (c *Classifier) log(user xuid.XUID) *logrus.Entry {
	return c.logger.WithField("user", user.Short())
}

// quotaViolationFeedback converts a quota ID into a human-readable
// message. Returns "" for an unknown quota ID.
func quotaViolationFeedback(qid string) string {
	switch {
	case strings.HasPrefix(qid, "GenerateContentInputTokensPerModelPerMinute"),
		strings.HasPrefix(qid, "GenerateContentPaidTierInputTokensPerModelPerMinute"):
		return "Input Tokens per Minute quota exceeded."
	case strings.HasPrefix(qid, "GenerateContentInputTokensPerModelPerDay"):
		return "Input Tokens per Day quota exceeded."
	case strings.HasPrefix(qid, "GenerateRequestsPerMinutePerProjectPerModel"):
		return "Requests per Minute quota exceeded."
	case strings.HasPrefix(qid, "GenerateRequestsPerDayPerProjectPerModel"):
		return "Requests per Day quota exceeded."
	}
	return ""
}

// rejectionFeedback extracts a tag from a response with no usable text
func rejectionFeedback(resp *Response) string {
	if resp.BlockMessage != "" {
		return resp.BlockMessage
	}
	if resp.BlockReason != "" {
		return resp.BlockReason
	}
	return resp.FinishReason
}

// rejectionHint appends an actionable suggestion for rejections users
// can do something about.
func rejectionHint(feedback string) string {
	switch feedback {
	case "PROHIBITED_CONTENT", "SAFETY":
		return "Try `//prefill on` or `//nobot this`."
	}
	return ""
}

// groundingExtras renders search/grounding metadata as display text
func groundingExtras(resp *Response) string {
	var extras string

	// U+3164 HANGUL FILLER keeps the client from trimming the indent
	if len(resp.SearchQueries) > 0 {
		extras += "Searches:\n"
		for _, query := range resp.SearchQueries {
			extras += "ㅤ- " + query + "\n"
		}
	}
	if len(resp.Links) > 0 {
		extras += "Links:\n"
		for _, link := range resp.Links {
			extras += "ㅤ- " + link + "\n"
		}
	}

	return extras
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
