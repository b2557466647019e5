package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/janiproxy/janiproxy/internal/commands"
	"github.com/janiproxy/janiproxy/internal/i18n"
	"github.com/janiproxy/janiproxy/internal/models"
	"github.com/janiproxy/janiproxy/internal/response"
	"github.com/janiproxy/janiproxy/internal/services/provider"
	"github.com/janiproxy/janiproxy/internal/services/storage"
)

// handleChatMessage handles a regular chat turn: directives on the final
// user message, then the upstream generation.
func (h *ProxyHandler) handleChatMessage(ctx context.Context, user *storage.UserSettings, req *models.ChatRequest, rb *response.Builder) {
	log := h.logger.WithField("user", user.XUID().Short())
	log.Info("Handling chat message")

	if last := req.LastMessage(); last != nil {
		cmds, residual := h.registry.Parse(last.Content)
		last.Content = residual

		for _, cmd := range cmds {
			log.WithFields(logrus.Fields{
				"directive": cmd.Name,
				"args":      cmd.Args,
			}).Info("Running directive")
			h.metrics.RecordDirective(cmd.Name)

			result := cmd.Run(user, req, rb)
			switch result.Kind {
			case commands.ResultRecovered:
				message := h.localizer.Get(i18n.MsgCommandIgnored, map[string]interface{}{
					"Reason": result.Message,
				})
				rb.AddProxyMessage(message)
				log.Info(message)
			case commands.ResultEarlyExit:
				rb.AddProxyMessage(result.Message)
				return
			}
		}
	}

	turns, settings, shapeErr := h.shapeRequest(log, user, req)
	if shapeErr != "" {
		rb.AddError(shapeErr, http.StatusBadRequest)
		return
	}

	outcome := h.generate(ctx, user, req, turns, settings)

	if outcome.Status != http.StatusOK {
		rb.AddError(outcome.Message, outcome.Status)
		return
	}

	rb.AddMessage(commands.StripModelText(outcome.Text))
	if outcome.Extras != "" {
		rb.AddProxyMessage(outcome.Extras)
	}

	if outcome.Usage != nil {
		log.WithFields(logrus.Fields{
			"prompt":   outcome.Usage.Prompt,
			"response": outcome.Usage.Candidates,
			"thinking": outcome.Usage.Thoughts,
			"total":    outcome.Usage.Total,
		}).Info("Token usage")
	} else {
		log.Info("No usage metadata")
	}

	banner, version := h.registry.Banner()
	if !req.Quiet && banner != "" && user.ShowBanner(version) {
		log.Info("Showing user the latest banner")
		rb.AddMessage(banner)
	}
}

// handleProxyTest handles the synthetic connectivity test the chat client
// sends when the user saves their settings. Its sole purpose is to try
// out the API key and model, so none of the user's persisted settings may
// alter the request and the token limit is left unbounded.
func (h *ProxyHandler) handleProxyTest(ctx context.Context, user *storage.UserSettings, req *models.ChatRequest, rb *response.Builder) {
	log := h.logger.WithField("user", user.XUID().Short())
	log.Info("Handling proxy test")

	turns, settings, shapeErr := h.shapeRequest(log, nil, req)
	if shapeErr != "" {
		rb.AddError(shapeErr, http.StatusBadRequest)
		return
	}
	delete(settings, "max_tokens")

	outcome := h.generate(ctx, user, req, turns, settings)

	if outcome.Status != http.StatusOK {
		rb.AddError(outcome.Message, outcome.Status)
		return
	}
	rb.AddMessage(outcome.Text)
}

// generate runs the upstream call and classifies the result
func (h *ProxyHandler) generate(ctx context.Context, user *storage.UserSettings, req *models.ChatRequest, turns []provider.Turn, settings provider.Settings) *provider.Outcome {
	started := time.Now()
	resp, err := h.provider.GenerateContent(ctx, req.APIKey, req.Model, turns, settings)
	outcome := h.classifier.Classify(ctx, user.XUID(), req.Model, resp, err)

	status := "ok"
	if outcome.Status != http.StatusOK {
		status = "error"
	}
	h.metrics.RecordGeneration(req.Model, status, time.Since(started))

	if !outcome.APIKeyValid {
		user.Invalidate()
	}

	return outcome
}

// shapeRequest folds the chat history into provider turns plus the
// settings map. A nil user shapes with no persisted settings applied.
// A non-empty shapeErr is a user-correctable request problem.
func (h *ProxyHandler) shapeRequest(log *logrus.Entry, user *storage.UserSettings, req *models.ChatRequest) (turns []provider.Turn, settings provider.Settings, shapeErr string) {
	usePrefill := req.Toggled("prefill") || (user != nil && user.Use("prefill"))
	useNobot := req.Toggled("nobot") || (user != nil && user.Use("nobot"))
	useSquash := req.Toggled("squash") || (user != nil && user.Use("squash"))

	var system strings.Builder
	if usePrefill {
		log.Info("Adding prefill to system prompt")
		system.WriteString(h.prefill)
	}

	botPersona := "{{char}}"
	userPersona := "{{user}}"
	squashing := false
	var squashed strings.Builder

	if useSquash {
		if len(req.Messages) < 3 {
			return nil, nil, "Invalid request with //squash."
		}

		log.Info("Squashing chat history")
		squashing = true

		// The bot's persona name opens the first system message as
		// "<Name's Persona>"; the user's prefixes their final message.
		if first := req.Messages[0]; first.Role == "system" && strings.HasPrefix(first.Content, "<") {
			if i := strings.Index(first.Content, "s Persona>"); i != -1 {
				botPersona = first.Content[1:i]
			} else {
				log.Info("Couldn't extract bot's persona")
			}
		} else {
			log.Info("Couldn't extract bot's persona")
		}

		if last := req.Messages[len(req.Messages)-1]; last.Role == "user" {
			if i := strings.Index(last.Content, ": "); i != -1 {
				userPersona = last.Content[:i]
			} else {
				log.Info("Couldn't extract user's persona")
			}
		} else {
			log.Info("Couldn't extract user's persona")
		}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if useNobot {
				log.Info("Omitting bot description from system prompt")
			} else {
				system.WriteString(msg.Content)
			}
		case "assistant":
			if squashing {
				squashed.WriteString(botPersona + ": " + msg.Content + "\n\n")
			} else {
				turns = append(turns, provider.Turn{Role: "model", Text: msg.Content})
			}
		default:
			if squashing {
				squashed.WriteString(userPersona + ": " + msg.Content + "\n\n")
			} else {
				turns = append(turns, provider.Turn{Role: "user", Text: msg.Content})
			}
		}
	}

	if squashing {
		turns = append(turns, provider.Turn{Role: "user", Text: squashed.String()})
	}

	settings = provider.Settings{
		"system_instruction": system.String(),
		"temperature":        req.Temperature,
		"top_k":              50.0,
		"top_p":              0.95,
	}

	if req.TopK > 0 {
		settings["top_k"] = req.TopK
	}
	if req.TopP > 0 {
		settings["top_p"] = req.TopP
	}
	if req.FrequencyPenalty != 0 {
		settings["frequency_penalty"] = req.FrequencyPenalty
	}
	if req.MaxTokens > 0 {
		settings["max_tokens"] = req.MaxTokens
	}
	if squashing {
		settings["stop_sequences"] = []string{"\n" + userPersona + ":"}
	}

	return turns, settings, ""
}
