package i18n

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/janiproxy/janiproxy/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Localizer manages the user-facing proxy strings
type Localizer struct {
	localizer *i18n.Localizer
}

// NewLocalizer creates a localizer with built-in English defaults.
// Additional languages can be dropped into configs/i18n as JSON files.
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	if err := bundle.AddMessages(language.English, defaultMessages...); err != nil {
		return nil, fmt.Errorf("failed to register default messages: %w", err)
	}

	lang := cfg.DefaultLanguage
	if lang == "" {
		lang = "en"
	}

	if lang != "en" {
		path := fmt.Sprintf("configs/i18n/%s.json", lang)
		if _, err := os.Stat(path); err == nil {
			if _, err := bundle.LoadMessageFile(path); err != nil {
				return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
			}
		}
	}

	return &Localizer{
		localizer: i18n.NewLocalizer(bundle, lang, "en"),
	}, nil
}

// Get returns a localized message
func (l *Localizer) Get(messageID string, data map[string]interface{}) string {
	msg, err := l.localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}
	return msg
}

// Message IDs
const (
	MsgUnauthorized   = "unauthorized"
	MsgConcurrentUse  = "concurrent_use"
	MsgRateLimited    = "rate_limited"
	MsgCooldownWait   = "cooldown_wait"
	MsgMissingModel   = "missing_model"
	MsgInvalidModel   = "invalid_model"
	MsgNoStreaming    = "no_streaming"
	MsgInternalError  = "internal_error"
	MsgCommandIgnored = "command_ignored"
)

var defaultMessages = []*i18n.Message{
	{ID: MsgUnauthorized, Other: "Unauthorized. API key required."},
	{ID: MsgConcurrentUse, Other: "Concurrent use is not allowed. Please wait a moment."},
	{ID: MsgRateLimited, Other: "Too many requests. Please slow down."},
	{ID: MsgCooldownWait, Other: "Please wait {{.Seconds}} seconds."},
	{ID: MsgMissingModel, Other: "Please specify a model."},
	{ID: MsgInvalidModel, Other: "Invalid or unsupported model: {{.Model}}"},
	{ID: MsgNoStreaming, Other: "Text streaming is not supported."},
	{ID: MsgInternalError, Other: "Internal Proxy Error"},
	{ID: MsgCommandIgnored, Other: "Error: {{.Reason}} (Command has been ignored.)"},
}
