// Package response assembles heterogeneous output fragments into the
// single response shape the chat client understands.
//
// The client-facing protocol has exactly one success shape and treats any
// non-2xx response as fatal to the turn. Partial successes ("here is the
// reply, and by the way your command had a typo") must therefore still go
// out as one 200 payload, with errors demoted to inline meta text.
package response

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// Proxy tag markers wrapping meta text in assembled output
const (
	ProxyTagOpen  = "<proxy>"
	ProxyTagClose = "</proxy>"
)

// Kind discriminates response fragments
type Kind int

const (
	// KindChat is model-visible output
	KindChat Kind = iota
	// KindError is a failed operation, demoted to meta text unless it is
	// the sole fragment
	KindError
	// KindProxy is administrative text, always tag-wrapped when rendered
	KindProxy
)

// Fragment is one piece of an assembled response
type Fragment struct {
	Kind   Kind
	Text   string
	Status int
}

// Builder accumulates fragments in order and renders them. Fragments are
// never reordered; only adjacent same-kind fragments are coalesced at
// render time.
type Builder struct {
	fragments  []Fragment
	wrapErrors bool
}

// NewBuilder creates a response builder. wrapErrors selects the structured
// single-field error object used for synthetic connectivity tests.
func NewBuilder(wrapErrors bool) *Builder {
	return &Builder{wrapErrors: wrapErrors}
}

// AddError appends an error fragment
func (b *Builder) AddError(message string, status int) *Builder {
	b.fragments = append(b.fragments, Fragment{Kind: KindError, Text: message, Status: status})
	return b
}

// AddMessage appends chat fragments
func (b *Builder) AddMessage(messages ...string) *Builder {
	for _, message := range messages {
		b.fragments = append(b.fragments, Fragment{Kind: KindChat, Text: message})
	}
	return b
}

// AddProxyMessage appends proxy meta fragments
func (b *Builder) AddProxyMessage(messages ...string) *Builder {
	for _, message := range messages {
		b.fragments = append(b.fragments, Fragment{Kind: KindProxy, Text: message})
	}
	return b
}

// Len returns the number of accumulated fragments
func (b *Builder) Len() int {
	return len(b.fragments)
}

// Status returns the overall status code. An error code shows through
// only while the error is the sole fragment; once multiple fragments are
// present the composite is delivered as a normal chat payload.
func (b *Builder) Status() int {
	if len(b.fragments) == 1 && b.fragments[0].Kind == KindError {
		return b.fragments[0].Status
	}
	return http.StatusOK
}

// Message renders the fragments into the assembled content text
func (b *Builder) Message() string {
	switch len(b.fragments) {
	case 0:
		return ""
	case 1:
		frag := b.fragments[0]
		switch frag.Kind {
		case KindChat:
			return frag.Text
		case KindError:
			if b.wrapErrors {
				return fmt.Sprintf("PROXY ERROR %d: %s", frag.Status, frag.Text)
			}
			return frag.Text
		default:
			return ProxyTagOpen + frag.Text + "\n" + ProxyTagClose
		}
	}

	var runs []string

	for i := 0; i < len(b.fragments); {
		if b.fragments[i].Kind == KindChat {
			// Consecutive chat fragments are newline-joined in place
			var texts []string
			for ; i < len(b.fragments) && b.fragments[i].Kind == KindChat; i++ {
				texts = append(texts, b.fragments[i].Text)
			}
			runs = append(runs, strings.Join(texts, "\n"))
			continue
		}

		// A run of proxy/error fragments is newline-joined and wrapped in
		// one pair of markers.
		var texts []string
		for ; i < len(b.fragments) && b.fragments[i].Kind != KindChat; i++ {
			if frag := b.fragments[i]; frag.Kind == KindError {
				texts = append(texts, fmt.Sprintf("Error %d: %s", frag.Status, frag.Text))
			} else {
				texts = append(texts, frag.Text)
			}
		}
		runs = append(runs, ProxyTagOpen+strings.Join(texts, "\n")+"\n"+ProxyTagClose)
	}

	// Neighboring runs get a newline boundary unless the closing marker
	// already supplies one.
	var sb strings.Builder
	for i, run := range runs {
		if i > 0 && !strings.HasSuffix(runs[i-1], ProxyTagClose) {
			sb.WriteString("\n")
		}
		sb.WriteString(run)
	}

	return sb.String()
}

// chatCompletion is the protocol's one success shape
type chatCompletion struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Write renders the response onto the wire
func (b *Builder) Write(w http.ResponseWriter) error {
	status := b.Status()

	if status != http.StatusOK && len(b.fragments) == 1 {
		if b.wrapErrors {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(status)
			return json.NewEncoder(w).Encode(map[string]string{
				"error": strings.TrimSpace(b.Message()),
			})
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, err := w.Write([]byte(b.Message()))
		return err
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(chatCompletion{
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: b.Message()},
			FinishReason: "stop",
		}},
	})
}

// LogOutcome logs whether the assembled response succeeded or failed
func (b *Builder) LogOutcome(entry *logrus.Entry) {
	status := b.Status()
	if status >= 200 && status <= 299 {
		entry.Info("Processing succeeded")
		return
	}

	lines := strings.Split(b.Message(), "\n")
	entry.WithField("status", status).Warnf("Processing failed: %s", lines[0])
	for _, line := range lines[1:] {
		entry.Warnf("> %s", line)
	}
}
