// Package commands parses and executes the inline //directives users
// embed in their chat messages.
package commands

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/janiproxy/janiproxy/internal/models"
	"github.com/janiproxy/janiproxy/internal/response"
	"github.com/janiproxy/janiproxy/internal/services/storage"
)

// tokenPattern splits a message into runs of slashes, words, whitespace
// and single punctuation characters, in that priority order. A directive
// marker (two or more slashes) is therefore always its own token,
// distinguishable from slashes inside ordinary text.
var tokenPattern = regexp.MustCompile(`/+|\w+|\s+|.`)

var multiSpace = regexp.MustCompile(` +`)

var proxySpan = regexp.MustCompile(
	`(?s)` + regexp.QuoteMeta(response.ProxyTagOpen) + `.*?` + regexp.QuoteMeta(response.ProxyTagClose),
)

// ResultKind discriminates directive execution outcomes
type ResultKind int

const (
	// ResultOK means the directive executed; keep going.
	ResultOK ResultKind = iota
	// ResultRecovered is a user-correctable error, reported inline while
	// the remaining directives still execute.
	ResultRecovered
	// ResultEarlyExit abandons the remaining directives and the
	// generation; a dedicated message is returned instead.
	ResultEarlyExit
)

// Result is the outcome of executing one directive
type Result struct {
	Kind    ResultKind
	Message string
}

var ok = Result{Kind: ResultOK}

func recovered(format string, args ...any) Result {
	return Result{Kind: ResultRecovered, Message: fmt.Sprintf(format, args...)}
}

// Handler executes a directive against the per-request override, the
// persisted user record and the response builder.
type Handler func(args string, user *storage.UserSettings, req *models.ChatRequest, rb *response.Builder) Result

type commandSpec struct {
	name       string
	argCount   int
	argSpec    string
	argPattern *regexp.Regexp
	setting    string // sticky toggle family, empty for non-toggles
	run        Handler
}

// Command is a parsed directive referencing its registered handler
type Command struct {
	Name string
	Args string

	spec *commandSpec
}

// Registry is the static directive table, built once at startup
type Registry struct {
	commands map[string]*commandSpec
	toggles  []string

	banner        string
	bannerVersion int
}

// NewRegistry builds the default directive table
func NewRegistry(banner string, bannerVersion int) *Registry {
	r := &Registry{
		commands:      make(map[string]*commandSpec),
		banner:        banner,
		bannerVersion: bannerVersion,
	}

	r.registerToggle("nobot", "Bot description omitted", "Bot description kept")
	r.registerToggle("prefill", "Prefill enabled", "Prefill disabled")
	r.registerToggle("squash", "Message squashing enabled", "Message squashing disabled")

	r.register("aboutme", "", r.aboutme)
	r.register("banner", "", r.showBanner)
	r.register("help", "", r.help)

	return r
}

func (r *Registry) register(name, argSpec string, run Handler) {
	spec := &commandSpec{
		name:    name,
		argSpec: argSpec,
		run:     run,
	}
	if argSpec != "" {
		spec.argCount = 1
		spec.argPattern = regexp.MustCompile("^(?:" + argSpec + ")$")
	}
	r.commands[name] = spec
}

// registerToggle registers an "off|on|this" directive. The on/off forms
// are sticky (persisted); "this" applies to the current message only.
func (r *Registry) registerToggle(name, onText, offText string) {
	r.register(name, "off|on|this", func(args string, user *storage.UserSettings, req *models.ChatRequest, rb *response.Builder) Result {
		if req.Quiet {
			return ok
		}

		text := offText
		if req.Toggled(name) {
			text = onText
		}
		if args == "this" {
			rb.AddProxyMessage(text + " (for this message only).")
		} else {
			rb.AddProxyMessage(text + ".")
		}
		return ok
	})
	r.commands[name].setting = name
	r.toggles = append(r.toggles, name)
}

func (r *Registry) aboutme(args string, user *storage.UserSettings, req *models.ChatRequest, rb *response.Builder) Result {
	rb.AddProxyMessage(fmt.Sprintf(
		"Your user ID on this proxy is `%s`. You were %s. Your settings are:",
		user.XUID(), user.LastSeenMessage(),
	))
	for _, name := range r.toggles {
		state := "disabled"
		if user.Use(name) {
			state = "enabled"
		}
		rb.AddProxyMessage(fmt.Sprintf("- //%s is %s", name, state))
	}
	return ok
}

func (r *Registry) showBanner(args string, user *storage.UserSettings, req *models.ChatRequest, rb *response.Builder) Result {
	// Mark the banner as seen so it is not repeated after this request
	user.ShowBanner(r.bannerVersion)
	rb.AddProxyMessage(r.banner, "***")
	return ok
}

func (r *Registry) help(args string, user *storage.UserSettings, req *models.ChatRequest, rb *response.Builder) Result {
	names := make([]string, 0, len(r.commands))
	for _, name := range []string{"aboutme", "banner", "help"} {
		names = append(names, "//"+name)
	}
	for _, name := range r.toggles {
		names = append(names, fmt.Sprintf("//%s off|on|this", name))
	}
	return Result{
		Kind:    ResultEarlyExit,
		Message: "Supported commands: " + strings.Join(names, ", "),
	}
}

// Banner returns the configured banner text and version
func (r *Registry) Banner() (string, int) {
	return r.banner, r.bannerVersion
}

// Toggles returns the registered sticky toggle families
func (r *Registry) Toggles() []string {
	return r.toggles
}

// Parse splits a message into its directives and the residual content.
// Runs of spaces in the content are collapsed and the result is trimmed.
func (r *Registry) Parse(message string) ([]Command, string) {
	message = strings.TrimSpace(message)

	if !strings.Contains(message, "//") {
		// No directives to parse
		return nil, collapseSpaces(message)
	}

	var cmds []Command
	var content []string

	argCount := 0
	prev := ""
	for _, token := range tokenPattern.FindAllString(message, -1) {
		if argCount == 0 {
			name := strings.ToLower(token)
			if spec, found := r.commands[name]; found && strings.HasPrefix(prev, "//") {
				argCount = spec.argCount
				cmds = append(cmds, Command{Name: name, spec: spec})
				content = content[:len(content)-1] // remove the marker token
			} else {
				content = append(content, token)
			}
		} else if isSpace(token) {
			continue // skip whitespace between a directive and its arguments
		} else if isAlnum(token) {
			argCount--
			cmds[len(cmds)-1].Args += token
		} else {
			// A non-alphanumeric token means there were no valid or not
			// enough arguments. Stop collecting and push the token back
			// into the content as if there were no directive; the directive
			// itself will report the problem to the user.
			argCount = 0
			content = append(content, token)
		}

		prev = token
	}

	return cmds, collapseSpaces(strings.TrimSpace(strings.Join(content, "")))
}

// Run validates the directive's argument, applies sticky toggles and
// executes the handler.
func (c Command) Run(user *storage.UserSettings, req *models.ChatRequest, rb *response.Builder) Result {
	spec := c.spec
	if spec == nil {
		panic(fmt.Sprintf("commands: running //%s without a registered spec", c.Name))
	}

	if spec.argPattern != nil && !spec.argPattern.MatchString(c.Args) {
		if c.Args == "" {
			return recovered("`//%s` requires an argument", c.Name)
		}
		return recovered("`//%s` only accepts \"`%s`\", not \"`%s`\".", c.Name, spec.argSpec, c.Args)
	}

	if spec.setting != "" {
		switch c.Args {
		case "this":
			req.Toggle(spec.setting, true)
		case "on":
			req.Toggle(spec.setting, true)
			user.SetUse(spec.setting, true)
		case "off":
			req.Toggle(spec.setting, false)
			user.SetUse(spec.setting, false)
		}
	}

	return spec.run(c.Args, user, req, rb)
}

// StripModelText cleans up model-authored output: any proxy-tagged spans
// are removed, then each line is re-trimmed with internal runs of spaces
// collapsed. Leading indentation of a bullet line (first '-' or '*'
// preceded only by whitespace) is preserved.
func StripModelText(message string) string {
	message = proxySpan.ReplaceAllString(strings.Trim(message, "\n"), "")

	lines := strings.Split(message, "\n")
	result := make([]string, 0, len(lines))

	for _, line := range lines {
		index := strings.Index(line, "-")
		if star := strings.Index(line, "*"); star > index {
			index = star
		}

		if index > 0 && isSpace(line[:index]) {
			line = strings.TrimRight(line, " \t\v\f\r")
			line = line[:index] + collapseSpaces(line[index:])
		} else {
			line = collapseSpaces(strings.TrimSpace(line))
		}

		result = append(result, line)
	}

	return strings.Join(result, "\n")
}

// collapseSpaces coalesces multiple consecutive spaces into one
func collapseSpaces(s string) string {
	return multiSpace.ReplaceAllString(s, " ")
}

func isSpace(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
