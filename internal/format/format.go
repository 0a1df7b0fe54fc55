// Package format renders tool results into size-bounded text. Nothing
// leaves the server without passing through it: per-stream line limits
// for the concise detail level, then a hard character ceiling over the
// whole response.
package format

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxOutputChars is the hard ceiling on any rendered response.
const MaxOutputChars = 25000

// conciseLines is how many lines per stream the concise level keeps.
const conciseLines = 50

// DetailLevel selects how much of each output stream is shown.
type DetailLevel string

const (
	DetailConcise DetailLevel = "concise"
	DetailFull    DetailLevel = "full"
)

// ResponseFormat selects the response encoding.
type ResponseFormat string

const (
	FormatMarkdown ResponseFormat = "markdown"
	FormatJSON     ResponseFormat = "json"
)

// Options is a validated detail/format pair.
type Options struct {
	Detail DetailLevel
	Format ResponseFormat
}

// ParseOptions validates the raw tool arguments, applying defaults for
// empty values.
func ParseOptions(detail, format string) (Options, error) {
	opts := Options{Detail: DetailConcise, Format: FormatMarkdown}
	switch DetailLevel(detail) {
	case "", DetailConcise:
	case DetailFull:
		opts.Detail = DetailFull
	default:
		return Options{}, fmt.Errorf("unsupported detail_level %q (use concise or full)", detail)
	}
	switch ResponseFormat(format) {
	case "", FormatMarkdown:
	case FormatJSON:
		opts.Format = FormatJSON
	default:
		return Options{}, fmt.Errorf("unsupported response_format %q (use markdown or json)", format)
	}
	return opts, nil
}

// Diagnostic is a pre-rendered build diagnostic line with suggestions.
type Diagnostic struct {
	Line        string   `json:"line"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Result is one tool outcome ready for rendering.
type Result struct {
	Title       string         `json:"title"`
	Success     bool           `json:"success"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	Duration    time.Duration  `json:"-"`
	Stdout      string         `json:"stdout,omitempty"`
	Stderr      string         `json:"stderr,omitempty"`
	TimedOut    bool           `json:"timed_out,omitempty"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Render produces the bounded response text.
func Render(res Result, opts Options) string {
	stdout, stdoutNote := clipStream(res.Stdout, opts.Detail)
	stderr, stderrNote := clipStream(res.Stderr, opts.Detail)

	var body string
	if opts.Format == FormatJSON {
		body = renderJSON(res, stdout, stdoutNote, stderr, stderrNote)
	} else {
		body = renderMarkdown(res, stdout, stdoutNote, stderr, stderrNote)
	}
	return Ceiling(body)
}

// RenderError produces the bounded error response for a failure kind.
func RenderError(kind, message string, suggestions []string, opts Options) string {
	if opts.Format == FormatJSON {
		out, _ := json.MarshalIndent(map[string]any{
			"success":     false,
			"error":       kind,
			"message":     message,
			"suggestions": suggestions,
		}, "", "  ")
		return Ceiling(string(out))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Error: %s\n\n%s\n", kind, message)
	if len(suggestions) > 0 {
		b.WriteString("\n**Suggestions:**\n")
		for _, s := range suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return Ceiling(b.String())
}

// Ceiling enforces the hard character limit with a marker naming the
// original size, so two renders of the same content truncate the same
// way.
func Ceiling(s string) string {
	if len(s) <= MaxOutputChars {
		return s
	}
	total := len(s)
	keep := MaxOutputChars
	var marker string
	// The marker length depends on the digits of keep, so settle it in
	// a couple of passes.
	for range 3 {
		// Never cut through a multi-byte rune.
		for keep > 0 && !utf8.RuneStart(s[keep]) {
			keep--
		}
		marker = fmt.Sprintf("\n... [output truncated: showing %d of %d characters]", keep, total)
		if keep+len(marker) <= MaxOutputChars {
			break
		}
		keep = MaxOutputChars - len(marker)
	}
	return s[:keep] + marker
}

// FirstLines keeps the first n lines, reporting how many were dropped.
func FirstLines(s string, n int) (string, int) {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s, 0
	}
	return strings.Join(lines[:n], "\n"), len(lines) - n
}

// clipStream applies the detail level to one stream.
func clipStream(s string, detail DetailLevel) (string, string) {
	if detail == DetailFull || s == "" {
		return s, ""
	}
	clipped, dropped := FirstLines(s, conciseLines)
	if dropped == 0 {
		return s, ""
	}
	return clipped, fmt.Sprintf("[%d more lines omitted at detail_level=concise]", dropped)
}

func renderMarkdown(res Result, stdout, stdoutNote, stderr, stderrNote string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", res.Title)

	status := "succeeded"
	if !res.Success {
		status = "failed"
	}
	if res.TimedOut {
		status = "timed out"
	}
	fmt.Fprintf(&b, "**Status:** %s", status)
	if res.ExitCode != nil {
		fmt.Fprintf(&b, " (exit code %d)", *res.ExitCode)
	}
	if res.Duration > 0 {
		fmt.Fprintf(&b, " in %.2fs", res.Duration.Seconds())
	}
	b.WriteString("\n")

	if len(res.Diagnostics) > 0 {
		b.WriteString("\n**Diagnostics:**\n")
		for _, d := range res.Diagnostics {
			fmt.Fprintf(&b, "- %s\n", d.Line)
			for _, s := range d.Suggestions {
				fmt.Fprintf(&b, "  - 💡 %s\n", s)
			}
		}
	}

	writeStream(&b, "stdout", stdout, stdoutNote)
	writeStream(&b, "stderr", stderr, stderrNote)

	if len(res.Suggestions) > 0 {
		b.WriteString("\n**Suggestions:**\n")
		for _, s := range res.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	for k, v := range res.Extra {
		fmt.Fprintf(&b, "\n**%s:** %v\n", k, v)
	}
	return b.String()
}

func writeStream(b *strings.Builder, name, content, note string) {
	if content == "" {
		return
	}
	fmt.Fprintf(b, "\n**%s:**\n```\n%s\n```\n", name, strings.TrimRight(content, "\n"))
	if note != "" {
		fmt.Fprintf(b, "%s\n", note)
	}
}

func renderJSON(res Result, stdout, stdoutNote, stderr, stderrNote string) string {
	m := map[string]any{
		"title":   res.Title,
		"success": res.Success,
	}
	if res.ExitCode != nil {
		m["exit_code"] = *res.ExitCode
	}
	if res.Duration > 0 {
		m["duration_ms"] = res.Duration.Milliseconds()
	}
	if stdout != "" {
		m["stdout"] = stdout
	}
	if stdoutNote != "" {
		m["stdout_note"] = stdoutNote
	}
	if stderr != "" {
		m["stderr"] = stderr
	}
	if stderrNote != "" {
		m["stderr_note"] = stderrNote
	}
	if res.TimedOut {
		m["timed_out"] = true
	}
	if len(res.Diagnostics) > 0 {
		m["diagnostics"] = res.Diagnostics
	}
	if len(res.Suggestions) > 0 {
		m["suggestions"] = res.Suggestions
	}
	for k, v := range res.Extra {
		m[k] = v
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"success": false, "error": "encoding response: %v"}`, err)
	}
	return string(out)
}
