package format

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestParseOptions(t *testing.T) {
	tests := []struct {
		detail, format string
		want           Options
		wantErr        bool
	}{
		{"", "", Options{DetailConcise, FormatMarkdown}, false},
		{"concise", "markdown", Options{DetailConcise, FormatMarkdown}, false},
		{"full", "json", Options{DetailFull, FormatJSON}, false},
		{"verbose", "", Options{}, true},
		{"", "xml", Options{}, true},
	}
	for _, tc := range tests {
		got, err := ParseOptions(tc.detail, tc.format)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseOptions(%q, %q) succeeded, want error", tc.detail, tc.format)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseOptions(%q, %q): %v", tc.detail, tc.format, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseOptions(%q, %q) = %+v, want %+v", tc.detail, tc.format, got, tc.want)
		}
	}
}

func TestCeilingUnderLimit(t *testing.T) {
	s := "short output"
	if got := Ceiling(s); got != s {
		t.Errorf("Ceiling modified content under the limit: %q", got)
	}
}

func TestCeilingTruncates(t *testing.T) {
	s := strings.Repeat("x", MaxOutputChars+5000)
	got := Ceiling(s)

	if len(got) > MaxOutputChars {
		t.Errorf("len = %d, exceeds ceiling %d", len(got), MaxOutputChars)
	}
	if !strings.Contains(got, "[output truncated:") {
		t.Error("truncation marker missing")
	}
	if !strings.Contains(got, fmt.Sprintf("of %d characters]", len(s))) {
		t.Errorf("marker does not state the original size %d", len(s))
	}

	// The marker must state exactly how many characters precede it.
	markerStart := strings.Index(got, "\n... [output truncated")
	var shown, total int
	if _, err := fmt.Sscanf(got[markerStart:], "\n... [output truncated: showing %d of %d characters]", &shown, &total); err != nil {
		t.Fatalf("parsing marker: %v", err)
	}
	if shown != markerStart {
		t.Errorf("marker claims %d characters shown, actual %d", shown, markerStart)
	}
}

func TestCeilingKeepsRunesIntact(t *testing.T) {
	s := strings.Repeat("héllo wörld 世界 ", 3000)
	got := Ceiling(s)

	if len(got) > MaxOutputChars {
		t.Errorf("len = %d, exceeds ceiling %d", len(got), MaxOutputChars)
	}
	if !utf8.ValidString(got) {
		t.Error("truncated output is not valid UTF-8")
	}

	// The marker still states exactly how many bytes precede it.
	markerStart := strings.Index(got, "\n... [output truncated")
	if markerStart < 0 {
		t.Fatal("truncation marker missing")
	}
	var shown, total int
	if _, err := fmt.Sscanf(got[markerStart:], "\n... [output truncated: showing %d of %d characters]", &shown, &total); err != nil {
		t.Fatalf("parsing marker: %v", err)
	}
	if shown != markerStart {
		t.Errorf("marker claims %d shown, actual %d", shown, markerStart)
	}
	if total != len(s) {
		t.Errorf("marker claims %d total, actual %d", total, len(s))
	}
}

func TestCeilingDeterministic(t *testing.T) {
	s := strings.Repeat("line of output\n", 3000)
	if Ceiling(s) != Ceiling(s) {
		t.Error("Ceiling is not deterministic")
	}
}

func TestFirstLines(t *testing.T) {
	s := "a\nb\nc\nd"
	got, dropped := FirstLines(s, 2)
	if got != "a\nb" || dropped != 2 {
		t.Errorf("FirstLines = (%q, %d), want (%q, 2)", got, dropped, "a\nb")
	}
	got, dropped = FirstLines(s, 10)
	if got != s || dropped != 0 {
		t.Errorf("FirstLines under limit = (%q, %d)", got, dropped)
	}
}

func TestRenderConciseClipsStreams(t *testing.T) {
	var lines []string
	for i := 0; i < 80; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	res := Result{Title: "Run", Success: true, Stdout: strings.Join(lines, "\n")}

	got := Render(res, Options{Detail: DetailConcise, Format: FormatMarkdown})
	if !strings.Contains(got, "line 49") {
		t.Error("concise output dropped lines under the limit")
	}
	if strings.Contains(got, "line 50") {
		t.Error("concise output kept lines past the limit")
	}
	if !strings.Contains(got, "[30 more lines omitted at detail_level=concise]") {
		t.Errorf("omission note missing:\n%s", got)
	}

	full := Render(res, Options{Detail: DetailFull, Format: FormatMarkdown})
	if !strings.Contains(full, "line 79") {
		t.Error("full output clipped")
	}
}

func TestRenderMarkdownStatus(t *testing.T) {
	exit := 1
	res := Result{
		Title:    "dotnet build",
		Success:  false,
		ExitCode: &exit,
		Duration: 1500 * time.Millisecond,
		Stderr:   "error CS0103: something",
	}
	got := Render(res, Options{Detail: DetailConcise, Format: FormatMarkdown})

	if !strings.Contains(got, "## dotnet build") {
		t.Error("title heading missing")
	}
	if !strings.Contains(got, "**Status:** failed (exit code 1) in 1.50s") {
		t.Errorf("status line wrong:\n%s", got)
	}
	if !strings.Contains(got, "**stderr:**") {
		t.Error("stderr section missing")
	}
}

func TestRenderMarkdownTimedOut(t *testing.T) {
	res := Result{Title: "run", Success: false, TimedOut: true}
	got := Render(res, Options{Detail: DetailConcise, Format: FormatMarkdown})
	if !strings.Contains(got, "**Status:** timed out") {
		t.Errorf("timed out status missing:\n%s", got)
	}
}

func TestRenderMarkdownDiagnostics(t *testing.T) {
	res := Result{
		Title:   "build",
		Success: false,
		Diagnostics: []Diagnostic{
			{Line: "Program.cs(3,5): error CS0246: type not found", Suggestions: []string{"Add a using directive"}},
		},
	}
	got := Render(res, Options{Detail: DetailConcise, Format: FormatMarkdown})
	if !strings.Contains(got, "CS0246") {
		t.Error("diagnostic line missing")
	}
	if !strings.Contains(got, "💡 Add a using directive") {
		t.Error("diagnostic suggestion missing")
	}
}

func TestRenderJSON(t *testing.T) {
	exit := 0
	res := Result{
		Title:    "run",
		Success:  true,
		ExitCode: &exit,
		Stdout:   "Hello",
		Extra:    map[string]any{"status": "200 OK"},
	}
	got := Render(res, Options{Detail: DetailConcise, Format: FormatJSON})

	var decoded map[string]any
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, got)
	}
	if decoded["success"] != true {
		t.Errorf("success = %v", decoded["success"])
	}
	if decoded["stdout"] != "Hello" {
		t.Errorf("stdout = %v", decoded["stdout"])
	}
	if decoded["status"] != "200 OK" {
		t.Errorf("extra field status = %v", decoded["status"])
	}
}

func TestRenderErrorMarkdown(t *testing.T) {
	got := RenderError("capacity_exceeded", "maximum number of sandboxes (5) reached",
		[]string{"Stop an existing sandbox"}, Options{Detail: DetailConcise, Format: FormatMarkdown})

	if !strings.Contains(got, "## Error: capacity_exceeded") {
		t.Errorf("error heading missing:\n%s", got)
	}
	if !strings.Contains(got, "- Stop an existing sandbox") {
		t.Error("suggestion missing")
	}
}

func TestRenderErrorJSON(t *testing.T) {
	got := RenderError("timeout", "command timed out", nil,
		Options{Detail: DetailConcise, Format: FormatJSON})

	var decoded map[string]any
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["success"] != false || decoded["error"] != "timeout" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestRenderBoundedEvenWhenHuge(t *testing.T) {
	res := Result{
		Title:   "run",
		Success: true,
		Stdout:  strings.Repeat("spam ", 20000),
	}
	got := Render(res, Options{Detail: DetailFull, Format: FormatMarkdown})
	if len(got) > MaxOutputChars {
		t.Errorf("rendered length %d exceeds ceiling %d", len(got), MaxOutputChars)
	}
}
