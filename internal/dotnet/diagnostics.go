// Package dotnet knows the .NET side of the sandbox: project
// generation, NuGet version resolution, build output parsing, and
// running code snippets end to end.
package dotnet

import (
	"regexp"
	"strconv"
	"strings"
)

// Diagnostic is one parsed MSBuild diagnostic, in emission order.
type Diagnostic struct {
	Code        string   `json:"code,omitempty"`
	Severity    string   `json:"severity"`
	File        string   `json:"file,omitempty"`
	Line        int      `json:"line,omitempty"`
	Column      int      `json:"column,omitempty"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`

	// Parsed is false for lines that did not match the MSBuild shape
	// and were preserved verbatim as low-confidence warnings.
	Parsed bool `json:"-"`
}

// msbuildLine matches `file(line,col): severity CODE: message` with the
// file position optional, as MSBuild emits for restore errors.
var msbuildLine = regexp.MustCompile(`^\s*(?:(.+?)\((\d+),(\d+)\)\s*:\s*)?(error|warning)\s+([A-Z]{2,}\d+)\s*:\s*(.+)$`)

// noise lines dropped before parsing. Everything else that fails to
// parse is kept so nothing the compiler said silently disappears.
var buildNoise = []string{
	"Determining projects to restore",
	"Restored ",
	"Build succeeded",
	"Build FAILED",
	"Warning(s)",
	"Error(s)",
	"Time Elapsed",
	"MSBuild version",
	"-> ",
}

// ParseBuildOutput turns raw `dotnet build` output into ordered
// diagnostics. Duplicate diagnostics (MSBuild repeats them in the
// summary block) collapse to the first occurrence.
func ParseBuildOutput(output string) []Diagnostic {
	var (
		out  []Diagnostic
		seen = make(map[string]bool)
	)
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isNoise(trimmed) {
			continue
		}
		m := msbuildLine.FindStringSubmatch(line)
		if m == nil {
			out = append(out, Diagnostic{
				Severity: "warning",
				Message:  trimmed,
			})
			continue
		}
		ln, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		d := Diagnostic{
			Code:     m[5],
			Severity: m[4],
			File:     strings.TrimSpace(m[1]),
			Line:     ln,
			Column:   col,
			Message:  strings.TrimSpace(m[6]),
			Parsed:   true,
		}
		key := d.Code + "|" + d.File + "|" + strconv.Itoa(d.Line) + "|" + strconv.Itoa(d.Column)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}

// Errors filters parsed diagnostics down to error severity.
func Errors(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Parsed && d.Severity == "error" {
			out = append(out, d)
		}
	}
	return out
}

func isNoise(line string) bool {
	for _, n := range buildNoise {
		if strings.Contains(line, n) {
			return true
		}
	}
	return false
}
