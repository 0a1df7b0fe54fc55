package dotnet

import (
	"fmt"
	"regexp"
)

// enhancer extracts detail from a diagnostic message and produces
// remediation suggestions for one compiler error code.
type enhancer struct {
	extract *regexp.Regexp
	suggest func(match []string) []string
}

// enhancers maps known compiler and restore error codes. Codes not in
// the table pass through Enhance unchanged.
var enhancers = map[string]enhancer{
	"CS0246": {
		extract: regexp.MustCompile(`type or namespace name '([^']+)'`),
		suggest: func(m []string) []string {
			name := sub(m, 1)
			return []string{
				fmt.Sprintf("Add a using directive for the namespace that contains '%s'", name),
				fmt.Sprintf("If '%s' comes from a NuGet package, add it to the packages list (e.g. \"%s\" or \"%s@1.2.3\")", name, name, name),
			}
		},
	},
	"CS0103": {
		extract: regexp.MustCompile(`The name '([^']+)' does not exist`),
		suggest: func(m []string) []string {
			name := sub(m, 1)
			return []string{
				fmt.Sprintf("Declare '%s' before using it, or check the spelling", name),
				"Top-level statements execute in order; a name must be declared above its first use",
			}
		},
	},
	"CS0234": {
		extract: regexp.MustCompile(`type or namespace name '([^']+)' does not exist in the namespace '([^']+)'`),
		suggest: func(m []string) []string {
			return []string{
				fmt.Sprintf("'%s.%s' is not available; the containing assembly may be missing", sub(m, 2), sub(m, 1)),
				"Add the NuGet package that provides this namespace to the packages list",
			}
		},
	},
	"CS1061": {
		extract: regexp.MustCompile(`'([^']+)' does not contain a definition for '([^']+)'`),
		suggest: func(m []string) []string {
			return []string{
				fmt.Sprintf("Check the spelling of '%s' on type '%s'", sub(m, 2), sub(m, 1)),
				"If it is an extension method, add the using directive for its namespace (e.g. System.Linq)",
			}
		},
	},
	"CS0029": {
		extract: regexp.MustCompile(`convert type '([^']+)' to '([^']+)'`),
		suggest: func(m []string) []string {
			return []string{
				fmt.Sprintf("Add an explicit conversion from '%s' to '%s', or change the target type", sub(m, 1), sub(m, 2)),
			}
		},
	},
	"CS1002": {
		extract: nil,
		suggest: func([]string) []string {
			return []string{"Add the missing ';' at the end of the statement"}
		},
	},
	"NU1101": {
		// Package IDs contain dots; the sentence's trailing period does not count.
		extract: regexp.MustCompile(`Unable to find package ([A-Za-z0-9_.-]*[A-Za-z0-9_])`),
		suggest: func(m []string) []string {
			name := sub(m, 1)
			return []string{
				fmt.Sprintf("Check the package name '%s' on nuget.org; package IDs are case-insensitive but must match exactly", name),
				"Pin a version with the Name@version form if only prerelease versions exist",
			}
		},
	},
}

// Enhance attaches suggestions to every diagnostic whose code is in the
// static table. Diagnostics with unknown codes come back untouched, in
// the original order.
func Enhance(diags []Diagnostic) []Diagnostic {
	out := make([]Diagnostic, len(diags))
	for i, d := range diags {
		out[i] = d
		e, ok := enhancers[d.Code]
		if !ok {
			continue
		}
		var match []string
		if e.extract != nil {
			match = e.extract.FindStringSubmatch(d.Message)
		}
		out[i].Suggestions = append(out[i].Suggestions, e.suggest(match)...)
	}
	return out
}

// sub safely indexes a regexp submatch.
func sub(m []string, i int) string {
	if i < len(m) {
		return m[i]
	}
	return "the symbol"
}
