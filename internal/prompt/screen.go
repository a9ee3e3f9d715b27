package prompt

import (
	"regexp"
	"strings"
	"unicode"
)

// ScreenResult reports what the injection screen found in user input.
type ScreenResult struct {
	Suspicious bool
	Patterns   []string
}

// Screener detects common prompt injection patterns in inbound user text.
//
// No filter is complete; this catches the common override, role-play and
// delimiter tricks. Findings are logged by the caller for review, never
// blocked: a student asking "ignore my previous question" must still get
// an answer.
type Screener struct {
	patterns []*regexp.Regexp
}

// NewScreener creates a Screener with the default pattern set.
func NewScreener() *Screener {
	patterns := []string{
		// System prompt override attempts
		`(?i)ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)`,
		`(?i)disregard\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?)`,
		`(?i)forget\s+(all\s+)?(previous|above|prior)\s+(instructions?|context)`,

		// Role-playing attacks
		`(?i)^(pretend|act|behave|imagine)\s+(you\s+are|to\s+be|as\s+if|like)`,
		`(?i)^you\s+are\s+now\s+a`,
		`(?i)^from\s+now\s+on,?\s+you\s+(are|will|must)`,

		// Instruction injection
		`(?i)^\s*(important|critical|urgent|system)\s*:\s*`,
		`(?i)^new\s+(instruction|task|rule)\s*:`,

		// Delimiter manipulation
		`(?i)</?(system|instruction|prompt)>`,
		`(?i)---+\s*(system|new\s+instruction)`,

		// Jailbreak attempts
		`(?i)do\s+anything\s+now`,
		`(?i)jailbreak`,
		`(?i)bypass\s+(safety|filter|restrictions?)`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return &Screener{patterns: compiled}
}

// Screen checks input for injection patterns.
func (s *Screener) Screen(input string) ScreenResult {
	normalized := normalizeInput(input)

	var detected []string
	for _, re := range s.patterns {
		if re.MatchString(normalized) {
			detected = append(detected, re.String())
		}
	}
	return ScreenResult{Suspicious: len(detected) > 0, Patterns: detected}
}

// normalizeInput strips zero-width and format characters that could evade
// matching and collapses whitespace runs.
func normalizeInput(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.Is(unicode.Cf, r) || unicode.Is(unicode.Mn, r) {
			continue
		}
		if unicode.IsSpace(r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
