package memory

import (
	"fmt"
	"strings"
)

// Digest renders recent entries as a compact block for the system prompt,
// most recent first. Empty input renders to "" so the composer can omit
// the section entirely.
func Digest(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	for _, e := range entries {
		b.WriteString("- ")
		b.WriteString(e.Topic)
		if len(e.Concepts) > 0 {
			b.WriteString(": ")
			b.WriteString(strings.Join(e.Concepts, ", "))
		}
		if len(e.Questions) > 0 {
			fmt.Fprintf(&b, " (open: %s)", strings.Join(e.Questions, " "))
		}
		if len(e.ToolsUsed) > 0 {
			fmt.Fprintf(&b, " [tools: %s]", strings.Join(e.ToolsUsed, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
