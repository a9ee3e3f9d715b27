// Package prompt composes the layered system prompt for a turn.
//
// Composition is pure: given the same inputs it produces the same string,
// with no I/O and no randomness, so the full precedence order is testable
// without a model or a database.
package prompt

import (
	"regexp"
	"slices"
	"strings"
)

// Profile is the caller-facing part of the identity used for templating.
type Profile struct {
	Name  string
	Email string
}

// Input carries every source the composer merges, already loaded by the
// caller.
type Input struct {
	// Persona is the base persona template. {{name}} and {{preferences}}
	// placeholders are substituted from Profile and Preferences.
	Persona string

	Profile     Profile
	Preferences map[string]string

	// AgentInstructions, when non-empty, replaces the persona wholesale:
	// a selected agent speaks with its own voice, not a decorated default.
	AgentInstructions string

	// MemoryDigest is the pre-rendered recent-memory block; empty means
	// the section is omitted.
	MemoryDigest string

	// Customizations maps tool server id to the user's instruction text
	// for that server.
	Customizations map[string]string

	// ActiveServers lists the servers that actually contributed tools this
	// turn. Customization text for any other server must not appear.
	ActiveServers []string

	// NativeToolSupport reports whether the selected model supports tool
	// calling natively. When false an emulation addendum is appended.
	NativeToolSupport bool
}

// toolEmulationAddendum instructs models without native tool support to
// emulate tool use via a textual convention.
const toolEmulationAddendum = `This model has no native tool calling. When you need a tool,
respond with exactly one line of the form:
TOOL_CALL {"tool": "<name>", "input": {...}}
and wait for the result before continuing.`

// Compose builds the system prompt in fixed precedence order: persona (or
// agent instructions), memory digest, per-server customizations, tool
// emulation addendum.
func Compose(in Input) string {
	var sections []string

	base := in.AgentInstructions
	if base == "" {
		base = renderPersona(in.Persona, in.Profile, in.Preferences)
	}
	if s := strings.TrimSpace(base); s != "" {
		sections = append(sections, s)
	}

	if digest := strings.TrimSpace(Sanitize(in.MemoryDigest)); digest != "" {
		sections = append(sections, "## Recent study context\n"+digest)
	}

	for _, server := range in.ActiveServers {
		text := strings.TrimSpace(Sanitize(in.Customizations[server]))
		if text == "" {
			continue
		}
		sections = append(sections, "## Your instructions for "+server+" tools\n"+text)
	}

	if !in.NativeToolSupport {
		sections = append(sections, toolEmulationAddendum)
	}

	return strings.Join(sections, "\n\n")
}

// renderPersona substitutes the persona placeholders.
func renderPersona(persona string, profile Profile, prefs map[string]string) string {
	name := profile.Name
	if name == "" {
		name = "the student"
	}
	out := strings.ReplaceAll(persona, "{{name}}", name)
	out = strings.ReplaceAll(out, "{{preferences}}", renderPreferences(prefs))
	return out
}

// renderPreferences renders preference pairs as "key: value" lines in
// deterministic order, or "none" when empty.
func renderPreferences(prefs map[string]string) string {
	if len(prefs) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+": "+prefs[k])
	}
	return strings.Join(pairs, ", ")
}

// delimiterRe matches runs of '=' long enough to fake a section boundary.
var delimiterRe = regexp.MustCompile(`={3,}`)

// fenceRe matches code fence markers.
var fenceRe = regexp.MustCompile("(?m)^```.*$")

// maxInjectedLen bounds user-controlled text injected into the prompt.
const maxInjectedLen = 2000

// Sanitize neutralizes delimiter manipulation in user-controlled text that
// gets embedded into the system prompt: long '=' runs are collapsed, code
// fences stripped, and the text truncated to a fixed budget.
func Sanitize(s string) string {
	s = delimiterRe.ReplaceAllString(s, "==")
	s = fenceRe.ReplaceAllString(s, "")
	if len(s) > maxInjectedLen {
		s = s[:maxInjectedLen]
	}
	return s
}
