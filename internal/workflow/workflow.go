// Package workflow compiles config-defined tools into Genkit tools.
//
// A workflow is a named prompt template with declared parameters. Operators
// add them in the config file without a code change; the model invokes them
// like any other tool and receives the rendered template as the result.
package workflow

import (
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/studyloop/studyloop/internal/config"
	"github.com/studyloop/studyloop/internal/log"
)

// Compile defines one Genkit tool per configured workflow and returns them
// keyed by name, ready for the tool set resolver.
func Compile(g *genkit.Genkit, workflows []config.Workflow, logger log.Logger) map[string]ai.Tool {
	if logger == nil {
		logger = log.NewNop()
	}

	compiled := make(map[string]ai.Tool, len(workflows))
	for _, wf := range workflows {
		tool := genkit.DefineTool(g, wf.Name, describe(wf), handler(wf))
		compiled[wf.Name] = tool
		logger.Debug("compiled workflow tool", "name", wf.Name, "params", len(wf.Params))
	}
	return compiled
}

// handler builds the invoke function for one workflow.
func handler(wf config.Workflow) func(*ai.ToolContext, map[string]any) (string, error) {
	return func(_ *ai.ToolContext, input map[string]any) (string, error) {
		for _, p := range wf.Params {
			if !p.Required {
				continue
			}
			if _, ok := input[p.Name]; !ok {
				return "", fmt.Errorf("missing required parameter %q", p.Name)
			}
		}
		return render(wf.Template, input), nil
	}
}

// render substitutes {{name}} placeholders with the given values. Unknown
// placeholders are left as-is so a template typo is visible in the output
// instead of silently vanishing.
func render(template string, params map[string]any) string {
	out := template
	for name, value := range params {
		out = strings.ReplaceAll(out, "{{"+name+"}}", fmt.Sprint(value))
	}
	return out
}

// describe builds the tool description shown to the model, appending the
// declared parameters so the model knows what to pass.
func describe(wf config.Workflow) string {
	var b strings.Builder
	b.WriteString(wf.Description)
	if len(wf.Params) == 0 {
		return b.String()
	}
	b.WriteString(" Parameters:")
	for _, p := range wf.Params {
		b.WriteString(" ")
		b.WriteString(p.Name)
		if p.Required {
			b.WriteString(" (required)")
		}
		if p.Description != "" {
			b.WriteString(": ")
			b.WriteString(p.Description)
		}
		b.WriteString(";")
	}
	return strings.TrimSuffix(b.String(), ";")
}
