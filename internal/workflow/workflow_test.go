package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/firebase/genkit/go/ai"

	"github.com/studyloop/studyloop/internal/config"
)

func TestRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		params   map[string]any
		want     string
	}{
		{
			"substitution",
			"Make a revision plan for {{course}} over {{weeks}} weeks.",
			map[string]any{"course": "Linear Algebra", "weeks": 3},
			"Make a revision plan for Linear Algebra over 3 weeks.",
		},
		{
			"unknown placeholder stays visible",
			"Plan for {{course}} with {{typo}}.",
			map[string]any{"course": "CS101"},
			"Plan for CS101 with {{typo}}.",
		},
		{
			"no params",
			"Static text.",
			nil,
			"Static text.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := render(tt.template, tt.params); got != tt.want {
				t.Errorf("render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandlerRequiredParams(t *testing.T) {
	t.Parallel()

	wf := config.Workflow{
		Name:     "revisionPlan",
		Template: "Plan for {{course}}.",
		Params: []config.WorkflowParam{
			{Name: "course", Required: true},
			{Name: "weeks", Required: false},
		},
	}
	fn := handler(wf)
	toolCtx := &ai.ToolContext{Context: context.Background()}

	if _, err := fn(toolCtx, map[string]any{}); err == nil {
		t.Fatal("missing required param should error")
	} else if !strings.Contains(err.Error(), "course") {
		t.Errorf("error should name the parameter: %v", err)
	}

	out, err := fn(toolCtx, map[string]any{"course": "Statistics"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Plan for Statistics." {
		t.Errorf("out = %q", out)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	wf := config.Workflow{
		Name:        "revisionPlan",
		Description: "Build a weekly revision plan.",
		Params: []config.WorkflowParam{
			{Name: "course", Description: "course name", Required: true},
			{Name: "weeks"},
		},
	}

	got := describe(wf)
	for _, want := range []string{"Build a weekly revision plan.", "course (required): course name", "weeks"} {
		if !strings.Contains(got, want) {
			t.Errorf("describe() missing %q: %q", want, got)
		}
	}
}
