package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// DefaultPersona is the base persona prompt used when no custom persona is
// configured. {{name}} and {{preferences}} are filled in by the prompt
// composer at request time.
const DefaultPersona = `You are StudyLoop, a study assistant for university students.
You help with courses, schedules, exams and study planning.
Be concise and concrete. When a tool can answer a question about the
student's institution, prefer calling it over guessing.

Student: {{name}}
Preferences: {{preferences}}`

// ToolServer defines a single external MCP tool server reached over stdio.
type ToolServer struct {
	Name         string            `mapstructure:"name" json:"name"`                   // Required: server id used in allow-lists
	Command      string            `mapstructure:"command" json:"command"`             // Required: executable path (e.g. "npx")
	Args         []string          `mapstructure:"args" json:"args"`                   // Optional: command arguments
	Env          map[string]string `mapstructure:"env" json:"env"`                     // Optional: environment - SECURITY: may contain API keys
	IncludeTools []string          `mapstructure:"include_tools" json:"include_tools"` // Optional: tool whitelist
	ExcludeTools []string          `mapstructure:"exclude_tools" json:"exclude_tools"` // Optional: tool blacklist
}

func (t ToolServer) validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidToolServer)
	}
	if strings.TrimSpace(t.Command) == "" {
		return fmt.Errorf("%w: %q missing command", ErrInvalidToolServer, t.Name)
	}
	return nil
}

// ResolvedEnv returns the server environment as a KEY=value slice with
// $VAR and ${VAR} references expanded from the process environment, so
// secrets can stay out of the config file.
func (t ToolServer) ResolvedEnv() []string {
	if len(t.Env) == 0 {
		return nil
	}
	env := make([]string, 0, len(t.Env))
	for k, v := range t.Env {
		env = append(env, k+"="+os.Expand(v, os.Getenv))
	}
	return env
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
// All Env values are masked as they may carry API keys or tokens.
func (t ToolServer) MarshalJSON() ([]byte, error) {
	type alias ToolServer
	a := alias(t)
	if a.Env != nil {
		masked := make(map[string]string, len(a.Env))
		for k, v := range a.Env {
			masked[k] = maskSecret(v)
		}
		a.Env = masked
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal tool server: %w", err)
	}
	return data, nil
}

// AutoEnableRule unlocks one tool server for callers whose verified email
// matches a domain suffix. The rule set is data, not code, so multiple
// institutions can be configured side by side.
type AutoEnableRule struct {
	EmailSuffix string `mapstructure:"email_suffix" json:"email_suffix"` // e.g. "@uni.edu"
	Server      string `mapstructure:"server" json:"server"`             // tool server name to unlock
}

func (r AutoEnableRule) validate() error {
	if strings.TrimSpace(r.EmailSuffix) == "" || strings.TrimSpace(r.Server) == "" {
		return fmt.Errorf("%w: need email_suffix and server", ErrInvalidAutoEnableRule)
	}
	return nil
}

// Workflow defines a config-driven tool: a named prompt template the model
// can invoke with parameters, rendered server-side without any code change.
type Workflow struct {
	Name        string          `mapstructure:"name" json:"name"`
	Description string          `mapstructure:"description" json:"description"`
	Template    string          `mapstructure:"template" json:"template"` // {{param}} placeholders
	Params      []WorkflowParam `mapstructure:"params" json:"params"`
}

// WorkflowParam describes one parameter of a workflow tool.
type WorkflowParam struct {
	Name        string `mapstructure:"name" json:"name"`
	Description string `mapstructure:"description" json:"description"`
	Required    bool   `mapstructure:"required" json:"required"`
}

func (w Workflow) validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidWorkflow)
	}
	if strings.TrimSpace(w.Template) == "" {
		return fmt.Errorf("%w: %q missing template", ErrInvalidWorkflow, w.Name)
	}
	for _, p := range w.Params {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: %q has an unnamed param", ErrInvalidWorkflow, w.Name)
		}
	}
	return nil
}
