// Package tools provides the built-in Genkit tools.
//
// Built-in tools are deterministic helpers that need no external backend:
// date arithmetic and grade calculations. Institution-backed lookups
// (courses, schedules, exams) come from MCP tool servers instead and are
// managed by the registry package.
//
// Tools capture no package-level state; handlers are methods on a Kit so
// tests can call the business logic directly without Genkit.
package tools

import (
	"fmt"
	"math"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/studyloop/studyloop/internal/log"
)

// toolNames is the single source of truth for built-in tool names.
var toolNames = []string{
	"currentDatetime",
	"daysUntil",
	"gradeAverage",
}

// Names returns all built-in tool names.
func Names() []string {
	return toolNames
}

// Kit holds the built-in tool handlers.
type Kit struct {
	logger log.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewKit creates a Kit.
func NewKit(logger log.Logger) *Kit {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Kit{logger: logger, now: time.Now}
}

// Register defines all built-in tools on the Genkit registry.
func Register(g *genkit.Genkit, kit *Kit) {
	genkit.DefineTool(g, "currentDatetime",
		"Get the current date and time, including the day of week. "+
			"Use this before answering anything that depends on today's date, "+
			"like deadlines or how much time is left before an exam.",
		kit.CurrentDatetime)

	genkit.DefineTool(g, "daysUntil",
		"Count the days from today until a given date (format: YYYY-MM-DD). "+
			"Use this for questions like 'how many days until my exam on June 3rd'.",
		kit.DaysUntil)

	genkit.DefineTool(g, "gradeAverage",
		"Compute a credit-weighted grade average from a list of grades. "+
			"Each entry has a score and the number of credits of the course.",
		kit.GradeAverage)
}

// Map resolves the built-in tools from the Genkit registry into a
// name-to-tool map ready for the tool set resolver.
func Map(g *genkit.Genkit) map[string]ai.Tool {
	m := make(map[string]ai.Tool, len(toolNames))
	for _, name := range toolNames {
		if tool := genkit.LookupTool(g, name); tool != nil {
			m[name] = tool
		}
	}
	return m
}

// DatetimeOutput is the result of currentDatetime.
type DatetimeOutput struct {
	Datetime string `json:"datetime"`
	Weekday  string `json:"weekday"`
}

// CurrentDatetime returns the current date and time.
func (k *Kit) CurrentDatetime(_ *ai.ToolContext, _ struct{}) (DatetimeOutput, error) {
	now := k.now()
	return DatetimeOutput{
		Datetime: now.Format("2006-01-02 15:04"),
		Weekday:  now.Weekday().String(),
	}, nil
}

// DaysUntilInput is the input of daysUntil.
type DaysUntilInput struct {
	Date string `json:"date"` // YYYY-MM-DD
}

// DaysUntilOutput is the result of daysUntil.
type DaysUntilOutput struct {
	Days    int    `json:"days"`
	Weekday string `json:"weekday"`
}

// DaysUntil counts whole days from today to the given date. Negative for
// past dates.
func (k *Kit) DaysUntil(_ *ai.ToolContext, in DaysUntilInput) (DaysUntilOutput, error) {
	target, err := time.ParseInLocation("2006-01-02", in.Date, k.now().Location())
	if err != nil {
		return DaysUntilOutput{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD: %w", in.Date, err)
	}

	now := k.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	days := int(target.Sub(today).Hours() / 24)

	return DaysUntilOutput{
		Days:    days,
		Weekday: target.Weekday().String(),
	}, nil
}

// Grade is one course result for gradeAverage.
type Grade struct {
	Score   float64 `json:"score"`
	Credits float64 `json:"credits"`
}

// GradeAverageInput is the input of gradeAverage.
type GradeAverageInput struct {
	Grades []Grade `json:"grades"`
}

// GradeAverageOutput is the result of gradeAverage.
type GradeAverageOutput struct {
	Average float64 `json:"average"`
	Credits float64 `json:"credits"`
}

// GradeAverage computes the credit-weighted average, rounded to two decimals.
func (k *Kit) GradeAverage(_ *ai.ToolContext, in GradeAverageInput) (GradeAverageOutput, error) {
	if len(in.Grades) == 0 {
		return GradeAverageOutput{}, fmt.Errorf("no grades given")
	}

	var sum, credits float64
	for i, g := range in.Grades {
		if g.Credits <= 0 {
			return GradeAverageOutput{}, fmt.Errorf("grade %d has non-positive credits", i)
		}
		sum += g.Score * g.Credits
		credits += g.Credits
	}

	avg := math.Round(sum/credits*100) / 100
	return GradeAverageOutput{Average: avg, Credits: credits}, nil
}
