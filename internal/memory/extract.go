package memory

import (
	"errors"
	"regexp"
	"slices"
	"strings"
)

// ErrEmptyTurn indicates there was no text to extract from.
var ErrEmptyTurn = errors.New("empty turn")

// DefaultVocabulary maps topic labels to the keywords that vote for them.
// Overridable so deployments can tune labels to their curriculum.
var DefaultVocabulary = map[string][]string{
	"exams":          {"exam", "test", "final", "midterm", "grading", "resit"},
	"scheduling":     {"schedule", "timetable", "deadline", "calendar", "when", "date"},
	"coursework":     {"assignment", "homework", "essay", "exercise", "submission", "lab"},
	"grades":         {"grade", "gpa", "score", "credits", "average", "transcript"},
	"study planning": {"plan", "revise", "revision", "prepare", "study session"},
}

// DefaultConcepts is the lexicon of domain concepts worth remembering.
var DefaultConcepts = []string{
	"eigenvalues", "derivatives", "integrals", "matrices", "probability",
	"statistics", "recursion", "complexity", "databases", "algorithms",
	"thermodynamics", "mechanics", "syntax", "semantics", "citations",
}

// hedgePhrases lower the confidence score when found in the assistant text.
var hedgePhrases = []string{
	"i'm not sure", "i am not sure", "i think", "probably", "it depends",
	"i don't know", "i do not know", "might be", "not certain",
}

// sentenceRe splits on sentence-ending punctuation while keeping it.
var sentenceRe = regexp.MustCompile(`[^.!?]*[.!?]`)

// Heuristic is the keyword-based Extractor implementation.
type Heuristic struct {
	Vocabulary map[string][]string
	Concepts   []string
}

// NewHeuristic creates a Heuristic with the default vocabulary and lexicon.
func NewHeuristic() *Heuristic {
	return &Heuristic{
		Vocabulary: DefaultVocabulary,
		Concepts:   DefaultConcepts,
	}
}

// Extract derives topic, concepts, open questions and confidence from the
// turn text.
func (h *Heuristic) Extract(turn Turn) (Entry, error) {
	combined := strings.TrimSpace(turn.UserText + " " + turn.AssistantText)
	if combined == "" {
		return Entry{}, ErrEmptyTurn
	}
	lower := strings.ToLower(combined)

	return Entry{
		Topic:      h.topic(lower),
		Concepts:   h.concepts(lower),
		Questions:  questions(turn.UserText),
		ToolsUsed:  slices.Clone(turn.ToolsUsed),
		Confidence: confidence(strings.ToLower(turn.AssistantText)),
	}, nil
}

// topic picks the vocabulary topic with the most keyword hits, breaking
// ties alphabetically for determinism. "general" when nothing matches.
func (h *Heuristic) topic(lower string) string {
	best := "general"
	bestHits := 0

	topics := make([]string, 0, len(h.Vocabulary))
	for t := range h.Vocabulary {
		topics = append(topics, t)
	}
	slices.Sort(topics)

	for _, t := range topics {
		hits := 0
		for _, kw := range h.Vocabulary[t] {
			hits += strings.Count(lower, kw)
		}
		if hits > bestHits {
			best, bestHits = t, hits
		}
	}
	return best
}

// concepts returns the lexicon entries mentioned in the text, deduplicated
// and in lexicon order.
func (h *Heuristic) concepts(lower string) []string {
	var found []string
	for _, c := range h.Concepts {
		if strings.Contains(lower, c) && !slices.Contains(found, c) {
			found = append(found, c)
		}
	}
	return found
}

// questions returns the interrogative sentences of the user text.
func questions(userText string) []string {
	var qs []string
	for _, s := range sentenceRe.FindAllString(userText, -1) {
		s = strings.TrimSpace(s)
		if strings.HasSuffix(s, "?") {
			qs = append(qs, s)
		}
	}
	return qs
}

// confidence starts high and drops for each hedging phrase the assistant
// used, floored so an entry is never weighted to zero.
func confidence(assistantLower string) float64 {
	score := 0.9
	for _, hedge := range hedgePhrases {
		if strings.Contains(assistantLower, hedge) {
			score -= 0.2
		}
	}
	if score < 0.1 {
		score = 0.1
	}
	return score
}
