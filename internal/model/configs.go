package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// LayoutParams reads the segregation parameters from the layout config.
// Zero values mean the config does not set them.
func LayoutParams(layout json.RawMessage) (numQuestions int, questionType string) {
	var m map[string]any
	if len(layout) == 0 || json.Unmarshal(layout, &m) != nil {
		return 0, ""
	}
	if n, ok := firstNumber(m, []string{"no_of_questions", "num_questions"}); ok && n > 0 {
		numQuestions = int(n)
	}
	questionType, _ = firstString(m, []string{"type_and_question_level", "question_type"})
	return numQuestions, strings.TrimSpace(questionType)
}

// DiagramQuestions returns the question numbers the diagram config marks as
// diagram-bearing. An empty result means the diagram stage is skipped.
func DiagramQuestions(diagram json.RawMessage) []string {
	var m map[string]any
	if len(diagram) == 0 || json.Unmarshal(diagram, &m) != nil {
		return nil
	}
	list, _ := m["questions"].([]any)
	var ids []string
	for _, v := range list {
		switch q := v.(type) {
		case string:
			if q = strings.TrimSpace(q); q != "" {
				ids = append(ids, q)
			}
		case float64:
			ids = append(ids, strconv.FormatFloat(q, 'f', -1, 64))
		}
	}
	SortQuestionIDs(ids)
	return ids
}

// MaxMarks holds per-question maximum marks from the scoring config.
// Questions missing from "max_marks" fall back to "default_max_marks".
type MaxMarks struct {
	PerQuestion map[string]float64
	Default     float64
}

// For returns the maximum marks for question id, or 0 when unknown.
func (m MaxMarks) For(id string) float64 {
	if v, ok := m.PerQuestion[id]; ok {
		return v
	}
	return m.Default
}

// ParseMaxMarks decodes the marks section of a scoring config.
func ParseMaxMarks(scoring json.RawMessage) MaxMarks {
	out := MaxMarks{PerQuestion: map[string]float64{}}
	var m map[string]any
	if len(scoring) == 0 || json.Unmarshal(scoring, &m) != nil {
		return out
	}
	if per, ok := m["max_marks"].(map[string]any); ok {
		for id, v := range per {
			if f, ok := toNumber(v); ok {
				out.PerQuestion[id] = f
			}
		}
	}
	out.Default, _ = firstNumber(m, []string{"default_max_marks", "marks_per_question"})
	return out
}

// NormalizeJSON validates doc and returns it with surrounding whitespace
// trimmed. The bytes inside are kept as received so reads return exactly what
// was saved. Empty input and null mean no document.
func NormalizeJSON(doc json.RawMessage) (json.RawMessage, bool) {
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 || bytes.Equal(doc, []byte("null")) {
		return nil, true
	}
	if !json.Valid(doc) {
		return nil, false
	}
	return bytes.Clone(doc), true
}
