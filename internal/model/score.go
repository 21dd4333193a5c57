package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// QuestionResult is one question's score as reported by a checking service.
type QuestionResult struct {
	Question      string
	Score         float64
	MaxScore      *float64
	Correct       *bool
	PartialCredit float64
	Rationale     string
	Penalize      bool
}

// Snapshot is a decoded score payload from a checking service.
// Raw preserves the element exactly as received so it can be forwarded.
type Snapshot struct {
	Total     *float64
	MaxTotal  *float64
	Questions []QuestionResult
	Raw       json.RawMessage
}

// Empty reports whether the snapshot carries no score data.
func (s *Snapshot) Empty() bool {
	return s == nil || (s.Total == nil && len(s.Questions) == 0)
}

// ScoreRecord is the canonical merged score attached to an answer sheet.
type ScoreRecord struct {
	Questions       []QuestionScore `json:"questions"`
	Total           float64         `json:"total"`
	MaxTotal        float64         `json:"maxTotal"`
	DiagramAdjusted bool            `json:"diagramAdjusted"`
}

// QuestionScore is one question's entry in a ScoreRecord.
type QuestionScore struct {
	Question      string  `json:"question"`
	Score         float64 `json:"score"`
	MaxScore      float64 `json:"maxScore"`
	Correct       bool    `json:"correct"`
	PartialCredit float64 `json:"partialCredit"`
	Rationale     string  `json:"rationale,omitempty"`
	Source        Stage   `json:"source"`
}

var (
	totalKeys     = []string{"total_score", "aggregate_score", "total", "score"}
	maxTotalKeys  = []string{"max_score", "max_total", "total_marks", "out_of"}
	questionsKeys = []string{"questions", "per_question", "question_scores"}
	idKeys        = []string{"question", "question_no", "qno", "id"}
	scoreKeys     = []string{"score", "marks_awarded", "marks", "awarded"}
	maxKeys       = []string{"max_score", "max_marks", "out_of"}
	rationaleKeys = []string{"rationale", "error", "feedback", "reason"}
)

// ParseSnapshot decodes a checking-service score element. Field names vary
// between service versions, so several aliases are accepted for each field.
func ParseSnapshot(raw json.RawMessage) (Snapshot, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Snapshot{}, fmt.Errorf("decode score snapshot: %w", err)
	}
	snap := Snapshot{Raw: append(json.RawMessage(nil), raw...)}
	if v, ok := firstNumber(m, totalKeys); ok {
		snap.Total = &v
	}
	if v, ok := firstNumber(m, maxTotalKeys); ok {
		snap.MaxTotal = &v
	}

	for _, k := range questionsKeys {
		qs, ok := m[k]
		if !ok {
			continue
		}
		results, err := parseQuestions(qs)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decode %s: %w", k, err)
		}
		snap.Questions = results
		break
	}
	if snap.Empty() {
		return Snapshot{}, errors.New("score snapshot has neither questions nor total")
	}
	return snap, nil
}

func parseQuestions(v any) ([]QuestionResult, error) {
	var out []QuestionResult
	switch qs := v.(type) {
	case map[string]any:
		for id, q := range qs {
			obj, ok := q.(map[string]any)
			if !ok {
				if score, ok := toNumber(q); ok {
					out = append(out, QuestionResult{Question: id, Score: score})
					continue
				}
				return nil, fmt.Errorf("question %s: unexpected %T", id, q)
			}
			out = append(out, parseQuestion(id, obj))
		}
	case []any:
		for i, q := range qs {
			obj, ok := q.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("question #%d: unexpected %T", i, q)
			}
			id, ok := firstString(obj, idKeys)
			if !ok {
				id = strconv.Itoa(i + 1)
			}
			out = append(out, parseQuestion(id, obj))
		}
	default:
		return nil, fmt.Errorf("unexpected %T", v)
	}
	sortResults(out)
	return out, nil
}

func parseQuestion(id string, obj map[string]any) QuestionResult {
	q := QuestionResult{Question: strings.TrimSpace(id)}
	q.Score, _ = firstNumber(obj, scoreKeys)
	if v, ok := firstNumber(obj, maxKeys); ok {
		q.MaxScore = &v
	}
	if v, ok := firstBool(obj, []string{"correct", "is_correct"}); ok {
		q.Correct = &v
	}
	q.PartialCredit, _ = firstNumber(obj, []string{"partial_credit", "partial"})
	q.Rationale, _ = firstString(obj, rationaleKeys)
	q.Penalize, _ = firstBool(obj, []string{"penalize", "penalty"})
	return q
}

func sortResults(rs []QuestionResult) {
	sort.SliceStable(rs, func(i, j int) bool { return LessQuestionID(rs[i].Question, rs[j].Question) })
}

func firstNumber(m map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := toNumber(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func firstString(m map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		}
	}
	return "", false
}

func firstBool(m map[string]any, keys []string) (bool, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case bool:
			return v, true
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err == nil {
				return b, true
			}
		}
	}
	return false, false
}
