package model

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// SubAnswer is the expected (or given) answer for one subpart of a question.
type SubAnswer struct {
	Subpart string `json:"subpart,omitempty"`
	Answer  string `json:"answer"`
}

// UnmarshalJSON accepts either {"subpart","answer"} or a bare string.
func (a *SubAnswer) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = SubAnswer{Answer: s}
		return nil
	}
	type plain SubAnswer
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*a = SubAnswer(p)
	return nil
}

// QuestionEntry is one question as produced by segregation.
type QuestionEntry struct {
	Question string      `json:"question"`
	Options  []string    `json:"options,omitempty"`
	Answers  []SubAnswer `json:"answers,omitempty"`
}

// QuestionMap maps a question number to its entry. It is used both for the
// instructor's model answer key and for a student's segregated response.
type QuestionMap map[string]QuestionEntry

// IDs returns the question numbers in natural order ("2" before "10").
func (m QuestionMap) IDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	SortQuestionIDs(ids)
	return ids
}

// SortQuestionIDs sorts question identifiers by their leading number, then lexically.
func SortQuestionIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return LessQuestionID(ids[i], ids[j]) })
}

// LessQuestionID orders "1" < "2" < "10" < "10a" < "x".
func LessQuestionID(a, b string) bool {
	na, ra, oka := leadingNumber(a)
	nb, rb, okb := leadingNumber(b)
	switch {
	case oka && okb && na != nb:
		return na < nb
	case oka && okb && ra != rb:
		return ra < rb
	case oka != okb:
		return oka
	default:
		return a < b
	}
}

func leadingNumber(s string) (int, string, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "qQ")
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, s, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, s, false
	}
	return n, s[end:], true
}
