package model

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSortQuestionIDs(t *testing.T) {
	ids := []string{"10", "x", "2", "10a", "Q3", "1"}
	SortQuestionIDs(ids)
	want := []string{"1", "2", "Q3", "10", "10a", "x"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestLayoutParams(t *testing.T) {
	tests := []struct {
		layout string
		wantN  int
		wantT  string
	}{
		{`{"no_of_questions":3,"type_and_question_level":" Q<1>(i) "}`, 3, "Q<1>(i)"},
		{`{"num_questions":"4","question_type":"mcq"}`, 4, "mcq"},
		{`{"no_of_questions":0}`, 0, ""},
		{`not json`, 0, ""},
		{``, 0, ""},
	}
	for _, tt := range tests {
		n, typ := LayoutParams(json.RawMessage(tt.layout))
		if n != tt.wantN || typ != tt.wantT {
			t.Errorf("LayoutParams(%s) = %d, %q; want %d, %q", tt.layout, n, typ, tt.wantN, tt.wantT)
		}
	}
}

func TestDiagramQuestions(t *testing.T) {
	tests := []struct {
		diagram string
		want    []string
	}{
		{`{"questions":["10"," 2 ",3,""]}`, []string{"2", "3", "10"}},
		{`{"questions":[]}`, nil},
		{`{}`, nil},
		{``, nil},
	}
	for _, tt := range tests {
		got := DiagramQuestions(json.RawMessage(tt.diagram))
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("DiagramQuestions(%s) mismatch (-want +got):\n%s", tt.diagram, diff)
		}
	}
}

func TestParseMaxMarks(t *testing.T) {
	m := ParseMaxMarks(json.RawMessage(`{"max_marks":{"1":5,"2":"2.5"},"default_max_marks":3}`))
	for id, want := range map[string]float64{"1": 5, "2": 2.5, "9": 3} {
		if got := m.For(id); got != want {
			t.Errorf("For(%s) = %v, want %v", id, got, want)
		}
	}
	if got := ParseMaxMarks(nil).For("1"); got != 0 {
		t.Errorf("empty config should give 0, got %v", got)
	}
}

func TestNormalizeJSON(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"{ \"a\" : [1, 2] }\n", `{ "a" : [1, 2] }`, true},
		{"{\n  \"no_of_questions\": 2\n}", "{\n  \"no_of_questions\": 2\n}", true},
		{`null`, ``, true},
		{`  `, ``, true},
		{`{"a":`, ``, false},
	}
	for _, tt := range tests {
		got, ok := NormalizeJSON(json.RawMessage(tt.in))
		if ok != tt.wantOK || string(got) != tt.want {
			t.Errorf("NormalizeJSON(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseSnapshot(t *testing.T) {
	raw := json.RawMessage(`{"total_score":"7","max_score":10,"questions":{
		"10":{"marks_awarded":2,"out_of":5,"is_correct":"false","feedback":"missing units"},
		"2":{"score":5,"max_marks":5,"correct":true},
		"3":0}}`)
	snap, err := ParseSnapshot(raw)
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}
	if snap.Total == nil || *snap.Total != 7 || snap.MaxTotal == nil || *snap.MaxTotal != 10 {
		t.Errorf("unexpected totals %v %v", snap.Total, snap.MaxTotal)
	}
	ids := make([]string, 0, len(snap.Questions))
	for _, q := range snap.Questions {
		ids = append(ids, q.Question)
	}
	if diff := cmp.Diff([]string{"2", "3", "10"}, ids); diff != "" {
		t.Errorf("question order mismatch (-want +got):\n%s", diff)
	}
	q10 := snap.Questions[2]
	if q10.Score != 2 || q10.MaxScore == nil || *q10.MaxScore != 5 || q10.Correct == nil || *q10.Correct || q10.Rationale != "missing units" {
		t.Errorf("unexpected q10 %+v", q10)
	}
	if string(snap.Raw) != string(raw) {
		t.Error("Raw should keep the element as received")
	}
}

func TestParseSnapshotRejects(t *testing.T) {
	for _, raw := range []string{`[]`, `{}`, `{"questions":"none"}`, `{"questions":[1]}`} {
		if _, err := ParseSnapshot(json.RawMessage(raw)); err == nil {
			t.Errorf("ParseSnapshot(%s): expected an error", raw)
		}
	}
}

func TestQuestionEntryAnswers(t *testing.T) {
	var qm QuestionMap
	err := json.Unmarshal([]byte(`{"2":{"question":"b","answers":["x"]},"1":{"question":"a","answers":[{"subpart":"i","answer":"y"}]}}`), &qm)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff([]string{"1", "2"}, qm.IDs()); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
	want := []SubAnswer{{Subpart: "i", Answer: "y"}}
	if diff := cmp.Diff(want, qm["1"].Answers); diff != "" {
		t.Errorf("answers mismatch (-want +got):\n%s", diff)
	}
	if qm["2"].Answers[0].Answer != "x" {
		t.Errorf("bare string answer not accepted: %+v", qm["2"].Answers)
	}
}
