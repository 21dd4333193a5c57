package segregate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pavelanni/sheetgrader/internal/apperr"
	"github.com/pavelanni/sheetgrader/internal/model"
	"github.com/pavelanni/sheetgrader/internal/remote"
)

func TestParse(t *testing.T) {
	want := model.QuestionMap{
		"1": {Question: "2+2?", Options: []string{"3", "4"}, Answers: []model.SubAnswer{{Answer: "4"}}},
		"2": {Question: "Name the parts", Answers: []model.SubAnswer{{Subpart: "a", Answer: "root"}, {Subpart: "b", Answer: "leaf"}}},
	}
	doc := `{"1":{"question":"2+2?","options":["3","4"],"answers":["4"]},` +
		`"2":{"question":"Name the parts","answers":[{"subpart":"a","answer":"root"},{"subpart":"b","answer":"leaf"}]}}`
	str, _ := json.Marshal(doc)
	fenced, _ := json.Marshal("```json\n" + doc + "\n```")
	twice, _ := json.Marshal(string(str))

	tests := []struct {
		name string
		body string
	}{
		{"nested string", `{"final_questions_data":` + string(str) + `}`},
		{"fenced string", `{"final_questions_data":` + string(fenced) + `}`},
		{"encoded twice", `{"final_questions_data":` + string(twice) + `}`},
		{"bare object", `{"final_questions_data":` + doc + `}`},
		{"array form", `{"final_questions_data":[` +
			`{"question_no":1,"question":"2+2?","options":["3","4"],"answers":[4]},` +
			`{"question_no":"2","question":"Name the parts","answers":[{"subpart":"a","answer":"root"},{"subpart":"b","answer":"leaf"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.body))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("questions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>bad gateway</html>`},
		{"missing field", `{"questions":{}}`},
		{"nested string not json", `{"final_questions_data":"{\"1\": {\"question\": "}`},
		{"empty object", `{"final_questions_data":"{}"}`},
		{"question missing text", `{"final_questions_data":{"1":{"options":["a"]}}}`},
		{"answers wrong type", `{"final_questions_data":{"1":{"question":"q","answers":[true]}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			var pe *apperr.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if string(pe.Raw) != tt.body {
				t.Errorf("raw body not preserved: %q", pe.Raw)
			}
			if pe.Service != Service {
				t.Errorf("expected service %q, got %q", Service, pe.Service)
			}
		})
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n[1]\n```", `[1]`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := StripCodeFences(tt.in); got != tt.want {
			t.Errorf("StripCodeFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSegregateClient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		want := Request{FileURLs: []string{"http://files/a.pdf"}, NumQuestions: 2, QuestionType: "Medium Level MCQ"}
		if diff := cmp.Diff(want, req); diff != "" {
			t.Errorf("request mismatch (-want +got):\n%s", diff)
		}
		w.Write([]byte(`{"final_questions_data":"{\"1\":{\"question\":\"q1\"},\"2\":{\"question\":\"q2\"}}"}`))
	}))
	defer srv.Close()

	rc := remote.New(5*time.Second, 1, nil)
	rc.Backoff = time.Millisecond
	c := New(srv.URL, rc, nil)
	raw, qm, err := c.Segregate(context.Background(), Request{
		FileURLs:     []string{"http://files/a.pdf"},
		NumQuestions: 2,
		QuestionType: "Medium Level MCQ",
	})
	if err != nil {
		t.Fatalf("Segregate: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected one retry, got %d calls", calls.Load())
	}
	if len(qm) != 2 || qm["2"].Question != "q2" {
		t.Errorf("unexpected questions %+v", qm)
	}
	if !json.Valid(raw) {
		t.Errorf("raw body is not JSON: %s", raw)
	}

	if _, _, err := c.Segregate(context.Background(), Request{}); apperr.Kind(err) != apperr.KindInvalid {
		t.Errorf("expected invalid for empty request, got %v", err)
	}
}
