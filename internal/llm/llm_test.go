package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pavelanni/sheetgrader/internal/apperr"
	"github.com/pavelanni/sheetgrader/internal/checker"
	"github.com/pavelanni/sheetgrader/internal/model"
)

// fakeOpenAI answers chat completions with reply(systemPrompt, userMessage).
func fakeOpenAI(t *testing.T, reply func(system, user string) (int, string)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		var system, user string
		for _, m := range req.Messages {
			switch m.Role {
			case "system":
				system = m.Content
			case "user":
				user = m.Content
			}
		}
		status, content := reply(system, user)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			fmt.Fprint(w, content)
			return
		}
		body, _ := json.Marshal(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": content},
			}},
		})
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

var answerKey = json.RawMessage(`{
	"1":{"question":"2+2?","answers":["4"]},
	"2":{"question":"Capital of France?","answers":[{"subpart":"a","answer":"Paris"}]},
	"3":{"question":"Boiling point of water?","answers":["100 C"]}}`)

func TestCheckText(t *testing.T) {
	srv, calls := fakeOpenAI(t, func(system, user string) (int, string) {
		switch {
		case strings.Contains(system, "QUESTION 1:"):
			return http.StatusOK, `{"score":5,"correct":true,"rationale":"right"}`
		case strings.Contains(system, "QUESTION 2:"):
			// Scores above the maximum are clamped and fences are tolerated.
			return http.StatusOK, "```json\n{\"score\":9,\"rationale\":\"ok \"}\n```"
		}
		t.Errorf("unexpected prompt:\n%s", system)
		return http.StatusOK, `{"score":0}`
	})

	c := New(srv.URL+"/v1", "test-key", "test-model", "strict", nil)
	res, err := c.CheckText(context.Background(), checker.TextInput{
		AnswerKey: answerKey,
		Student: model.QuestionMap{
			"1": {Answers: []model.SubAnswer{{Answer: "4"}}},
			"2": {Answers: []model.SubAnswer{{Subpart: "a", Answer: "Paris"}}},
		},
		Scoring: json.RawMessage(`{"max_marks":{"1":5},"default_max_marks":3}`),
	})
	if err != nil {
		t.Fatalf("CheckText: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 model calls (question 3 unanswered), got %d", calls.Load())
	}

	snap := res.Snapshot
	if snap.Total == nil || *snap.Total != 8 {
		t.Fatalf("expected total 8, got %v", snap.Total)
	}
	if snap.MaxTotal == nil || *snap.MaxTotal != 11 {
		t.Errorf("expected max total 11, got %v", snap.MaxTotal)
	}
	if len(snap.Questions) != 3 {
		t.Fatalf("expected 3 questions, got %+v", snap.Questions)
	}
	q3 := snap.Questions[2]
	if q3.Question != "3" || q3.Score != 0 || q3.Rationale != "no answer" {
		t.Errorf("unanswered question: %+v", q3)
	}
	if q2 := snap.Questions[1]; q2.Correct == nil || !*q2.Correct || q2.Rationale != "ok" {
		t.Errorf("clamped question should be full marks: %+v", q2)
	}

	again, err := checker.LastResult(checker.TextService, res.Raw)
	if err != nil {
		t.Fatalf("raw result should parse like a remote reply: %v", err)
	}
	if *again.Total != 8 {
		t.Errorf("reparsed total = %v", *again.Total)
	}
}

func TestCheckTextFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		content  string
		wantKind string
	}{
		{"not json", http.StatusOK, `I think it deserves 3`, apperr.KindParse},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"down","type":"server_error"}}`, apperr.KindChecking},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`, apperr.KindChecking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := fakeOpenAI(t, func(string, string) (int, string) { return tt.status, tt.content })
			c := New(srv.URL+"/v1", "k", "m", "", nil)
			_, err := c.CheckText(context.Background(), checker.TextInput{
				AnswerKey: json.RawMessage(`{"1":{"question":"q","answers":["a"]}}`),
				Student:   model.QuestionMap{"1": {Answers: []model.SubAnswer{{Answer: "a"}}}},
			})
			if apperr.Kind(err) != tt.wantKind {
				t.Errorf("expected kind %s, got %v", tt.wantKind, err)
			}
			var ce *apperr.CheckingServiceError
			if errors.As(err, &ce) && ce.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, ce.StatusCode)
			}
		})
	}
}

func TestCheckTextRequiresKey(t *testing.T) {
	srv, calls := fakeOpenAI(t, func(string, string) (int, string) { return http.StatusOK, `{}` })
	c := New(srv.URL+"/v1", "k", "m", "standard", nil)
	for _, key := range []json.RawMessage{nil, json.RawMessage(`{}`), json.RawMessage(`[1]`)} {
		_, err := c.CheckText(context.Background(), checker.TextInput{AnswerKey: key})
		if apperr.Kind(err) != apperr.KindInvalid {
			t.Errorf("key %s: expected invalid, got %v", key, err)
		}
	}
	if calls.Load() != 0 {
		t.Errorf("model called %d times", calls.Load())
	}
}

func TestNewDefaultsVariant(t *testing.T) {
	if c := New("", "k", "m", "harsh", nil); c.variant != "standard" {
		t.Errorf("expected standard variant, got %s", c.variant)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"message":"not found"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"m","object":"model"}]}`)
	}))
	defer srv.Close()

	if err := New(srv.URL+"/v1", "k", "m", "", nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	err := New(srv.URL+"/v2", "k", "m", "", nil).Ping(context.Background())
	var ce *apperr.CheckingServiceError
	if !errors.As(err, &ce) || ce.StatusCode != http.StatusNotFound {
		t.Errorf("expected a 404 checking error, got %v", err)
	}
}
