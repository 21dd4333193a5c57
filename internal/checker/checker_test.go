package checker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/sheetgrader/internal/apperr"
	"github.com/pavelanni/sheetgrader/internal/model"
	"github.com/pavelanni/sheetgrader/internal/remote"
)

func newService(t *testing.T, status int, reply string, got *map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.WriteHeader(status)
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newPoster() *remote.Client {
	return remote.New(5*time.Second, 0, nil)
}

// decodeEmbedded asserts field holds a JSON document encoded as a string.
func decodeEmbedded(t *testing.T, req map[string]any, field string) any {
	t.Helper()
	s, ok := req[field].(string)
	if !ok {
		t.Fatalf("%s should be a JSON string, got %T", field, req[field])
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("%s does not embed JSON: %v", field, err)
	}
	return v
}

func TestTextCheckDoubleEncoding(t *testing.T) {
	var req map[string]any
	reply := `{"final_results_data":[{"total_score":3},{"total_score":8,"max_score":10}]}`
	srv, _ := newService(t, http.StatusOK, reply, &req)

	c := NewText(srv.URL, newPoster(), nil)
	res, err := c.CheckText(context.Background(), TextInput{
		AnswerKey: json.RawMessage(`{"1":{"question":"2+2?","answers":["4"]}}`),
		Student:   model.QuestionMap{"1": {Question: "2+2?", Answers: []model.SubAnswer{{Answer: "4"}}}},
		Scoring:   json.RawMessage(`{"default_max_marks":10}`),
	})
	if err != nil {
		t.Fatalf("CheckText: %v", err)
	}

	key := decodeEmbedded(t, req, "model_json_anskey").(map[string]any)
	if _, ok := key["1"]; !ok {
		t.Errorf("model key not forwarded: %v", key)
	}
	student := decodeEmbedded(t, req, "student_json_ans").(map[string]any)
	if _, ok := student["1"]; !ok {
		t.Errorf("student answers not forwarded: %v", student)
	}
	cfg := decodeEmbedded(t, req, "config_json").(map[string]any)
	if cfg["default_max_marks"] != float64(10) {
		t.Errorf("config not forwarded: %v", cfg)
	}

	if res.Snapshot.Total == nil || *res.Snapshot.Total != 8 {
		t.Errorf("expected last element total 8, got %v", res.Snapshot.Total)
	}
	if string(res.Raw) != reply {
		t.Errorf("raw body not preserved: %s", res.Raw)
	}
}

func TestTextCheckMissingConfig(t *testing.T) {
	var req map[string]any
	srv, _ := newService(t, http.StatusOK, `{"final_results_data":[{"total":1}]}`, &req)
	c := NewText(srv.URL, newPoster(), nil)
	if _, err := c.CheckText(context.Background(), TextInput{}); err != nil {
		t.Fatalf("CheckText: %v", err)
	}
	if req["config_json"] != "{}" || req["model_json_anskey"] != "{}" {
		t.Errorf("missing documents should be sent as {}: %v", req)
	}
}

func TestTextCheckFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		reply    string
		wantKind string
	}{
		{"empty results", http.StatusOK, `{"final_results_data":[]}`, apperr.KindParse},
		{"not json", http.StatusOK, `oops`, apperr.KindParse},
		{"no scores", http.StatusOK, `{"final_results_data":[{"note":"x"}]}`, apperr.KindParse},
		{"server error", http.StatusInternalServerError, `boom`, apperr.KindChecking},
		{"bad request", http.StatusBadRequest, `{"detail":"bad"}`, apperr.KindChecking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newService(t, tt.status, tt.reply, nil)
			_, err := NewText(srv.URL, newPoster(), nil).CheckText(context.Background(), TextInput{})
			if apperr.Kind(err) != tt.wantKind {
				t.Errorf("expected kind %s, got %v", tt.wantKind, err)
			}
		})
	}
}

func TestLastResult(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantTotal float64
		wantQs    int
	}{
		{"array", `{"final_results_data":[{"total_score":1},{"total_score":2}]}`, 2, 0},
		{"string elements", `{"final_results_data":["{\"total_score\":1}","{\"total_score\":5}"]}`, 5, 0},
		{"string array", `{"final_results_data":"[{\"aggregate_score\":6}]"}`, 6, 0},
		{"bare snapshot", `{"total_score":7,"questions":{"1":{"score":7}}}`, 7, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := LastResult("svc", []byte(tt.body))
			if err != nil {
				t.Fatalf("LastResult: %v", err)
			}
			if snap.Total == nil || *snap.Total != tt.wantTotal {
				t.Errorf("expected total %v, got %v", tt.wantTotal, snap.Total)
			}
			if len(snap.Questions) != tt.wantQs {
				t.Errorf("expected %d questions, got %d", tt.wantQs, len(snap.Questions))
			}
		})
	}
}

func TestDiagramRequiresBaseline(t *testing.T) {
	srv, calls := newService(t, http.StatusOK, `{}`, nil)
	c := NewDiagram(srv.URL, newPoster(), nil)

	for _, baseline := range []*model.Snapshot{nil, {}} {
		_, err := c.CheckDiagram(context.Background(), DiagramInput{StudentUID: "s-1", Baseline: baseline})
		var seqErr *apperr.SequenceError
		if !errors.As(err, &seqErr) {
			t.Fatalf("expected SequenceError, got %v", err)
		}
	}
	if calls.Load() != 0 {
		t.Errorf("service called %d times without a baseline", calls.Load())
	}
}

func TestDiagramCheck(t *testing.T) {
	var req map[string]any
	srv, _ := newService(t, http.StatusOK,
		`{"final_results_data":[{"total_score":9,"questions":{"2":{"score":5,"max_score":5}}}]}`, &req)
	c := NewDiagram(srv.URL, newPoster(), nil)

	baselineRaw := json.RawMessage(`{"total_score":8,"questions":{"1":{"score":4},"2":{"score":4}}}`)
	baseline, err := model.ParseSnapshot(baselineRaw)
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}
	res, err := c.CheckDiagram(context.Background(), DiagramInput{
		StudentUID: "s-1",
		PDFURL:     "http://files/a.pdf?sig=x",
		AnswerKey:  json.RawMessage(`{"1":{"question":"q"}}`),
		Diagram:    json.RawMessage(`{"questions":["2"]}`),
		Baseline:   &baseline,
	})
	if err != nil {
		t.Fatalf("CheckDiagram: %v", err)
	}
	if req["student_uid"] != "s-1" || req["student_ans_pdf_url"] != "http://files/a.pdf?sig=x" {
		t.Errorf("unexpected identity fields: %v", req)
	}
	for _, field := range []string{"ans_key_json", "diagram_data_json", "updated_scores_json", "config_json"} {
		decodeEmbedded(t, req, field)
	}
	scores := decodeEmbedded(t, req, "updated_scores_json").(map[string]any)
	if scores["total_score"] != float64(8) {
		t.Errorf("baseline not forwarded: %v", scores)
	}
	if res.Snapshot.Total == nil || *res.Snapshot.Total != 9 {
		t.Errorf("expected total 9, got %v", res.Snapshot.Total)
	}
}

func TestDiagramUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	baseline := model.Snapshot{Questions: []model.QuestionResult{{Question: "1", Score: 1}}, Raw: json.RawMessage(`{"questions":{"1":1}}`)}
	_, err := NewDiagram(url, newPoster(), nil).CheckDiagram(context.Background(), DiagramInput{Baseline: &baseline})
	var ce *apperr.CheckingServiceError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CheckingServiceError, got %v", err)
	}
	if ce.Service != DiagramService {
		t.Errorf("expected service %s, got %s", DiagramService, ce.Service)
	}
}
