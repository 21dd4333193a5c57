// Package segregate calls the segregation service, which splits scanned
// answer sheets into a per-question structure.
package segregate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pavelanni/sheetgrader/internal/apperr"
	"github.com/pavelanni/sheetgrader/internal/model"
	"github.com/pavelanni/sheetgrader/internal/remote"
)

// Service names the segregation service in errors and logs.
const Service = "segregation"

// Request is the segregation service's input.
type Request struct {
	FileURLs     []string `json:"file_url_list"`
	NumQuestions int      `json:"no_of_questions"`
	QuestionType string   `json:"type_and_question_level"`
}

// Poster sends a JSON body and returns the raw 2xx response.
type Poster interface {
	PostJSON(ctx context.Context, service, url string, body any) ([]byte, error)
}

// Client calls the segregation service.
type Client struct {
	URL    string
	HTTP   Poster
	Logger *slog.Logger
}

// New returns a segregation client posting to url.
func New(url string, http *remote.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{URL: url, HTTP: http, Logger: logger}
}

// Segregate sends req and returns the raw response body together with the
// decoded questions. The raw body is what gets persisted.
func (c *Client) Segregate(ctx context.Context, req Request) ([]byte, model.QuestionMap, error) {
	if len(req.FileURLs) == 0 {
		return nil, nil, &apperr.ValidationError{Field: "file_url_list", Reason: "no files to segregate"}
	}
	raw, err := c.HTTP.PostJSON(ctx, Service, c.URL, req)
	if err != nil {
		return nil, nil, err
	}
	qm, err := Parse(raw)
	if err != nil {
		c.Logger.Warn("segregate.parse_error", "error", err, "bytes", len(raw))
		return nil, nil, err
	}
	c.Logger.Info("segregate.done", "questions", len(qm))
	return raw, qm, nil
}

// Parse decodes a segregation response body. final_questions_data may be a
// JSON-encoded string (optionally fenced as markdown) or an object.
func Parse(raw []byte) (model.QuestionMap, error) {
	fail := func(err error) (model.QuestionMap, error) {
		return nil, &apperr.ParseError{Service: Service, Raw: raw, Cause: err}
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fail(fmt.Errorf("decode response: %w", err))
	}
	data, ok := envelope["final_questions_data"]
	if !ok {
		return fail(errors.New("missing final_questions_data"))
	}
	doc, err := unwrap(data)
	if err != nil {
		return fail(err)
	}
	doc, err = normalize(doc)
	if err != nil {
		return fail(err)
	}
	if err := validate(doc); err != nil {
		return fail(err)
	}
	var qm model.QuestionMap
	if err := json.Unmarshal(doc, &qm); err != nil {
		return fail(fmt.Errorf("decode questions: %w", err))
	}
	if len(qm) == 0 {
		return fail(errors.New("no questions in response"))
	}
	return qm, nil
}

// unwrap peels string encodings off data until it is a JSON document.
func unwrap(data json.RawMessage) (json.RawMessage, error) {
	for range 3 {
		data = bytes.TrimSpace(data)
		if len(data) == 0 || data[0] != '"' {
			return data, nil
		}
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode nested string: %w", err)
		}
		s = StripCodeFences(s)
		if !json.Valid([]byte(s)) {
			return nil, errors.New("final_questions_data is not valid JSON")
		}
		data = json.RawMessage(s)
	}
	return nil, errors.New("final_questions_data is nested too deeply")
}

// StripCodeFences removes a markdown code fence around a model reply.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// normalize turns an array of questions into a map keyed by question
// number and renders numeric answers as strings.
func normalize(doc json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	if list, ok := v.([]any); ok {
		m := make(map[string]any, len(list))
		for i, item := range list {
			id := strconv.Itoa(i + 1)
			if obj, ok := item.(map[string]any); ok {
				for _, k := range []string{"question_no", "question_number", "qno", "id"} {
					if s := scalarString(obj[k]); s != "" {
						id = s
						delete(obj, k)
						break
					}
				}
			}
			m[id] = item
		}
		v = m
	}
	if m, ok := v.(map[string]any); ok {
		for _, q := range m {
			obj, ok := q.(map[string]any)
			if !ok {
				continue
			}
			answers, _ := obj["answers"].([]any)
			for i, a := range answers {
				switch a := a.(type) {
				case float64:
					answers[i] = scalarString(a)
				case map[string]any:
					for _, k := range []string{"answer", "subpart"} {
						if f, ok := a[k].(float64); ok {
							a[k] = scalarString(f)
						}
					}
				}
			}
			for _, k := range []string{"options", "answers"} {
				if val, present := obj[k]; present && val == nil {
					delete(obj, k)
				}
			}
		}
	}
	return json.Marshal(v)
}

func scalarString(v any) string {
	switch v := v.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

const questionsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"minProperties": 1,
	"additionalProperties": {
		"type": "object",
		"required": ["question"],
		"properties": {
			"question": {"type": "string"},
			"options": {"type": "array", "items": {"type": "string"}},
			"answers": {
				"type": "array",
				"items": {
					"anyOf": [
						{"type": "string"},
						{
							"type": "object",
							"required": ["answer"],
							"properties": {
								"subpart": {"type": "string"},
								"answer": {"type": "string"}
							}
						}
					]
				}
			}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func validate(doc []byte) error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("questions.json", strings.NewReader(questionsSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("questions.json")
	})
	if schemaErr != nil {
		return fmt.Errorf("compile schema: %w", schemaErr)
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("questions do not match schema: %w", err)
	}
	return nil
}
