// Package llm grades segregated answers with an OpenAI-compatible model.
// It stands in for the remote textual checking service and replies in the
// same final_results_data shape.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/pavelanni/sheetgrader/internal/apperr"
	"github.com/pavelanni/sheetgrader/internal/checker"
	"github.com/pavelanni/sheetgrader/internal/llm/prompts"
	"github.com/pavelanni/sheetgrader/internal/model"
	"github.com/pavelanni/sheetgrader/internal/segregate"

	openai "github.com/sashabaranov/go-openai"
)

// Service names the model-backed checker in errors and logs.
const Service = "llm-text-checker"

// defaultMarks applies when the scoring config sets no maximum for a question.
const defaultMarks = 1

// GradeResult holds the model's assessment of a single answer.
type GradeResult struct {
	Score     float64 `json:"score"`
	Correct   *bool   `json:"correct,omitempty"`
	Rationale string  `json:"rationale"`
}

type questionResult struct {
	id        string
	score     float64
	maxScore  float64
	correct   bool
	rationale string
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api      *openai.Client
	model    string
	variant  prompts.PromptVariant
	parallel int
	logger   *slog.Logger
}

// New creates a new LLM client. An unknown variant falls back to standard.
func New(baseURL, apiKey, modelName, variant string, logger *slog.Logger) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if !prompts.IsValidVariant(variant) {
		variant = string(prompts.PromptStandard)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:      openai.NewClientWithConfig(config),
		model:    modelName,
		variant:  prompts.PromptVariant(variant),
		parallel: 4,
		logger:   logger,
	}
}

// Ping checks that the endpoint is reachable by listing its models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return apiError(err)
	}
	return nil
}

// CheckText grades every question of the answer key. Questions the student
// left out score zero without a model call.
func (c *Client) CheckText(ctx context.Context, in checker.TextInput) (checker.Result, error) {
	var key model.QuestionMap
	if err := json.Unmarshal(in.AnswerKey, &key); err != nil || len(key) == 0 {
		return checker.Result{}, &apperr.ValidationError{Field: "pythonParsedResponse", Reason: "answer key is empty or malformed"}
	}
	marks := model.ParseMaxMarks(in.Scoring)

	p := pool.NewWithResults[questionResult]().
		WithContext(ctx).
		WithCancelOnError().
		WithMaxGoroutines(c.parallel)
	for _, id := range key.IDs() {
		expected := key[id]
		outOf := marks.For(id)
		if outOf <= 0 {
			outOf = defaultMarks
		}
		given, answered := in.Student[id]
		p.Go(func(ctx context.Context) (questionResult, error) {
			if !answered || len(given.Answers) == 0 {
				return questionResult{id: id, maxScore: outOf, rationale: "no answer"}, nil
			}
			return c.grade(ctx, id, expected, given, outOf)
		})
	}
	results, err := p.Wait()
	if err != nil {
		return checker.Result{}, err
	}

	raw, err := encodeResults(results)
	if err != nil {
		return checker.Result{}, err
	}
	snap, err := checker.LastResult(Service, raw)
	if err != nil {
		return checker.Result{}, err
	}
	c.logger.Info("checker.llm.done", "model", c.model, "variant", c.variant, "questions", len(results))
	return checker.Result{Raw: raw, Snapshot: snap}, nil
}

func (c *Client) grade(ctx context.Context, id string, expected, given model.QuestionEntry, outOf float64) (questionResult, error) {
	systemPrompt, err := prompts.BuildGradePrompt(c.variant, prompts.GradeData{
		QuestionID:   id,
		QuestionText: expected.Question,
		Options:      expected.Options,
		ModelAnswer:  prompts.ModelAnswer(expected),
		MaxMarks:     outOf,
	})
	if err != nil {
		return questionResult{}, fmt.Errorf("build prompt for question %s: %w", id, err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompts.StudentMessage(given)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return questionResult{}, apiError(err)
	}
	if len(resp.Choices) == 0 {
		return questionResult{}, &apperr.ParseError{Service: Service, Cause: errors.New("LLM returned no choices")}
	}

	raw := resp.Choices[0].Message.Content
	c.logger.Debug("LLM response", "question", id, "raw", raw)

	var result GradeResult
	if err := json.Unmarshal([]byte(segregate.StripCodeFences(raw)), &result); err != nil {
		return questionResult{}, &apperr.ParseError{Service: Service, Raw: []byte(raw), Cause: fmt.Errorf("question %s: %w", id, err)}
	}

	score := math.Max(0, math.Min(result.Score, outOf))
	correct := score >= outOf
	if result.Correct != nil {
		correct = *result.Correct
	}
	return questionResult{
		id:        id,
		score:     score,
		maxScore:  outOf,
		correct:   correct,
		rationale: strings.TrimSpace(result.Rationale),
	}, nil
}

// apiError maps client failures onto the checking-service error.
func apiError(err error) error {
	ce := &apperr.CheckingServiceError{Service: Service, Cause: err}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		ce.StatusCode = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		ce.StatusCode = reqErr.HTTPStatusCode
	}
	return ce
}

func encodeResults(results []questionResult) ([]byte, error) {
	type question struct {
		Score     float64 `json:"score"`
		MaxScore  float64 `json:"max_score"`
		Correct   bool    `json:"correct"`
		Rationale string  `json:"rationale,omitempty"`
	}
	type element struct {
		TotalScore float64             `json:"total_score"`
		MaxScore   float64             `json:"max_score"`
		Questions  map[string]question `json:"questions"`
	}
	el := element{Questions: make(map[string]question, len(results))}
	for _, r := range results {
		el.Questions[r.id] = question{Score: r.score, MaxScore: r.maxScore, Correct: r.correct, Rationale: r.rationale}
		el.TotalScore += r.score
		el.MaxScore += r.maxScore
	}
	raw, err := json.Marshal(struct {
		FinalResultsData []element `json:"final_results_data"`
	}{[]element{el}})
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}
	return raw, nil
}
