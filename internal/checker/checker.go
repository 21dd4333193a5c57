// Package checker calls the textual and diagram scoring services.
//
// Both services take JSON documents embedded as strings inside the request
// object and answer with a final_results_data array whose last element is
// the current score snapshot.
package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pavelanni/sheetgrader/internal/apperr"
	"github.com/pavelanni/sheetgrader/internal/model"
)

// Poster sends a JSON body and returns the raw 2xx response.
type Poster interface {
	PostJSON(ctx context.Context, service, url string, body any) ([]byte, error)
}

// Result is one checking-service reply.
type Result struct {
	// Raw is the response body as received.
	Raw      []byte
	Snapshot model.Snapshot
}

// encodeDoc renders a stored document for embedding as a string field.
func encodeDoc(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// LastResult extracts the authoritative snapshot from a service response:
// the last element of final_results_data, or the body itself when it is a
// bare snapshot object. Elements may be JSON-encoded strings.
func LastResult(service string, raw []byte) (model.Snapshot, error) {
	fail := func(err error) (model.Snapshot, error) {
		return model.Snapshot{}, &apperr.ParseError{Service: service, Raw: raw, Cause: err}
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fail(fmt.Errorf("decode response: %w", err))
	}
	elem := json.RawMessage(raw)
	if data, ok := envelope["final_results_data"]; ok {
		data, err := unquote(data)
		if err != nil {
			return fail(err)
		}
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return fail(fmt.Errorf("final_results_data is not an array: %w", err))
		}
		if len(list) == 0 {
			return fail(errors.New("final_results_data is empty"))
		}
		elem = list[len(list)-1]
	}
	elem, err := unquote(elem)
	if err != nil {
		return fail(err)
	}
	snap, err := model.ParseSnapshot(elem)
	if err != nil {
		return fail(err)
	}
	return snap, nil
}

// unquote decodes data while it is a JSON string holding JSON.
func unquote(data json.RawMessage) (json.RawMessage, error) {
	for range 3 {
		data = bytes.TrimSpace(data)
		if len(data) == 0 || data[0] != '"' {
			return data, nil
		}
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		if !json.Valid([]byte(s)) {
			return nil, fmt.Errorf("embedded string is not JSON: %.64q", s)
		}
		data = json.RawMessage(s)
	}
	return nil, errors.New("result nested too deeply")
}
