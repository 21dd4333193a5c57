package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pavelanni/sheetgrader/internal/apperr"
	appI18n "github.com/pavelanni/sheetgrader/internal/i18n"
	"github.com/pavelanni/sheetgrader/internal/pipeline"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// writeJSON encodes v as the response body. HTML escaping is off so stored
// documents are returned byte for byte.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeRaw writes an already encoded JSON body. Encoder output compacts
// embedded documents, so bodies that must echo stored bytes go through here.
func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		slog.Error("write response", "error", err)
	}
}

// writeMessage writes a localized error body.
func writeMessage(w http.ResponseWriter, r *http.Request, code int, msgID string, data map[string]any) {
	msg := appI18n.T(r.Context(), msgID)
	if data != nil {
		msg = appI18n.Td(r.Context(), msgID, data)
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeError maps err to a status code and a localized message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msgID := classify(err)
	kind := apperr.Kind(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	} else {
		h.logger.Info("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	resp := errorResponse{Error: appI18n.T(r.Context(), msgID), Kind: kind}
	if code < http.StatusInternalServerError || code == http.StatusBadGateway {
		resp.Detail = err.Error()
	}
	writeJSON(w, code, resp)
}

func classify(err error) (int, string) {
	if errors.Is(err, pipeline.ErrQueueFull) || errors.Is(err, pipeline.ErrQueueClosed) {
		return http.StatusServiceUnavailable, "ErrBusy"
	}
	code := apperr.HTTPStatus(err)
	switch apperr.Kind(err) {
	case apperr.KindNotFound:
		return code, "ErrNotFound"
	case apperr.KindSequence:
		return code, "ErrSequence"
	case apperr.KindInvalid:
		return code, "ErrInvalid"
	case apperr.KindStorage:
		if code == http.StatusBadRequest {
			return code, "ErrFileRejected"
		}
		return code, "ErrStorage"
	case apperr.KindParse, apperr.KindChecking:
		return code, "ErrUpstream"
	}
	return code, "ErrInternal"
}
