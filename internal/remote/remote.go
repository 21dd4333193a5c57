// Package remote posts JSON to the external grading services.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/sheetgrader/internal/apperr"
)

// maxBody caps how much of a response is read.
const maxBody = 32 << 20

// Client sends JSON requests and retries transport failures and 5xx replies.
type Client struct {
	HTTP    *http.Client
	Retries int
	Backoff time.Duration
	Logger  *slog.Logger
}

// New returns a client with the given timeout and retry count. A negative
// count means no retries.
func New(timeout time.Duration, retries int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	retries = max(retries, 0)
	return &Client{
		HTTP:    &http.Client{Timeout: timeout},
		Retries: retries,
		Backoff: 500 * time.Millisecond,
		Logger:  logger,
	}
}

// PostJSON sends body to url and returns the raw 2xx response. Failures are
// returned as *apperr.CheckingServiceError tagged with service.
func (c *Client) PostJSON(ctx context.Context, service, url string, body any) ([]byte, error) {
	bs, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", service, err)
	}
	var lastErr error
	retries := max(c.Retries, 0)
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			c.logger().Warn("remote.retry", "service", service, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, &apperr.CheckingServiceError{Service: service, Cause: ctx.Err()}
			case <-time.After(c.Backoff * time.Duration(attempt)):
			}
		}
		raw, serr := c.send(ctx, service, url, bs)
		if serr == nil {
			return raw, nil
		}
		lastErr = serr
		if !serr.Retryable() || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, service, url string, bs []byte) ([]byte, *apperr.CheckingServiceError) {
	logger := c.logger()
	reqID := uuid.New().String()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return nil, &apperr.CheckingServiceError{Service: service, Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)

	logger.Info("remote.request", "service", service, "req_id", reqID, "url", url, "content_length", len(bs))

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Error("remote.send_error", "service", service, "req_id", reqID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return nil, &apperr.CheckingServiceError{Service: service, Cause: err}
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			logger.Warn("remote.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	logger.Info("remote.response",
		"service", service,
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	if err != nil {
		return nil, &apperr.CheckingServiceError{Service: service, StatusCode: resp.StatusCode, Cause: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &apperr.CheckingServiceError{
			Service:    service,
			StatusCode: resp.StatusCode,
			Cause:      errors.New(snippet(raw)),
		}
	}
	return raw, nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func snippet(raw []byte) string {
	const n = 256
	if len(raw) == 0 {
		return "empty body"
	}
	if len(raw) > n {
		return string(raw[:n]) + "..."
	}
	return string(raw)
}
