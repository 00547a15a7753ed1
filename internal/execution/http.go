package execution

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ent0n29/taskd/internal/observability"
	"github.com/ent0n29/taskd/internal/reliability"
)

// StatusError is a non-2xx reply from the agent backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent http status %d: %s", e.Code, e.Body)
}

// HTTPAdapter forwards requests to an HTTP agent endpoint. Failed attempts
// are retried with backoff until the first delta has been delivered; after
// that a retry would duplicate output, so the error is returned as is.
type HTTPAdapter struct {
	url     string
	client  *http.Client
	retry   reliability.RetryConfig
	breaker *gobreaker.CircuitBreaker
	metrics *observability.Metrics
	logger  *zap.Logger
}

type HTTPOption func(*HTTPAdapter)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(a *HTTPAdapter) {
		if client != nil {
			a.client = client
		}
	}
}

func WithTimeout(d time.Duration) HTTPOption {
	return func(a *HTTPAdapter) { a.client.Timeout = d }
}

func WithRetry(cfg reliability.RetryConfig) HTTPOption {
	return func(a *HTTPAdapter) { a.retry = cfg }
}

func WithMetrics(m *observability.Metrics) HTTPOption {
	return func(a *HTTPAdapter) { a.metrics = m }
}

func WithLogger(logger *zap.Logger) HTTPOption {
	return func(a *HTTPAdapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithBreaker(cb *gobreaker.CircuitBreaker) HTTPOption {
	return func(a *HTTPAdapter) {
		if cb != nil {
			a.breaker = cb
		}
	}
}

func NewHTTPAdapter(url string, opts ...HTTPOption) *HTTPAdapter {
	a := &HTTPAdapter{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: 120 * time.Second},
		retry:  reliability.DefaultRetryConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.breaker == nil {
		a.breaker = reliability.NewBreaker(reliability.BreakerConfig{Name: "agent_http"}, a.logger)
	}
	return a
}

func (a *HTTPAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return MessageResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	var (
		resp      MessageResponse
		delivered bool
		attempt   int
	)
	tracked := func(delta string) error {
		delivered = true
		if onDelta != nil {
			return onDelta(delta)
		}
		return nil
	}

	operation := func() error {
		attempt++
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		out, err := a.breaker.Execute(func() (interface{}, error) {
			return a.send(ctx, payload, tracked)
		})
		if err == nil {
			resp = out.(MessageResponse)
			return nil
		}

		a.metrics.ObserveAdapterError("http", errorCode(err))
		if delivered || ctx.Err() != nil || reliability.IsBreakerRejection(err) || !retryable(err) {
			return backoff.Permanent(err)
		}
		a.logger.Debug("agent request failed, retrying",
			zap.String("task_id", req.TaskID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	if err := backoff.Retry(operation, reliability.NewBackOff(ctx, a.retry)); err != nil {
		return MessageResponse{}, err
	}
	return resp, nil
}

func (a *HTTPAdapter) send(ctx context.Context, payload []byte, onDelta DeltaHandler) (MessageResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return MessageResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return MessageResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return MessageResponse{}, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeStream(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return MessageResponse{}, fmt.Errorf("read response: %w", err)
	}
	text := strings.TrimSpace(string(body))
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		text = extractText(obj)
	}
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return MessageResponse{}, err
		}
	}
	return MessageResponse{Text: text}, nil
}

// consumeStream reads SSE "data:" lines or NDJSON lines until EOF or [DONE].
func consumeStream(body io.Reader, onDelta DeltaHandler) (MessageResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		}
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return MessageResponse{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return MessageResponse{}, fmt.Errorf("stream read: %w", err)
	}
	return MessageResponse{Text: out.String()}, nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	return ""
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return reliability.IsRetryableHTTPStatus(statusErr.Code)
	}
	return reliability.IsRetryableTransportError(err)
}

func errorCode(err error) string {
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		return strconv.Itoa(statusErr.Code)
	case reliability.IsBreakerRejection(err):
		return "breaker_open"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "transport"
	}
}
