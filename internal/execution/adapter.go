package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/taskd/internal/observability"
	"github.com/ent0n29/taskd/internal/reliability"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of a task's conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageRequest is the normalized request sent to the agent backend.
type MessageRequest struct {
	TaskID      string `json:"taskId"`
	WorkspaceID string `json:"workspaceId"`
	RootPath    string `json:"rootPath,omitempty"`
	InputText   string `json:"inputText"`
	History     []Turn `json:"history,omitempty"`
}

// MessageResponse is the final response after streaming deltas.
type MessageResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter is the agent backend a Runner drives.
type Adapter interface {
	StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error)
}

// AdapterConfig controls adapter construction.
type AdapterConfig struct {
	Mode        string
	HTTPURL     string
	HTTPTimeout time.Duration
	Retry       reliability.RetryConfig
	Metrics     *observability.Metrics
	Logger      *zap.Logger
}

// NewAdapter builds the adapter named by cfg.Mode. "auto" picks HTTP when a
// URL is configured and the mock otherwise.
func NewAdapter(cfg AdapterConfig) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	httpURL := strings.TrimSpace(cfg.HTTPURL)

	switch mode {
	case "auto":
		if httpURL == "" {
			return NewMockAdapter(), nil
		}
		return NewHTTPAdapter(httpURL, httpOptions(cfg)...), nil
	case "http":
		if httpURL == "" {
			return nil, errors.New("agent HTTP url is required for http mode")
		}
		return NewHTTPAdapter(httpURL, httpOptions(cfg)...), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported agent adapter mode %q", cfg.Mode)
	}
}

func httpOptions(cfg AdapterConfig) []HTTPOption {
	opts := []HTTPOption{WithMetrics(cfg.Metrics), WithLogger(cfg.Logger)}
	if cfg.HTTPTimeout > 0 {
		opts = append(opts, WithTimeout(cfg.HTTPTimeout))
	}
	if cfg.Retry != (reliability.RetryConfig{}) {
		opts = append(opts, WithRetry(cfg.Retry))
	}
	return opts
}
