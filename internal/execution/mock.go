package execution

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter replies deterministically so the daemon runs end to end
// without an agent backend.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(
	ctx context.Context,
	req MessageRequest,
	onDelta DeltaHandler,
) (MessageResponse, error) {
	select {
	case <-ctx.Done():
		return MessageResponse{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return MessageResponse{}, err
		}
	}
	return MessageResponse{Text: text}, nil
}

func buildMockReply(req MessageRequest) string {
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		base = "nothing to do"
	}
	if n := len(req.History); n > 0 {
		return fmt.Sprintf("Done: %s (after %d earlier messages)", base, n)
	}
	return fmt.Sprintf("Done: %s", base)
}
