package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/inaya/casefile/internal/platform/llm"
)

// FallbackAnalysis replaces an empty model answer.
const FallbackAnalysis = "Aucune analyse disponible."

// Invoker sends one prompt to the model. It does not retry.
type Invoker struct {
	client llm.Client
}

func NewInvoker(client llm.Client) *Invoker {
	return &Invoker{client: client}
}

func (i *Invoker) Invoke(ctx context.Context, req llm.Request) (string, error) {
	out, err := i.client.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("model call failed: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return FallbackAnalysis, nil
	}
	return out, nil
}
