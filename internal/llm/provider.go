// Package llm provides the completion gateway the bot talks through. It
// submits a conversation plus an expected response schema to a provider and
// surfaces truncation, with bounded retry and optional throttling. It never
// validates semantic content; that is the validator's job.
package llm

import (
	"context"

	"github.com/surveybot/surveybot/internal/domain"
	"github.com/surveybot/surveybot/internal/schema"
)

// Finish reasons surfaced to the caller.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// Completion is one raw provider reply.
type Completion struct {
	Text         string
	FinishReason string
}

// Provider is a single completion capability. Implementations submit the
// full message list plus the structural schema and return the raw text.
type Provider interface {
	Complete(ctx context.Context, messages []domain.Message, expected *schema.Expected) (*Completion, error)

	// SupportsResponseSchema reports whether the provider enforces the
	// schema natively. When false, the gateway caller can expect the
	// schema to be carried as prompt instructions instead.
	SupportsResponseSchema() bool
}
