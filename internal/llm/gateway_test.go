package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/surveybot/surveybot/internal/config"
	"github.com/surveybot/surveybot/internal/domain"
	"github.com/surveybot/surveybot/internal/schema"
)

type scriptedProvider struct {
	results []error
	calls   int
}

func (p *scriptedProvider) Complete(ctx context.Context, messages []domain.Message, expected *schema.Expected) (*Completion, error) {
	i := p.calls
	p.calls++
	if i < len(p.results) && p.results[i] != nil {
		return nil, p.results[i]
	}
	return &Completion{Text: "{}", FinishReason: FinishStop}, nil
}

func (p *scriptedProvider) SupportsResponseSchema() bool { return true }

func testGatewayConfig() config.LLMConfig {
	return config.LLMConfig{
		Provider:    "openai",
		MaxRetries:  3,
		MinBackoff:  time.Millisecond,
		BackoffBase: 2.0,
	}
}

func newTestGateway(p Provider, cfg config.LLMConfig) (*Gateway, *[]time.Duration) {
	g := NewGateway(p, cfg, nil, zap.NewNop())
	var slept []time.Duration
	g.sleep = func(d time.Duration) { slept = append(slept, d) }
	return g, &slept
}

func TestGatewayRetriesTransientErrors(t *testing.T) {
	p := &scriptedProvider{results: []error{
		domain.NewProviderError(errors.New("rate limited")),
		domain.NewProviderError(errors.New("rate limited")),
		nil,
	}}
	g, slept := newTestGateway(p, testGatewayConfig())

	completion, err := g.Complete(context.Background(), nil, schema.Start())
	require.NoError(t, err)
	assert.Equal(t, "{}", completion.Text)
	assert.Equal(t, 3, p.calls)

	// Backoff grows between attempts.
	require.Len(t, *slept, 2)
	assert.Greater(t, (*slept)[1], (*slept)[0])
}

func TestGatewayStopsOnNonRetryableError(t *testing.T) {
	fatal := &domain.BotError{Code: "AUTH", Message: "bad key"}
	p := &scriptedProvider{results: []error{fatal}}
	g, _ := newTestGateway(p, testGatewayConfig())

	_, err := g.Complete(context.Background(), nil, schema.Start())
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, "AUTH", domain.CodeOf(err))
}

func TestGatewayExhaustsRetryBudget(t *testing.T) {
	transient := domain.NewProviderError(errors.New("boom"))
	p := &scriptedProvider{results: []error{transient, transient, transient}}
	g, _ := newTestGateway(p, testGatewayConfig())

	_, err := g.Complete(context.Background(), nil, schema.Start())
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeProvider, domain.CodeOf(err))
	assert.Equal(t, 3, p.calls)
}

func TestGatewayThrottleDelaysRequest(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Throttle = true
	cfg.MaxPreDelay = 100 * time.Millisecond

	p := &scriptedProvider{}
	g, slept := newTestGateway(p, cfg)

	_, err := g.Complete(context.Background(), nil, schema.Start())
	require.NoError(t, err)
	require.Len(t, *slept, 1)
	assert.LessOrEqual(t, (*slept)[0], cfg.MaxPreDelay)
}

func TestGatewaySerializesSingleSlotLocalProvider(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.Provider = "llamacpp"
	cfg.LocalSlots = 1
	g, _ := newTestGateway(&scriptedProvider{}, cfg)
	assert.NotNil(t, g.mu)

	cfg.LocalSlots = 4
	g, _ = newTestGateway(&scriptedProvider{}, cfg)
	assert.Nil(t, g.mu)
}
