package llm

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/surveybot/surveybot/internal/config"
	"github.com/surveybot/surveybot/internal/domain"
	"github.com/surveybot/surveybot/internal/observability"
	"github.com/surveybot/surveybot/internal/schema"
)

// Gateway wraps a Provider with throttling, bounded retry with jittered
// exponential backoff, and optional serialization for single-slot local
// inference servers.
type Gateway struct {
	provider Provider
	cfg      config.LLMConfig
	limiter  *rate.Limiter

	// mu serializes access to a shared single-slot inference server.
	// Nil when the provider handles concurrent requests itself.
	mu *sync.Mutex

	metrics *observability.Metrics
	logger  *zap.Logger

	sleep func(time.Duration) // replaced in tests
}

// NewGateway creates a gateway around the given provider.
func NewGateway(provider Provider, cfg config.LLMConfig, metrics *observability.Metrics, logger *zap.Logger) *Gateway {
	var limiter *rate.Limiter
	if cfg.RateLimitRPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), 1)
	}
	var mu *sync.Mutex
	if cfg.Provider == "llamacpp" && cfg.LocalSlots <= 1 {
		mu = &sync.Mutex{}
	}
	return &Gateway{
		provider: provider,
		cfg:      cfg,
		limiter:  limiter,
		mu:       mu,
		metrics:  metrics,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// SupportsResponseSchema reports the underlying provider capability.
func (g *Gateway) SupportsResponseSchema() bool {
	return g.provider.SupportsResponseSchema()
}

// Complete submits messages plus schema, retrying transient provider
// failures with exponential backoff and jitter. Retries exhausting the
// configured bound surface as a ProviderError, fatal for the exchange.
func (g *Gateway) Complete(
	ctx context.Context,
	messages []domain.Message,
	expected *schema.Expected,
) (*Completion, error) {
	if g.mu != nil {
		g.mu.Lock()
		defer g.mu.Unlock()
	}

	if g.cfg.Throttle && g.cfg.MaxPreDelay > 0 {
		delay := time.Duration(rand.Float64() * float64(g.cfg.MaxPreDelay))
		g.logger.Debug("throttling before completion request", zap.Duration("delay", delay))
		g.sleep(delay)
	}

	backoff := g.cfg.MinBackoff
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, domain.NewProviderError(err)
			}
		}

		completion, err := g.provider.Complete(ctx, messages, expected)
		if err == nil {
			if g.metrics != nil {
				g.metrics.CompletionRequests.WithLabelValues(g.cfg.Provider, "ok").Inc()
			}
			return completion, nil
		}
		lastErr = err
		if g.metrics != nil {
			g.metrics.CompletionRequests.WithLabelValues(g.cfg.Provider, "error").Inc()
		}
		if ctx.Err() != nil {
			return nil, domain.NewProviderError(ctx.Err())
		}
		if !domain.IsRetryable(err) {
			return nil, err
		}
		if attempt == g.cfg.MaxRetries {
			break
		}

		backoff = time.Duration(float64(backoff) * g.cfg.BackoffBase * (1 + rand.Float64()))
		g.logger.Warn("completion request failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		g.sleep(backoff)
	}
	return nil, domain.NewProviderError(lastErr)
}
