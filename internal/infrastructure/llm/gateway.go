package llm

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/safego"
)

// GatewayConfig holds the retry/backoff and admission tunables from §4.E/§5.
type GatewayConfig struct {
	MaxAttempts      int           // gateway.max_attempts, default 5
	BackoffBase      time.Duration // gateway.backoff_base_ms, default 500ms
	BackoffCap       time.Duration // gateway.backoff_cap_ms, default 30s
	ConcurrencyPerTier int         // gateway.concurrency_per_tier, C_per_tier
	AdmitTimeout     time.Duration // T_admit, default 10s
	CancelTimeout    time.Duration // T_cancel, default 2s
	AttemptTimeout   time.Duration // T_attempt, default 60s — retriable-timeout trigger for one provider call
}

// DefaultGatewayConfig returns the retry/backoff/admission defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxAttempts:        5,
		BackoffBase:        500 * time.Millisecond,
		BackoffCap:         30 * time.Second,
		ConcurrencyPerTier: 4,
		AdmitTimeout:       10 * time.Second,
		CancelTimeout:      2 * time.Second,
		AttemptTimeout:     60 * time.Second,
	}
}

// Gateway implements service.LLMClient by routing one tier to its bound
// Provider, enforcing a per-tier concurrency semaphore, retrying transient
// failures with full-jitter exponential backoff, and advancing through a
// ModelDecision's fallback chain on exhaustion.
type Gateway struct {
	cfg       GatewayConfig
	providers map[valueobject.Tier]Provider
	breakers  map[valueobject.Tier]*CircuitBreaker
	sems      map[valueobject.Tier]chan struct{}
	logger    *zap.Logger
}

// Compile-time interface check: tierBoundClient implements service.LLMClient
// for a single resolved tier via its Generate/GenerateStream below.
var _ service.LLMClient = (*tierBoundClient)(nil)

// NewGateway builds a Gateway with one provider bound per tier.
func NewGateway(cfg GatewayConfig, providers map[valueobject.Tier]Provider, logger *zap.Logger) *Gateway {
	sems := make(map[valueobject.Tier]chan struct{}, len(providers))
	breakers := make(map[valueobject.Tier]*CircuitBreaker, len(providers))
	for tier := range providers {
		sems[tier] = make(chan struct{}, cfg.ConcurrencyPerTier)
		breakers[tier] = NewCircuitBreaker(5, 30*time.Second)
	}
	return &Gateway{
		cfg:       cfg,
		providers: providers,
		breakers:  breakers,
		sems:      sems,
		logger:    logger.With(zap.String("component", "llm-gateway")),
	}
}

// tierBoundClient adapts a single tier's provider into service.LLMClient so
// the retry loop below is tier-agnostic.
type tierBoundClient struct {
	provider Provider
}

func (c *tierBoundClient) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	return c.provider.Generate(ctx, req)
}

func (c *tierBoundClient) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	return c.provider.GenerateStream(ctx, req, deltaCh)
}

// Generate implements service.LLMClient by resolving req.Model to its bound
// tier's provider and issuing one direct call, with no retry or fallback-chain
// semantics. Collaborators that need a single call against a known model —
// the Classifier's routing calls, the Context Manager's summarization calls —
// use the Gateway this way instead of through InvokeWithFallback.
func (g *Gateway) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	provider, err := g.providerForModel(req.Model)
	if err != nil {
		return nil, err
	}
	return provider.Generate(ctx, req)
}

// GenerateStream is Generate's streaming counterpart, used the same way.
func (g *Gateway) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	provider, err := g.providerForModel(req.Model)
	if err != nil {
		return nil, err
	}
	return provider.GenerateStream(ctx, req, deltaCh)
}

func (g *Gateway) providerForModel(model string) (Provider, error) {
	for _, p := range g.providers {
		if p.SupportsModel(model) {
			return p, nil
		}
	}
	return nil, apperrors.NewUpstreamFailedError(fmt.Sprintf("no provider bound for model %q", model), nil)
}

// InvokeWithFallback runs req against decision's fallback chain, starting at
// decision.PrimaryTier. Each tier is retried with full-jitter backoff up to
// cfg.MaxAttempts before the chain advances; every attempt (success or
// failure) is appended to the returned attempt log. A non-retryable policy
// error or an admission timeout (Overloaded) is returned as is, without
// advancing the chain. Deltas stream to deltaCh as they arrive from whichever
// tier is currently being attempted.
func (g *Gateway) InvokeWithFallback(ctx context.Context, req *service.LLMRequest, decision entity.ModelDecision, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, []entity.Attempt, error) {
	var attempts []entity.Attempt
	tier := decision.PrimaryTier

	for {
		provider, ok := g.providers[tier]
		if !ok {
			return nil, attempts, apperrors.NewUpstreamFailedError(fmt.Sprintf("no provider bound for tier %q", tier), nil)
		}

		resp, tierAttempts, err := g.invokeTier(ctx, req, tier, provider, deltaCh)
		attempts = append(attempts, tierAttempts...)
		if err == nil {
			return resp, attempts, nil
		}
		if appErr, ok := err.(*apperrors.AppError); ok && (appErr.Code == apperrors.CodeUpstreamPolicy || appErr.Code == apperrors.CodeOverloaded) {
			return nil, attempts, err
		}

		next, hasNext := decision.NextInChain(tier)
		if !hasNext {
			return nil, attempts, apperrors.NewUpstreamFailedError("all tiers in fallback chain exhausted", err)
		}
		g.logger.Warn("gateway: advancing fallback chain",
			zap.String("from_tier", string(tier)),
			zap.String("to_tier", string(next)),
			zap.Error(err),
		)
		tier = next
	}
}

// invokeTier retries req against one tier's provider up to cfg.MaxAttempts,
// returning the attempt log for this tier and, on success, the response.
func (g *Gateway) invokeTier(ctx context.Context, req *service.LLMRequest, tier valueobject.Tier, provider Provider, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, []entity.Attempt, error) {
	breaker := g.breakers[tier]
	sem := g.sems[tier]

	admitCtx, admitCancel := context.WithTimeout(ctx, g.cfg.AdmitTimeout)
	defer admitCancel()
	select {
	case sem <- struct{}{}:
	case <-admitCtx.Done():
		return nil, nil, apperrors.NewOverloadedError(fmt.Sprintf("tier %q at capacity after %s", tier, g.cfg.AdmitTimeout))
	}
	defer func() { <-sem }()

	if !breaker.Allow() {
		return nil, nil, apperrors.NewUpstreamTransientError(fmt.Sprintf("tier %q circuit open", tier), nil)
	}

	var attempts []entity.Attempt
	var lastErr error

	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := fullJitterBackoff(g.cfg.BackoffBase, g.cfg.BackoffCap, attempt, retryAfterOf(lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, attempts, apperrors.NewCancelledError("context cancelled during backoff")
			}
		}

		started := time.Now()
		client := &tierBoundClient{provider: provider}
		forward := make(chan service.StreamChunk, 64)
		done := make(chan struct{})
		safego.Go(g.logger, "gateway-delta-forward", func() {
			defer close(done)
			for chunk := range forward {
				deltaCh <- chunk
			}
		})

		attemptTimeout := g.cfg.AttemptTimeout
		if attemptTimeout <= 0 {
			attemptTimeout = 60 * time.Second
		}
		callCtx, callCancel := context.WithTimeout(ctx, attemptTimeout)
		resp, err := client.GenerateStream(callCtx, req, forward)
		callCancel()
		close(forward)
		<-done

		ended := time.Now()
		tokensIn, tokensOut := 0, 0
		if resp != nil {
			tokensIn, tokensOut = resp.TokensIn, resp.TokensOut
		}

		if err == nil {
			breaker.RecordSuccess()
			attempts = append(attempts, entity.Attempt{
				Tier: tier, Provider: provider.Name(),
				StartedAt: started, EndedAt: ended,
				Succeeded: true, TokensIn: tokensIn, TokensOut: tokensOut,
			})
			return resp, attempts, nil
		}

		breaker.RecordFailure()
		kind := classifyError(err)
		attempts = append(attempts, entity.Attempt{
			Tier: tier, Provider: provider.Name(),
			StartedAt: started, EndedAt: ended,
			Succeeded: false, ErrorKind: kind,
		})
		lastErr = err

		if kind == string(apperrors.CodeUpstreamPolicy) {
			return nil, attempts, apperrors.NewUpstreamPolicyError("non-retryable provider error", err)
		}
	}

	return nil, attempts, apperrors.NewUpstreamTransientError(fmt.Sprintf("tier %q retries exhausted", tier), lastErr)
}

// IsAvailable reports whether tier's provider circuit breaker is not open
// (§9 supplemented operator-visibility feature).
func (g *Gateway) IsAvailable(tier valueobject.Tier) bool {
	breaker, ok := g.breakers[tier]
	if !ok {
		return false
	}
	return breaker.State() != CircuitOpen
}

// fullJitterBackoff implements delay = min(base*2^(attempt-1), cap) * rand(0,1),
// where attempt is the 1-based retry number, honoring a provider retry-after
// hint when present.
func fullJitterBackoff(base, capDelay time.Duration, attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	d := base << uint(attempt-1)
	if d > capDelay || d <= 0 {
		d = capDelay
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// retryAfterErr carries a provider-supplied retry-after hint alongside the
// underlying error it wraps.
type retryAfterErr struct {
	err        error
	retryAfter time.Duration
}

func (e *retryAfterErr) Error() string { return e.err.Error() }
func (e *retryAfterErr) Unwrap() error { return e.err }

// WithRetryAfter wraps err with a provider-supplied retry-after duration so
// the next backoff honors it instead of computing its own delay.
func WithRetryAfter(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryAfterErr{err: err, retryAfter: retryAfter}
}

func retryAfterOf(err error) time.Duration {
	var ra *retryAfterErr
	for e := err; e != nil; {
		if r, ok := e.(*retryAfterErr); ok {
			ra = r
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if ra != nil {
		return ra.retryAfter
	}
	return 0
}

// classifyError maps a provider error to one of the named error kinds (§7)
// by string-pattern match, returning a kind label instead of a boolean.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())

	nonRetryable := []string{
		"unauthorized", "invalid api key", "bad request", "invalid argument",
		"model not found", "content policy", "content_policy",
	}
	for _, p := range nonRetryable {
		if strings.Contains(errStr, p) {
			return string(apperrors.CodeUpstreamPolicy)
		}
	}
	if strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "context deadline") {
		return string(apperrors.CodeCancelled)
	}
	return string(apperrors.CodeUpstreamTransient)
}
