package enforcement

import (
	"context"
	"sync"
	"time"

	"github.com/flowforge/agentkernel/config"
	"github.com/flowforge/agentkernel/kerrors"
	"github.com/flowforge/agentkernel/observability"
)

// Drop reasons recorded against the ENFORCEMENT_DROPS counter.
const (
	ReasonTokenLimit      = "token_limit"
	ReasonRateLimit       = "rate_limit"
	ReasonCircuitOpen     = "circuit_open"
	ReasonTimeout         = "timeout"
	ReasonDownstreamError = "downstream_error"
)

// ReasonSuccess is recorded against the ENFORCEMENT_ALLOWED counter.
const ReasonSuccess = "success"

const (
	metricDrops    = "enforcement_drops_total"
	metricAllowed  = "enforcement_allowed_total"
)

// Enforcer is the Enforcement Gateway: a per-key admission layer that
// applies, in order, a token ceiling check, a rate limiter (local or
// Redis-backed), and a circuit breaker admit check, then runs the
// operation under a timeout and records its outcome.
type Enforcer struct {
	cfg     config.EnforcementConfig
	metrics observability.Metrics

	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	breakers map[string]*rollingWindow
	cbs      map[string]*CircuitBreaker

	redis *redisLimiter
}

// New builds an Enforcer from cfg. If cfg.RateRedisURL is set, the rate
// limiter is backed by Redis; otherwise every key gets its own local
// token bucket. Either way a per-key rolling-window estimator and a
// per-key classic circuit breaker are created lazily on first use.
func New(cfg config.EnforcementConfig, metrics observability.Metrics) (*Enforcer, error) {
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	e := &Enforcer{
		cfg:      cfg,
		metrics:  metrics,
		buckets:  make(map[string]*tokenBucket),
		breakers: make(map[string]*rollingWindow),
		cbs:      make(map[string]*CircuitBreaker),
	}
	if cfg.RateRedisURL != "" {
		rl, err := newRedisLimiter(cfg.RateRedisURL, cfg.RateRedisPrefix, time.Duration(cfg.RateRedisTTLSecs)*time.Second)
		if err != nil {
			return nil, err
		}
		e.redis = rl
	}
	return e, nil
}

// Close releases the Redis connection, if any.
func (e *Enforcer) Close() error {
	if e.redis != nil {
		return e.redis.Close()
	}
	return nil
}

func (e *Enforcer) localBucket(key string) *tokenBucket {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buckets[key]
	if !ok {
		b = newTokenBucket(e.cfg.RateLimitPerKeyRPS)
		e.buckets[key] = b
	}
	return b
}

func (e *Enforcer) window(key string) *rollingWindow {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.breakers[key]
	if !ok {
		w = newRollingWindow(e.cfg.RollingWindowSecs)
		e.breakers[key] = w
	}
	return w
}

// Breaker returns the classic state-machine circuit breaker for key,
// creating it on first use. Callers that want to inspect or manually
// reset breaker state (e.g. an admin endpoint) use this directly; Enforce
// rejects a request when either the rolling-window estimator or this
// breaker refuses it.
func (e *Enforcer) Breaker(key string) *CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.cbs[key]
	if !ok {
		cb = NewCircuitBreakerWithSuccessThreshold(
			e.cfg.CircuitBreakerFailureThreshold,
			time.Duration(e.cfg.CircuitBreakerCooldownSecs)*time.Second,
			e.cfg.CircuitBreakerSuccessThreshold,
		)
		e.cbs[key] = cb
	}
	return cb
}

func (e *Enforcer) rateCheck(ctx context.Context, key string) error {
	if e.redis != nil {
		ok, err := e.redis.tryTake(ctx, key, e.cfg.RateLimitPerKeyRPS, e.cfg.RateLimitPerKeyRPS)
		if err != nil {
			return err
		}
		if !ok {
			return kerrors.New(kerrors.Rejected, "rate limit exceeded").WithReason(ReasonRateLimit)
		}
		return nil
	}
	if !e.localBucket(key).tryTake(1.0) {
		return kerrors.New(kerrors.Rejected, "rate limit exceeded").WithReason(ReasonRateLimit)
	}
	return nil
}

// cbAllow is the rolling-window admit decision: allow through if there's
// not yet enough data, or the observed error rate is below threshold.
func (e *Enforcer) cbAllow(key string) bool {
	w := e.window(key)
	if w.totalCount() < e.cfg.RollingWindowMinRequests {
		return true
	}
	return w.errorRate() < e.cfg.RollingWindowErrorThreshold
}

func (e *Enforcer) cbRecord(key string, ok bool) {
	e.window(key).push(ok)
	breaker := e.Breaker(key)
	if ok {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}
}

// Enforce runs op under the gateway's full admission pipeline: token
// ceiling, rate limiter, circuit breaker, timeout, outcome recording —
// in that exact order, mirroring the original request enforcer.
func (e *Enforcer) Enforce(ctx context.Context, key string, estTokens int, op func(context.Context) (any, error)) (any, error) {
	if estTokens > e.cfg.PerRequestMaxTokens {
		e.metrics.IncCounter(metricDrops, 1, "reason", ReasonTokenLimit)
		return nil, kerrors.New(kerrors.Rejected, "token ceiling exceeded").WithReason(ReasonTokenLimit)
	}

	if err := e.rateCheck(ctx, key); err != nil {
		e.metrics.IncCounter(metricDrops, 1, "reason", ReasonRateLimit)
		return nil, err
	}

	if !e.cbAllow(key) || !e.Breaker(key).IsRequestAllowed() {
		e.metrics.IncCounter(metricDrops, 1, "reason", ReasonCircuitOpen)
		return nil, kerrors.New(kerrors.Rejected, "circuit breaker open").WithReason(ReasonCircuitOpen)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.PerRequestTimeoutSecs)*time.Second)
	defer cancel()

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(timeoutCtx)
		done <- result{v, err}
	}()

	select {
	case <-timeoutCtx.Done():
		e.cbRecord(key, false)
		e.metrics.IncCounter(metricDrops, 1, "reason", ReasonTimeout)
		return nil, kerrors.New(kerrors.Timeout, "request timed out").WithReason(ReasonTimeout)
	case r := <-done:
		if r.err != nil {
			e.cbRecord(key, false)
			e.metrics.IncCounter(metricDrops, 1, "reason", ReasonDownstreamError)
			return nil, r.err
		}
		e.cbRecord(key, true)
		e.metrics.IncCounter(metricAllowed, 1, "reason", ReasonSuccess)
		return r.v, nil
	}
}
