package modelclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/haricheung/cascade/internal/types"
)

// RetryPolicy is the deterministic retry envelope applied per call.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxJitter   time.Duration
}

// BreakerPolicy configures the per-client circuit breaker: trip after
// Failures consecutive failures, stay open for Cooldown, then allow one
// half-open probe.
type BreakerPolicy struct {
	Failures uint32
	Cooldown time.Duration
}

// ClientConfig registers one named client.
type ClientConfig struct {
	Name   string
	Client Client
	// Identity maps the client onto a budget call counter: "teacher",
	// "student", or "" for uncounted clients (e.g. judge).
	Identity string
	// RatePerSec and Burst configure the token bucket. Zero rate means
	// unlimited.
	RatePerSec float64
	Burst      int
	Retry      RetryPolicy
	Breaker    BreakerPolicy
}

type registered struct {
	cfg     ClientConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Registry holds the named clients. Limiter and breaker state are shared
// across all sessions per client name.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*registered
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*registered)}
}

// Register adds (or replaces) a named client.
func (r *Registry) Register(cfg ClientConfig) {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Breaker.Failures == 0 {
		cfg.Breaker.Failures = 5
	}
	if cfg.Breaker.Cooldown <= 0 {
		cfg.Breaker.Cooldown = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // single half-open probe
		Timeout:     cfg.Breaker.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("[CLIENT] breaker state change", "client", name, "from", from.String(), "to", to.String())
		},
	})
	r.mu.Lock()
	r.clients[cfg.Name] = &registered{cfg: cfg, limiter: limiter, breaker: breaker}
	r.mu.Unlock()
}

// Has reports whether a client is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[name]
	return ok
}

// Generate runs one generation through the named client: budget reservation,
// rate limit, circuit breaker, retries on retryable kinds, then cost
// accounting into ledger. Circuit-open and budget refusals surface as typed
// errors; the calling stage decides whether to degrade, and the planned
// student stage is the fallback path.
//
// Expectations:
//   - Unknown client names return a KindInvalid error
//   - A call refused by the ledger returns ErrBudgetExceeded synchronously
//   - Retries apply only to Retryable/RateLimited/Transport kinds, at most
//     MaxAttempts total attempts with exponential backoff plus jitter
//   - Policy/Invalid errors are returned on the first attempt
//   - An open breaker surfaces as KindCircuitOpen without invoking the
//     client and without substituting any other client's output
//   - Actual cost and tokens are charged to the ledger on success
func (r *Registry) Generate(ctx context.Context, name, prompt string, opts Options, ledger *types.Ledger) (Generation, error) {
	r.mu.RLock()
	reg, ok := r.clients[name]
	r.mu.RUnlock()
	if !ok {
		return Generation{}, types.NewError(types.KindInvalid, "unknown model client "+name)
	}

	if ledger != nil {
		if err := ledger.ReserveCall(reg.cfg.Identity); err != nil {
			return Generation{}, err
		}
	}
	if reg.limiter != nil {
		if err := reg.limiter.Wait(ctx); err != nil {
			return Generation{}, types.WrapError(types.KindCancelled, "rate limiter wait", err)
		}
	}

	var gen Generation
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			out, berr := reg.breaker.Execute(func() (interface{}, error) {
				return reg.cfg.Client.Generate(ctx, prompt, opts)
			})
			if berr != nil {
				if errors.Is(berr, gobreaker.ErrOpenState) || errors.Is(berr, gobreaker.ErrTooManyRequests) {
					return types.WrapError(types.KindCircuitOpen, reg.cfg.Name, berr)
				}
				return berr
			}
			gen = out.(Generation)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(reg.cfg.Retry.MaxAttempts)),
		retry.Delay(reg.cfg.Retry.BaseBackoff),
		retry.MaxJitter(reg.cfg.Retry.MaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(types.Retryable),
	)
	if err != nil {
		slog.Warn("[CLIENT] generate failed", "client", reg.cfg.Name, "attempts", attempt, "kind", types.KindOf(err), "error", err)
		return Generation{}, err
	}

	if ledger != nil {
		ledger.Charge(gen.CostMicros, gen.TokensIn, gen.TokensOut)
	}
	slog.Debug("[CLIENT] generate ok", "client", reg.cfg.Name, "attempts", attempt,
		"tokens_in", gen.TokensIn, "tokens_out", gen.TokensOut, "cost_micros", gen.CostMicros)
	return gen, nil
}
