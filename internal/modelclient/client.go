// Package modelclient provides the named model client registry: each client
// carries a token-bucket rate limiter, a circuit breaker, a deterministic
// retry policy, and cost accounting against the session budget.
package modelclient

import (
	"context"
	"time"
)

// Options controls one generation call.
type Options struct {
	MaxTokens   int
	Temperature float64
	Stop        []string
	Timeout     time.Duration
}

// Generation is the result of one model call.
type Generation struct {
	Text          string
	TokensIn      int
	TokensOut     int
	CostMicros    int64
	LatencyMillis int64
	ProviderID    string
}

// Client is the outbound adapter contract a concrete provider implements.
// Errors must be typed (*types.Error) so the registry can classify them.
type Client interface {
	Generate(ctx context.Context, prompt string, opts Options) (Generation, error)
}
