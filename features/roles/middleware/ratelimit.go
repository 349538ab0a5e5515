// Package middleware provides reusable llm.Completer middlewares such as
// adaptive rate limiting.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/relay/features/roles/llm"
)

// replyAllowance is the token estimate reserved for the model reply on top
// of the prompt cost.
const replyAllowance = 256

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on
	// top of an llm.Completer. It estimates the token cost of each request,
	// blocks callers until capacity is available, and adjusts its effective
	// tokens-per-minute budget in response to throttling signals from the
	// provider: a throttled call halves the budget, a successful call
	// recovers it additively toward the configured maximum.
	//
	// The limiter is process-local and sits at the provider client
	// boundary: construct one per process and wrap the completer with
	// Middleware before handing it to the roles.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM   float64
		minTPM       float64
		maxTPM       float64
		recoveryRate float64
	}

	limitedCompleter struct {
		next    llm.Completer
		limiter *AdaptiveRateLimiter
	}
)

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with an initial
// tokens-per-minute budget and an upper bound. When maxTPM is zero or below
// initialTPM it is clamped to initialTPM; a non-positive initialTPM falls
// back to a conservative default.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns an llm.Completer middleware enforcing the adaptive
// tokens-per-minute limit.
func (l *AdaptiveRateLimiter) Middleware() func(llm.Completer) llm.Completer {
	return func(next llm.Completer) llm.Completer {
		if next == nil {
			return nil
		}
		return &limitedCompleter{next: next, limiter: l}
	}
}

// CurrentTPM returns the current effective tokens-per-minute budget.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Complete enforces the limiter before delegating to the underlying
// completer and feeds the outcome back into the budget.
func (c *limitedCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	if err := c.limiter.wait(ctx, estimateTokens(system, prompt)); err != nil {
		return "", err
	}
	text, err := c.next.Complete(ctx, system, prompt)
	c.limiter.observe(err)
	return text, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, tokens int) error {
	l.mu.Lock()
	lim := l.limiter
	l.mu.Unlock()
	if burst := lim.Burst(); tokens > burst {
		tokens = burst
	}
	return lim.WaitN(ctx, tokens)
}

// observe applies the AIMD adjustment: multiplicative decrease on throttle,
// additive recovery on success.
func (l *AdaptiveRateLimiter) observe(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case errors.Is(err, llm.ErrThrottled):
		l.currentTPM /= 2
		if l.currentTPM < l.minTPM {
			l.currentTPM = l.minTPM
		}
	case err == nil:
		l.currentTPM += l.recoveryRate
		if l.currentTPM > l.maxTPM {
			l.currentTPM = l.maxTPM
		}
	default:
		return
	}
	l.limiter = rate.NewLimiter(rate.Limit(l.currentTPM/60.0), int(l.currentTPM))
}

// estimateTokens approximates the token cost of a request: roughly four
// characters per token plus a flat allowance for the reply.
func estimateTokens(system, prompt string) int {
	return (len(system)+len(prompt))/4 + replyAllowance
}
