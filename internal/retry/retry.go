// Package retry provides a single retry policy consumed by everything in the
// sync core that re-attempts failed work. Call sites express only the policy;
// the delay mechanics live here, on top of cenkalti/backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy names a delay progression between attempts
type Strategy string

const (
	// StrategyLinear delays attempt n by n * BaseDelay
	StrategyLinear Strategy = "linear"
	// StrategyExponential delays attempt n by BaseDelay * 2^n
	StrategyExponential Strategy = "exponential"
	// StrategyFixed delays every attempt by BaseDelay
	StrategyFixed Strategy = "fixed"
)

// Policy describes how a unit of work is retried
type Policy struct {
	Strategy    Strategy
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy returns the policy used when a caller does not configure one
func DefaultPolicy() Policy {
	return Policy{
		Strategy:    StrategyExponential,
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
	}
}

// ParseStrategy parses a strategy name, falling back to exponential
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyLinear, StrategyExponential, StrategyFixed:
		return Strategy(s)
	default:
		return StrategyExponential
	}
}

// Permanent wraps err so that Do stops retrying immediately
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn, retrying per the policy until it succeeds, exhausts its
// attempts, or the context is cancelled. The last error is returned once
// attempts are exhausted.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(p.backOff(), uint64(p.MaxAttempts-1)),
		ctx,
	)

	if err := backoff.Retry(fn, b); err != nil {
		return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, err)
	}

	return nil
}

// backOff builds the delay source for this policy
func (p Policy) backOff() backoff.BackOff {
	switch p.Strategy {
	case StrategyFixed:
		return backoff.NewConstantBackOff(p.BaseDelay)
	case StrategyLinear:
		return &linearBackOff{base: p.BaseDelay}
	default:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.BaseDelay
		exp.Multiplier = 2
		exp.RandomizationFactor = 0
		exp.MaxElapsedTime = 0
		return exp
	}
}

// linearBackOff delays attempt n by n*base. cenkalti/backoff has constant and
// exponential progressions built in but not a linear one.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.base
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}
