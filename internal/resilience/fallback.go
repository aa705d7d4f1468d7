package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Group] fails or has an open
// circuit breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// GroupConfig configures the per-entry circuit breaker created for each
// backend in a [Group].
type GroupConfig struct {
	Breaker BreakerConfig
}

// entry pairs a backend value with its dedicated circuit breaker.
type entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group wraps a primary and zero or more fallback instances of the same
// backend type. When the primary fails (or its circuit breaker is open), the
// next healthy fallback is tried in registration order.
//
// Group is safe for concurrent use once assembled; AddFallback must not be
// called after the first Execute.
type Group[T any] struct {
	entries []entry[T]
	cfg     GroupConfig
}

// NewGroup creates a [Group] with primary as the first entry. Additional
// fallbacks are registered via [Group.AddFallback].
func NewGroup[T any](primary T, primaryName string, cfg GroupConfig) *Group[T] {
	bc := cfg.Breaker
	bc.Name = primaryName
	return &Group[T]{
		entries: []entry[T]{{
			name:    primaryName,
			value:   primary,
			breaker: NewBreaker(bc),
		}},
		cfg: cfg,
	}
}

// AddFallback appends a fallback backend. Fallbacks are tried in the order
// they are added, after the primary.
func (g *Group[T]) AddFallback(name string, fallback T) {
	bc := g.cfg.Breaker
	bc.Name = name
	g.entries = append(g.entries, entry[T]{
		name:    name,
		value:   fallback,
		breaker: NewBreaker(bc),
	})
}

// Names returns the backend names in try order.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return names
}

// Execute tries fn against each entry in order until one succeeds.
// Circuit-open entries are skipped. Returns [ErrAllFailed] wrapped with the
// last error if every entry fails.
func (g *Group[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range g.entries {
		e := &g.entries[i]
		err := e.breaker.Execute(func() error {
			return fn(e.value)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		logBackendFailure(e.name, err)
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult is [Group.Execute] for calls that return a value. It is a
// package-level function because methods cannot introduce type parameters.
func ExecuteWithResult[T, R any](g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.entries {
		e := &g.entries[i]
		var result R
		err := e.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(e.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		logBackendFailure(e.name, err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

func logBackendFailure(name string, err error) {
	if errors.Is(err, ErrOpen) {
		slog.Debug("skipping backend (circuit open)", "backend", name)
	} else {
		slog.Warn("backend failed, trying next", "backend", name, "err", err)
	}
}
