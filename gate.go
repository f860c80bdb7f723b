package monitor

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrorMatcher reports whether an error belongs to a named error type
type ErrorMatcher func(err error) bool

// MatchType matches errors that have a T anywhere in their wrap chain
func MatchType[T error]() ErrorMatcher {
	return func(err error) bool {
		var target T
		return errors.As(err, &target)
	}
}

// MatchIs matches errors that wrap target
func MatchIs(target error) ErrorMatcher {
	return func(err error) bool {
		return errors.Is(err, target)
	}
}

// builtinErrorTypes are names usable in ignored_exceptions without registration
func builtinErrorTypes() map[string]ErrorMatcher {
	return map[string]ErrorMatcher{
		"context.Canceled":         MatchIs(context.Canceled),
		"context.DeadlineExceeded": MatchIs(context.DeadlineExceeded),
		"net/http.ErrAbortHandler": MatchIs(http.ErrAbortHandler),
		"io.EOF":                   MatchIs(io.EOF),
		"io.ErrUnexpectedEOF":      MatchIs(io.ErrUnexpectedEOF),
		"monitor.PanicError":       MatchType[*PanicError](),
	}
}

// Suppression reasons reported by Gate.Decide
const (
	ReasonNone     = ""
	ReasonDisabled = "disabled"
	ReasonIgnored  = "ignored"
	ReasonSampled  = "sampled"
)

// Gate decides whether an event is reported
type Gate struct {
	enabled bool
	rate    float64
	ignored []ErrorMatcher
	classes map[string]struct{}

	mu   sync.Mutex
	rand *rand.Rand
}

// NewGate resolves the ignored exception names against types. Names not in
// types match errors whose ExceptionClass equals the name.
func NewGate(cfg *Config, types map[string]ErrorMatcher, rnd *rand.Rand, logger *zap.Logger) *Gate {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	g := &Gate{
		enabled: gateEnabled(cfg),
		rate:    cfg.SampleRate,
		classes: map[string]struct{}{},
		rand:    rnd,
	}

	for _, name := range cfg.IgnoredExceptions {
		m, ok := types[name]
		if !ok {
			logger.Debug("Ignored exception matched by class name",
				zap.String("class", name))
			g.classes[name] = struct{}{}
			continue
		}
		g.ignored = append(g.ignored, m)
	}

	return g
}

func gateEnabled(cfg *Config) bool {
	if !cfg.Enabled {
		return false
	}
	if cfg.APIKey == "" || cfg.Endpoint == "" {
		return false
	}
	for _, env := range cfg.IgnoredEnvironments {
		if env == cfg.Environment {
			return false
		}
	}
	return true
}

// Enabled reports whether anything is reported at all
func (g *Gate) Enabled() bool {
	return g.enabled
}

// Ignored reports whether err matches an ignored exception type
func (g *Gate) Ignored(err error) bool {
	for _, m := range g.ignored {
		if m(err) {
			return true
		}
	}
	if len(g.classes) == 0 {
		return false
	}

	var cn ClassNamer
	if errors.As(err, &cn) {
		_, ok := g.classes[cn.ExceptionClass()]
		return ok
	}
	return false
}

// Sample draws from the random source and keeps the event with
// probability equal to the sample rate
func (g *Gate) Sample() bool {
	if g.rate >= 1.0 {
		return true
	}
	if g.rate <= 0.0 {
		return false
	}

	g.mu.Lock()
	v := g.rand.Float64()
	g.mu.Unlock()

	return v < g.rate
}

// Decide returns the suppression reason for ev, or ReasonNone
func (g *Gate) Decide(ev Event) string {
	if !g.enabled {
		return ReasonDisabled
	}
	if ex, ok := ev.(*ExceptionEvent); ok && ex.Err != nil && g.Ignored(ex.Err) {
		return ReasonIgnored
	}
	if !g.Sample() {
		return ReasonSampled
	}
	return ReasonNone
}

// ShouldCapture reports whether ev is eligible for transmission
func (g *Gate) ShouldCapture(ev Event) bool {
	return g.Decide(ev) == ReasonNone
}
