package resilience

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var breakerNopLogger = zerolog.Nop()

// ErrOpenCircuit is returned when the breaker refuses to call the sale API.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State represents the current breaker state.
type State int

const (
	// Closed lets every call through and counts failures.
	Closed State = iota
	// Open fails fast until the cool-off period expires.
	Open
	// HalfOpen lets a single probe through to decide recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of the breaker for readiness reporting.
type Stats struct {
	Target   string
	State    State
	Requests int
	Failures int
	// RetryAt is when an open breaker admits its next probe. Zero otherwise.
	RetryAt time.Time
}

// Breaker guards the sale API. Outcomes are counted in fixed windows; once a
// window holds minRequests calls and the failure share reaches failureRatio
// the breaker opens. After openFor exactly one probe is admitted, and its
// outcome closes or re-opens the breaker.
type Breaker struct {
	mu           sync.Mutex
	state        State
	minRequests  int
	failureRatio float64
	openFor      time.Duration
	window       time.Duration

	windowStart time.Time
	requests    int
	failures    int
	openedAt    time.Time
	probeSince  time.Time

	target string
	logger *zerolog.Logger
	now    func() time.Time
}

// NewBreaker builds a closed breaker with a one-minute counting window.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 || failureRatio > 1 {
		failureRatio = 0.5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openFor:      openFor,
		window:       time.Minute,
		now:          time.Now,
	}
}

// WithWindow sets the length of the counting window.
func (b *Breaker) WithWindow(d time.Duration) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > 0 {
		b.window = d
	}
	return b
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
	return b
}

// WithTarget names the guarded dependency for metric labels and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.recordStateLocked()
	return b
}

// WithLogger configures the logger used for transition events.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats reports the state and the counts of the current window. While open
// or half-open the counts are those of the window that tripped the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{Target: b.targetLabel(), State: b.state, Requests: b.requests, Failures: b.failures}
	if b.state == Open {
		st.RetryAt = b.openedAt.Add(b.openFor)
	}
	return st
}

// Allow reports whether a call may proceed. While half-open only the single
// outstanding probe is admitted; a probe that never reports is replaced after
// another openFor.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case Open:
		if now.Sub(b.openedAt) < b.openFor {
			return false
		}
		b.changeStateLocked(ctx, HalfOpen)
		b.probeSince = now
		return true
	case HalfOpen:
		if now.Sub(b.probeSince) < b.openFor {
			return false
		}
		b.probeSince = now
		return true
	default:
		return true
	}
}

// Report records the outcome of a call admitted by Allow.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		if success {
			b.changeStateLocked(ctx, Closed)
		} else {
			b.changeStateLocked(ctx, Open)
		}
		return
	}

	now := b.now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= b.window {
		b.windowStart = now
		b.requests, b.failures = 0, 0
	}
	b.requests++
	if !success {
		b.failures++
	}
	if b.requests >= b.minRequests && float64(b.failures)/float64(b.requests) >= b.failureRatio {
		b.changeStateLocked(ctx, Open)
	}
}

// Backoff returns the exponential delay before the given attempt. Jitter is a
// fraction of the delay, e.g. 0.2 for 20%.
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if jitterPct <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * float64(d) * jitterPct
	return d + time.Duration(delta)
}

func (b *Breaker) changeStateLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	now := b.now()
	switch next {
	case Open:
		b.openedAt = now
	case Closed:
		b.openedAt = time.Time{}
		b.probeSince = time.Time{}
		b.windowStart = now
		b.requests, b.failures = 0, 0
	}
	b.recordStateLocked()
	b.recordTransition(ctx, prev, next)
}

func (b *Breaker) recordStateLocked() {
	BreakerState.WithLabelValues(b.targetLabel()).Set(float64(b.state))
}

func (b *Breaker) recordTransition(ctx context.Context, from, to State) {
	label := b.targetLabel()
	BreakerTransitions.WithLabelValues(label, from.String(), to.String()).Inc()
	if to == Open {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}
	logger := b.loggerFor(ctx)
	evt := logger.Warn()
	if to == Closed {
		evt = logger.Info()
	}
	evt = evt.Str("target", label).Str("from_state", from.String()).Str("to_state", to.String())
	if to == Open {
		evt = evt.Time("retry_at", b.openedAt.Add(b.openFor))
	}
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) targetLabel() string {
	if b.target == "" {
		return "sale-api"
	}
	return b.target
}

func (b *Breaker) loggerFor(ctx context.Context) *zerolog.Logger {
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger != nil && ctxLogger.GetLevel() != zerolog.Disabled {
		return ctxLogger
	}
	if b.logger == nil {
		return &breakerNopLogger
	}
	return b.logger
}
