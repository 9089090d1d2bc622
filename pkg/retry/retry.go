// Package retry runs outbound requests with bounded, class-aware retries.
//
// Errors are classified; each class has its own policy:
//
//   - Transient: exponential backoff, up to Policy.MaxAttempts.
//   - RateLimited: wait RetryAfter (or backoff when unknown), same budget.
//   - AuthExpired: the Confirm callback decides whether to try again.
//   - ValidationFailed: retry immediately with the feedback appended to the
//     next attempt, up to Policy.MaxValidationRetries.
//   - Fatal: return at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/logging"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
)

// ErrRetriesExhausted wraps the last error once the retry budget is spent.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ErrAborted is returned when the user declined to retry after an auth failure.
var ErrAborted = errors.New("retry aborted")

// Class is the retry category of an error.
type Class int

const (
	Fatal Class = iota
	Transient
	RateLimited
	AuthExpired
	ValidationFailed
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case AuthExpired:
		return "auth_expired"
	case ValidationFailed:
		return "validation_failed"
	default:
		return "fatal"
	}
}

// Error attaches a class to an error.
type Error struct {
	Class      Class
	Err        error
	RetryAfter time.Duration
	// Feedback is appended to the next attempt of a ValidationFailed request.
	Feedback string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Class.String()
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewTransient(err error) error { return &Error{Class: Transient, Err: err} }

func NewRateLimited(err error, retryAfter time.Duration) error {
	return &Error{Class: RateLimited, Err: err, RetryAfter: retryAfter}
}

func NewAuthExpired(err error) error { return &Error{Class: AuthExpired, Err: err} }

func NewValidationFailed(err error, feedback string) error {
	return &Error{Class: ValidationFailed, Err: err, Feedback: feedback}
}

func NewFatal(err error) error { return &Error{Class: Fatal, Err: err} }

// Classify returns the class of err. Unclassified errors and context errors are Fatal.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return Fatal
}

// IsTransient reports whether err is worth retrying after a pause.
func IsTransient(err error) bool {
	c := Classify(err)
	return c == Transient || c == RateLimited
}

// Policy bounds the retries.
type Policy struct {
	MaxAttempts          int           `mapstructure:"max_attempts"`
	MaxValidationRetries int           `mapstructure:"max_validation_retries"`
	BaseDelay            time.Duration `mapstructure:"base_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	Multiplier           float64       `mapstructure:"multiplier"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:          5,
		MaxValidationRetries: 3,
		BaseDelay:            time.Second,
		MaxDelay:             30 * time.Second,
		Multiplier:           2,
	}
}

// Backoff returns the pause before retry n (1-based).
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(n-1)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

// Attempt describes the call being made.
type Attempt struct {
	Number   int
	Feedback []string
}

// AttemptInfo is reported to the OnAttempt hook after every failed call.
type AttemptInfo struct {
	Attempt  int
	Class    Class
	Err      error
	Duration time.Duration
}

// Loop executes calls under a Policy.
type Loop struct {
	policy    Policy
	sleep     func(ctx context.Context, d time.Duration) error
	confirm   func(ctx context.Context, err error) (bool, error)
	onAttempt func(AttemptInfo)
	logger    *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

func WithPolicy(p Policy) Option {
	return func(l *Loop) { l.policy = p }
}

// WithSleep replaces the pause between attempts. Tests use it to avoid waiting.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) { l.sleep = fn }
}

// WithConfirm sets the callback asked whether to retry after an AuthExpired error.
func WithConfirm(fn func(ctx context.Context, err error) (bool, error)) Option {
	return func(l *Loop) { l.confirm = fn }
}

// WithOnAttempt sets a hook called after every failed attempt.
func WithOnAttempt(fn func(AttemptInfo)) Option {
	return func(l *Loop) { l.onAttempt = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop creates a Loop with DefaultPolicy.
func NewLoop(opts ...Option) *Loop {
	l := &Loop{
		policy:    DefaultPolicy(),
		sleep:     sleepContext,
		onAttempt: func(AttemptInfo) {},
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the loop's policy.
func (l *Loop) Policy() Policy { return l.policy }

// Do calls call until it succeeds, fails fatally or the budget runs out.
func Do[T any](ctx context.Context, l *Loop, call func(ctx context.Context, a Attempt) (T, error)) (T, error) {
	var zero T
	attempt := Attempt{Number: 1}
	retries, validationRetries := 0, 0

	for {
		start := time.Now()
		v, err := call(ctx, attempt)
		if err == nil {
			return v, nil
		}
		class := Classify(err)
		l.onAttempt(AttemptInfo{Attempt: attempt.Number, Class: class, Err: err, Duration: time.Since(start)})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("%w: %w", ctxErr, err)
		}

		switch class {
		case ValidationFailed:
			validationRetries++
			if validationRetries > l.policy.MaxValidationRetries {
				return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt.Number, err)
			}
			var e *Error
			if errors.As(err, &e) && e.Feedback != "" {
				attempt.Feedback = append(attempt.Feedback, e.Feedback)
			}
			l.logger.Debug("Retrying after invalid response", "attempt", attempt.Number, "err", err)

		case AuthExpired:
			if l.confirm == nil {
				return zero, err
			}
			ok, cerr := l.confirm(ctx, err)
			if cerr != nil {
				return zero, cerr
			}
			if !ok {
				return zero, fmt.Errorf("%w: %w", ErrAborted, err)
			}
			l.logger.Debug("Retrying after re-authentication", "attempt", attempt.Number)

		case Transient, RateLimited:
			retries++
			if retries >= l.policy.MaxAttempts {
				return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt.Number, err)
			}
			delay := l.policy.Backoff(retries)
			var e *Error
			if class == RateLimited && errors.As(err, &e) && e.RetryAfter > 0 {
				delay = e.RetryAfter
			}
			l.logger.Debug("Retrying request", "attempt", attempt.Number, "class", class.String(), "delay", delay, "err", err)
			if serr := l.sleep(ctx, delay); serr != nil {
				return zero, fmt.Errorf("%w: %w", serr, err)
			}

		default:
			return zero, err
		}
		attempt.Number++
	}
}

// ToResult turns a request failure into an Error result routed to recovery.
func ToResult(kind worker.Kind, err error) worker.Result {
	return worker.Error(err.Error(), map[string]any{
		"class":     Classify(err).String(),
		"exhausted": errors.Is(err, ErrRetriesExhausted),
	}).From(kind)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
