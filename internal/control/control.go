package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	cmdpkg "github.com/stupiduntilnot/aibot/internal/commander"
	"github.com/stupiduntilnot/aibot/internal/db"
	modelpkg "github.com/stupiduntilnot/aibot/internal/model"
)

// Policy bounds one message pipeline and configures the backend breaker.
type Policy struct {
	MaxWallTime      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultPolicy returns the policy used when config leaves values unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxWallTime:      180 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// WithDefaults fills non-positive breaker settings from DefaultPolicy.
// MaxWallTime is kept as is: zero means unbounded.
func (p Policy) WithDefaults() Policy {
	def := DefaultPolicy()
	if p.BreakerThreshold < 1 {
		p.BreakerThreshold = def.BreakerThreshold
	}
	if p.BreakerCooldown <= 0 {
		p.BreakerCooldown = def.BreakerCooldown
	}
	return p
}

// NewBreaker returns a breaker configured from the policy.
func (p Policy) NewBreaker() *CircuitBreaker {
	return NewCircuitBreaker(p.BreakerThreshold, p.BreakerCooldown)
}

// WithWallTime bounds ctx by MaxWallTime. A non-positive limit leaves ctx unbounded.
func (p Policy) WithWallTime(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.MaxWallTime <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.MaxWallTime)
}

// LimitError indicates a run limit was reached.
type LimitError struct {
	Elapsed   time.Duration
	Threshold time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit reached type=max_wall_time elapsed=%s threshold=%s", e.Elapsed, e.Threshold)
}

// CheckWallTime validates elapsed time against policy.
func CheckWallTime(p Policy, startedAt time.Time, now time.Time) error {
	if p.MaxWallTime <= 0 {
		return nil
	}
	elapsed := now.Sub(startedAt)
	if elapsed > p.MaxWallTime {
		return &LimitError{Elapsed: elapsed, Threshold: p.MaxWallTime}
	}
	return nil
}

// Classify maps an error to the class used for breaker counting and events.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var (
		be *modelpkg.BackendError
		te *cmdpkg.TransportError
		se *db.StorageError
		le *LimitError
	)
	switch {
	case errors.As(err, &le), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &be):
		switch {
		case be.Status == http.StatusTooManyRequests:
			return "backend_rate_limit"
		case be.Status == http.StatusUnauthorized, be.Status == http.StatusForbidden:
			return "backend_auth"
		case be.Status >= 500:
			return "backend_server"
		default:
			return "backend"
		}
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &se):
		return "storage"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}
