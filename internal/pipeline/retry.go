package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig bounds the exponential backoff loop run for one exporter.
type RetryConfig struct {
	Enabled         bool
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:         true,
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.Multiplier <= 1 {
		c.Multiplier = def.Multiplier
	}
	return c
}

// Retryer executes a function with bounded exponential backoff. Transient
// failures are retried up to the attempt limit; terminal failures return
// immediately. An exhausted budget converts the last transient failure into
// a terminal one.
type Retryer struct {
	cfg RetryConfig
	log *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryer creates a retryer with the given policy.
func NewRetryer(cfg RetryConfig, log *slog.Logger) *Retryer {
	if log == nil {
		log = slog.Default()
	}
	return &Retryer{
		cfg: cfg.withDefaults(),
		log: log.With("component", "retryer"),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs fn until success, a terminal failure, context cancellation, or the
// attempt budget runs out.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !r.cfg.Enabled {
		return fn(ctx)
	}

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return NewTerminalError(fmt.Errorf("cancelled before attempt %d: %w", attempt+1, err))
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.log.Debug("export succeeded after retry", "attempts", attempt+1)
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == r.cfg.MaxAttempts-1 {
			break
		}

		backoff := r.backoff(attempt)
		r.log.Debug("retrying after backoff",
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return NewTerminalError(fmt.Errorf("cancelled during backoff: %w", ctx.Err()))
		case <-time.After(backoff):
		}
	}

	return NewTerminalError(fmt.Errorf("retry budget exhausted after %d attempts: %w", r.cfg.MaxAttempts, lastErr))
}

func (r *Retryer) backoff(attempt int) time.Duration {
	d := float64(r.cfg.InitialInterval) * math.Pow(r.cfg.Multiplier, float64(attempt))

	if r.cfg.Jitter > 0 {
		r.mu.Lock()
		f := r.rng.Float64()
		r.mu.Unlock()
		span := d * r.cfg.Jitter
		d += f*2*span - span
	}

	if d < float64(r.cfg.InitialInterval) {
		d = float64(r.cfg.InitialInterval)
	}
	if d > float64(r.cfg.MaxInterval) {
		d = float64(r.cfg.MaxInterval)
	}
	return time.Duration(d)
}
