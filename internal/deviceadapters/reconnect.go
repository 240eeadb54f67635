package deviceadapters

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/edgemind/edgemind/internal/retry"
)

// ReconnectConfig controls reconnection behavior.
type ReconnectConfig struct {
	MaxAttempts  int // 0 = unbounded
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultReconnectConfig returns the adapter reconnection baseline:
// fast first retry, capped at 30s.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:  0,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		Jitter:       true,
	}
}

// Reconnector runs an operation with automatic reconnection attempts.
// OnStateChange, when set, observes the Connecting/Reconnecting
// transitions so adapters can expose them via ConnectionStatus.
type Reconnector struct {
	Config        ReconnectConfig
	Logger        *slog.Logger
	OnStateChange func(ConnectionState)
}

// Run executes run until it succeeds, the context is canceled, the error
// is permanent, or max attempts are reached. It returns the last error.
func (r *Reconnector) Run(ctx context.Context, run func(context.Context) error) error {
	if run == nil {
		return errors.New("reconnector: run func is nil")
	}
	cfg := r.Config
	defaults := DefaultReconnectConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.Factor <= 0 {
		cfg.Factor = defaults.Factor
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == 0 {
			r.setState(StateConnecting)
		} else {
			r.setState(StateReconnecting)
		}
		err := run(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if retry.IsPermanent(err) {
			return err
		}
		attempt++
		if r.Logger != nil {
			r.Logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}
		delay := retry.Backoff(attempt, cfg.InitialDelay, cfg.MaxDelay, cfg.Factor)
		if cfg.Jitter {
			delay = retry.BackoffWithJitter(attempt, cfg.InitialDelay, cfg.MaxDelay, cfg.Factor)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Reconnector) setState(state ConnectionState) {
	if r.OnStateChange != nil {
		r.OnStateChange(state)
	}
}
