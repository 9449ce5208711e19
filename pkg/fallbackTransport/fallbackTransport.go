// Package fallbackTransport provides a per-request cascading retry transport over the
// ordered RPC endpoints of a single chain. Every request starts again from the first
// endpoint: there is no dead-marking or circuit breaking, only an exponential pause
// between consecutive attempts.
package fallbackTransport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
	"go.uber.org/zap"
)

const (
	DefaultInitialDelay = time.Second
	DefaultTimeout      = 10 * time.Second
)

// RetryInfo describes one failed attempt.
type RetryInfo struct {
	Endpoint   string
	Attempt    int
	MaxRetries int
	Err        error
}

// Config controls the retry behavior of a Transport.
type Config struct {
	// Name labels the chain in logs and errors.
	Name string
	// MaxRetries is the total number of attempts. Defaults to the number of endpoints.
	MaxRetries int
	// InitialDelay is the pause after the first failed attempt; it doubles after each
	// further failure.
	InitialDelay time.Duration
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// OnRetry is called after every failed attempt. When nil, failures are logged.
	OnRetry func(info RetryInfo)
}

// Transport executes requests against a list of endpoints in order.
type Transport struct {
	endpoints []string
	config    Config
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewTransport creates a Transport for the given endpoints.
func NewTransport(endpoints []string, cfg *Config, l *zap.Logger) (*Transport, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("fallback transport requires at least one endpoint")
	}
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = len(endpoints)
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &Transport{
		endpoints: append([]string(nil), endpoints...),
		config:    c,
		logger:    l,
		sleep:     sleepContext,
	}, nil
}

// Endpoints returns a copy of the configured endpoints.
func (t *Transport) Endpoints() []string {
	return append([]string(nil), t.endpoints...)
}

// Execute runs fn against endpoint attempt%len(endpoints) until it succeeds or the
// attempts are exhausted, in which case the last error is returned as a transient error.
func (t *Transport) Execute(ctx context.Context, fn func(ctx context.Context, endpoint string) error) error {
	var lastErr error
	for attempt := 0; attempt < t.config.MaxRetries; attempt++ {
		endpoint := t.endpoints[attempt%len(t.endpoints)]

		attemptCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
		err := fn(attemptCtx, endpoint)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		t.reportRetry(RetryInfo{
			Endpoint:   endpoint,
			Attempt:    attempt + 1,
			MaxRetries: t.config.MaxRetries,
			Err:        err,
		})

		if ctx.Err() != nil {
			break
		}
		if attempt < t.config.MaxRetries-1 {
			if err := t.sleep(ctx, t.config.InitialDelay*time.Duration(1<<uint(attempt))); err != nil {
				break
			}
		}
	}
	return chainErrors.Wrap(chainErrors.KindTransient, t.config.Name, "all rpc endpoints failed", lastErr)
}

func (t *Transport) reportRetry(info RetryInfo) {
	if t.config.OnRetry != nil {
		t.config.OnRetry(info)
		return
	}
	t.logger.Sugar().Warnw("Smart fallback attempt failed",
		zap.String("chain", t.config.Name),
		zap.String("rpcUrl", info.Endpoint),
		zap.String("attempt", fmt.Sprintf("%d/%d", info.Attempt, info.MaxRetries)),
		zap.Error(info.Err),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
