// Package gateway serializes all traffic to the brokerage behind one session.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"execution-core/pkg/broker/common"
)

var (
	ErrSessionUnrecoverable = errors.New("broker session unrecoverable")
	ErrBrokerTimeout        = errors.New("broker call timed out")
	ErrCircuitOpen          = errors.New("broker circuit open")
	ErrRateLimited          = errors.New("broker rate limit wait refused")
	ErrSessionNotReady      = errors.New("broker session not ready")
)

// Observer receives per-call timings; implemented by monitor.Metrics.
type Observer interface {
	ObserveBrokerCall(op string, d time.Duration, err error)
}

// Config holds gateway tuning.
type Config struct {
	CallTimeout      time.Duration // upper bound for one broker round-trip
	RateLimit        float64       // requests per second
	Burst            int
	LoginAttempts    int
	LoginBackoff     time.Duration // doubled per attempt
	FailureThreshold int           // transport failures before the circuit opens
	CircuitTimeout   time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CallTimeout:      10 * time.Second,
		RateLimit:        8,
		Burst:            4,
		LoginAttempts:    3,
		LoginBackoff:     time.Second,
		FailureThreshold: 5,
		CircuitTimeout:   30 * time.Second,
	}
}

// Gateway is the single point of contact with the broker. Calls are
// serialized on one mutex so the session is never raced, and paced by a
// token bucket so the broker's rate limits hold across submit, watcher
// and risk traffic.
type Gateway struct {
	client  common.Client
	cfg     Config
	limiter *rate.Limiter
	breaker *circuitBreaker
	log     *zap.SugaredLogger

	mu sync.Mutex

	observer  Observer
	onFatal   func(error)
	fatalOnce sync.Once
}

// New wraps client.
func New(client common.Client, cfg Config, log *zap.SugaredLogger) *Gateway {
	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.LoginAttempts <= 0 {
		cfg.LoginAttempts = def.LoginAttempts
	}
	if cfg.LoginBackoff <= 0 {
		cfg.LoginBackoff = def.LoginBackoff
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = def.CircuitTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gateway{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		breaker: newCircuitBreaker(cfg.FailureThreshold, cfg.CircuitTimeout, log),
		log:     log,
	}
}

// SetObserver attaches call metrics.
func (g *Gateway) SetObserver(o Observer) {
	g.observer = o
}

// SetFatalHandler is invoked once when the session cannot be restored.
// The process is expected to stop; main wires this to shutdown.
func (g *Gateway) SetFatalHandler(fn func(error)) {
	g.onFatal = fn
}

// Available reports whether calls are currently let through.
func (g *Gateway) Available() bool {
	return g.breaker.current() != StateOpen
}

// NotSent reports whether err guarantees the order never reached the broker.
func NotSent(err error) bool {
	return errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrSessionNotReady) ||
		errors.Is(err, ErrSessionUnrecoverable)
}

// EnsureSession validates the session and logs in again if needed.
func (g *Gateway) EnsureSession(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ensureSessionLocked(ctx)
}

// PlaceOrder sends one order. A timeout is reported as ErrBrokerTimeout
// and means the outcome is unknown.
func (g *Gateway) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	var res common.OrderResult
	err := g.call(ctx, "place_order", true, func(ctx context.Context) error {
		var err error
		res, err = g.client.PlaceOrder(ctx, req)
		return err
	})
	return res, err
}

// OrderBook returns the broker's order book.
func (g *Gateway) OrderBook(ctx context.Context) ([]common.Order, error) {
	var out []common.Order
	err := g.call(ctx, "order_book", false, func(ctx context.Context) error {
		var err error
		out, err = g.client.OrderBook(ctx)
		return err
	})
	return out, err
}

// Positions returns the broker's net positions.
func (g *Gateway) Positions(ctx context.Context) ([]common.Position, error) {
	var out []common.Position
	err := g.call(ctx, "positions", false, func(ctx context.Context) error {
		var err error
		out, err = g.client.Positions(ctx)
		return err
	})
	return out, err
}

// LastPrice returns the last traded price of one instrument.
func (g *Gateway) LastPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := g.call(ctx, "last_price", false, func(ctx context.Context) error {
		var err error
		out, err = g.client.LastPrice(ctx, exchange, symbol)
		return err
	})
	return out, err
}

func (g *Gateway) call(ctx context.Context, op string, mutating bool, fn func(context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.breaker.allow() {
		return fmt.Errorf("%s: %w", op, ErrCircuitOpen)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrRateLimited, err)
	}
	if mutating {
		if err := g.ensureSessionLocked(ctx); err != nil {
			return fmt.Errorf("%s: %w: %w", op, ErrSessionNotReady, err)
		}
	}

	err := g.invoke(ctx, op, fn)
	if errors.Is(err, common.ErrSessionExpired) {
		// A 401 is returned before the broker acts on the request, so one
		// retry after re-login cannot duplicate an order.
		g.log.Warnw("broker session expired mid-call, re-authenticating", "op", op)
		if err := g.ensureSessionLocked(ctx); err != nil {
			return fmt.Errorf("%s: %w: %w", op, ErrSessionNotReady, err)
		}
		err = g.invoke(ctx, op, fn)
	}
	return err
}

func (g *Gateway) invoke(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx)
	if g.observer != nil {
		g.observer.ObserveBrokerCall(op, time.Since(start), err)
	}

	switch {
	case err == nil:
		g.breaker.recordSuccess()
		return nil
	case errors.Is(err, common.ErrOrderRejected), errors.Is(err, common.ErrSessionExpired), errors.Is(err, common.ErrUnknownSymbol):
		// The broker answered; the transport is healthy.
		g.breaker.recordSuccess()
		return err
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		g.breaker.recordFailure()
		return fmt.Errorf("%s: %w", op, ErrBrokerTimeout)
	default:
		g.breaker.recordFailure()
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (g *Gateway) ensureSessionLocked(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	ok, err := g.client.SessionValid(cctx)
	cancel()
	if err == nil && ok {
		return nil
	}
	if err != nil {
		g.log.Warnw("broker session probe failed", "error", err)
	}

	var lastErr error
	backoff := g.cfg.LoginBackoff
	for attempt := 1; attempt <= g.cfg.LoginAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		lastErr = g.client.Login(cctx)
		cancel()
		if lastErr == nil {
			g.log.Infow("broker session restored", "attempt", attempt)
			return nil
		}
		g.log.Warnw("broker login failed", "attempt", attempt, "error", lastErr)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < g.cfg.LoginAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}

	err = fmt.Errorf("%w: %v", ErrSessionUnrecoverable, lastErr)
	g.fatalOnce.Do(func() {
		g.log.Errorw("broker session cannot be restored, halting", "error", lastErr)
		if g.onFatal != nil {
			g.onFatal(err)
		}
	})
	return err
}
