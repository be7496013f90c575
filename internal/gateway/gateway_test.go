package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"execution-core/pkg/broker/common"
	"execution-core/pkg/broker/paper"
)

func testConfig() Config {
	return Config{
		CallTimeout:      200 * time.Millisecond,
		RateLimit:        1000,
		Burst:            100,
		LoginAttempts:    2,
		LoginBackoff:     time.Millisecond,
		FailureThreshold: 2,
		CircuitTimeout:   time.Hour,
	}
}

func order() common.OrderRequest {
	return common.OrderRequest{
		Exchange: "NFO", Symbol: "NIFTY", Side: common.SideBuy,
		Type: common.OrderTypeMarket, Quantity: 50, ProductType: "MIS", Tag: "cmd-1",
	}
}

func TestPlaceOrderRestoresExpiredSession(t *testing.T) {
	b := paper.New()
	b.SetPrice("NFO", "NIFTY", decimal.NewFromInt(100))
	b.ExpireSession(nil)
	g := New(b, testConfig(), zaptest.NewLogger(t).Sugar())

	res, err := g.PlaceOrder(context.Background(), order())
	require.NoError(t, err)
	assert.NotEmpty(t, res.BrokerOrderID)
	assert.Equal(t, 1, b.Logins(), "session revalidated before the mutating call")
}

func TestUnrecoverableSessionIsFatal(t *testing.T) {
	b := paper.New()
	b.ExpireSession(errors.New("invalid api secret"))
	g := New(b, testConfig(), zaptest.NewLogger(t).Sugar())

	var fatalCalls atomic.Int32
	g.SetFatalHandler(func(err error) {
		fatalCalls.Add(1)
		assert.ErrorIs(t, err, ErrSessionUnrecoverable)
	})

	_, err := g.PlaceOrder(context.Background(), order())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionUnrecoverable)
	assert.True(t, NotSent(err))

	_, err = g.PlaceOrder(context.Background(), order())
	require.Error(t, err)
	assert.Equal(t, int32(1), fatalCalls.Load(), "fatal handler fires once")
}

type slowPlaceClient struct {
	*paper.Broker
}

func (c slowPlaceClient) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	select {
	case <-time.After(time.Second):
		return c.Broker.PlaceOrder(ctx, req)
	case <-ctx.Done():
		return common.OrderResult{}, ctx.Err()
	}
}

func TestTimeoutIsUnknownOutcome(t *testing.T) {
	g := New(slowPlaceClient{paper.New()}, testConfig(), zaptest.NewLogger(t).Sugar())

	_, err := g.PlaceOrder(context.Background(), order())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrokerTimeout)
	assert.False(t, NotSent(err))
}

func TestRejectionPassesThrough(t *testing.T) {
	b := paper.New()
	b.RejectSymbol("NIFTY", "RMS: margin exceeds")
	g := New(b, testConfig(), zaptest.NewLogger(t).Sugar())

	_, err := g.PlaceOrder(context.Background(), order())
	var rej *common.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "RMS: margin exceeds", rej.Reason)
	assert.True(t, g.Available(), "a rejection is not a transport failure")
}

func TestCircuitOpensAfterTransportFailures(t *testing.T) {
	b := paper.New()
	b.SetLatency(time.Second)
	g := New(b, testConfig(), zaptest.NewLogger(t).Sugar())

	for i := 0; i < 2; i++ {
		_, err := g.OrderBook(context.Background())
		assert.ErrorIs(t, err, ErrBrokerTimeout)
	}
	assert.False(t, g.Available())

	_, err := g.Positions(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, NotSent(err))
}

func TestLimiterRefusalIsNotSent(t *testing.T) {
	b := paper.New()
	b.SetPrice("NFO", "NIFTY", decimal.NewFromInt(100))
	cfg := testConfig()
	cfg.RateLimit = 0.01
	cfg.Burst = 1
	g := New(b, cfg, zaptest.NewLogger(t).Sugar())

	_, err := g.PlaceOrder(context.Background(), order())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = g.PlaceOrder(ctx, order())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, NotSent(err))

	book, err := b.OrderBook(context.Background())
	require.NoError(t, err)
	assert.Len(t, book, 1, "second order never reached the broker")
	assert.True(t, g.Available(), "a refused wait is not a transport failure")
}

func TestSessionCheckCutShortIsNotSent(t *testing.T) {
	b := paper.New()
	b.SetLatency(time.Second)
	g := New(b, testConfig(), zaptest.NewLogger(t).Sugar())
	g.SetFatalHandler(func(err error) { t.Errorf("unexpected fatal: %v", err) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.call(ctx, "place_order", true, func(context.Context) error {
		t.Error("broker called without a confirmed session")
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionNotReady)
	assert.True(t, NotSent(err))
}

type countingClient struct {
	*paper.Broker
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (c *countingClient) OrderBook(ctx context.Context) ([]common.Order, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		cur := c.maxSeen.Load()
		if n <= cur || c.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return c.Broker.OrderBook(ctx)
}

func TestCallsAreSerialized(t *testing.T) {
	client := &countingClient{Broker: paper.New()}
	g := New(client, testConfig(), zaptest.NewLogger(t).Sugar())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.OrderBook(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), client.maxSeen.Load())
}
