package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/broker/common"
)

func market(side common.Side, qty int64) common.OrderRequest {
	return common.OrderRequest{
		Exchange:    "NFO",
		Symbol:      "NIFTY",
		Side:        side,
		Type:        common.OrderTypeMarket,
		Quantity:    qty,
		ProductType: "MIS",
		Tag:         "cmd-1",
	}
}

func TestMarketOrderFillsAndNets(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.SetPrice("NFO", "NIFTY", decimal.NewFromInt(100))

	res, err := b.PlaceOrder(ctx, market(common.SideBuy, 50))
	require.NoError(t, err)
	assert.Equal(t, common.StatusComplete, res.Status)
	assert.Equal(t, "cmd-1", res.Tag)

	b.SetPrice("NFO", "NIFTY", decimal.NewFromInt(110))
	positions, err := b.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, common.SideBuy, positions[0].Side)
	assert.Equal(t, int64(50), positions[0].Quantity)
	assert.True(t, positions[0].UnrealizedPnL.Equal(decimal.NewFromInt(500)))

	_, err = b.PlaceOrder(ctx, market(common.SideSell, 50))
	require.NoError(t, err)
	positions, err = b.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(0), positions[0].Quantity)
	assert.True(t, positions[0].RealizedPnL.Equal(decimal.NewFromInt(500)))
}

func TestShortPositionPnL(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.SetPrice("NFO", "NIFTY", decimal.NewFromInt(100))

	_, err := b.PlaceOrder(ctx, market(common.SideSell, 10))
	require.NoError(t, err)
	b.SetPrice("NFO", "NIFTY", decimal.NewFromInt(90))
	_, err = b.PlaceOrder(ctx, market(common.SideBuy, 10))
	require.NoError(t, err)

	positions, err := b.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].RealizedPnL.Equal(decimal.NewFromInt(100)))
}

func TestHeldOrdersAndBrokerSideOutcomes(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.SetPrice("NFO", "NIFTY", decimal.NewFromInt(100))
	b.HoldFills(true)

	res, err := b.PlaceOrder(ctx, market(common.SideBuy, 50))
	require.NoError(t, err)
	assert.Equal(t, common.StatusOpen, res.Status)

	require.NoError(t, b.Reject(res.BrokerOrderID, "margin exceeded"))
	book, err := b.OrderBook(ctx)
	require.NoError(t, err)
	require.Len(t, book, 1)
	assert.Equal(t, common.StatusRejected, book[0].Status)
	assert.Equal(t, "margin exceeded", book[0].StatusMessage)

	assert.Error(t, b.Fill(res.BrokerOrderID, decimal.Zero), "terminal orders cannot fill")
}

func TestSynchronousRejection(t *testing.T) {
	b := New()
	b.RejectSymbol("NIFTY", "symbol blocked")

	_, err := b.PlaceOrder(context.Background(), market(common.SideBuy, 50))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrOrderRejected))

	var rej *common.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "symbol blocked", rej.Reason)
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.ExpireSession(nil)

	_, err := b.PlaceOrder(ctx, market(common.SideBuy, 1))
	assert.ErrorIs(t, err, common.ErrSessionExpired)

	ok, err := b.SessionValid(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Login(ctx))
	assert.Equal(t, 1, b.Logins())
}

func TestLatencyRespectsContext(t *testing.T) {
	b := New()
	b.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.PlaceOrder(ctx, market(common.SideBuy, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimitOrderRestsUntilCrossed(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.SetPrice("NFO", "NIFTY", decimal.NewFromInt(105))

	req := market(common.SideBuy, 5)
	req.Type = common.OrderTypeLimit
	req.Price = decimal.NewFromInt(100)
	res, err := b.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, common.StatusOpen, res.Status)

	b.SetPrice("NFO", "NIFTY", decimal.NewFromInt(99))
	book, err := b.OrderBook(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.StatusComplete, book[0].Status)
	assert.True(t, book[0].AveragePrice.Equal(decimal.NewFromInt(99)))
}
