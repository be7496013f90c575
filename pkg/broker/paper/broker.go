// Package paper implements an in-memory broker used for dry runs and tests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"execution-core/pkg/broker/common"
)

// Broker simulates order execution and simple P&L.
type Broker struct {
	mu sync.RWMutex

	prices    map[string]decimal.Decimal
	orders    map[string]*common.Order
	sequence  []string
	positions map[string]*position
	rejects   map[string]string

	feed      func(exchange, symbol string) (decimal.Decimal, bool)
	holdFills bool
	latency   time.Duration
	session   bool
	loginErr  error
	logins    int
}

type position struct {
	exchange    string
	symbol      string
	product     string
	net         int64 // signed: >0 long, <0 short
	avgPrice    decimal.Decimal
	realizedPnL decimal.Decimal
}

// New returns a paper broker with no prices and a live session.
func New() *Broker {
	return &Broker{
		prices:    make(map[string]decimal.Decimal),
		orders:    make(map[string]*common.Order),
		positions: make(map[string]*position),
		rejects:   make(map[string]string),
		session:   true,
	}
}

func key(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// SetPrice updates the last traded price and fills resting orders it crosses.
func (b *Broker) SetPrice(exchange, symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[key(exchange, symbol)] = price
	if b.holdFills {
		return
	}
	for _, id := range b.sequence {
		o := b.orders[id]
		if o.Exchange != exchange || o.Symbol != symbol || o.Status.Terminal() {
			continue
		}
		b.tryFillLocked(o)
	}
}

// SetFeed supplies prices for symbols never set with SetPrice.
func (b *Broker) SetFeed(feed func(exchange, symbol string) (decimal.Decimal, bool)) {
	b.mu.Lock()
	b.feed = feed
	b.mu.Unlock()
}

func (b *Broker) priceLocked(exchange, symbol string) (decimal.Decimal, bool) {
	if last, ok := b.prices[key(exchange, symbol)]; ok {
		return last, true
	}
	if b.feed != nil {
		return b.feed(exchange, symbol)
	}
	return decimal.Zero, false
}

// HoldFills keeps new orders OPEN until Fill is called.
func (b *Broker) HoldFills(hold bool) {
	b.mu.Lock()
	b.holdFills = hold
	b.mu.Unlock()
}

// SetLatency delays every call, bounded by the caller's context.
func (b *Broker) SetLatency(d time.Duration) {
	b.mu.Lock()
	b.latency = d
	b.mu.Unlock()
}

// RejectSymbol makes PlaceOrder refuse orders for symbol synchronously.
func (b *Broker) RejectSymbol(symbol, reason string) {
	b.mu.Lock()
	b.rejects[symbol] = reason
	b.mu.Unlock()
}

// ExpireSession invalidates the session; loginErr, when set, makes the
// following logins fail.
func (b *Broker) ExpireSession(loginErr error) {
	b.mu.Lock()
	b.session = false
	b.loginErr = loginErr
	b.mu.Unlock()
}

// Logins returns how many times Login succeeded.
func (b *Broker) Logins() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.logins
}

func (b *Broker) wait(ctx context.Context) error {
	b.mu.RLock()
	d := b.latency
	b.mu.RUnlock()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Login implements common.Client.
func (b *Broker) Login(ctx context.Context) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loginErr != nil {
		return b.loginErr
	}
	b.session = true
	b.logins++
	return nil
}

// SessionValid implements common.Client.
func (b *Broker) SessionValid(ctx context.Context) (bool, error) {
	if err := b.wait(ctx); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session, nil
}

// PlaceOrder implements common.Client. MARKET orders fill at the last
// price unless fills are held; LIMIT and STOP orders rest until crossed.
func (b *Broker) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := b.wait(ctx); err != nil {
		return common.OrderResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.session {
		return common.OrderResult{}, common.ErrSessionExpired
	}
	if reason, ok := b.rejects[req.Symbol]; ok {
		return common.OrderResult{}, &common.RejectionError{Reason: reason}
	}
	if req.Quantity <= 0 {
		return common.OrderResult{}, &common.RejectionError{Reason: "quantity must be positive"}
	}
	if req.Type == common.OrderTypeLimit && !req.Price.IsPositive() {
		return common.OrderResult{}, &common.RejectionError{Reason: "limit price required"}
	}

	o := &common.Order{
		BrokerOrderID: uuid.NewString(),
		Tag:           req.Tag,
		Exchange:      req.Exchange,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Status:        common.StatusOpen,
		UpdatedAt:     time.Now().UTC(),
	}
	switch req.Type {
	case common.OrderTypeLimit:
		o.AveragePrice = req.Price
	case common.OrderTypeStop:
		o.AveragePrice = req.TriggerPrice
		o.Status = common.StatusTriggerPending
	}
	b.orders[o.BrokerOrderID] = o
	b.sequence = append(b.sequence, o.BrokerOrderID)
	b.ensurePosition(req)

	if !b.holdFills {
		b.tryFillLocked(o)
	}
	return common.OrderResult{BrokerOrderID: o.BrokerOrderID, Status: o.Status, Tag: o.Tag}, nil
}

func (b *Broker) ensurePosition(req common.OrderRequest) {
	k := key(req.Exchange, req.Symbol)
	if _, ok := b.positions[k]; !ok {
		b.positions[k] = &position{exchange: req.Exchange, symbol: req.Symbol, product: req.ProductType}
	}
}

// tryFillLocked fills o if the market allows it. Limit prices are stored in
// AveragePrice until the fill replaces them with the execution price.
func (b *Broker) tryFillLocked(o *common.Order) {
	last, ok := b.priceLocked(o.Exchange, o.Symbol)
	if !ok {
		return
	}
	switch {
	case o.Status == common.StatusTriggerPending:
		trigger := o.AveragePrice
		if (o.Side == common.SideBuy && last.LessThan(trigger)) || (o.Side == common.SideSell && last.GreaterThan(trigger)) {
			return
		}
	case o.AveragePrice.IsPositive():
		limit := o.AveragePrice
		if (o.Side == common.SideBuy && last.GreaterThan(limit)) || (o.Side == common.SideSell && last.LessThan(limit)) {
			return
		}
	}
	b.fillLocked(o, last)
}

func (b *Broker) fillLocked(o *common.Order, price decimal.Decimal) {
	o.Status = common.StatusComplete
	o.FilledQuantity = o.Quantity
	o.AveragePrice = price
	o.UpdatedAt = time.Now().UTC()

	p := b.positions[key(o.Exchange, o.Symbol)]
	if p == nil {
		p = &position{exchange: o.Exchange, symbol: o.Symbol}
		b.positions[key(o.Exchange, o.Symbol)] = p
	}
	delta := o.Quantity
	if o.Side == common.SideSell {
		delta = -delta
	}
	p.apply(delta, price)
}

// apply nets a signed fill into the position and books realized P&L on
// the reducing part.
func (p *position) apply(delta int64, price decimal.Decimal) {
	switch {
	case p.net == 0 || sameSign(p.net, delta):
		total := p.avgPrice.Mul(decimal.NewFromInt(abs(p.net))).Add(price.Mul(decimal.NewFromInt(abs(delta))))
		p.net += delta
		p.avgPrice = total.Div(decimal.NewFromInt(abs(p.net)))
	default:
		closing := min(abs(delta), abs(p.net))
		pnl := price.Sub(p.avgPrice).Mul(decimal.NewFromInt(closing))
		if p.net < 0 {
			pnl = pnl.Neg()
		}
		p.realizedPnL = p.realizedPnL.Add(pnl)
		p.net += delta
		switch {
		case p.net == 0:
			p.avgPrice = decimal.Zero
		case !sameSign(p.net, p.net-delta):
			// flipped through zero; the remainder opened at price
			p.avgPrice = price
		}
	}
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Fill completes a held order at the current price (or the given one).
func (b *Broker) Fill(brokerOrderID string, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, err := b.openOrderLocked(brokerOrderID)
	if err != nil {
		return err
	}
	if price.IsZero() {
		last, ok := b.priceLocked(o.Exchange, o.Symbol)
		if !ok {
			return fmt.Errorf("%w: %s", common.ErrUnknownSymbol, o.Symbol)
		}
		price = last
	}
	b.fillLocked(o, price)
	return nil
}

// Reject, Cancel and Expire move a resting order to the named status.
func (b *Broker) Reject(brokerOrderID, reason string) error {
	return b.finish(brokerOrderID, common.StatusRejected, reason)
}

func (b *Broker) Cancel(brokerOrderID string) error {
	return b.finish(brokerOrderID, common.StatusCancelled, "cancelled by user")
}

func (b *Broker) Expire(brokerOrderID string) error {
	return b.finish(brokerOrderID, common.StatusExpired, "validity expired")
}

func (b *Broker) finish(brokerOrderID string, status common.OrderStatus, msg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, err := b.openOrderLocked(brokerOrderID)
	if err != nil {
		return err
	}
	o.Status = status
	o.StatusMessage = msg
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *Broker) openOrderLocked(brokerOrderID string) (*common.Order, error) {
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", brokerOrderID)
	}
	if o.Status.Terminal() {
		return nil, errors.New("order already " + string(o.Status))
	}
	return o, nil
}

// OrderBook implements common.Client.
func (b *Broker) OrderBook(ctx context.Context) ([]common.Order, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.session {
		return nil, common.ErrSessionExpired
	}
	out := make([]common.Order, 0, len(b.sequence))
	for _, id := range b.sequence {
		out = append(out, *b.orders[id])
	}
	return out, nil
}

// Positions implements common.Client.
func (b *Broker) Positions(ctx context.Context) ([]common.Position, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.session {
		return nil, common.ErrSessionExpired
	}
	out := make([]common.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.net == 0 && p.realizedPnL.IsZero() {
			continue
		}
		pos := common.Position{
			Exchange:     p.exchange,
			Symbol:       p.symbol,
			ProductType:  p.product,
			Side:         common.SideBuy,
			Quantity:     abs(p.net),
			AveragePrice: p.avgPrice,
			RealizedPnL:  p.realizedPnL,
		}
		if p.net < 0 {
			pos.Side = common.SideSell
		}
		if last, ok := b.priceLocked(p.exchange, p.symbol); ok && p.net != 0 {
			pos.LastPrice = last
			pos.UnrealizedPnL = last.Sub(p.avgPrice).Mul(decimal.NewFromInt(p.net))
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// LastPrice implements common.Client.
func (b *Broker) LastPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	if err := b.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	last, ok := b.priceLocked(exchange, symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s:%s", common.ErrUnknownSymbol, exchange, symbol)
	}
	return last, nil
}

var _ common.Client = (*Broker)(nil)
