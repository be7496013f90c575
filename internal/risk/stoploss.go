package risk

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"execution-core/pkg/broker/common"
)

var hundred = decimal.NewFromInt(100)

// StopPosition is an executed entry carrying exit rules.
type StopPosition struct {
	CommandID   string
	StrategyID  string
	Exchange    string
	Symbol      string
	ProductType string
	Side        common.Side // entry side
	Quantity    int64
	EntryPrice  decimal.Decimal

	StopLoss      decimal.NullDecimal
	Target        decimal.NullDecimal
	TrailDistance decimal.NullDecimal
	TrailPercent  bool // TrailDistance is a percentage of the best price

	Best decimal.Decimal // most favourable price seen since entry
	Last decimal.Decimal
}

// TrailingLevel returns the current trailing stop price, if any.
func (p StopPosition) TrailingLevel() (decimal.Decimal, bool) {
	if !p.TrailDistance.Valid || p.Best.IsZero() {
		return decimal.Zero, false
	}
	dist := p.TrailDistance.Decimal
	if p.TrailPercent {
		dist = p.Best.Mul(dist).Div(hundred)
	}
	if p.Side == common.SideBuy {
		return p.Best.Sub(dist), true
	}
	return p.Best.Add(dist), true
}

// StopTrigger is returned when a price crosses an exit rule.
type StopTrigger struct {
	Position StopPosition
	Price    decimal.Decimal
	Reason   string
}

// StopTracker watches executed entries for stop-loss, target and trailing
// exits. Positions are keyed by the entry's command id.
type StopTracker struct {
	mu        sync.Mutex
	positions map[string]*StopPosition
}

// NewStopTracker creates an empty tracker.
func NewStopTracker() *StopTracker {
	return &StopTracker{positions: make(map[string]*StopPosition)}
}

// Track adds or replaces a position.
func (t *StopTracker) Track(p StopPosition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Best.IsZero() {
		p.Best = p.EntryPrice
	}
	t.positions[p.CommandID] = &p
}

// Remove stops tracking one entry.
func (t *StopTracker) Remove(commandID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.positions, commandID)
}

// RemoveSymbol stops tracking every entry of a strategy on symbol.
func (t *StopTracker) RemoveSymbol(strategyID, symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.positions {
		if p.StrategyID == strategyID && p.Symbol == symbol {
			delete(t.positions, id)
		}
	}
}

// Get returns a copy of one tracked position.
func (t *StopTracker) Get(commandID string) (StopPosition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[commandID]
	if !ok {
		return StopPosition{}, false
	}
	return *p, true
}

// Positions returns copies ordered by command id.
func (t *StopTracker) Positions() []StopPosition {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StopPosition, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommandID < out[j].CommandID })
	return out
}

// Update feeds a price for one entry. A non-nil trigger means an exit rule
// fired; the entry is removed so it fires once.
func (t *StopTracker) Update(commandID string, price decimal.Decimal) *StopTrigger {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[commandID]
	if !ok || !price.IsPositive() {
		return nil
	}
	p.Last = price
	long := p.Side == common.SideBuy

	if p.Best.IsZero() || (long && price.GreaterThan(p.Best)) || (!long && price.LessThan(p.Best)) {
		p.Best = price
	}

	reason := ""
	switch {
	case p.StopLoss.Valid && crossedAgainst(long, price, p.StopLoss.Decimal):
		reason = fmt.Sprintf("stop-loss %s hit at %s", p.StopLoss.Decimal, price)
	case p.TrailDistance.Valid:
		if level, ok := p.TrailingLevel(); ok && crossedAgainst(long, price, level) {
			reason = fmt.Sprintf("trailing stop %s hit at %s (best %s)", level, price, p.Best)
		}
	}
	if reason == "" && p.Target.Valid && crossedFor(long, price, p.Target.Decimal) {
		reason = fmt.Sprintf("target %s hit at %s", p.Target.Decimal, price)
	}
	if reason == "" {
		return nil
	}

	delete(t.positions, commandID)
	return &StopTrigger{Position: *p, Price: price, Reason: reason}
}

// crossedAgainst reports an adverse crossing: down through level for a
// long, up through it for a short.
func crossedAgainst(long bool, price, level decimal.Decimal) bool {
	if long {
		return price.LessThanOrEqual(level)
	}
	return price.GreaterThanOrEqual(level)
}

func crossedFor(long bool, price, level decimal.Decimal) bool {
	return crossedAgainst(!long, price, level)
}
