// Package guard tracks, per strategy, which symbols hold a live position or
// an unconfirmed order, and blocks duplicate entries.
package guard

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"execution-core/pkg/broker/common"
)

// Positions maps symbol -> side -> open quantity.
type Positions map[string]map[common.Side]int64

// Clone returns a deep copy without zero quantities.
func (p Positions) Clone() Positions {
	out := make(Positions, len(p))
	for sym, sides := range p {
		for side, qty := range sides {
			if qty == 0 {
				continue
			}
			if out[sym] == nil {
				out[sym] = make(map[common.Side]int64)
			}
			out[sym][side] = qty
		}
	}
	return out
}

// Flat reports whether no quantity is open.
func (p Positions) Flat() bool {
	for _, sides := range p {
		for _, qty := range sides {
			if qty != 0 {
				return false
			}
		}
	}
	return true
}

// FromBroker builds a position map from broker rows restricted to symbols.
// A nil symbol set keeps every row.
func FromBroker(rows []common.Position, symbols map[string]bool) Positions {
	out := make(Positions)
	for _, r := range rows {
		if r.Quantity == 0 || (symbols != nil && !symbols[r.Symbol]) {
			continue
		}
		if out[r.Symbol] == nil {
			out[r.Symbol] = make(map[common.Side]int64)
		}
		out[r.Symbol][r.Side] += r.Quantity
	}
	return out
}

type strategyState struct {
	positions Positions
	pending   map[string]string // command id -> symbol
}

func (s *strategyState) active() bool {
	return len(s.pending) > 0 || !s.positions.Flat()
}

// StrategyView is a read-only copy of one strategy's guard state.
type StrategyView struct {
	StrategyID string    `json:"strategy_id"`
	Positions  Positions `json:"positions"`
	Pending    []string  `json:"pending"`
}

// Guard owns guard state. Every mutation for a strategy runs under that
// strategy's own mutex; the map mutex only guards the lookup tables.
type Guard struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]*strategyState

	log *zap.SugaredLogger
}

// New creates an empty guard.
func New(log *zap.SugaredLogger) *Guard {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Guard{
		locks:  make(map[string]*sync.Mutex),
		states: make(map[string]*strategyState),
		log:    log,
	}
}

// lock acquires the strategy mutex. Lock tables only grow, so a mutex
// handed out here stays the strategy's mutex even after its state is
// dropped.
func (g *Guard) lock(strategyID string) func() {
	g.mu.Lock()
	m, ok := g.locks[strategyID]
	if !ok {
		m = &sync.Mutex{}
		g.locks[strategyID] = m
	}
	g.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// state must be called with the strategy mutex held.
func (g *Guard) state(strategyID string, create bool) *strategyState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[strategyID]
	if !ok && create {
		st = &strategyState{positions: make(Positions), pending: make(map[string]string)}
		g.states[strategyID] = st
	}
	return st
}

func (g *Guard) drop(strategyID string) {
	g.mu.Lock()
	delete(g.states, strategyID)
	g.mu.Unlock()
}

// HasStrategy reports whether the strategy has any open or pending quantity.
func (g *Guard) HasStrategy(strategyID string) bool {
	unlock := g.lock(strategyID)
	defer unlock()
	st := g.state(strategyID, false)
	return st != nil && st.active()
}

// TryReserve atomically checks and records a pending command. An entry is
// refused while the strategy holds anything; adjustments always pass.
func (g *Guard) TryReserve(strategyID, symbol, commandID string, entry bool) bool {
	unlock := g.lock(strategyID)
	defer unlock()

	st := g.state(strategyID, true)
	if entry && st.active() {
		return false
	}
	st.pending[commandID] = symbol
	return true
}

// AddPending records a command without any check. Exits use this.
func (g *Guard) AddPending(strategyID, symbol, commandID string) {
	unlock := g.lock(strategyID)
	defer unlock()
	g.state(strategyID, true).pending[commandID] = symbol
}

// Release forgets a pending command once it is terminal.
func (g *Guard) Release(strategyID, commandID string) {
	unlock := g.lock(strategyID)
	defer unlock()
	st := g.state(strategyID, false)
	if st == nil {
		return
	}
	delete(st.pending, commandID)
	if !st.active() {
		g.drop(strategyID)
	}
}

// ForceClearSymbol releases the guard slot for one symbol after a broker
// rejection or cancellation.
func (g *Guard) ForceClearSymbol(strategyID, symbol string) {
	unlock := g.lock(strategyID)
	defer unlock()
	st := g.state(strategyID, false)
	if st == nil {
		return
	}
	delete(st.positions, symbol)
	for id, sym := range st.pending {
		if sym == symbol {
			delete(st.pending, id)
		}
	}
	if !st.active() {
		g.drop(strategyID)
	}
	g.log.Debugw("guard symbol cleared", "strategy_id", strategyID, "symbol", symbol)
}

// ReconcileWithBroker overwrites the strategy's positions with broker truth.
// Pending commands are kept; they resolve through Release.
func (g *Guard) ReconcileWithBroker(strategyID string, positions Positions) {
	unlock := g.lock(strategyID)
	defer unlock()
	st := g.state(strategyID, true)
	st.positions = positions.Clone()
	if !st.active() {
		g.drop(strategyID)
	}
}

// ForceCloseStrategy drops all state once the broker confirms the strategy
// is flat.
func (g *Guard) ForceCloseStrategy(strategyID string) {
	unlock := g.lock(strategyID)
	defer unlock()
	g.drop(strategyID)
	g.log.Infow("guard strategy closed", "strategy_id", strategyID)
}

// Strategies lists tracked strategy ids in order.
func (g *Guard) Strategies() []string {
	g.mu.Lock()
	ids := make([]string, 0, len(g.states))
	for id := range g.states {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// View returns a copy of one strategy's state.
func (g *Guard) View(strategyID string) StrategyView {
	unlock := g.lock(strategyID)
	defer unlock()
	v := StrategyView{StrategyID: strategyID, Positions: Positions{}, Pending: []string{}}
	st := g.state(strategyID, false)
	if st == nil {
		return v
	}
	v.Positions = st.positions.Clone()
	for id := range st.pending {
		v.Pending = append(v.Pending, id)
	}
	sort.Strings(v.Pending)
	return v
}

// Symbols returns every symbol the strategy holds or has pending.
func (g *Guard) Symbols(strategyID string) map[string]bool {
	unlock := g.lock(strategyID)
	defer unlock()
	out := make(map[string]bool)
	st := g.state(strategyID, false)
	if st == nil {
		return out
	}
	for sym := range st.positions {
		out[sym] = true
	}
	for _, sym := range st.pending {
		out[sym] = true
	}
	return out
}

// Snapshot copies every strategy's positions.
func (g *Guard) Snapshot() map[string]Positions {
	out := make(map[string]Positions)
	for _, id := range g.Strategies() {
		v := g.View(id)
		if len(v.Positions) > 0 {
			out[id] = v.Positions
		}
	}
	return out
}
