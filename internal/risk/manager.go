// Package risk enforces the client's daily loss limits and flattens
// exposure when they are breached.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/guard"
	"execution-core/internal/order"
	"execution-core/pkg/broker/common"
	"execution-core/pkg/db"
)

// StateStore persists risk state; implemented by db.Ledger.
type StateStore interface {
	LoadRiskState(ctx context.Context, clientID string) (*db.RiskState, error)
	SaveRiskState(ctx context.Context, s db.RiskState) error
}

// PositionSource reads broker positions; implemented by gateway.Gateway.
type PositionSource interface {
	Positions(ctx context.Context) ([]common.Position, error)
}

// GuardView attributes open quantity to strategies.
type GuardView interface {
	Snapshot() map[string]guard.Positions
}

// Exiter registers force exits; implemented by order.Service.
type Exiter interface {
	Register(ctx context.Context, cmd order.Command) (string, error)
}

// Publisher fans out alerts.
type Publisher interface {
	Publish(e events.Event, payload any)
}

// Manager evaluates P&L on a heartbeat and vetoes new exposure while a
// limit is breached or a cooldown runs.
type Manager struct {
	clientID  string
	cfg       Config
	loc       *time.Location
	store     StateStore
	positions PositionSource
	guard     GuardView
	log       *zap.SugaredLogger
	now       func() time.Time

	exiter Exiter
	bus    Publisher

	mu       sync.RWMutex
	state    db.RiskState
	breached bool
	reason   string
	lastTick time.Time

	tickMu sync.Mutex
}

// NewManager loads the persisted state for clientID, or starts fresh.
func NewManager(ctx context.Context, clientID string, cfg Config, store StateStore, positions PositionSource, g GuardView, log *zap.SugaredLogger) (*Manager, error) {
	if clientID == "" {
		return nil, db.ErrClientIDRequired
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CooldownMultiplier < 1 {
		cfg.CooldownMultiplier = 1
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warnw("unknown risk timezone, using UTC", "timezone", cfg.Timezone, "error", err)
		loc = time.UTC
	}

	m := &Manager{
		clientID:  clientID,
		cfg:       cfg,
		loc:       loc,
		store:     store,
		positions: positions,
		guard:     g,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		state:     db.RiskState{ClientID: clientID},
	}

	st, err := store.LoadRiskState(ctx, clientID)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load risk state: %w", err)
	default:
		m.state = *st
		m.breached, m.reason = m.evaluate(m.state)
	}

	log.Infow("risk manager initialized",
		"client_id", clientID, "max_daily_loss", cfg.MaxDailyLoss.String(),
		"trailing_step", cfg.TrailingStep.String(), "breached", m.breached)
	return m, nil
}

// SetExiter wires the command service used for force exits.
func (m *Manager) SetExiter(e Exiter) { m.exiter = e }

// SetPublisher wires the alert bus.
func (m *Manager) SetPublisher(p Publisher) { m.bus = p }

// CanExecute reports whether new exposure is allowed. It reads cached
// state only.
func (m *Manager) CanExecute() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.breached && !m.coolingDown(m.state, m.now())
}

// Status returns a copy of the current state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Status{
		ClientID:              m.clientID,
		TradingDay:            m.state.TradingDay,
		RealizedPnL:           m.state.RealizedPnL,
		UnrealizedPnL:         m.state.UnrealizedPnL,
		TrailingHighWaterMark: m.state.TrailingHighWaterMark,
		ConsecutiveLossDays:   m.state.ConsecutiveLossDays,
		BreachCount:           m.state.BreachCount,
		Breached:              m.breached,
		Reason:                m.reason,
		CanExecute:            !m.breached && !m.coolingDown(m.state, m.now()),
		MaxDailyLoss:          m.cfg.MaxDailyLoss,
		TrailingStep:          m.cfg.TrailingStep,
		LastTick:              m.lastTick,
	}
	if m.state.CooldownUntil != nil {
		t := *m.state.CooldownUntil
		s.CooldownUntil = &t
	}
	return s
}

// Start runs the heartbeat until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	if err := m.Tick(ctx); err != nil {
		m.log.Warnw("risk tick failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.log.Warnw("risk tick failed", "error", err)
			}
		}
	}
}

// OnPositionClosed re-evaluates immediately after an exit fills.
func (m *Manager) OnPositionClosed(ctx context.Context) {
	if err := m.Tick(ctx); err != nil {
		m.log.Warnw("risk evaluation after close failed", "error", err)
	}
}

// Tick reads broker positions, refreshes P&L and acts on a breach.
func (m *Manager) Tick(ctx context.Context) error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	rows, err := m.positions.Positions(ctx)
	if err != nil {
		return fmt.Errorf("read positions: %w", err)
	}
	now := m.now()

	m.mu.Lock()
	prev := m.state
	st := m.rollDay(prev, now)

	realized, unrealized := decimal.Zero, decimal.Zero
	for _, p := range rows {
		realized = realized.Add(p.RealizedPnL)
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}
	st.RealizedPnL = realized
	st.UnrealizedPnL = unrealized
	if total := realized.Add(unrealized); total.GreaterThan(st.TrailingHighWaterMark) {
		st.TrailingHighWaterMark = total
	}

	breached, reason := m.evaluate(st)
	trigger := breached && !m.coolingDown(st, now)
	if trigger {
		until := now.Add(m.cooldown(st.ConsecutiveLossDays, st.BreachCount))
		st.CooldownUntil = &until
		st.BreachCount++
	}
	m.state = st
	m.breached = breached
	m.reason = reason
	m.lastTick = now
	m.mu.Unlock()

	if changed(prev, st) {
		if err := m.store.SaveRiskState(ctx, st); err != nil {
			m.log.Errorw("save risk state failed", "error", err)
		}
	}
	if !trigger {
		return nil
	}

	m.log.Warnw("risk limit breached, flattening",
		"client_id", m.clientID, "reason", reason,
		"realized", st.RealizedPnL.String(), "unrealized", st.UnrealizedPnL.String(),
		"cooldown_until", st.CooldownUntil, "breach_count", st.BreachCount)
	if m.bus != nil {
		m.bus.Publish(events.EventRiskBreach, events.RiskBreach{
			ClientID: m.clientID, Reason: reason, CooldownUntil: *st.CooldownUntil, Timestamp: now,
		})
	}
	return m.flatten(ctx, rows, reason)
}

// rollDay resets daily counters when the trading day changes.
func (m *Manager) rollDay(st db.RiskState, now time.Time) db.RiskState {
	today := now.In(m.loc).Format("2006-01-02")
	if st.TradingDay == today {
		return st
	}
	if st.TradingDay != "" {
		if st.RealizedPnL.IsNegative() {
			st.ConsecutiveLossDays++
		} else {
			st.ConsecutiveLossDays = 0
		}
		m.log.Infow("risk trading day rolled",
			"from", st.TradingDay, "to", today,
			"realized", st.RealizedPnL.String(), "consecutive_loss_days", st.ConsecutiveLossDays)
	}
	st.TradingDay = today
	st.RealizedPnL = decimal.Zero
	st.UnrealizedPnL = decimal.Zero
	st.TrailingHighWaterMark = decimal.Zero
	st.BreachCount = 0
	return st
}

func (m *Manager) evaluate(st db.RiskState) (bool, string) {
	total := st.RealizedPnL.Add(st.UnrealizedPnL)
	if m.cfg.MaxDailyLoss.IsPositive() && total.LessThanOrEqual(m.cfg.MaxDailyLoss.Neg()) {
		return true, fmt.Sprintf("daily loss %s reached limit -%s", total.StringFixed(2), m.cfg.MaxDailyLoss.StringFixed(2))
	}
	if m.cfg.TrailingStep.IsPositive() && st.TrailingHighWaterMark.IsPositive() {
		if dd := st.TrailingHighWaterMark.Sub(total); dd.GreaterThanOrEqual(m.cfg.TrailingStep) {
			return true, fmt.Sprintf("drawdown %s from high %s reached trailing step %s",
				dd.StringFixed(2), st.TrailingHighWaterMark.StringFixed(2), m.cfg.TrailingStep.StringFixed(2))
		}
	}
	return false, ""
}

func (m *Manager) coolingDown(st db.RiskState, now time.Time) bool {
	return st.CooldownUntil != nil && now.Before(*st.CooldownUntil)
}

// cooldown grows geometrically with consecutive losing days and with the
// breaches already taken today.
func (m *Manager) cooldown(lossDays, breaches int) time.Duration {
	d := float64(m.cfg.CooldownBase) * math.Pow(m.cfg.CooldownMultiplier, float64(lossDays+breaches))
	if m.cfg.MaxCooldown > 0 && d > float64(m.cfg.MaxCooldown) {
		return m.cfg.MaxCooldown
	}
	return time.Duration(d)
}

// flatten registers a FORCE_EXIT for every open broker position. Quantity
// is attributed to the strategies the guard says hold it; any remainder
// is exited under ForceExitStrategy.
func (m *Manager) flatten(ctx context.Context, rows []common.Position, reason string) error {
	if m.exiter == nil {
		return errors.New("risk: no exiter configured")
	}
	held := map[string]guard.Positions{}
	if m.guard != nil {
		held = m.guard.Snapshot()
	}
	strategies := make([]string, 0, len(held))
	for id := range held {
		strategies = append(strategies, id)
	}
	sort.Strings(strategies)

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })

	var errs []error
	for _, row := range rows {
		remaining := row.Quantity
		for _, sid := range strategies {
			if remaining <= 0 {
				break
			}
			qty := min(held[sid][row.Symbol][row.Side], remaining)
			if qty <= 0 {
				continue
			}
			remaining -= qty
			if err := m.forceExit(ctx, sid, row, qty, reason); err != nil {
				errs = append(errs, err)
			}
		}
		if remaining > 0 {
			if err := m.forceExit(ctx, ForceExitStrategy, row, remaining, reason); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) forceExit(ctx context.Context, strategyID string, row common.Position, qty int64, reason string) error {
	cmd := order.Command{
		Source:        "risk-manager",
		ClientID:      m.clientID,
		StrategyID:    strategyID,
		Exchange:      row.Exchange,
		Symbol:        row.Symbol,
		Side:          row.Side.Opposite(),
		Quantity:      qty,
		ProductType:   row.ProductType,
		OrderType:     common.OrderTypeMarket,
		ExecutionType: order.ExecForceExit,
	}
	id, err := m.exiter.Register(ctx, cmd)
	if err != nil {
		m.log.Errorw("force exit registration failed", "strategy_id", strategyID, "symbol", row.Symbol, "error", err)
		return fmt.Errorf("force exit %s/%s: %w", strategyID, row.Symbol, err)
	}
	m.log.Warnw("force exit registered", "command_id", id, "strategy_id", strategyID, "symbol", row.Symbol, "qty", qty)
	if m.bus != nil {
		m.bus.Publish(events.EventAlert, events.Alert{
			Kind:       events.AlertRiskForceExit,
			StrategyID: strategyID,
			Symbol:     row.Symbol,
			Reason:     reason,
			Timestamp:  m.now(),
		})
	}
	return nil
}

func changed(a, b db.RiskState) bool {
	if a.TradingDay != b.TradingDay || a.ConsecutiveLossDays != b.ConsecutiveLossDays || a.BreachCount != b.BreachCount {
		return true
	}
	if !a.RealizedPnL.Equal(b.RealizedPnL) || !a.UnrealizedPnL.Equal(b.UnrealizedPnL) ||
		!a.TrailingHighWaterMark.Equal(b.TrailingHighWaterMark) {
		return true
	}
	if (a.CooldownUntil == nil) != (b.CooldownUntil == nil) {
		return true
	}
	return a.CooldownUntil != nil && !a.CooldownUntil.Equal(*b.CooldownUntil)
}
