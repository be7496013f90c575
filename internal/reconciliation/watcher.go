// Package reconciliation runs the order watcher: it executes registered
// exits, fires stop rules and syncs the ledger and guard with broker truth.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/guard"
	"execution-core/internal/market"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/broker/common"
	"execution-core/pkg/db"
)

// Broker is the read side of the gateway.
type Broker interface {
	OrderBook(ctx context.Context) ([]common.Order, error)
	Positions(ctx context.Context) ([]common.Position, error)
	Available() bool
}

// Executor sends and registers exits; implemented by order.Service.
type Executor interface {
	ExecuteExit(ctx context.Context, cmd order.Command) (order.Result, error)
	Register(ctx context.Context, cmd order.Command) (string, error)
	ReissueExit(ctx context.Context, cmd order.Command) (string, error)
}

// RiskNotifier is told when an exit fills.
type RiskNotifier interface {
	OnPositionClosed(ctx context.Context)
}

// Publisher fans out order updates and alerts.
type Publisher interface {
	Publish(e events.Event, payload any)
}

// Recorder receives pass summaries; implemented by monitor.Metrics.
type Recorder interface {
	RecordReconcile(r Report)
}

// Config holds watcher timing.
type Config struct {
	ClientID           string
	Interval           time.Duration
	UnconfirmedTimeout time.Duration
}

// Report summarizes one reconciliation pass.
type Report struct {
	Timestamp  time.Time `json:"timestamp"`
	Checked    int       `json:"checked"`
	Executed   int       `json:"executed"`
	Failed     int       `json:"failed"`
	Backfilled int       `json:"backfilled"`
	Reissued   int       `json:"reissued"`
	Errors     int       `json:"errors"`
}

func (r Report) changed() bool {
	return r.Executed+r.Failed+r.Backfilled+r.Reissued+r.Errors > 0
}

// Watcher is the single background worker that owns exit execution and
// truth sync.
type Watcher struct {
	cfg    Config
	ledger *db.Ledger
	guard  *guard.Guard
	broker Broker
	exec   Executor
	prices market.PriceSource
	stops  *risk.StopTracker
	queue  <-chan order.Command
	log    *zap.SugaredLogger
	now    func() time.Time

	risk    RiskNotifier
	bus     Publisher
	metrics Recorder

	// carry is owned by the watcher goroutine.
	carry *settlement
}

// NewWatcher builds the watcher. queue may be nil; the ledger rescan then
// picks up every exit.
func NewWatcher(cfg Config, ledger *db.Ledger, g *guard.Guard, broker Broker, exec Executor,
	prices market.PriceSource, stops *risk.StopTracker, queue <-chan order.Command, log *zap.SugaredLogger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.UnconfirmedTimeout <= 0 {
		cfg.UnconfirmedTimeout = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if stops == nil {
		stops = risk.NewStopTracker()
	}
	return &Watcher{
		cfg:    cfg,
		ledger: ledger,
		guard:  g,
		broker: broker,
		exec:   exec,
		prices: prices,
		stops:  stops,
		queue:  queue,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (w *Watcher) SetRiskNotifier(r RiskNotifier) { w.risk = r }
func (w *Watcher) SetPublisher(p Publisher)       { w.bus = p }
func (w *Watcher) SetRecorder(r Recorder)         { w.metrics = r }

// Stops exposes the tracked exit rules.
func (w *Watcher) Stops() *risk.StopTracker {
	return w.stops
}

// Start restores state and loops until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Restore(ctx); err != nil {
		w.log.Warnw("watcher restore incomplete", "error", err)
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.log.Infow("order watcher started", "interval", w.cfg.Interval, "unconfirmed_timeout", w.cfg.UnconfirmedTimeout)

	for {
		select {
		case <-ctx.Done():
			w.log.Infow("order watcher stopped")
			return nil
		case cmd := <-w.queue:
			w.executeExit(ctx, cmd)
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one full pass: pending exits, stop rules, truth sync.
func (w *Watcher) Tick(ctx context.Context) {
	w.sweepExits(ctx)
	w.evaluateStops(ctx)
	if _, err := w.Reconcile(ctx); err != nil {
		w.log.Warnw("reconciliation pass failed", "error", err)
	}
}

// Restore rebuilds guard state from the ledger and broker truth: pending
// commands, positions of every held entry, and stop rules of entries the
// broker still holds. When positions cannot be fetched the guard keeps the
// ledger quantities and the next pass retries the sync.
func (w *Watcher) Restore(ctx context.Context) error {
	open, err := w.ledger.ListOpenOrders(ctx, w.cfg.ClientID)
	if err != nil {
		return err
	}
	for _, r := range open {
		w.guard.AddPending(r.StrategyID, r.Symbol, r.CommandID)
	}

	held, err := w.ledger.ListHeldEntries(ctx, w.cfg.ClientID)
	if err != nil {
		return err
	}
	if len(held) == 0 {
		w.log.Infow("watcher restored", "pending", len(open))
		return nil
	}
	st := w.carryOver()
	for _, e := range held {
		st.touch(e.StrategyID, e.Symbol)
	}

	rows, err := w.broker.Positions(ctx)
	if err != nil {
		for sid, pos := range ledgerPositions(held) {
			w.guard.ReconcileWithBroker(sid, pos)
		}
		return fmt.Errorf("restore positions: %w", err)
	}

	armed := 0
	seen := map[string]bool{}
	for _, e := range held {
		k := e.StrategyID + "|" + e.Symbol
		if e.ExecutionType != order.ExecEntry || !e.HasStops() || seen[k] {
			continue
		}
		seen[k] = true
		side := common.Side(e.Side)
		if guard.FromBroker(rows, map[string]bool{e.Symbol: true})[e.Symbol][side] <= 0 {
			continue
		}
		price := db.ZeroIfInvalid(e.Price)
		if price.IsZero() {
			price = averagePrice(rows, e.Symbol, side)
		}
		w.stops.Track(stopFromRecord(e, price))
		armed++
	}
	w.apply(ctx, st, rows, &Report{})
	w.carry = nil
	w.log.Infow("watcher restored", "pending", len(open), "held", len(held), "stops_armed", armed)
	return nil
}

func (w *Watcher) executeExit(ctx context.Context, cmd order.Command) {
	if !w.broker.Available() {
		w.log.Debugw("broker unavailable, exit left pending", "command_id", cmd.CommandID)
		return
	}
	res, err := w.exec.ExecuteExit(ctx, cmd)
	switch {
	case errors.Is(err, db.ErrInvalidTransition):
		w.log.Debugw("exit already handled", "command_id", cmd.CommandID)
	case err != nil:
		w.log.Warnw("exit execution failed", "command_id", cmd.CommandID, "error", err)
	case res.Success:
		w.log.Infow("exit sent", "command_id", cmd.CommandID, "broker_order_id", res.BrokerOrderID,
			"strategy_id", cmd.StrategyID, "symbol", cmd.Symbol, "type", cmd.ExecutionType)
	default:
		w.log.Warnw("exit not accepted", "command_id", cmd.CommandID, "tag", res.Tag, "error", res.Error)
	}
}

// sweepExits executes exits that never made it through the queue.
func (w *Watcher) sweepExits(ctx context.Context) {
	exits, err := w.ledger.ListCreatedExits(ctx, w.cfg.ClientID)
	if err != nil {
		w.log.Warnw("scan created exits failed", "error", err)
		return
	}
	for _, r := range exits {
		w.executeExit(ctx, order.CommandFromRecord(r))
	}
}

// evaluateStops synthesizes an EXIT for every tracked entry whose rule
// fired.
func (w *Watcher) evaluateStops(ctx context.Context) {
	if w.prices == nil {
		return
	}
	for _, p := range w.stops.Positions() {
		price, err := w.prices.LastPrice(ctx, p.Exchange, p.Symbol)
		if err != nil {
			w.log.Debugw("no price for stop evaluation", "symbol", p.Symbol, "error", err)
			continue
		}
		trig := w.stops.Update(p.CommandID, price)
		if trig == nil {
			continue
		}
		cmd := order.Command{
			Source:        "watcher",
			ClientID:      w.cfg.ClientID,
			StrategyID:    p.StrategyID,
			Exchange:      p.Exchange,
			Symbol:        p.Symbol,
			Side:          p.Side.Opposite(),
			Quantity:      p.Quantity,
			ProductType:   p.ProductType,
			OrderType:     common.OrderTypeMarket,
			ExecutionType: order.ExecExit,
			ParentID:      p.CommandID,
		}
		id, err := w.exec.Register(ctx, cmd)
		if err != nil {
			w.log.Errorw("stop exit registration failed, re-arming", "entry", p.CommandID, "error", err)
			w.stops.Track(trig.Position)
			continue
		}
		w.log.Infow("stop rule fired", "entry", p.CommandID, "exit", id, "strategy_id", p.StrategyID,
			"symbol", p.Symbol, "reason", trig.Reason)
	}
}

// settlement collects per-strategy follow-ups. It outlives a pass whose
// position sync failed so the next pass finishes the work.
type settlement struct {
	symbols map[string]map[string]bool // strategy -> symbols to resync
	release map[string]string          // executed command id -> strategy
	reissue []order.Command
	closed  bool
}

func (s *settlement) touch(strategyID, symbol string) {
	if s.symbols[strategyID] == nil {
		s.symbols[strategyID] = map[string]bool{}
	}
	s.symbols[strategyID][symbol] = true
}

func (s *settlement) empty() bool {
	return len(s.symbols) == 0 && len(s.release) == 0 && len(s.reissue) == 0
}

func (w *Watcher) carryOver() *settlement {
	if w.carry == nil {
		w.carry = &settlement{symbols: map[string]map[string]bool{}, release: map[string]string{}}
	}
	return w.carry
}

// Reconcile syncs every SENT_TO_BROKER record with the broker order book
// and applies the recovery rules. A pass over an unchanged snapshot
// changes nothing.
func (w *Watcher) Reconcile(ctx context.Context) (*Report, error) {
	now := w.now()
	report := &Report{Timestamp: now}
	defer w.finish(ctx, report)

	open, err := w.ledger.ListOpenOrders(ctx, w.cfg.ClientID)
	if err != nil {
		report.Errors++
		return report, err
	}

	st := w.carryOver()
	liveOnSymbol := map[string]int{}
	var sent []db.OrderRecord
	for _, r := range open {
		liveOnSymbol[r.StrategyID+"|"+r.Symbol]++
		switch {
		case r.Status == db.StatusSentToBroker:
			sent = append(sent, r)
		case !isExit(r) && now.Sub(r.CreatedAt) > w.cfg.UnconfirmedTimeout:
			w.failRecord(ctx, r, order.TagAbandoned, report)
			liveOnSymbol[r.StrategyID+"|"+r.Symbol]--
		}
	}

	if len(sent) > 0 {
		book, err := w.broker.OrderBook(ctx)
		if err != nil {
			report.Errors++
			return report, err
		}
		w.settle(ctx, now, sent, book, liveOnSymbol, report, st)
	}

	if st.empty() {
		w.carry = nil
		return report, nil
	}
	rows, err := w.broker.Positions(ctx)
	if err != nil {
		report.Errors++
		w.log.Warnw("position sync deferred", "strategies", len(st.symbols), "unreleased", len(st.release), "error", err)
		return report, err
	}
	w.apply(ctx, st, rows, report)
	w.carry = nil
	if st.closed && w.risk != nil {
		w.risk.OnPositionClosed(ctx)
	}
	return report, nil
}

func (w *Watcher) settle(ctx context.Context, now time.Time, sent []db.OrderRecord, book []common.Order,
	liveOnSymbol map[string]int, report *Report, st *settlement) {
	byID := make(map[string]common.Order, len(book))
	byTag := make(map[string]common.Order, len(book))
	for _, o := range book {
		byID[o.BrokerOrderID] = o
		if o.Tag != "" {
			byTag[o.Tag] = o
		}
	}

	for _, r := range sent {
		report.Checked++
		o, found := byID[r.BrokerOrderID]
		if r.BrokerOrderID == "" || !found {
			if o, found = byTag[r.CommandID]; found && r.BrokerOrderID == "" {
				if err := w.ledger.UpdateBrokerID(ctx, r.ClientID, r.CommandID, o.BrokerOrderID, db.StatusSentToBroker); err != nil {
					w.log.Warnw("broker id back-fill failed", "command_id", r.CommandID, "error", err)
					report.Errors++
				} else {
					r.BrokerOrderID = o.BrokerOrderID
					report.Backfilled++
				}
			}
		}

		if !found {
			if now.Sub(r.UpdatedAt) > w.cfg.UnconfirmedTimeout {
				w.failRecord(ctx, r, order.TagBrokerUnconfirmed, report)
				liveOnSymbol[r.StrategyID+"|"+r.Symbol]--
				st.touch(r.StrategyID, r.Symbol)
				if isExit(r) {
					w.alert(events.AlertExitUnconfirmed, r, "no broker trace of exit order")
					st.reissue = append(st.reissue, order.CommandFromRecord(r))
				}
			}
			continue
		}

		switch o.Status {
		case common.StatusComplete:
			w.settleExecuted(ctx, r, o, report, st)
		case common.StatusRejected, common.StatusCancelled, common.StatusExpired:
			tag := terminalTag(o.Status)
			if !w.failRecord(ctx, r, tag, report) {
				continue
			}
			liveOnSymbol[r.StrategyID+"|"+r.Symbol]--
			if liveOnSymbol[r.StrategyID+"|"+r.Symbol] <= 0 {
				w.guard.ForceClearSymbol(r.StrategyID, r.Symbol)
			}
			st.touch(r.StrategyID, r.Symbol)
			if isExit(r) && o.Status == common.StatusRejected {
				w.alert(events.AlertExitRejected, r, o.StatusMessage)
			}
		}
	}
}

// settleExecuted marks the fill in the ledger. The guard keeps the command
// pending until apply has loaded the resulting position.
func (w *Watcher) settleExecuted(ctx context.Context, r db.OrderRecord, o common.Order, report *Report, st *settlement) {
	if err := w.ledger.UpdateBrokerID(ctx, r.ClientID, r.CommandID, o.BrokerOrderID, db.StatusExecuted); err != nil {
		w.log.Warnw("mark executed failed", "command_id", r.CommandID, "error", err)
		report.Errors++
		return
	}
	report.Executed++
	st.release[r.CommandID] = r.StrategyID
	st.touch(r.StrategyID, r.Symbol)
	w.publish(r, db.StatusExecuted, "", o.BrokerOrderID)
	w.log.Infow("order executed", "command_id", r.CommandID, "broker_order_id", o.BrokerOrderID,
		"strategy_id", r.StrategyID, "symbol", r.Symbol, "type", r.ExecutionType, "avg_price", o.AveragePrice.String())

	switch {
	case r.ExecutionType == order.ExecEntry && r.HasStops():
		w.stops.Track(stopFromRecord(r, o.AveragePrice))
	case isExit(r):
		if r.ParentID != "" {
			w.stops.Remove(r.ParentID)
		}
		st.closed = true
	}
}

// apply overwrites guard positions of touched strategies with broker
// truth, releases their executed commands, drops strategies that are flat,
// and reissues unconfirmed exits whose position is still open.
func (w *Watcher) apply(ctx context.Context, st *settlement, rows []common.Position, report *Report) {
	for sid, touched := range st.symbols {
		symbols := w.guard.Symbols(sid)
		for sym := range touched {
			symbols[sym] = true
		}
		pos := guard.FromBroker(rows, symbols)
		w.guard.ReconcileWithBroker(sid, pos)
		for id, owner := range st.release {
			if owner == sid {
				w.guard.Release(sid, id)
			}
		}
		for sym := range touched {
			if len(pos[sym]) == 0 {
				w.stops.RemoveSymbol(sid, sym)
			}
		}
		if pos.Flat() && len(w.guard.View(sid).Pending) == 0 {
			w.guard.ForceCloseStrategy(sid)
		}
	}

	for _, cmd := range st.reissue {
		held := guard.FromBroker(rows, map[string]bool{cmd.Symbol: true})
		if held[cmd.Symbol][cmd.Side.Opposite()] <= 0 {
			continue
		}
		id, err := w.exec.ReissueExit(ctx, cmd)
		if err != nil {
			w.log.Errorw("reissue unconfirmed exit failed", "command_id", cmd.CommandID, "error", err)
			report.Errors++
			continue
		}
		report.Reissued++
		w.log.Warnw("unconfirmed exit reissued", "command_id", cmd.CommandID, "replacement", id)
	}
}

// failRecord moves a record to FAILED and frees its reservation. It
// returns false when the record was already settled elsewhere.
func (w *Watcher) failRecord(ctx context.Context, r db.OrderRecord, tag string, report *Report) bool {
	if err := w.ledger.UpdateStatus(ctx, r.ClientID, r.CommandID, db.StatusFailed, tag); err != nil {
		if !errors.Is(err, db.ErrInvalidTransition) {
			report.Errors++
		}
		w.log.Warnw("mark failed skipped", "command_id", r.CommandID, "tag", tag, "error", err)
		return false
	}
	report.Failed++
	w.guard.Release(r.StrategyID, r.CommandID)
	w.publish(r, db.StatusFailed, tag, r.BrokerOrderID)
	w.log.Infow("order failed", "command_id", r.CommandID, "strategy_id", r.StrategyID, "symbol", r.Symbol, "tag", tag)
	return true
}

func (w *Watcher) finish(ctx context.Context, report *Report) {
	if w.metrics != nil {
		w.metrics.RecordReconcile(*report)
	}
	if !report.changed() {
		return
	}
	if err := w.ledger.SaveReconcileReport(ctx, w.cfg.ClientID, report.Checked, report.Executed, report.Failed, report.Errors); err != nil {
		w.log.Warnw("save reconcile report failed", "error", err)
	}
}

func (w *Watcher) publish(r db.OrderRecord, status db.OrderStatus, tag, brokerID string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.EventOrderUpdate, events.OrderUpdate{
		CommandID:     r.CommandID,
		ClientID:      r.ClientID,
		StrategyID:    r.StrategyID,
		Symbol:        r.Symbol,
		ExecutionType: r.ExecutionType,
		Status:        string(status),
		Tag:           tag,
		BrokerOrderID: brokerID,
		Timestamp:     w.now(),
	})
}

func (w *Watcher) alert(kind string, r db.OrderRecord, reason string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.EventAlert, events.Alert{
		Kind:       kind,
		StrategyID: r.StrategyID,
		Symbol:     r.Symbol,
		Reason:     reason,
		Timestamp:  w.now(),
	})
}

func isExit(r db.OrderRecord) bool {
	return r.ExecutionType == order.ExecExit || r.ExecutionType == order.ExecForceExit
}

func terminalTag(s common.OrderStatus) string {
	switch s {
	case common.StatusRejected:
		return order.TagBrokerRejected
	case common.StatusCancelled:
		return order.TagBrokerCancelled
	default:
		return order.TagBrokerExpired
	}
}

// ledgerPositions sums held entries per strategy as a stand-in until the
// broker answers.
func ledgerPositions(held []db.OrderRecord) map[string]guard.Positions {
	out := map[string]guard.Positions{}
	for _, e := range held {
		pos := out[e.StrategyID]
		if pos == nil {
			pos = guard.Positions{}
			out[e.StrategyID] = pos
		}
		if pos[e.Symbol] == nil {
			pos[e.Symbol] = map[common.Side]int64{}
		}
		pos[e.Symbol][common.Side(e.Side)] += e.Quantity
	}
	return out
}

func averagePrice(rows []common.Position, symbol string, side common.Side) decimal.Decimal {
	for _, r := range rows {
		if r.Symbol == symbol && r.Side == side && r.Quantity != 0 {
			return r.AveragePrice
		}
	}
	return decimal.Zero
}

func stopFromRecord(r db.OrderRecord, entry decimal.Decimal) risk.StopPosition {
	return risk.StopPosition{
		CommandID:     r.CommandID,
		StrategyID:    r.StrategyID,
		Exchange:      r.Exchange,
		Symbol:        r.Symbol,
		ProductType:   r.ProductType,
		Side:          common.Side(r.Side),
		Quantity:      r.Quantity,
		StopLoss:      r.StopLoss,
		Target:        r.Target,
		TrailDistance: r.TrailingDistance,
		TrailPercent:  r.TrailingPercent,
		EntryPrice:    entry,
	}
}
