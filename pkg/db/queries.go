// Package db provides the client-scoped order ledger on SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrClientIDRequired  = errors.New("client_id is required for data isolation")
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// HistoryWriter receives status history inserts, usually a batch writer.
type HistoryWriter interface {
	WriteQuery(query string, args ...any) error
}

// Ledger provides client-isolated order record queries.
type Ledger struct {
	db      *sql.DB
	history HistoryWriter
	now     func() time.Time
}

// NewLedger creates a new Ledger instance.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetHistoryWriter routes status history rows through w.
func (l *Ledger) SetHistoryWriter(w HistoryWriter) {
	l.history = w
}

const recordColumns = `
	command_id, client_id, source, strategy_id, exchange, symbol, side, quantity,
	product_type, order_type, price, stop_loss, target, trailing_distance, trailing_percent,
	execution_type, COALESCE(parent_id, ''), status, tag, COALESCE(broker_order_id, ''),
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (OrderRecord, error) {
	var (
		r        OrderRecord
		status   string
		trailPct int
	)
	err := s.Scan(
		&r.CommandID, &r.ClientID, &r.Source, &r.StrategyID, &r.Exchange, &r.Symbol, &r.Side, &r.Quantity,
		&r.ProductType, &r.OrderType, &r.Price, &r.StopLoss, &r.Target, &r.TrailingDistance, &trailPct,
		&r.ExecutionType, &r.ParentID, &status, &r.Tag, &r.BrokerOrderID,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return OrderRecord{}, err
	}
	r.Status = OrderStatus(status)
	r.TrailingPercent = trailPct != 0
	return r, nil
}

func (l *Ledger) queryRecords(ctx context.Context, query string, args ...any) ([]OrderRecord, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query order records: %w", err)
	}
	defer rows.Close()

	var records []OrderRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func placeholders(statuses []OrderStatus) (string, []any) {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return marks, args
}

// ----------------------------------------
// Order Record Writes
// ----------------------------------------

// CreateOrder inserts a new record in CREATED state.
func (l *Ledger) CreateOrder(ctx context.Context, r OrderRecord) error {
	if r.ClientID == "" {
		return ErrClientIDRequired
	}
	if r.CommandID == "" {
		return errors.New("command_id is required")
	}
	now := l.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	trailPct := 0
	if r.TrailingPercent {
		trailPct = 1
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO order_records (
			command_id, client_id, source, strategy_id, exchange, symbol, side, quantity,
			product_type, order_type, price, stop_loss, target, trailing_distance, trailing_percent,
			execution_type, parent_id, status, tag, broker_order_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, '', NULL, ?, ?)
	`, r.CommandID, r.ClientID, r.Source, r.StrategyID, r.Exchange, r.Symbol, r.Side, r.Quantity,
		r.ProductType, r.OrderType, r.Price, r.StopLoss, r.Target, r.TrailingDistance, trailPct,
		r.ExecutionType, r.ParentID, string(StatusCreated), r.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("insert order record: %w", err)
	}
	l.recordEvent(r.CommandID, r.ClientID, StatusCreated, "")
	return nil
}

// UpdateStatus moves a record to status, attaching tag when non-empty.
// Only legal FSM edges succeed; a terminal record is never touched.
func (l *Ledger) UpdateStatus(ctx context.Context, clientID, commandID string, status OrderStatus, tag string) error {
	from, ok := legalFrom[status]
	if !ok {
		return fmt.Errorf("%w: no edge into %s", ErrInvalidTransition, status)
	}
	return l.transition(ctx, clientID, commandID, from, status, tag, "")
}

// UpdateBrokerID stores the broker order id together with status.
// status must be SENT_TO_BROKER (accept or back-fill) or EXECUTED.
func (l *Ledger) UpdateBrokerID(ctx context.Context, clientID, commandID, brokerOrderID string, status OrderStatus) error {
	if brokerOrderID == "" {
		return errors.New("broker_order_id is required")
	}
	var from []OrderStatus
	switch status {
	case StatusSentToBroker:
		from = []OrderStatus{StatusCreated, StatusSentToBroker}
	case StatusExecuted:
		from = []OrderStatus{StatusSentToBroker}
	default:
		return fmt.Errorf("%w: broker id with status %s", ErrInvalidTransition, status)
	}
	return l.transition(ctx, clientID, commandID, from, status, "", brokerOrderID)
}

// UpdateTag annotates a non-terminal record.
func (l *Ledger) UpdateTag(ctx context.Context, clientID, commandID, tag string) error {
	if clientID == "" {
		return ErrClientIDRequired
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE order_records SET tag = ?, updated_at = ?
		WHERE client_id = ? AND command_id = ? AND status IN (?, ?)
	`, tag, l.now(), clientID, commandID, string(StatusCreated), string(StatusSentToBroker))
	if err != nil {
		return fmt.Errorf("update tag: %w", err)
	}
	return l.checkAffected(ctx, res, clientID, commandID, "tag")
}

func (l *Ledger) transition(ctx context.Context, clientID, commandID string, from []OrderStatus, to OrderStatus, tag, brokerID string) error {
	if clientID == "" {
		return ErrClientIDRequired
	}
	marks, fromArgs := placeholders(from)
	args := []any{string(to), tag, tag, brokerID, brokerID, l.now(), clientID, commandID}
	args = append(args, fromArgs...)

	res, err := l.db.ExecContext(ctx, `
		UPDATE order_records
		SET status = ?,
			tag = CASE WHEN ? = '' THEN tag ELSE ? END,
			broker_order_id = CASE WHEN ? = '' THEN broker_order_id ELSE ? END,
			updated_at = ?
		WHERE client_id = ? AND command_id = ? AND status IN (`+marks+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if err := l.checkAffected(ctx, res, clientID, commandID, string(to)); err != nil {
		return err
	}
	l.recordEvent(commandID, clientID, to, tag)
	return nil
}

// checkAffected distinguishes a missing record from a CAS miss.
func (l *Ledger) checkAffected(ctx context.Context, res sql.Result, clientID, commandID, target string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	current, err := l.GetOrder(ctx, clientID, commandID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, cannot apply %s", ErrInvalidTransition, commandID, current.Status, target)
}

func (l *Ledger) recordEvent(commandID, clientID string, status OrderStatus, tag string) {
	if l.history == nil {
		return
	}
	_ = l.history.WriteQuery(
		"INSERT INTO order_events (command_id, client_id, status, tag, created_at) VALUES (?, ?, ?, ?, ?)",
		commandID, clientID, string(status), tag, l.now(),
	)
}

// ----------------------------------------
// Order Record Reads
// ----------------------------------------

// GetOrder returns one record by command id.
func (l *Ledger) GetOrder(ctx context.Context, clientID, commandID string) (*OrderRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDRequired
	}
	row := l.db.QueryRowContext(ctx, `SELECT `+recordColumns+`
		FROM order_records WHERE client_id = ? AND command_id = ?`, clientID, commandID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order record: %w", err)
	}
	return &r, nil
}

// GetByBrokerID returns the record the broker knows as brokerOrderID.
func (l *Ledger) GetByBrokerID(ctx context.Context, clientID, brokerOrderID string) (*OrderRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDRequired
	}
	row := l.db.QueryRowContext(ctx, `SELECT `+recordColumns+`
		FROM order_records WHERE client_id = ? AND broker_order_id = ?`, clientID, brokerOrderID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order by broker id: %w", err)
	}
	return &r, nil
}

// GetOpenOrdersByStrategy returns non-terminal records of one strategy.
func (l *Ledger) GetOpenOrdersByStrategy(ctx context.Context, clientID, strategyID string) ([]OrderRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDRequired
	}
	return l.queryRecords(ctx, `SELECT `+recordColumns+`
		FROM order_records
		WHERE client_id = ? AND strategy_id = ? AND status IN (?, ?)
		ORDER BY created_at`, clientID, strategyID, string(StatusCreated), string(StatusSentToBroker))
}

// ListOpenOrders returns every non-terminal record of the client.
func (l *Ledger) ListOpenOrders(ctx context.Context, clientID string) ([]OrderRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDRequired
	}
	return l.queryRecords(ctx, `SELECT `+recordColumns+`
		FROM order_records
		WHERE client_id = ? AND status IN (?, ?)
		ORDER BY created_at`, clientID, string(StatusCreated), string(StatusSentToBroker))
}

// ListCreatedExits returns exits still waiting for the watcher.
func (l *Ledger) ListCreatedExits(ctx context.Context, clientID string) ([]OrderRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDRequired
	}
	return l.queryRecords(ctx, `SELECT `+recordColumns+`
		FROM order_records
		WHERE client_id = ? AND status = ? AND execution_type IN ('EXIT', 'FORCE_EXIT')
		ORDER BY created_at`, clientID, string(StatusCreated))
}

// ListRecentOrders returns the newest records first.
func (l *Ledger) ListRecentOrders(ctx context.Context, clientID string, limit int) ([]OrderRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	return l.queryRecords(ctx, `SELECT `+recordColumns+`
		FROM order_records WHERE client_id = ?
		ORDER BY created_at DESC LIMIT ?`, clientID, limit)
}

// ListHeldEntries returns executed entries and adjustments with no executed
// exit on the same strategy and symbol after them, newest first. These are
// the positions a strategy may still hold at the broker.
func (l *Ledger) ListHeldEntries(ctx context.Context, clientID string) ([]OrderRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDRequired
	}
	return l.queryRecords(ctx, `SELECT `+recordColumns+`
		FROM order_records r
		WHERE r.client_id = ? AND r.status = ? AND r.execution_type IN ('ENTRY', 'ADJUST')
			AND NOT EXISTS (
				SELECT 1 FROM order_records x
				WHERE x.client_id = r.client_id AND x.strategy_id = r.strategy_id AND x.symbol = r.symbol
					AND x.status = ? AND x.execution_type IN ('EXIT', 'FORCE_EXIT')
					AND x.updated_at > r.updated_at
			)
		ORDER BY r.updated_at DESC`, clientID, string(StatusExecuted), string(StatusExecuted))
}

// HasOpenOrder reports whether another live record exists for the same
// strategy and symbol: one already sent to the broker, or a registered
// exit still waiting to be sent. CREATED entries and adjustments of
// concurrent submitters are not live yet; the guard arbitrates those.
func (l *Ledger) HasOpenOrder(ctx context.Context, clientID, strategyID, symbol, excludeCommandID string) (bool, error) {
	if clientID == "" {
		return false, ErrClientIDRequired
	}
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM order_records
		WHERE client_id = ? AND strategy_id = ? AND symbol = ? AND command_id <> ?
			AND (status = ? OR (status = ? AND execution_type IN ('EXIT', 'FORCE_EXIT')))
	`, clientID, strategyID, symbol, excludeCommandID, string(StatusSentToBroker), string(StatusCreated)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count open orders: %w", err)
	}
	return n > 0, nil
}

// ListOrderEvents returns the status history of one command.
func (l *Ledger) ListOrderEvents(ctx context.Context, clientID, commandID string) ([]OrderEvent, error) {
	if clientID == "" {
		return nil, ErrClientIDRequired
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT command_id, client_id, status, tag, created_at
		FROM order_events WHERE client_id = ? AND command_id = ?
		ORDER BY id
	`, clientID, commandID)
	if err != nil {
		return nil, fmt.Errorf("query order events: %w", err)
	}
	defer rows.Close()

	var events []OrderEvent
	for rows.Next() {
		var (
			e      OrderEvent
			status string
		)
		if err := rows.Scan(&e.CommandID, &e.ClientID, &status, &e.Tag, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		e.Status = OrderStatus(status)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ----------------------------------------
// Risk State
// ----------------------------------------

// LoadRiskState returns the persisted state or ErrNotFound.
func (l *Ledger) LoadRiskState(ctx context.Context, clientID string) (*RiskState, error) {
	if clientID == "" {
		return nil, ErrClientIDRequired
	}
	var (
		s        RiskState
		cooldown sql.NullTime
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT client_id, trading_day, realized_pnl, unrealized_pnl, consecutive_loss_days,
			cooldown_until, trailing_high_water_mark, breach_count, updated_at
		FROM risk_state WHERE client_id = ?
	`, clientID).Scan(&s.ClientID, &s.TradingDay, &s.RealizedPnL, &s.UnrealizedPnL, &s.ConsecutiveLossDays,
		&cooldown, &s.TrailingHighWaterMark, &s.BreachCount, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load risk state: %w", err)
	}
	if cooldown.Valid {
		t := cooldown.Time.UTC()
		s.CooldownUntil = &t
	}
	return &s, nil
}

// SaveRiskState upserts the client's risk state.
func (l *Ledger) SaveRiskState(ctx context.Context, s RiskState) error {
	if s.ClientID == "" {
		return ErrClientIDRequired
	}
	var cooldown any
	if s.CooldownUntil != nil {
		cooldown = s.CooldownUntil.UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO risk_state (client_id, trading_day, realized_pnl, unrealized_pnl, consecutive_loss_days,
			cooldown_until, trailing_high_water_mark, breach_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			trading_day = excluded.trading_day,
			realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			consecutive_loss_days = excluded.consecutive_loss_days,
			cooldown_until = excluded.cooldown_until,
			trailing_high_water_mark = excluded.trailing_high_water_mark,
			breach_count = excluded.breach_count,
			updated_at = excluded.updated_at
	`, s.ClientID, s.TradingDay, s.RealizedPnL, s.UnrealizedPnL, s.ConsecutiveLossDays,
		cooldown, s.TrailingHighWaterMark, s.BreachCount, l.now())
	if err != nil {
		return fmt.Errorf("save risk state: %w", err)
	}
	return nil
}

// ----------------------------------------
// Price Snapshots (market data, not tenant scoped)
// ----------------------------------------

// UpsertPriceSnapshot stores the latest price for a symbol.
func (l *Ledger) UpsertPriceSnapshot(ctx context.Context, p PriceSnapshot) error {
	if p.CapturedAt.IsZero() {
		p.CapturedAt = l.now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO price_snapshots (exchange, symbol, price, captured_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(exchange, symbol) DO UPDATE SET price = excluded.price, captured_at = excluded.captured_at
	`, p.Exchange, p.Symbol, p.Price, p.CapturedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert price snapshot: %w", err)
	}
	return nil
}

// LatestPrice returns the stored snapshot for a symbol.
func (l *Ledger) LatestPrice(ctx context.Context, exchange, symbol string) (*PriceSnapshot, error) {
	var p PriceSnapshot
	err := l.db.QueryRowContext(ctx, `
		SELECT exchange, symbol, price, captured_at FROM price_snapshots
		WHERE exchange = ? AND symbol = ?
	`, exchange, symbol).Scan(&p.Exchange, &p.Symbol, &p.Price, &p.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest price: %w", err)
	}
	return &p, nil
}

// SaveReconcileReport persists a reconciliation pass summary.
func (l *Ledger) SaveReconcileReport(ctx context.Context, clientID string, checked, executed, failed, errs int) error {
	if clientID == "" {
		return ErrClientIDRequired
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO reconcile_reports (client_id, checked, executed, failed, errors, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, clientID, checked, executed, failed, errs, l.now())
	if err != nil {
		return fmt.Errorf("save reconcile report: %w", err)
	}
	return nil
}

// ZeroIfInvalid unwraps a nullable decimal.
func ZeroIfInvalid(d decimal.NullDecimal) decimal.Decimal {
	if !d.Valid {
		return decimal.Zero
	}
	return d.Decimal
}
