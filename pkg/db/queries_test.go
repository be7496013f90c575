package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database.Ledger()
}

func sampleRecord(id, client, strategy, symbol string) OrderRecord {
	return OrderRecord{
		CommandID:     id,
		ClientID:      client,
		Source:        "test",
		StrategyID:    strategy,
		Exchange:      "NFO",
		Symbol:        symbol,
		Side:          "BUY",
		Quantity:      50,
		ProductType:   "MIS",
		OrderType:     "MARKET",
		ExecutionType: "ENTRY",
	}
}

type captureWriter struct {
	queries []string
}

func (c *captureWriter) WriteQuery(query string, args ...any) error {
	c.queries = append(c.queries, query)
	return nil
}

func TestLedgerRequiresClientID(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	t.Run("CreateOrder requires clientID", func(t *testing.T) {
		err := l.CreateOrder(ctx, sampleRecord("c1", "", "A", "NIFTY"))
		if err != ErrClientIDRequired {
			t.Errorf("expected ErrClientIDRequired, got %v", err)
		}
	})

	t.Run("GetOrder requires clientID", func(t *testing.T) {
		_, err := l.GetOrder(ctx, "", "c1")
		if err != ErrClientIDRequired {
			t.Errorf("expected ErrClientIDRequired, got %v", err)
		}
	})

	t.Run("GetOpenOrdersByStrategy requires clientID", func(t *testing.T) {
		_, err := l.GetOpenOrdersByStrategy(ctx, "", "A")
		if err != ErrClientIDRequired {
			t.Errorf("expected ErrClientIDRequired, got %v", err)
		}
	})

	t.Run("GetByBrokerID requires clientID", func(t *testing.T) {
		_, err := l.GetByBrokerID(ctx, "", "B1")
		if err != ErrClientIDRequired {
			t.Errorf("expected ErrClientIDRequired, got %v", err)
		}
	})

	t.Run("UpdateStatus requires clientID", func(t *testing.T) {
		err := l.UpdateStatus(ctx, "", "c1", StatusSentToBroker, "")
		if err != ErrClientIDRequired {
			t.Errorf("expected ErrClientIDRequired, got %v", err)
		}
	})

	t.Run("LoadRiskState requires clientID", func(t *testing.T) {
		_, err := l.LoadRiskState(ctx, "")
		if err != ErrClientIDRequired {
			t.Errorf("expected ErrClientIDRequired, got %v", err)
		}
	})
}

func TestLedgerDataIsolation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.CreateOrder(ctx, sampleRecord("c1", "client-a", "A", "NIFTY")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.UpdateBrokerID(ctx, "client-a", "c1", "B1", StatusSentToBroker); err != nil {
		t.Fatalf("broker id: %v", err)
	}

	t.Run("other client cannot read", func(t *testing.T) {
		if _, err := l.GetOrder(ctx, "client-b", "c1"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := l.GetByBrokerID(ctx, "client-b", "B1"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		open, err := l.GetOpenOrdersByStrategy(ctx, "client-b", "A")
		if err != nil {
			t.Fatalf("open orders: %v", err)
		}
		if len(open) != 0 {
			t.Errorf("expected no open orders for client-b, got %d", len(open))
		}
	})

	t.Run("other client cannot write", func(t *testing.T) {
		err := l.UpdateStatus(ctx, "client-b", "c1", StatusFailed, "BROKER_REJECTED")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		r, err := l.GetOrder(ctx, "client-a", "c1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if r.Status != StatusSentToBroker {
			t.Errorf("status changed across tenants: %s", r.Status)
		}
	})
}

func TestLedgerLifecycle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	history := &captureWriter{}
	l.SetHistoryWriter(history)

	rec := sampleRecord("c1", "client-a", "A", "NIFTY")
	rec.StopLoss = decimal.NewNullDecimal(decimal.RequireFromString("95.5"))
	rec.TrailingDistance = decimal.NewNullDecimal(decimal.NewFromInt(2))
	rec.TrailingPercent = true
	if err := l.CreateOrder(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := l.GetOrder(ctx, "client-a", "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCreated || got.Tag != "" || got.BrokerOrderID != "" {
		t.Fatalf("unexpected fresh record: %+v", got)
	}
	if !got.StopLoss.Valid || !got.StopLoss.Decimal.Equal(decimal.RequireFromString("95.5")) {
		t.Errorf("stop loss not round-tripped: %+v", got.StopLoss)
	}
	if got.Price.Valid || got.Target.Valid {
		t.Errorf("expected null price and target")
	}
	if !got.TrailingPercent || !got.HasStops() {
		t.Errorf("expected trailing percent stop")
	}

	t.Run("CREATED cannot jump to EXECUTED", func(t *testing.T) {
		err := l.UpdateStatus(ctx, "client-a", "c1", StatusExecuted, "")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("accept then execute", func(t *testing.T) {
		if err := l.UpdateStatus(ctx, "client-a", "c1", StatusSentToBroker, ""); err != nil {
			t.Fatalf("sent: %v", err)
		}
		if err := l.UpdateTag(ctx, "client-a", "c1", "BROKER_TIMEOUT"); err != nil {
			t.Fatalf("tag: %v", err)
		}
		if err := l.UpdateBrokerID(ctx, "client-a", "c1", "B1", StatusSentToBroker); err != nil {
			t.Fatalf("broker id: %v", err)
		}
		byBroker, err := l.GetByBrokerID(ctx, "client-a", "B1")
		if err != nil {
			t.Fatalf("by broker id: %v", err)
		}
		if byBroker.CommandID != "c1" || byBroker.Tag != "BROKER_TIMEOUT" {
			t.Errorf("unexpected record: %+v", byBroker)
		}
		if err := l.UpdateStatus(ctx, "client-a", "c1", StatusExecuted, ""); err != nil {
			t.Fatalf("executed: %v", err)
		}
	})

	t.Run("terminal records are immutable", func(t *testing.T) {
		if err := l.UpdateStatus(ctx, "client-a", "c1", StatusFailed, "BROKER_REJECTED"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
		if err := l.UpdateTag(ctx, "client-a", "c1", "X"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
		if err := l.UpdateBrokerID(ctx, "client-a", "c1", "B2", StatusSentToBroker); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
		r, err := l.GetOrder(ctx, "client-a", "c1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if r.Status != StatusExecuted || r.BrokerOrderID != "B1" {
			t.Errorf("terminal record mutated: %+v", r)
		}
	})

	if len(history.queries) != 4 {
		t.Errorf("expected 4 history rows (created, sent, broker id, executed), got %d", len(history.queries))
	}
}

func TestLedgerOpenOrderQueries(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for _, r := range []OrderRecord{
		sampleRecord("e1", "client-a", "A", "NIFTY"),
		sampleRecord("e2", "client-a", "A", "BANKNIFTY"),
		sampleRecord("e3", "client-a", "B", "NIFTY"),
	} {
		if err := l.CreateOrder(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.CommandID, err)
		}
	}
	exit := sampleRecord("x1", "client-a", "A", "NIFTY")
	exit.ExecutionType = "EXIT"
	exit.Side = "SELL"
	if err := l.CreateOrder(ctx, exit); err != nil {
		t.Fatalf("create exit: %v", err)
	}
	if err := l.UpdateStatus(ctx, "client-a", "e2", StatusFailed, "DUPLICATE_ORDER_BLOCKED"); err != nil {
		t.Fatalf("fail e2: %v", err)
	}

	t.Run("open orders by strategy skip terminal", func(t *testing.T) {
		open, err := l.GetOpenOrdersByStrategy(ctx, "client-a", "A")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if len(open) != 2 {
			t.Fatalf("expected 2 open orders for A, got %d", len(open))
		}
	})

	t.Run("duplicate scan excludes self", func(t *testing.T) {
		dup, err := l.HasOpenOrder(ctx, "client-a", "B", "NIFTY", "e3")
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if dup {
			t.Errorf("record should not block itself")
		}
		dup, err = l.HasOpenOrder(ctx, "client-a", "A", "NIFTY", "new")
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if !dup {
			t.Errorf("expected open order on A/NIFTY")
		}
	})

	t.Run("created entries are not live until sent", func(t *testing.T) {
		dup, err := l.HasOpenOrder(ctx, "client-a", "B", "NIFTY", "other")
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if dup {
			t.Errorf("CREATED entry should not count as live")
		}
		if err := l.UpdateStatus(ctx, "client-a", "e3", StatusSentToBroker, ""); err != nil {
			t.Fatalf("send e3: %v", err)
		}
		dup, err = l.HasOpenOrder(ctx, "client-a", "B", "NIFTY", "other")
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if !dup {
			t.Errorf("SENT_TO_BROKER entry should count as live")
		}
	})

	t.Run("created exits", func(t *testing.T) {
		exits, err := l.ListCreatedExits(ctx, "client-a")
		if err != nil {
			t.Fatalf("exits: %v", err)
		}
		if len(exits) != 1 || exits[0].CommandID != "x1" {
			t.Errorf("unexpected exits: %+v", exits)
		}
	})
}

func TestLedgerHeldEntries(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	clock := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	l.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	execute := func(r OrderRecord) {
		t.Helper()
		if err := l.CreateOrder(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.CommandID, err)
		}
		if err := l.UpdateBrokerID(ctx, r.ClientID, r.CommandID, "b-"+r.CommandID, StatusSentToBroker); err != nil {
			t.Fatalf("send %s: %v", r.CommandID, err)
		}
		if err := l.UpdateBrokerID(ctx, r.ClientID, r.CommandID, "b-"+r.CommandID, StatusExecuted); err != nil {
			t.Fatalf("execute %s: %v", r.CommandID, err)
		}
	}
	exitOf := func(id, strategy, symbol string) OrderRecord {
		r := sampleRecord(id, "client-a", strategy, symbol)
		r.ExecutionType = "EXIT"
		r.Side = "SELL"
		return r
	}

	// A/NIFTY closed, then re-entered. A/BANKNIFTY closed for good.
	execute(sampleRecord("e1", "client-a", "A", "NIFTY"))
	execute(sampleRecord("e2", "client-a", "A", "BANKNIFTY"))
	execute(exitOf("x1", "A", "NIFTY"))
	execute(exitOf("x2", "A", "BANKNIFTY"))
	execute(sampleRecord("e3", "client-a", "A", "NIFTY"))
	// B holds an entry with no stops at all.
	execute(sampleRecord("e4", "client-a", "B", "NIFTY"))
	// Unsent entries and other clients are not held.
	if err := l.CreateOrder(ctx, sampleRecord("e5", "client-a", "C", "NIFTY")); err != nil {
		t.Fatalf("create e5: %v", err)
	}
	execute(sampleRecord("o1", "client-b", "A", "NIFTY"))

	held, err := l.ListHeldEntries(ctx, "client-a")
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	var ids []string
	for _, r := range held {
		ids = append(ids, r.CommandID)
	}
	if len(ids) != 2 || ids[0] != "e4" || ids[1] != "e3" {
		t.Fatalf("expected [e4 e3], got %v", ids)
	}

	if _, err := l.ListHeldEntries(ctx, ""); !errors.Is(err, ErrClientIDRequired) {
		t.Errorf("expected ErrClientIDRequired, got %v", err)
	}
}

func TestMemoryDatabaseKeepsSchema(t *testing.T) {
	prev := connMaxLifetime
	connMaxLifetime = time.Millisecond
	t.Cleanup(func() { connMaxLifetime = prev })

	l := newTestLedger(t)
	time.Sleep(20 * time.Millisecond)

	if err := l.CreateOrder(context.Background(), sampleRecord("m1", "client-a", "A", "NIFTY")); err != nil {
		t.Fatalf("in-memory schema lost after connection lifetime: %v", err)
	}
}

func TestRiskStatePersistence(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.LoadRiskState(ctx, "client-a"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	until := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	state := RiskState{
		ClientID:              "client-a",
		TradingDay:            "2026-03-02",
		RealizedPnL:           decimal.NewFromInt(-2100),
		UnrealizedPnL:         decimal.RequireFromString("12.5"),
		ConsecutiveLossDays:   2,
		CooldownUntil:         &until,
		TrailingHighWaterMark: decimal.NewFromInt(300),
		BreachCount:           1,
	}
	if err := l.SaveRiskState(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}
	state.BreachCount = 2
	if err := l.SaveRiskState(ctx, state); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := l.LoadRiskState(ctx, "client-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.RealizedPnL.Equal(decimal.NewFromInt(-2100)) || got.ConsecutiveLossDays != 2 || got.BreachCount != 2 {
		t.Errorf("unexpected state: %+v", got)
	}
	if got.CooldownUntil == nil || !got.CooldownUntil.Equal(until) {
		t.Errorf("cooldown not persisted: %v", got.CooldownUntil)
	}
}

func TestPriceSnapshots(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.LatestPrice(ctx, "NSE", "NIFTY"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, px := range []string{"100", "101.25"} {
		if err := l.UpsertPriceSnapshot(ctx, PriceSnapshot{Exchange: "NSE", Symbol: "NIFTY", Price: decimal.RequireFromString(px)}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	p, err := l.LatestPrice(ctx, "NSE", "NIFTY")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !p.Price.Equal(decimal.RequireFromString("101.25")) {
		t.Errorf("expected 101.25, got %s", p.Price)
	}
}
