package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"execution-core/pkg/db"
)

func newDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func TestLedgerHistoryThroughBatchWriter(t *testing.T) {
	database := newDB(t)
	ctx := context.Background()
	bw := NewBatchWriter(database.DB, 100, time.Hour, nil)
	ledger := database.Ledger()
	ledger.SetHistoryWriter(bw)

	rec := db.OrderRecord{
		CommandID: "c1", ClientID: "client-a", StrategyID: "A", Exchange: "NFO", Symbol: "NIFTY",
		Side: "BUY", Quantity: 50, ProductType: "MIS", OrderType: "MARKET", ExecutionType: "ENTRY",
	}
	if err := ledger.CreateOrder(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ledger.UpdateStatus(ctx, "client-a", "c1", db.StatusFailed, "RISK_LIMITS_EXCEEDED"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got := bw.Pending(); got != 2 {
		t.Fatalf("expected 2 buffered events, got %d", got)
	}

	events, err := ledger.ListOrderEvents(ctx, "client-a", "c1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events visible before flush: %d", len(events))
	}

	if err := bw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	events, err = ledger.ListOrderEvents(ctx, "client-a", "c1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Status != db.StatusFailed || events[1].Tag != "RISK_LIMITS_EXCEEDED" {
		t.Errorf("unexpected last event: %+v", events[1])
	}

	st := bw.Stats()
	if st.TotalWrites != 2 || st.TotalBatches != 1 || st.LastBatchSize != 2 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestAutoFlushOnSize(t *testing.T) {
	database := newDB(t)
	bw := NewBatchWriter(database.DB, 2, time.Hour, nil)
	q := "INSERT INTO order_events (command_id, client_id, status, tag) VALUES (?, ?, ?, ?)"

	if err := bw.WriteQuery(q, "c1", "client-a", "CREATED", ""); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := bw.WriteQuery(q, "c1", "client-a", "SENT_TO_BROKER", ""); err != nil {
		t.Fatalf("write: %v", err)
	}
	if bw.Pending() != 0 {
		t.Errorf("expected flush at max size")
	}
}

func TestBadStatementRollsBack(t *testing.T) {
	database := newDB(t)
	bw := NewBatchWriter(database.DB, 10, time.Hour, nil)
	_ = bw.WriteQuery("INSERT INTO order_events (command_id, client_id, status, tag) VALUES (?, ?, ?, ?)", "c1", "client-a", "CREATED", "")
	_ = bw.WriteQuery("INSERT INTO no_such_table VALUES (1)")

	if err := bw.Flush(); err == nil {
		t.Fatal("expected flush error")
	}
	events, err := database.Ledger().ListOrderEvents(context.Background(), "client-a", "c1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("partial batch committed: %d rows", len(events))
	}
	if bw.Stats().TotalErrors != 1 {
		t.Errorf("error not counted")
	}
}

func TestStartFlushesOnShutdown(t *testing.T) {
	database := newDB(t)
	bw := NewBatchWriter(database.DB, 10, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bw.Start(ctx) }()

	_ = bw.WriteQuery("INSERT INTO order_events (command_id, client_id, status, tag) VALUES (?, ?, ?, ?)", "c1", "client-a", "CREATED", "")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
	if bw.Pending() != 0 {
		t.Errorf("buffer not flushed on shutdown")
	}
	if err := bw.WriteQuery("SELECT 1"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
