package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/gateway"
	"execution-core/internal/guard"
	"execution-core/internal/market"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/pkg/broker/common"
	"execution-core/pkg/broker/paper"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

// paper_demo drives one entry through the full lifecycle against the paper
// broker: submit, fill, stop-loss trigger, watcher exit, strategy close.
//
// Usage:
//   go run ./scripts/paper_demo [-db demo.db] [-level debug]

const clientID = "paper-demo"

func main() {
	dbPath := flag.String("db", ":memory:", "ledger file")
	level := flag.String("level", "info", "log level")
	flag.Parse()

	zl, err := logger.New(*level, "console")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(*dbPath, zl); err != nil {
		log.Fatalf("demo failed: %v", err)
	}
}

func run(dbPath string, zl *zap.SugaredLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.New(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return err
	}
	ledger := database.Ledger()

	broker := paper.New()
	broker.SetPrice("NSE", "INFY", decimal.NewFromInt(1500))
	gw := gateway.New(broker, gateway.DefaultConfig(), zl.Named("gateway"))

	g := guard.New(zl.Named("guard"))
	svc := order.NewService(clientID, ledger, g, gw, zl.Named("order"))
	watcher := reconciliation.NewWatcher(reconciliation.Config{ClientID: clientID}, ledger, g, gw, svc,
		market.NewBrokerFeed(gw, 0), nil, nil, zl.Named("watcher"))

	log.Println("[STEP 1] Entry BUY 10 INFY with stop loss 1470")
	res := svc.Submit(ctx, order.Command{
		Source:        "paper-demo",
		StrategyID:    "demo-momentum",
		Exchange:      "NSE",
		Symbol:        "INFY",
		Side:          common.SideBuy,
		Quantity:      10,
		ProductType:   "MIS",
		OrderType:     common.OrderTypeMarket,
		StopLoss:      decimal.NewNullDecimal(decimal.NewFromInt(1470)),
		ExecutionType: order.ExecEntry,
	})
	log.Printf("  submit: success=%v command=%s broker=%s tag=%s", res.Success, res.CommandID, res.BrokerOrderID, res.Tag)
	if !res.Success {
		return nil
	}
	watcher.Tick(ctx)
	printGuard(g, "demo-momentum")

	log.Println("[STEP 2] Second entry on the same symbol is blocked while the position is live")
	dup := svc.Submit(ctx, order.Command{
		Source: "paper-demo", StrategyID: "demo-momentum", Exchange: "NSE", Symbol: "INFY",
		Side: common.SideBuy, Quantity: 5, ProductType: "MIS", OrderType: common.OrderTypeMarket,
		ExecutionType: order.ExecEntry,
	})
	log.Printf("  submit: success=%v blocked=%s", dup.Success, dup.Blocked)

	log.Println("[STEP 3] Price drops through the stop")
	broker.SetPrice("NSE", "INFY", decimal.NewFromInt(1465))
	for i := 0; i < 3; i++ {
		watcher.Tick(ctx)
	}
	printGuard(g, "demo-momentum")

	log.Println("[STEP 4] Ledger")
	records, err := ledger.ListRecentOrders(ctx, clientID, 10)
	if err != nil {
		return err
	}
	for _, r := range records {
		log.Printf("  %-10s %-4s %3d %-8s %-15s tag=%q parent=%s", r.ExecutionType, r.Side, r.Quantity,
			r.Symbol, r.Status, r.Tag, r.ParentID)
	}
	rows, err := broker.Positions(ctx)
	if err != nil {
		return err
	}
	for _, p := range rows {
		log.Printf("  broker position %s %s qty=%d realized=%s", p.Symbol, p.Side, p.Quantity, p.RealizedPnL)
	}
	log.Println("=== paper demo finished ===")
	return nil
}

func printGuard(g *guard.Guard, strategyID string) {
	v := g.View(strategyID)
	log.Printf("  guard: %+v", v)
}
