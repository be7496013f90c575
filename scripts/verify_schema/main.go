package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"
)

// verify_schema checks a ledger file for the tables and columns the
// execution core reads. It never writes.
//
// Usage:
//   go run ./scripts/verify_schema -db execution_core.db

var required = map[string][]string{
	"order_records": {
		"command_id", "client_id", "source", "strategy_id", "exchange", "symbol", "side",
		"quantity", "product_type", "order_type", "price", "stop_loss", "target",
		"trailing_distance", "trailing_percent", "execution_type", "parent_id",
		"status", "tag", "broker_order_id", "created_at", "updated_at",
	},
	"order_events":      {"command_id", "client_id", "status", "tag", "created_at"},
	"risk_state":        {"client_id", "trading_day", "realized_pnl", "consecutive_loss_days", "cooldown_until", "breach_count"},
	"reconcile_reports": {"client_id", "checked", "executed", "failed", "errors"},
	"price_snapshots":   {"exchange", "symbol", "price", "captured_at"},
}

func main() {
	dbPath := flag.String("db", "execution_core.db", "ledger file to verify")
	flag.Parse()
	fmt.Printf("Verifying ledger at: %s\n", *dbPath)

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	missing := 0
	for _, table := range []string{"order_records", "order_events", "risk_state", "reconcile_reports", "price_snapshots"} {
		cols, err := columns(db, table)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		if len(cols) == 0 {
			fmt.Printf("❌ %s table MISSING\n", table)
			missing++
			continue
		}
		fmt.Printf("✓ %s table exists\n", table)
		for _, c := range required[table] {
			if !cols[c] {
				fmt.Printf("  ❌ %s.%s column MISSING\n", table, c)
				missing++
			}
		}
	}

	var open int
	if err := db.QueryRow(`SELECT COUNT(*) FROM order_records WHERE status IN ('CREATED','SENT_TO_BROKER')`).Scan(&open); err == nil {
		fmt.Printf("\n%d non-terminal order records\n", open)
	}

	if missing > 0 {
		fmt.Printf("\n%d schema problems found\n", missing)
		os.Exit(1)
	}
	fmt.Println("\nSchema OK")
}

func columns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}
