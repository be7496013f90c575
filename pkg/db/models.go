package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the ledger lifecycle state of an order record.
type OrderStatus string

const (
	StatusCreated      OrderStatus = "CREATED"
	StatusSentToBroker OrderStatus = "SENT_TO_BROKER"
	StatusExecuted     OrderStatus = "EXECUTED"
	StatusFailed       OrderStatus = "FAILED"
)

// Terminal reports whether no further mutation is allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// legalFrom lists the statuses a record may move out of to reach the key.
var legalFrom = map[OrderStatus][]OrderStatus{
	StatusSentToBroker: {StatusCreated},
	StatusExecuted:     {StatusSentToBroker},
	StatusFailed:       {StatusCreated, StatusSentToBroker},
}

// OrderRecord is one command plus its execution lifecycle.
// Command columns are written once on insert; only status, tag,
// broker_order_id and updated_at change afterwards.
type OrderRecord struct {
	CommandID        string
	ClientID         string
	Source           string
	StrategyID       string
	Exchange         string
	Symbol           string
	Side             string
	Quantity         int64
	ProductType      string
	OrderType        string
	Price            decimal.NullDecimal
	StopLoss         decimal.NullDecimal
	Target           decimal.NullDecimal
	TrailingDistance decimal.NullDecimal
	TrailingPercent  bool
	ExecutionType    string
	ParentID         string

	Status        OrderStatus
	Tag           string
	BrokerOrderID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasStops reports whether the record carries any exit rule.
func (r OrderRecord) HasStops() bool {
	return r.StopLoss.Valid || r.Target.Valid || r.TrailingDistance.Valid
}

// RiskState is the persisted risk snapshot for one client.
type RiskState struct {
	ClientID              string
	TradingDay            string // YYYY-MM-DD in the risk timezone
	RealizedPnL           decimal.Decimal
	UnrealizedPnL         decimal.Decimal
	ConsecutiveLossDays   int
	CooldownUntil         *time.Time
	TrailingHighWaterMark decimal.Decimal
	BreachCount           int
	UpdatedAt             time.Time
}

// OrderEvent is one row of the status history.
type OrderEvent struct {
	CommandID string
	ClientID  string
	Status    OrderStatus
	Tag       string
	CreatedAt time.Time
}

// PriceSnapshot is the last traded price written by an external feed.
type PriceSnapshot struct {
	Exchange   string
	Symbol     string
	Price      decimal.Decimal
	CapturedAt time.Time
}
