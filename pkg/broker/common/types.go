package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types the execution core sends.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP" // stop-market, triggers at TriggerPrice
)

// OrderStatus normalizes broker status into a small set.
type OrderStatus string

const (
	StatusOpen           OrderStatus = "OPEN"
	StatusTriggerPending OrderStatus = "TRIGGER_PENDING"
	StatusComplete       OrderStatus = "COMPLETE"
	StatusRejected       OrderStatus = "REJECTED"
	StatusCancelled      OrderStatus = "CANCELLED"
	StatusExpired        OrderStatus = "EXPIRED"
	StatusUnknown        OrderStatus = "UNKNOWN"
)

// Terminal reports whether the broker will not change the order again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// OrderRequest captures an order to be placed at the broker.
type OrderRequest struct {
	Exchange     string
	Symbol       string
	Side         Side
	Type         OrderType
	Quantity     int64
	Price        decimal.Decimal // LIMIT
	TriggerPrice decimal.Decimal // STOP
	ProductType  string
	Tag          string // echoed back in the order book; the command id
}

// OrderResult returns the broker ack.
type OrderResult struct {
	BrokerOrderID string
	Status        OrderStatus
	Tag           string
}

// Order is one row of the broker order book.
type Order struct {
	BrokerOrderID  string
	Tag            string
	Exchange       string
	Symbol         string
	Side           Side
	Quantity       int64
	FilledQuantity int64
	AveragePrice   decimal.Decimal
	Status         OrderStatus
	StatusMessage  string
	UpdatedAt      time.Time
}

// Position is the broker net position for one symbol. Quantity is always
// non-negative; a flat position has Quantity 0 but may still carry
// realized P&L for the day.
type Position struct {
	Exchange      string
	Symbol        string
	ProductType   string
	Side          Side
	Quantity      int64
	AveragePrice  decimal.Decimal
	LastPrice     decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
}
