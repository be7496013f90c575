package common

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderRejected  = errors.New("order rejected by broker")
	ErrSessionExpired = errors.New("broker session expired")
	ErrUnknownSymbol  = errors.New("unknown symbol")
)

// RejectionError carries the broker's reason for refusing an order.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected by broker: %s", e.Reason)
}

// Unwrap lets callers match with errors.Is(err, ErrOrderRejected).
func (e *RejectionError) Unwrap() error {
	return ErrOrderRejected
}

// Client abstracts a brokerage account.
type Client interface {
	// Login creates a fresh session.
	Login(ctx context.Context) error
	// SessionValid probes the current session without side effects.
	SessionValid(ctx context.Context) (bool, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	OrderBook(ctx context.Context) ([]Order, error)
	Positions(ctx context.Context) ([]Position, error)
	LastPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error)
}
