package order

import (
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/broker/common"
	"execution-core/pkg/db"
)

// Execution types.
const (
	ExecEntry     = "ENTRY"
	ExecAdjust    = "ADJUST"
	ExecExit      = "EXIT"
	ExecForceExit = "FORCE_EXIT"
)

// Ledger tags attached to FAILED (and annotated) records.
const (
	TagRiskLimits        = "RISK_LIMITS_EXCEEDED"
	TagGuardBlocked      = "EXECUTION_GUARD_BLOCKED"
	TagDuplicate         = "DUPLICATE_ORDER_BLOCKED"
	TagBrokerRejected    = "BROKER_REJECTED"
	TagBrokerCancelled   = "BROKER_CANCELLED"
	TagBrokerExpired     = "BROKER_EXPIRED"
	TagBrokerTimeout     = "BROKER_TIMEOUT"
	TagBrokerUnconfirmed = "BROKER_UNCONFIRMED"
	TagBrokerUnavailable = "BROKER_UNAVAILABLE"
	TagAbandoned         = "ABANDONED"
	TagLedgerUnavailable = "LEDGER_UNAVAILABLE"
)

// BlockReason is the pre-flight check that refused a command. The empty
// value means nothing blocked.
type BlockReason string

const (
	NotBlocked       BlockReason = ""
	BlockedByRisk    BlockReason = TagRiskLimits
	BlockedByGuard   BlockReason = TagGuardBlocked
	BlockedDuplicate BlockReason = TagDuplicate
)

// TrailingSpec describes a trailing stop. Distance is an absolute price
// offset, or a percentage of the best price when Percent is set.
type TrailingSpec struct {
	Distance decimal.Decimal `json:"distance"`
	Percent  bool            `json:"percent"`
}

// Command is an immutable trading intent.
type Command struct {
	CommandID     string              `json:"command_id"`
	CreatedAt     time.Time           `json:"created_at"`
	Source        string              `json:"source"`
	ClientID      string              `json:"client_id"`
	StrategyID    string              `json:"strategy_id" validate:"required"`
	Exchange      string              `json:"exchange" validate:"required"`
	Symbol        string              `json:"symbol" validate:"required"`
	Side          common.Side         `json:"side" validate:"required,oneof=BUY SELL"`
	Quantity      int64               `json:"quantity" validate:"gt=0"`
	ProductType   string              `json:"product_type" validate:"required"`
	OrderType     common.OrderType    `json:"order_type" validate:"required,oneof=MARKET LIMIT STOP"`
	Price         decimal.NullDecimal `json:"price"`
	StopLoss      decimal.NullDecimal `json:"stop_loss"`
	Target        decimal.NullDecimal `json:"target"`
	Trailing      *TrailingSpec       `json:"trailing_spec,omitempty"`
	ExecutionType string              `json:"execution_type" validate:"required,oneof=ENTRY ADJUST EXIT FORCE_EXIT"`
	ParentID      string              `json:"parent_id,omitempty"`
}

// IsExit reports whether the command closes exposure.
func (c Command) IsExit() bool {
	return c.ExecutionType == ExecExit || c.ExecutionType == ExecForceExit
}

// BrokerRequest builds the gateway request; the command id travels as the
// broker tag so reconciliation can match the order without a broker id.
func (c Command) BrokerRequest() common.OrderRequest {
	req := common.OrderRequest{
		Exchange:    c.Exchange,
		Symbol:      c.Symbol,
		Side:        c.Side,
		Type:        c.OrderType,
		Quantity:    c.Quantity,
		ProductType: c.ProductType,
		Tag:         c.CommandID,
	}
	switch c.OrderType {
	case common.OrderTypeLimit:
		req.Price = db.ZeroIfInvalid(c.Price)
	case common.OrderTypeStop:
		req.TriggerPrice = db.ZeroIfInvalid(c.Price)
	}
	return req
}

// Record maps the command onto a fresh ledger row.
func (c Command) Record() db.OrderRecord {
	r := db.OrderRecord{
		CommandID:     c.CommandID,
		ClientID:      c.ClientID,
		Source:        c.Source,
		StrategyID:    c.StrategyID,
		Exchange:      c.Exchange,
		Symbol:        c.Symbol,
		Side:          string(c.Side),
		Quantity:      c.Quantity,
		ProductType:   c.ProductType,
		OrderType:     string(c.OrderType),
		Price:         c.Price,
		StopLoss:      c.StopLoss,
		Target:        c.Target,
		ExecutionType: c.ExecutionType,
		ParentID:      c.ParentID,
		CreatedAt:     c.CreatedAt,
	}
	if c.Trailing != nil {
		r.TrailingDistance = decimal.NewNullDecimal(c.Trailing.Distance)
		r.TrailingPercent = c.Trailing.Percent
	}
	return r
}

// CommandFromRecord rebuilds the command stored in a ledger row.
func CommandFromRecord(r db.OrderRecord) Command {
	c := Command{
		CommandID:     r.CommandID,
		CreatedAt:     r.CreatedAt,
		Source:        r.Source,
		ClientID:      r.ClientID,
		StrategyID:    r.StrategyID,
		Exchange:      r.Exchange,
		Symbol:        r.Symbol,
		Side:          common.Side(r.Side),
		Quantity:      r.Quantity,
		ProductType:   r.ProductType,
		OrderType:     common.OrderType(r.OrderType),
		Price:         r.Price,
		StopLoss:      r.StopLoss,
		Target:        r.Target,
		ExecutionType: r.ExecutionType,
		ParentID:      r.ParentID,
	}
	if r.TrailingDistance.Valid {
		c.Trailing = &TrailingSpec{Distance: r.TrailingDistance.Decimal, Percent: r.TrailingPercent}
	}
	return c
}

// Result is the outcome of Submit. Blocks and rejections are results,
// not errors.
type Result struct {
	Success       bool        `json:"success"`
	CommandID     string      `json:"command_id"`
	BrokerOrderID string      `json:"broker_order_id,omitempty"`
	Tag           string      `json:"tag,omitempty"`
	Blocked       BlockReason `json:"blocked,omitempty"`
	Pending       bool        `json:"pending,omitempty"` // outcome unknown, watcher will settle it
	Error         string      `json:"error,omitempty"`
}
