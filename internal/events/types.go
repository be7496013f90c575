package events

import "time"

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventOrderUpdate Event = "order.update"
	EventAlert       Event = "alert"
	EventRiskBreach  Event = "risk.breach"
)

// OrderUpdate is published on every ledger status change.
type OrderUpdate struct {
	CommandID     string    `json:"command_id"`
	ClientID      string    `json:"client_id"`
	StrategyID    string    `json:"strategy_id"`
	Symbol        string    `json:"symbol"`
	ExecutionType string    `json:"execution_type"`
	Status        string    `json:"status"`
	Tag           string    `json:"tag,omitempty"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Alert kinds.
const (
	AlertRiskForceExit   = "RISK_FORCE_EXIT"
	AlertExitRejected    = "EXIT_REJECTED"
	AlertExitUnconfirmed = "EXIT_UNCONFIRMED"
)

// Alert is the notification payload.
type Alert struct {
	Kind       string    `json:"kind"`
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// RiskBreach is published when the risk manager enters blocking mode.
type RiskBreach struct {
	ClientID      string    `json:"client_id"`
	Reason        string    `json:"reason"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Timestamp     time.Time `json:"timestamp"`
}
