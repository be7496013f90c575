package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config defines the client's loss limits and cooldown policy.
type Config struct {
	MaxDailyLoss       decimal.Decimal // realized+unrealized at or below -MaxDailyLoss breaches
	TrailingStep       decimal.Decimal // drawdown from the day's high-water mark that breaches; zero disables
	CooldownBase       time.Duration
	CooldownMultiplier float64 // applied once per consecutive losing day
	MaxCooldown        time.Duration
	Interval           time.Duration
	Timezone           string // trading day boundary
}

// DefaultConfig returns default risk configuration
func DefaultConfig() Config {
	return Config{
		MaxDailyLoss:       decimal.NewFromInt(2000),
		TrailingStep:       decimal.Zero,
		CooldownBase:       15 * time.Minute,
		CooldownMultiplier: 2,
		MaxCooldown:        4 * time.Hour,
		Interval:           5 * time.Second,
		Timezone:           "Asia/Kolkata",
	}
}

// ForceExitStrategy owns force exits for broker quantity no strategy claims.
const ForceExitStrategy = "risk-manager"

// Status is the read model served to operators.
type Status struct {
	ClientID              string          `json:"client_id"`
	TradingDay            string          `json:"trading_day"`
	RealizedPnL           decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL         decimal.Decimal `json:"unrealized_pnl"`
	TrailingHighWaterMark decimal.Decimal `json:"trailing_high_water_mark"`
	ConsecutiveLossDays   int             `json:"consecutive_loss_days"`
	BreachCount           int             `json:"breach_count"`
	CooldownUntil         *time.Time      `json:"cooldown_until,omitempty"`
	Breached              bool            `json:"breached"`
	Reason                string          `json:"reason,omitempty"`
	CanExecute            bool            `json:"can_execute"`
	MaxDailyLoss          decimal.Decimal `json:"max_daily_loss"`
	TrailingStep          decimal.Decimal `json:"trailing_step"`
	LastTick              time.Time       `json:"last_tick"`
}
