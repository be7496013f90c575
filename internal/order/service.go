// Package order turns trading intents into broker orders.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/guard"
	"execution-core/pkg/broker/common"
	"execution-core/pkg/db"
)

var (
	ErrForeignClient = errors.New("command belongs to another client")
	ErrWrongPath     = errors.New("execution type not accepted on this path")
)

// RiskGate is the risk manager's veto.
type RiskGate interface {
	CanExecute() bool
}

// Broker places orders; implemented by gateway.Gateway.
type Broker interface {
	PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error)
}

// ExitQueue receives registered exits without blocking.
type ExitQueue interface {
	Enqueue(Command) bool
}

// Publisher fans out order updates and alerts.
type Publisher interface {
	Publish(e events.Event, payload any)
}

// Recorder counts command outcomes; implemented by monitor.Metrics.
type Recorder interface {
	RecordOutcome(executionType, outcome string)
}

// Service is the entry point for all trading intents.
type Service struct {
	clientID string
	ledger   *db.Ledger
	guard    *guard.Guard
	broker   Broker
	log      *zap.SugaredLogger
	validate *validator.Validate
	now      func() time.Time

	risk    RiskGate
	exits   ExitQueue
	bus     Publisher
	metrics Recorder
}

// NewService wires the command service for one client.
func NewService(clientID string, ledger *db.Ledger, g *guard.Guard, broker Broker, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		clientID: clientID,
		ledger:   ledger,
		guard:    g,
		broker:   broker,
		log:      log,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetRiskGate(r RiskGate)   { s.risk = r }
func (s *Service) SetExitQueue(q ExitQueue) { s.exits = q }
func (s *Service) SetPublisher(p Publisher) { s.bus = p }
func (s *Service) SetRecorder(r Recorder)   { s.metrics = r }

// ClientID returns the tenant this service executes for.
func (s *Service) ClientID() string {
	return s.clientID
}

// Submit executes an ENTRY or ADJUST synchronously.
func (s *Service) Submit(ctx context.Context, cmd Command) Result {
	cmd, err := s.prepare(cmd)
	if err != nil {
		return Result{CommandID: cmd.CommandID, Error: err.Error()}
	}
	if cmd.IsExit() {
		return Result{CommandID: cmd.CommandID, Error: fmt.Errorf("%w: %s must be registered", ErrWrongPath, cmd.ExecutionType).Error()}
	}

	if err := s.ledger.CreateOrder(ctx, cmd.Record()); err != nil {
		s.log.Errorw("persist command failed", "command_id", cmd.CommandID, "error", err)
		return Result{CommandID: cmd.CommandID, Error: err.Error()}
	}
	s.publish(cmd, db.StatusCreated, "", "")

	if reason, tag := s.checkBlockers(ctx, cmd); tag != "" {
		s.fail(ctx, cmd, tag)
		return Result{CommandID: cmd.CommandID, Tag: tag, Blocked: reason, Error: "blocked: " + tag}
	}

	if err := s.ledger.UpdateStatus(ctx, cmd.ClientID, cmd.CommandID, db.StatusSentToBroker, ""); err != nil {
		s.log.Errorw("mark sent failed, order not placed", "command_id", cmd.CommandID, "error", err)
		s.fail(ctx, cmd, TagLedgerUnavailable)
		return Result{CommandID: cmd.CommandID, Tag: TagLedgerUnavailable, Error: err.Error()}
	}
	s.publish(cmd, db.StatusSentToBroker, "", "")
	return s.send(ctx, cmd)
}

// checkBlockers runs the pre-flight checks in order; the first match wins.
// A passing command holds a guard reservation on return.
func (s *Service) checkBlockers(ctx context.Context, cmd Command) (BlockReason, string) {
	if s.risk != nil && !s.risk.CanExecute() {
		return BlockedByRisk, TagRiskLimits
	}
	if !s.guard.TryReserve(cmd.StrategyID, cmd.Symbol, cmd.CommandID, cmd.ExecutionType == ExecEntry) {
		return BlockedByGuard, TagGuardBlocked
	}
	dup, err := s.ledger.HasOpenOrder(ctx, cmd.ClientID, cmd.StrategyID, cmd.Symbol, cmd.CommandID)
	if err != nil {
		s.log.Errorw("duplicate scan failed", "command_id", cmd.CommandID, "error", err)
		return NotBlocked, TagLedgerUnavailable
	}
	if dup {
		return BlockedDuplicate, TagDuplicate
	}
	return NotBlocked, ""
}

// Register records an EXIT or FORCE_EXIT and hands it to the watcher.
// Exits are never vetoed.
func (s *Service) Register(ctx context.Context, cmd Command) (string, error) {
	cmd, err := s.prepare(cmd)
	if err != nil {
		return cmd.CommandID, err
	}
	if !cmd.IsExit() {
		return cmd.CommandID, fmt.Errorf("%w: %s must be submitted", ErrWrongPath, cmd.ExecutionType)
	}
	if err := s.ledger.CreateOrder(ctx, cmd.Record()); err != nil {
		return cmd.CommandID, fmt.Errorf("register exit: %w", err)
	}
	s.guard.AddPending(cmd.StrategyID, cmd.Symbol, cmd.CommandID)
	s.publish(cmd, db.StatusCreated, "", "")
	s.log.Infow("exit registered",
		"command_id", cmd.CommandID, "strategy_id", cmd.StrategyID, "symbol", cmd.Symbol,
		"type", cmd.ExecutionType, "source", cmd.Source)

	if s.exits != nil && !s.exits.Enqueue(cmd) {
		s.log.Warnw("exit queue full, left for ledger rescan", "command_id", cmd.CommandID)
	}
	return cmd.CommandID, nil
}

// ExecuteExit sends a registered exit. The CREATED -> SENT_TO_BROKER
// compare-and-set makes a second attempt on the same command a no-op.
func (s *Service) ExecuteExit(ctx context.Context, cmd Command) (Result, error) {
	if err := s.ledger.UpdateStatus(ctx, cmd.ClientID, cmd.CommandID, db.StatusSentToBroker, ""); err != nil {
		return Result{CommandID: cmd.CommandID}, err
	}
	s.publish(cmd, db.StatusSentToBroker, "", "")
	return s.send(ctx, cmd), nil
}

// ReissueExit registers a fresh copy of an exit whose order never reached
// the broker.
func (s *Service) ReissueExit(ctx context.Context, cmd Command) (string, error) {
	next := cmd
	next.CommandID = ""
	next.CreatedAt = time.Time{}
	if next.ParentID == "" {
		next.ParentID = cmd.CommandID
	}
	return s.Register(ctx, next)
}

func (s *Service) send(ctx context.Context, cmd Command) Result {
	res := Result{CommandID: cmd.CommandID}
	out, err := s.broker.PlaceOrder(ctx, cmd.BrokerRequest())

	var rej *common.RejectionError
	switch {
	case err == nil:
		if uerr := s.ledger.UpdateBrokerID(ctx, cmd.ClientID, cmd.CommandID, out.BrokerOrderID, db.StatusSentToBroker); uerr != nil {
			// The watcher finds the order through the command id tag.
			s.log.Warnw("store broker id failed", "command_id", cmd.CommandID, "broker_order_id", out.BrokerOrderID, "error", uerr)
		}
		s.log.Infow("order accepted by broker",
			"command_id", cmd.CommandID, "broker_order_id", out.BrokerOrderID,
			"strategy_id", cmd.StrategyID, "symbol", cmd.Symbol, "side", cmd.Side, "qty", cmd.Quantity)
		s.publish(cmd, db.StatusSentToBroker, "", out.BrokerOrderID)
		s.record(cmd, "sent")
		res.Success = true
		res.BrokerOrderID = out.BrokerOrderID

	case errors.As(err, &rej):
		s.fail(ctx, cmd, TagBrokerRejected)
		res.Tag = TagBrokerRejected
		res.Error = rej.Reason
		if cmd.IsExit() {
			s.alert(events.AlertExitRejected, cmd, rej.Reason)
		}

	case gateway.NotSent(err):
		s.fail(ctx, cmd, TagBrokerUnavailable)
		res.Tag = TagBrokerUnavailable
		res.Error = err.Error()
		if cmd.IsExit() {
			if id, rerr := s.ReissueExit(ctx, cmd); rerr != nil {
				s.log.Errorw("reissue exit failed", "command_id", cmd.CommandID, "error", rerr)
			} else {
				s.log.Warnw("exit reissued after broker outage", "command_id", cmd.CommandID, "replacement", id)
			}
		}

	default:
		// Unknown outcome: the record stays SENT_TO_BROKER and the
		// reservation stays held until the watcher sees broker truth.
		if terr := s.ledger.UpdateTag(ctx, cmd.ClientID, cmd.CommandID, TagBrokerTimeout); terr != nil {
			s.log.Warnw("tag timeout failed", "command_id", cmd.CommandID, "error", terr)
		}
		s.log.Warnw("broker outcome unknown", "command_id", cmd.CommandID, "error", err)
		s.record(cmd, TagBrokerTimeout)
		res.Tag = TagBrokerTimeout
		res.Pending = true
		res.Error = err.Error()
	}
	return res
}

// fail moves the record to FAILED and frees its reservation. A failing
// write is logged only; the watcher's recovery rules settle the row.
func (s *Service) fail(ctx context.Context, cmd Command, tag string) {
	if err := s.ledger.UpdateStatus(ctx, cmd.ClientID, cmd.CommandID, db.StatusFailed, tag); err != nil {
		s.log.Errorw("mark failed failed", "command_id", cmd.CommandID, "tag", tag, "error", err)
	}
	s.guard.Release(cmd.StrategyID, cmd.CommandID)
	s.log.Infow("command failed", "command_id", cmd.CommandID, "strategy_id", cmd.StrategyID, "symbol", cmd.Symbol, "tag", tag)
	s.publish(cmd, db.StatusFailed, tag, "")
	s.record(cmd, tag)
}

func (s *Service) prepare(cmd Command) (Command, error) {
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = s.now()
	}
	switch cmd.ClientID {
	case "":
		cmd.ClientID = s.clientID
	case s.clientID:
	default:
		return cmd, fmt.Errorf("%w: %s", ErrForeignClient, cmd.ClientID)
	}
	if err := Validate(s.validate, cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// Validate checks struct tags plus the cross-field rules.
func Validate(v *validator.Validate, cmd Command) error {
	if err := v.Struct(cmd); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	if cmd.OrderType != common.OrderTypeMarket && (!cmd.Price.Valid || !cmd.Price.Decimal.IsPositive()) {
		return fmt.Errorf("invalid command: %s order requires a positive price", cmd.OrderType)
	}
	if cmd.StopLoss.Valid && !cmd.StopLoss.Decimal.IsPositive() {
		return errors.New("invalid command: stop_loss must be positive")
	}
	if cmd.Target.Valid && !cmd.Target.Decimal.IsPositive() {
		return errors.New("invalid command: target must be positive")
	}
	if cmd.Trailing != nil && !cmd.Trailing.Distance.IsPositive() {
		return errors.New("invalid command: trailing distance must be positive")
	}
	return nil
}

func (s *Service) publish(cmd Command, status db.OrderStatus, tag, brokerID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.EventOrderUpdate, events.OrderUpdate{
		CommandID:     cmd.CommandID,
		ClientID:      cmd.ClientID,
		StrategyID:    cmd.StrategyID,
		Symbol:        cmd.Symbol,
		ExecutionType: cmd.ExecutionType,
		Status:        string(status),
		Tag:           tag,
		BrokerOrderID: brokerID,
		Timestamp:     s.now(),
	})
}

func (s *Service) alert(kind string, cmd Command, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.EventAlert, events.Alert{
		Kind:       kind,
		StrategyID: cmd.StrategyID,
		Symbol:     cmd.Symbol,
		Reason:     reason,
		Timestamp:  s.now(),
	})
}

func (s *Service) record(cmd Command, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordOutcome(cmd.ExecutionType, outcome)
	}
}
