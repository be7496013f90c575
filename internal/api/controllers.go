package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"execution-core/internal/order"
	"execution-core/pkg/db"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// orderView is the JSON shape of a ledger record.
type orderView struct {
	CommandID        string              `json:"command_id"`
	ClientID         string              `json:"client_id"`
	Source           string              `json:"source,omitempty"`
	StrategyID       string              `json:"strategy_id"`
	Exchange         string              `json:"exchange"`
	Symbol           string              `json:"symbol"`
	Side             string              `json:"side"`
	Quantity         int64               `json:"quantity"`
	ProductType      string              `json:"product_type"`
	OrderType        string              `json:"order_type"`
	Price            decimal.NullDecimal `json:"price"`
	StopLoss         decimal.NullDecimal `json:"stop_loss"`
	Target           decimal.NullDecimal `json:"target"`
	TrailingDistance decimal.NullDecimal `json:"trailing_distance"`
	TrailingPercent  bool                `json:"trailing_percent,omitempty"`
	ExecutionType    string              `json:"execution_type"`
	ParentID         string              `json:"parent_id,omitempty"`
	Status           string              `json:"status"`
	Tag              string              `json:"tag,omitempty"`
	BrokerOrderID    string              `json:"broker_order_id,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	History          []eventView         `json:"history,omitempty"`
}

type eventView struct {
	Status    string    `json:"status"`
	Tag       string    `json:"tag,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toOrderView(r db.OrderRecord) orderView {
	return orderView{
		CommandID:        r.CommandID,
		ClientID:         r.ClientID,
		Source:           r.Source,
		StrategyID:       r.StrategyID,
		Exchange:         r.Exchange,
		Symbol:           r.Symbol,
		Side:             r.Side,
		Quantity:         r.Quantity,
		ProductType:      r.ProductType,
		OrderType:        r.OrderType,
		Price:            r.Price,
		StopLoss:         r.StopLoss,
		Target:           r.Target,
		TrailingDistance: r.TrailingDistance,
		TrailingPercent:  r.TrailingPercent,
		ExecutionType:    r.ExecutionType,
		ParentID:         r.ParentID,
		Status:           string(r.Status),
		Tag:              r.Tag,
		BrokerOrderID:    r.BrokerOrderID,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// bindCommand decodes and validates a command for the caller's client.
// It answers the request itself and returns false on any problem.
func (s *Server) bindCommand(c *gin.Context) (order.Command, bool) {
	var cmd order.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return cmd, false
	}
	clientID := CurrentClientID(c)
	if clientID != s.deps.Commands.ClientID() || (cmd.ClientID != "" && cmd.ClientID != clientID) {
		respondError(c, http.StatusForbidden, "FOREIGN_CLIENT", "token is not valid for this client")
		return cmd, false
	}
	cmd.ClientID = clientID
	if cmd.Source == "" {
		cmd.Source = "api"
	}
	if err := order.Validate(s.valid, cmd); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_COMMAND", err.Error())
		return cmd, false
	}
	return cmd, true
}

// submitCommand executes an ENTRY or ADJUST.
func (s *Server) submitCommand(c *gin.Context) {
	cmd, ok := s.bindCommand(c)
	if !ok {
		return
	}
	if cmd.IsExit() {
		respondError(c, http.StatusBadRequest, "WRONG_PATH", "exits go to /api/commands/exit")
		return
	}

	res := s.deps.Commands.Submit(c.Request.Context(), cmd)
	c.JSON(submitStatus(res), res)
}

func submitStatus(res order.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Pending:
		return http.StatusAccepted
	case res.Blocked != order.NotBlocked:
		return http.StatusConflict
	case res.Tag == order.TagBrokerRejected:
		return http.StatusBadGateway
	case res.Tag == order.TagBrokerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// registerExit records an EXIT or FORCE_EXIT for the watcher.
func (s *Server) registerExit(c *gin.Context) {
	cmd, ok := s.bindCommand(c)
	if !ok {
		return
	}
	id, err := s.deps.Commands.Register(c.Request.Context(), cmd)
	switch {
	case errors.Is(err, order.ErrWrongPath):
		respondError(c, http.StatusBadRequest, "WRONG_PATH", err.Error())
	case err != nil:
		s.log.Errorw("register exit failed", "command_id", id, "error", err)
		respondError(c, http.StatusInternalServerError, "LEDGER_ERROR", err.Error())
	default:
		c.JSON(http.StatusAccepted, gin.H{"command_id": id, "status": db.StatusCreated})
	}
}

func (s *Server) getOrder(c *gin.Context) {
	ctx := c.Request.Context()
	clientID := CurrentClientID(c)
	r, err := s.deps.Ledger.GetOrder(ctx, clientID, c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "order not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	view := toOrderView(*r)
	events, err := s.deps.Ledger.ListOrderEvents(ctx, clientID, r.CommandID)
	if err != nil {
		s.log.Warnw("order history unavailable", "command_id", r.CommandID, "error", err)
	}
	for _, e := range events {
		view.History = append(view.History, eventView{Status: string(e.Status), Tag: e.Tag, CreatedAt: e.CreatedAt})
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getOpenOrders(c *gin.Context) {
	records, err := s.deps.Ledger.GetOpenOrdersByStrategy(c.Request.Context(), CurrentClientID(c), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]orderView, 0, len(records))
	for _, r := range records {
		out = append(out, toOrderView(r))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (s *Server) listStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.deps.Guard.Strategies()})
}

func (s *Server) getGuard(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Guard.View(c.Param("id")))
}

func (s *Server) getRisk(c *gin.Context) {
	if s.deps.Risk == nil {
		respondError(c, http.StatusServiceUnavailable, "RISK_UNAVAILABLE", "risk manager not running")
		return
	}
	c.JSON(http.StatusOK, s.deps.Risk.Status())
}

func (s *Server) getMetrics(c *gin.Context) {
	resp := gin.H{}
	if s.deps.Metrics != nil {
		resp["metrics"] = s.deps.Metrics.Snapshot()
	}
	if s.deps.Bus != nil {
		resp["dropped_events"] = s.deps.Bus.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}
