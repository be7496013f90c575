// Package restapi talks to a JSON/HTTP brokerage API with a bearer session.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/broker/common"
)

// Config holds brokerage credentials.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client handles one brokerage account.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	expiresAt   time.Time
}

// NewClient creates a new REST broker client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type apiError struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

// do sends a request and decodes a 2xx body into out. 401/403 map to
// common.ErrSessionExpired and 4xx order errors to *common.RejectionError.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return common.ErrSessionExpired
	case res.StatusCode >= 400 && res.StatusCode < 500:
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		if ae.Message == "" {
			ae.Message = string(raw)
		}
		if method == http.MethodPost && strings.HasPrefix(path, "/orders") {
			return &common.RejectionError{Reason: ae.Message}
		}
		return fmt.Errorf("%s %s status %d: %s", method, path, res.StatusCode, ae.Message)
	case res.StatusCode >= 300:
		return fmt.Errorf("%s %s status %d: %s", method, path, res.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

type placeOrderBody struct {
	Exchange        string          `json:"exchange"`
	TradingSymbol   string          `json:"tradingsymbol"`
	TransactionType string          `json:"transaction_type"`
	OrderType       string          `json:"order_type"`
	Quantity        int64           `json:"quantity"`
	Product         string          `json:"product"`
	Price           decimal.Decimal `json:"price,omitzero"`
	TriggerPrice    decimal.Decimal `json:"trigger_price,omitzero"`
	Tag             string          `json:"tag,omitempty"`
}

// PlaceOrder places an order.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	body := placeOrderBody{
		Exchange:        req.Exchange,
		TradingSymbol:   req.Symbol,
		TransactionType: string(req.Side),
		OrderType:       brokerOrderType(req.Type),
		Quantity:        req.Quantity,
		Product:         req.ProductType,
		Price:           req.Price,
		TriggerPrice:    req.TriggerPrice,
		Tag:             req.Tag,
	}
	var out struct {
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/orders", body, &out); err != nil {
		return common.OrderResult{}, err
	}
	if out.Data.OrderID == "" {
		return common.OrderResult{}, errors.New("place order: empty order id")
	}
	return common.OrderResult{BrokerOrderID: out.Data.OrderID, Status: common.StatusOpen, Tag: req.Tag}, nil
}

type orderRow struct {
	OrderID         string          `json:"order_id"`
	Tag             string          `json:"tag"`
	Exchange        string          `json:"exchange"`
	TradingSymbol   string          `json:"tradingsymbol"`
	TransactionType string          `json:"transaction_type"`
	Quantity        int64           `json:"quantity"`
	FilledQuantity  int64           `json:"filled_quantity"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	Status          string          `json:"status"`
	StatusMessage   string          `json:"status_message"`
	OrderTimestamp  string          `json:"order_timestamp"`
}

// OrderBook returns today's orders.
func (c *Client) OrderBook(ctx context.Context) ([]common.Order, error) {
	var out struct {
		Data []orderRow `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/orders", nil, &out); err != nil {
		return nil, err
	}
	orders := make([]common.Order, 0, len(out.Data))
	for _, r := range out.Data {
		o := common.Order{
			BrokerOrderID:  r.OrderID,
			Tag:            r.Tag,
			Exchange:       r.Exchange,
			Symbol:         r.TradingSymbol,
			Side:           common.Side(strings.ToUpper(r.TransactionType)),
			Quantity:       r.Quantity,
			FilledQuantity: r.FilledQuantity,
			AveragePrice:   r.AveragePrice,
			Status:         normalizeStatus(r.Status),
			StatusMessage:  r.StatusMessage,
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", r.OrderTimestamp); err == nil {
			o.UpdatedAt = ts
		}
		orders = append(orders, o)
	}
	return orders, nil
}

type positionRow struct {
	Exchange      string          `json:"exchange"`
	TradingSymbol string          `json:"tradingsymbol"`
	Product       string          `json:"product"`
	Quantity      int64           `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
	Realised      decimal.Decimal `json:"realised"`
	Unrealised    decimal.Decimal `json:"unrealised"`
}

// Positions returns net day positions.
func (c *Client) Positions(ctx context.Context) ([]common.Position, error) {
	var out struct {
		Data struct {
			Net []positionRow `json:"net"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/portfolio/positions", nil, &out); err != nil {
		return nil, err
	}
	positions := make([]common.Position, 0, len(out.Data.Net))
	for _, r := range out.Data.Net {
		p := common.Position{
			Exchange:      r.Exchange,
			Symbol:        r.TradingSymbol,
			ProductType:   r.Product,
			Side:          common.SideBuy,
			Quantity:      r.Quantity,
			AveragePrice:  r.AveragePrice,
			LastPrice:     r.LastPrice,
			RealizedPnL:   r.Realised,
			UnrealizedPnL: r.Unrealised,
		}
		if r.Quantity < 0 {
			p.Side = common.SideSell
			p.Quantity = -r.Quantity
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// LastPrice returns the last traded price of one instrument.
func (c *Client) LastPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	instrument := exchange + ":" + symbol
	var out struct {
		Data map[string]struct {
			LastPrice decimal.Decimal `json:"last_price"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/quote/ltp?i="+url.QueryEscape(instrument), nil, &out); err != nil {
		return decimal.Zero, err
	}
	q, ok := out.Data[instrument]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", common.ErrUnknownSymbol, instrument)
	}
	return q.LastPrice, nil
}

func brokerOrderType(t common.OrderType) string {
	if t == common.OrderTypeStop {
		return "SL-M"
	}
	return string(t)
}

func normalizeStatus(s string) common.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMPLETE":
		return common.StatusComplete
	case "REJECTED":
		return common.StatusRejected
	case "CANCELLED", "CANCELED":
		return common.StatusCancelled
	case "EXPIRED", "LAPSED":
		return common.StatusExpired
	case "TRIGGER PENDING", "TRIGGER_PENDING":
		return common.StatusTriggerPending
	case "OPEN", "PUT ORDER REQ RECEIVED", "VALIDATION PENDING", "OPEN PENDING", "MODIFY PENDING":
		return common.StatusOpen
	default:
		return common.StatusUnknown
	}
}

var _ common.Client = (*Client)(nil)
