package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ofb/creek/pkg/broker"
	"github.com/ofb/creek/pkg/models"
)

// Client talks to the trading and market-data APIs. All failures are
// surfaced as *broker.Error so the engine can classify them.
type Client struct {
	auth       Authenticator
	tradingURL string
	dataURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

const requestsPerMinute = 200

func NewClient(auth Authenticator, paper bool) *Client {
	tradingURL := "https://api.alpaca.markets"
	if paper {
		tradingURL = "https://paper-api.alpaca.markets"
	}

	return &Client{
		auth:       auth,
		tradingURL: tradingURL,
		dataURL:    "https://data.alpaca.markets",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerMinute)/60.0, 10),
	}
}

// SetBaseURLs overrides the default endpoints (tests, gateways).
func (c *Client) SetBaseURLs(trading, data string) {
	c.tradingURL = trading
	c.dataURL = data
}

func (c *Client) doRequest(ctx context.Context, method, base, path string, body []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &broker.Error{Class: broker.ClassTransient, Message: err.Error()}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return &broker.Error{Class: broker.ClassFatal, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.auth.AddAuthHeaders(req, method, path); err != nil {
		return &broker.Error{Class: broker.ClassFatal, Message: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &broker.Error{Class: broker.ClassTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &broker.Error{Class: broker.ClassTransient, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &broker.Error{Class: broker.ClassRejected, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("decoding response: %v", err)}
	}
	return nil
}

type apiError struct {
	Code      int     `json:"code"`
	Message   string  `json:"message"`
	Available float64 `json:"available,string"`
}

func parseAPIError(status int, data []byte) *broker.Error {
	var ae apiError
	_ = json.Unmarshal(data, &ae)
	msg := ae.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	return &broker.Error{
		Class:      broker.ClassifyStatus(status),
		StatusCode: status,
		Code:       strconv.Itoa(ae.Code),
		Message:    msg,
		Available:  ae.Available,
	}
}

type clockResponse struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

func (c *Client) GetClock(ctx context.Context) (models.ClockInfo, error) {
	var out clockResponse
	if err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/clock", nil, &out); err != nil {
		return models.ClockInfo{}, err
	}
	return models.ClockInfo{
		Timestamp: out.Timestamp,
		IsOpen:    out.IsOpen,
		NextOpen:  out.NextOpen,
		NextClose: out.NextClose,
	}, nil
}

type accountResponse struct {
	Equity          string `json:"equity"`
	Cash            string `json:"cash"`
	TradingBlocked  bool   `json:"trading_blocked"`
	AccountBlocked  bool   `json:"account_blocked"`
	ShortingEnabled bool   `json:"shorting_enabled"`
}

func (c *Client) GetAccount(ctx context.Context) (models.Account, error) {
	var out accountResponse
	if err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/account", nil, &out); err != nil {
		return models.Account{}, err
	}
	return models.Account{
		Equity:          parseFloat(out.Equity),
		Cash:            parseFloat(out.Cash),
		TradingBlocked:  out.TradingBlocked,
		AccountBlocked:  out.AccountBlocked,
		ShortingEnabled: out.ShortingEnabled,
		UpdatedAt:       time.Now(),
	}, nil
}

type assetResponse struct {
	Symbol       string `json:"symbol"`
	Tradable     bool   `json:"tradable"`
	Shortable    bool   `json:"shortable"`
	EasyToBorrow bool   `json:"easy_to_borrow"`
	Fractionable bool   `json:"fractionable"`
}

func (c *Client) GetAsset(ctx context.Context, symbol string) (models.Asset, error) {
	var out assetResponse
	if err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/assets/"+url.PathEscape(symbol), nil, &out); err != nil {
		return models.Asset{}, err
	}
	return models.Asset{
		Symbol:       out.Symbol,
		Tradable:     out.Tradable,
		Shortable:    out.Shortable && out.EasyToBorrow,
		Fractionable: out.Fractionable,
	}, nil
}

type positionResponse struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	CostBasis     string `json:"cost_basis"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value"`
}

func (c *Client) GetAllPositions(ctx context.Context) ([]models.Position, error) {
	var out []positionResponse
	if err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/positions", nil, &out); err != nil {
		return nil, err
	}
	positions := make([]models.Position, 0, len(out))
	for _, p := range out {
		side := models.PositionSideLong
		if p.Side == "short" {
			side = models.PositionSideShort
		}
		positions = append(positions, models.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      absFloat(parseFloat(p.Qty)),
			CostBasis:     absFloat(parseFloat(p.CostBasis)),
			AvgEntryPrice: parseFloat(p.AvgEntryPrice),
			MarketValue:   parseFloat(p.MarketValue),
			UpdatedAt:     time.Now(),
		})
	}
	return positions, nil
}

type orderResponse struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Qty            string    `json:"qty"`
	Notional       string    `json:"notional"`
	LimitPrice     string    `json:"limit_price"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice string    `json:"filled_avg_price"`
	Status         string    `json:"status"`
	TimeInForce    string    `json:"time_in_force"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (r *orderResponse) toOrder() *models.Order {
	return &models.Order{
		OrderID:        r.ID,
		ClientOrderID:  r.ClientOrderID,
		Symbol:         r.Symbol,
		Side:           models.OrderSide(r.Side),
		Type:           models.OrderType(r.Type),
		Quantity:       parseFloat(r.Qty),
		Notional:       parseFloat(r.Notional),
		LimitPrice:     parseFloat(r.LimitPrice),
		FilledQuantity: parseFloat(r.FilledQty),
		FilledAvgPrice: parseFloat(r.FilledAvgPrice),
		Status:         mapOrderStatus(r.Status),
		TimeInForce:    r.TimeInForce,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func mapOrderStatus(s string) models.OrderStatus {
	switch s {
	case "new", "accepted", "pending_new":
		return models.OrderStatusNew
	case "partially_filled":
		return models.OrderStatusPartiallyFilled
	case "filled":
		return models.OrderStatusFilled
	case "canceled", "expired", "done_for_day":
		return models.OrderStatusCanceled
	case "rejected":
		return models.OrderStatusRejected
	}
	return models.OrderStatusNew
}

type orderRequestBody struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Qty           string `json:"qty,omitempty"`
	Notional      string `json:"notional,omitempty"`
	LimitPrice    string `json:"limit_price,omitempty"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

func (c *Client) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	tif := req.TimeInForce
	if tif == "" {
		tif = "day"
	}
	body := orderRequestBody{
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   tif,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Notional > 0 {
		body.Notional = formatFloat(req.Notional)
	} else {
		body.Qty = formatFloat(req.Quantity)
	}
	if req.Type == models.OrderTypeLimit {
		body.LimitPrice = formatFloat(req.LimitPrice)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, &broker.Error{Class: broker.ClassFatal, Message: err.Error()}
	}
	var out orderResponse
	if err := c.doRequest(ctx, http.MethodPost, c.tradingURL, "/v2/orders", data, &out); err != nil {
		return nil, err
	}
	return out.toOrder(), nil
}

func (c *Client) ReplaceOrder(ctx context.Context, orderID string, quantity, newLimitPrice float64, clientOrderID string) (*models.Order, error) {
	body := struct {
		Qty           string `json:"qty"`
		LimitPrice    string `json:"limit_price"`
		ClientOrderID string `json:"client_order_id,omitempty"`
	}{
		Qty:           formatFloat(quantity),
		LimitPrice:    formatFloat(newLimitPrice),
		ClientOrderID: clientOrderID,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &broker.Error{Class: broker.ClassFatal, Message: err.Error()}
	}
	var out orderResponse
	if err := c.doRequest(ctx, http.MethodPatch, c.tradingURL, "/v2/orders/"+url.PathEscape(orderID), data, &out); err != nil {
		return nil, err
	}
	return out.toOrder(), nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.doRequest(ctx, http.MethodDelete, c.tradingURL, "/v2/orders/"+url.PathEscape(orderID), nil, nil)
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var out orderResponse
	if err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/orders/"+url.PathEscape(orderID), nil, &out); err != nil {
		return nil, err
	}
	return out.toOrder(), nil
}

type quoteEntry struct {
	BidPrice  float64   `json:"bp"`
	BidSize   float64   `json:"bs"`
	AskPrice  float64   `json:"ap"`
	AskSize   float64   `json:"as"`
	Timestamp time.Time `json:"t"`
}

func (c *Client) GetLatestQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	var out struct {
		Quotes map[string]quoteEntry `json:"quotes"`
	}
	path := "/v2/stocks/quotes/latest?symbols=" + url.QueryEscape(strings.Join(symbols, ","))
	if err := c.doRequest(ctx, http.MethodGet, c.dataURL, path, nil, &out); err != nil {
		return nil, err
	}
	quotes := make(map[string]models.Quote, len(out.Quotes))
	for sym, q := range out.Quotes {
		quotes[sym] = models.Quote{
			Symbol:    sym,
			BidPrice:  q.BidPrice,
			BidSize:   q.BidSize,
			AskPrice:  q.AskPrice,
			AskSize:   q.AskSize,
			Timestamp: q.Timestamp,
		}
	}
	return quotes, nil
}

type tradeEntry struct {
	Price     float64   `json:"p"`
	Size      float64   `json:"s"`
	Timestamp time.Time `json:"t"`
}

func (c *Client) GetLatestTrades(ctx context.Context, symbols []string) (map[string]models.TradeTick, error) {
	var out struct {
		Trades map[string]tradeEntry `json:"trades"`
	}
	path := "/v2/stocks/trades/latest?symbols=" + url.QueryEscape(strings.Join(symbols, ","))
	if err := c.doRequest(ctx, http.MethodGet, c.dataURL, path, nil, &out); err != nil {
		return nil, err
	}
	trades := make(map[string]models.TradeTick, len(out.Trades))
	for sym, t := range out.Trades {
		trades[sym] = models.TradeTick{
			Symbol:    sym,
			Price:     t.Price,
			Size:      t.Size,
			Timestamp: t.Timestamp,
		}
	}
	return trades, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
