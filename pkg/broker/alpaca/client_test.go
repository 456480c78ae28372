package alpaca

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofb/creek/pkg/broker"
	"github.com/ofb/creek/pkg/models"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient(NewKeyAuthenticator("key", "secret"), true)
	c.SetBaseURLs(srv.URL, srv.URL)
	return c, srv
}

func TestGetAccountParsesStringNumbers(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/account", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		w.Write([]byte(`{"equity":"100000.50","cash":"25000.25","shorting_enabled":true}`))
	}))
	defer srv.Close()

	account, err := c.GetAccount(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 100000.50, account.Equity, 1e-9)
	assert.InDelta(t, 25000.25, account.Cash, 1e-9)
	assert.True(t, account.ShortingEnabled)
	assert.False(t, account.TradingBlocked)
}

func TestGetAssetRequiresEasyToBorrow(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"AAA","tradable":true,"shortable":true,"easy_to_borrow":false,"fractionable":true}`))
	}))
	defer srv.Close()

	asset, err := c.GetAsset(context.Background(), "AAA")
	require.NoError(t, err)
	assert.True(t, asset.Tradable)
	assert.False(t, asset.Shortable)
	assert.True(t, asset.Fractionable)
}

func TestGetAllPositionsNormalizesShorts(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BBB","side":"short","qty":"-5","cost_basis":"-550.00","avg_entry_price":"110"}]`))
	}))
	defer srv.Close()

	positions, err := c.GetAllPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, models.PositionSideShort, p.Side)
	assert.InDelta(t, 5.0, p.Quantity, 1e-9)
	assert.InDelta(t, 550.0, p.CostBasis, 1e-9)
	assert.InDelta(t, -5.0, p.SignedQuantity(), 1e-9)
	assert.InDelta(t, -550.0, p.SignedCostBasis(), 1e-9)
}

func TestSubmitOrderWireFormat(t *testing.T) {
	var got map[string]interface{}
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"abc","symbol":"AAA","side":"buy","type":"limit","qty":"10","limit_price":"100.05","status":"new"}`))
	}))
	defer srv.Close()

	order, err := c.SubmitOrder(context.Background(), models.OrderRequest{
		Symbol:        "AAA",
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeLimit,
		Quantity:      10,
		LimitPrice:    100.05,
		ClientOrderID: "cid-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "10", got["qty"])
	assert.Equal(t, "100.05", got["limit_price"])
	assert.Equal(t, "day", got["time_in_force"])
	assert.Equal(t, "cid-1", got["client_order_id"])
	assert.NotContains(t, got, "notional")

	assert.Equal(t, "abc", order.OrderID)
	assert.Equal(t, models.OrderStatusNew, order.Status)
	assert.InDelta(t, 100.05, order.LimitPrice, 1e-9)
}

func TestReplaceOrderWireFormat(t *testing.T) {
	var got map[string]interface{}
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/v2/orders/abc", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"def","symbol":"AAA","side":"sell","type":"limit","qty":"6","limit_price":"99.85","status":"new"}`))
	}))
	defer srv.Close()

	order, err := c.ReplaceOrder(context.Background(), "abc", 6, 99.85, "cid-2")
	require.NoError(t, err)

	assert.Equal(t, "6", got["qty"])
	assert.Equal(t, "99.85", got["limit_price"])
	assert.Equal(t, "cid-2", got["client_order_id"])

	assert.Equal(t, "def", order.OrderID)
	assert.InDelta(t, 6.0, order.Quantity, 1e-9)
	assert.Zero(t, order.FilledQuantity)
}

func TestSubmitOrderInsufficientShares(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"code":40310000,"message":"insufficient qty available","available":"3"}`))
	}))
	defer srv.Close()

	_, err := c.SubmitOrder(context.Background(), models.OrderRequest{
		Symbol:   "AAA",
		Side:     models.OrderSideSell,
		Type:     models.OrderTypeLimit,
		Quantity: 10,
	})
	require.Error(t, err)
	assert.True(t, broker.IsRejected(err))
	avail, ok := broker.AvailableQuantity(err)
	require.True(t, ok)
	assert.InDelta(t, 3.0, avail, 1e-9)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
	}{
		{429, broker.IsTransient},
		{500, broker.IsTransient},
		{401, broker.IsFatal},
		{422, broker.IsRejected},
	}
	for _, tc := range cases {
		c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"message":"nope"}`))
		}))
		_, err := c.GetAccount(context.Background())
		srv.Close()
		require.Error(t, err)
		assert.True(t, tc.check(err), "status %d", tc.status)
	}
}

func TestGetLatestQuotesAndTrades(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/stocks/quotes/latest":
			assert.Equal(t, "AAA,BBB", r.URL.Query().Get("symbols"))
			w.Write([]byte(`{"quotes":{"AAA":{"bp":99.95,"ap":100.05},"BBB":{"bp":49.9,"ap":50.1}}}`))
		case "/v2/stocks/trades/latest":
			w.Write([]byte(`{"trades":{"AAA":{"p":100.01,"s":50}}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	quotes, err := c.GetLatestQuotes(context.Background(), []string{"AAA", "BBB"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.InDelta(t, 0.10, quotes["AAA"].Spread(), 1e-9)

	trades, err := c.GetLatestTrades(context.Background(), []string{"AAA"})
	require.NoError(t, err)
	assert.InDelta(t, 100.01, trades["AAA"].Price, 1e-9)
}
