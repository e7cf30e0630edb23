package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"

	"makerclose/internal/exchange"
	"makerclose/internal/position"
)

func TestBuildLimitOrder_MakerParams(t *testing.T) {
	exec := newTestExecutor(&mockOrderClient{}, btcMarket())

	order, err := exec.buildLimitOrder(context.Background(), "BTC/USDC:USDC", OrderSideSell, dec("2.0004"), dec("101.2"))
	if err != nil {
		t.Fatalf("buildLimitOrder returned error: %v", err)
	}

	if !order.Price.Equal(dec("101.5")) {
		t.Errorf("sell price must round up to tick, got %s", order.Price)
	}
	if !order.Amount.Equal(dec("2")) {
		t.Errorf("size must round down to step, got %s", order.Amount)
	}
	if order.Params["postOnly"] != true || order.Params["reduceOnly"] != true {
		t.Errorf("expected postOnly+reduceOnly params, got %v", order.Params)
	}
	if _, ok := order.Params["timeInForce"]; ok {
		t.Errorf("PO time in force must be expressed through postOnly only, got %v", order.Params)
	}
	if order.Params["clientOrderId"] != "0xfixed" || order.ClientOrder != "0xfixed" {
		t.Errorf("unexpected client order id %v", order.Params["clientOrderId"])
	}
}

func TestBuildLimitOrder_BuyRoundsDown(t *testing.T) {
	exec := newTestExecutor(&mockOrderClient{}, btcMarket())
	exec.opts.TimeInForce = "GTC"

	order, err := exec.buildLimitOrder(context.Background(), "BTC/USDC:USDC", OrderSideBuy, dec("1"), dec("99.9"))
	if err != nil {
		t.Fatalf("buildLimitOrder returned error: %v", err)
	}
	if !order.Price.Equal(dec("99.5")) {
		t.Errorf("buy price must round down to tick, got %s", order.Price)
	}
	if tif := order.Params["timeInForce"]; tif != "GTC" {
		t.Errorf("expected timeInForce=GTC, got %v", tif)
	}
}

func TestPlaceLimit_SubmitsOrder(t *testing.T) {
	client := &mockOrderClient{orderID: "42"}
	exec := newTestExecutor(client, btcMarket())

	handle, err := exec.PlaceLimit(context.Background(), "BTC/USDC:USDC", OrderSideSell, dec("2"), dec("101"))
	if err != nil {
		t.Fatalf("PlaceLimit returned error: %v", err)
	}
	if handle == nil || handle.ID != "42" || handle.ClientID != "0xfixed" {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if len(client.limits) != 1 {
		t.Fatalf("expected one order, got %d", len(client.limits))
	}
	got := client.limits[0]
	if got.symbol != "BTC/USDC:USDC" || got.side != "sell" || got.amount != 2 || got.price != 101 {
		t.Errorf("unexpected order %+v", got)
	}
}

func TestPlaceLimit_DustRemainderUsesMinimumSize(t *testing.T) {
	client := &mockOrderClient{orderID: "7"}
	exec := newTestExecutor(client, btcMarket())

	handle, err := exec.PlaceLimit(context.Background(), "BTC/USDC:USDC", OrderSideSell, dec("0.0004"), dec("101"))
	if err != nil {
		t.Fatalf("PlaceLimit returned error: %v", err)
	}
	if handle == nil || !handle.Size.Equal(dec("0.001")) {
		t.Fatalf("expected handle sized at one step, got %+v", handle)
	}
	if len(client.limits) != 1 || client.limits[0].amount != 0.001 {
		t.Fatalf("expected one order of 0.001, got %+v", client.limits)
	}

	order, err := exec.buildLimitOrder(context.Background(), "BTC/USDC:USDC", OrderSideSell, dec("0.0004"), dec("101"))
	if err != nil {
		t.Fatalf("buildLimitOrder returned error: %v", err)
	}
	if !order.ReduceOnly || order.Params["reduceOnly"] != true {
		t.Errorf("dust order must stay reduce-only, got %v", order.Params)
	}
}

func TestRoundSize(t *testing.T) {
	stepOnly := exchange.MarketInfo{AmountStep: dec("0.01")}
	withMin := exchange.MarketInfo{AmountStep: dec("0.01"), MinAmount: dec("0.05")}
	unknown := exchange.MarketInfo{}

	cases := []struct {
		name string
		size string
		info exchange.MarketInfo
		want string
	}{
		{"floors to step", "1.237", stepOnly, "1.23"},
		{"sub-step rounds up to one step", "0.004", stepOnly, "0.01"},
		{"below minimum rounds up to minimum", "0.031", withMin, "0.05"},
		{"negative uses absolute value", "-0.5", withMin, "0.5"},
		{"no precision keeps raw size", "0.0001234", unknown, "0.0001234"},
	}
	for _, tc := range cases {
		got, err := roundSize(dec(tc.size), tc.info)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !got.Equal(dec(tc.want)) {
			t.Errorf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}

	if _, err := roundSize(decimal.Zero, withMin); !errors.Is(err, ErrSizeBelowMinimum) {
		t.Errorf("zero size must be rejected, got %v", err)
	}
}

func TestPlaceLimit_VenueErrorReturnsNilHandle(t *testing.T) {
	client := &mockOrderClient{createErr: errors.New("post only would cross")}
	exec := newTestExecutor(client, nil)

	handle, err := exec.PlaceLimit(context.Background(), "BTC/USDC:USDC", OrderSideBuy, dec("1"), dec("100"))
	if err == nil || handle != nil {
		t.Fatalf("expected error and nil handle, got %+v %v", handle, err)
	}
}

func TestCancelAll_FallsBackWhenNotSupported(t *testing.T) {
	client := &mockOrderClient{
		cancelAllErr: &ccxt.Error{Type: ccxt.NotSupportedErrType, Message: "cancelAllOrders"},
		openOrders: []ccxt.Order{
			{Id: strPtr("a")},
			{Id: strPtr("b")},
			{},
		},
		cancelErrs: map[string]error{
			"b": &ccxt.Error{Type: ccxt.OrderNotFoundErrType, Message: "filled"},
		},
	}
	exec := newTestExecutor(client, nil)

	if err := exec.CancelAll(context.Background(), "BTC/USDC:USDC"); err != nil {
		t.Fatalf("CancelAll returned error: %v", err)
	}
	if len(client.cancelled) != 2 || client.cancelled[0] != "a" || client.cancelled[1] != "b" {
		t.Errorf("unexpected cancelled ids %v", client.cancelled)
	}
}

func TestCancelAll_RetriesNetworkError(t *testing.T) {
	client := &mockOrderClient{
		cancelAllErrs: []error{&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "timeout"}},
	}
	exec := newTestExecutor(client, nil)

	if err := exec.CancelAll(context.Background(), "BTC/USDC:USDC"); err != nil {
		t.Fatalf("CancelAll returned error: %v", err)
	}
	if client.cancelAllCalls != 2 {
		t.Errorf("expected 2 cancel-all calls, got %d", client.cancelAllCalls)
	}
}

func TestCancelAll_PermanentError(t *testing.T) {
	client := &mockOrderClient{cancelAllErr: errors.New("invalid api key")}
	exec := newTestExecutor(client, nil)

	if err := exec.CancelAll(context.Background(), "BTC/USDC:USDC"); err == nil {
		t.Fatalf("expected error")
	}
	if client.cancelAllCalls != 1 {
		t.Errorf("permanent errors must not be retried, got %d calls", client.cancelAllCalls)
	}
}

func TestMarketClose_CrossesTheTouch(t *testing.T) {
	client := &mockOrderClient{orderID: "7"}
	exec := newTestExecutor(client, btcMarket())
	exec.opts.TakerSlippage = 0.01

	pos := &position.Position{Symbol: "BTC/USDC:USDC", SignedSize: dec("2")}
	quote := position.Quote{Symbol: "BTC/USDC:USDC", Bid: dec("100"), Ask: dec("101")}

	handle, err := exec.MarketClose(context.Background(), pos, quote)
	if err != nil {
		t.Fatalf("MarketClose returned error: %v", err)
	}
	// 100 * 0.99 = 99，卖单向下取整仍为 99
	if handle.Side != OrderSideSell || !handle.Price.Equal(dec("99")) {
		t.Errorf("unexpected taker order %+v", handle)
	}

	flat, err := exec.MarketClose(context.Background(), &position.Position{}, quote)
	if err != nil || flat != nil {
		t.Errorf("flat position must be a no-op, got %+v %v", flat, err)
	}
}

func TestCloseSide(t *testing.T) {
	if CloseSide(true) != OrderSideSell || CloseSide(false) != OrderSideBuy {
		t.Fatalf("close side mismatch")
	}
	if OrderSideBuy.Opposite() != OrderSideSell {
		t.Fatalf("opposite mismatch")
	}
}

func TestNewClientOrderID_Format(t *testing.T) {
	id := newClientOrderID()
	if len(id) != 34 || id[:2] != "0x" {
		t.Fatalf("unexpected client order id %q", id)
	}
	if id == newClientOrderID() {
		t.Fatalf("client order ids must be unique")
	}
}

func newTestExecutor(client *mockOrderClient, markets marketInfoSource) *Executor {
	exec := NewExecutor(client, markets, Options{TimeInForce: "PO", RetryBackoff: time.Millisecond}, nil)
	exec.newID = func() string { return "0xfixed" }
	return exec
}

type staticMarkets map[string]exchange.MarketInfo

func (s staticMarkets) Market(_ context.Context, symbol string) (exchange.MarketInfo, error) {
	info, ok := s[symbol]
	if !ok {
		return exchange.MarketInfo{}, exchange.ErrUnknownMarket
	}
	return info, nil
}

func btcMarket() staticMarkets {
	return staticMarkets{
		"BTC/USDC:USDC": {
			Symbol:     "BTC/USDC:USDC",
			PriceTick:  dec("0.5"),
			AmountStep: dec("0.001"),
			MinAmount:  dec("0.001"),
		},
	}
}

type limitCall struct {
	symbol string
	side   string
	amount float64
	price  float64
}

type mockOrderClient struct {
	orderID   string
	createErr error
	limits    []limitCall

	cancelAllErr   error
	cancelAllErrs  []error
	cancelAllCalls int

	openOrders []ccxt.Order
	cancelErrs map[string]error
	cancelled  []string
}

func (m *mockOrderClient) CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error) {
	if m.createErr != nil {
		return ccxt.Order{}, m.createErr
	}
	m.limits = append(m.limits, limitCall{symbol: symbol, side: side, amount: amount, price: price})
	return ccxt.Order{Id: strPtr(m.orderID)}, nil
}

func (m *mockOrderClient) CancelAllOrders(options ...ccxt.CancelAllOrdersOptions) ([]ccxt.Order, error) {
	idx := m.cancelAllCalls
	m.cancelAllCalls++
	if idx < len(m.cancelAllErrs) && m.cancelAllErrs[idx] != nil {
		return nil, m.cancelAllErrs[idx]
	}
	if m.cancelAllErr != nil {
		return nil, m.cancelAllErr
	}
	return nil, nil
}

func (m *mockOrderClient) FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error) {
	return m.openOrders, nil
}

func (m *mockOrderClient) CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error) {
	m.cancelled = append(m.cancelled, id)
	if err := m.cancelErrs[id]; err != nil {
		return ccxt.Order{}, err
	}
	return ccxt.Order{Id: strPtr(id)}, nil
}

func strPtr(v string) *string { return &v }

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }
