package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"makerclose/internal/config"
	"makerclose/internal/exchange"
	"makerclose/internal/execution"
	"makerclose/internal/monitor"
	"makerclose/internal/position"
	"makerclose/internal/store"
)

// fakeMarket 为每个交易对按顺序返回预设持仓，读完后重复最后一个。
type fakeMarket struct {
	mu     sync.Mutex
	sizes  map[string][]string
	reads  map[string]int
	onRead func(symbol string, n int)
}

func newFakeMarket(sizes map[string][]string) *fakeMarket {
	return &fakeMarket{sizes: sizes, reads: make(map[string]int)}
}

func (f *fakeMarket) Position(_ context.Context, symbol string) (*position.Position, error) {
	f.mu.Lock()
	seq := f.sizes[symbol]
	n := f.reads[symbol]
	f.reads[symbol] = n + 1
	hook := f.onRead
	f.mu.Unlock()

	if hook != nil {
		hook(symbol, n+1)
	}
	if len(seq) == 0 {
		return nil, nil
	}
	if n >= len(seq) {
		n = len(seq) - 1
	}
	size := decimal.RequireFromString(seq[n])
	if size.IsZero() {
		return nil, nil
	}
	return &position.Position{Symbol: symbol, SignedSize: size}, nil
}

func (f *fakeMarket) TopOfBook(_ context.Context, symbol string) (position.Quote, error) {
	return position.Quote{Symbol: symbol, Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(101)}, nil
}

type fakeOrders struct {
	mu           sync.Mutex
	placed       []string
	marketCloses int
	cancels      int
}

func (f *fakeOrders) CancelAll(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeOrders) PlaceLimit(_ context.Context, symbol string, side execution.OrderSide, size, price decimal.Decimal) (*execution.OrderHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, symbol)
	return &execution.OrderHandle{ID: "1", Symbol: symbol, Side: side, Size: size, Price: price}, nil
}

func (f *fakeOrders) MarketClose(_ context.Context, pos *position.Position, quote position.Quote) (*execution.OrderHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marketCloses++
	return &execution.OrderHandle{ID: "t", Symbol: pos.Symbol, Side: execution.CloseSide(pos.IsLong()), Size: pos.AbsSize(), Price: quote.Bid}, nil
}

func newTestMonitor(t *testing.T) *monitor.Service {
	t.Helper()
	s, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	svc, err := monitor.NewService(s, nil)
	require.NoError(t, err)
	return svc
}

func normalize(raw string) string {
	return exchange.NormalizeSymbol(raw, "/USDC:USDC")
}

func TestCoordinatorClose_JournalsRun(t *testing.T) {
	svc := newTestMonitor(t)
	market := newFakeMarket(map[string][]string{"BTC/USDC:USDC": {"2", "2", "0", "0"}})
	orders := &fakeOrders{}
	coord := NewCoordinator(market, orders, svc, config.CloseConfig{Mode: config.CloseModeMaker, StuckAttemptThreshold: 50}, nil)

	ok, err := coord.Close(context.Background(), "BTC/USDC:USDC")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, orders.placed, 1)
	require.Empty(t, coord.Active())

	runs, err := svc.ListRuns(context.Background(), "BTC/USDC:USDC", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, monitor.OutcomeFlat, runs[0].Outcome)
	require.Equal(t, 1, runs[0].Attempts)
	require.Equal(t, "LONG", runs[0].StartSide)
}

func TestCoordinatorClose_RejectsConcurrentSameSymbol(t *testing.T) {
	coord := NewCoordinator(newFakeMarket(nil), &fakeOrders{}, nil, config.CloseConfig{}, nil)
	require.NoError(t, coord.acquire("BTC/USDC:USDC"))
	defer coord.release("BTC/USDC:USDC")

	_, err := coord.Close(context.Background(), "BTC/USDC:USDC")
	require.ErrorIs(t, err, ErrCloseInProgress)
	require.ErrorIs(t, coord.Start(context.Background(), "BTC/USDC:USDC"), ErrCloseInProgress)

	// 其他交易对不受影响
	ok, err := coord.Close(context.Background(), "ETH/USDC:USDC")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCoordinatorClose_TakerModeFiresMarketCloseFirst(t *testing.T) {
	market := newFakeMarket(map[string][]string{"BTC/USDC:USDC": {"-2", "0", "0"}})
	orders := &fakeOrders{}
	coord := NewCoordinator(market, orders, nil, config.CloseConfig{Mode: config.CloseModeTaker}, nil)

	ok, err := coord.Close(context.Background(), "BTC/USDC:USDC")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, orders.marketCloses)
	require.Empty(t, orders.placed)
}

func TestCoordinatorClose_CancelledRunIsJournaled(t *testing.T) {
	svc := newTestMonitor(t)
	market := newFakeMarket(map[string][]string{"BTC/USDC:USDC": {"2"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	market.onRead = func(_ string, n int) {
		if n == 2 {
			cancel()
		}
	}
	orders := &fakeOrders{}
	coord := NewCoordinator(market, orders, svc, config.CloseConfig{}, nil)

	ok, err := coord.Close(ctx, "BTC/USDC:USDC")
	require.False(t, ok)
	require.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, orders.cancels, 1)

	runs, err := svc.ListRuns(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, monitor.OutcomeCancelled, runs[0].Outcome)
	require.Contains(t, runs[0].Error, "context canceled")
}

func TestAppCloseSymbols_ConcurrentAndDeduplicated(t *testing.T) {
	market := newFakeMarket(map[string][]string{
		"BTC/USDC:USDC": {"1", "1", "0", "0"},
		"ETH/USDC:USDC": {"-3", "-3", "0", "0"},
	})
	orders := &fakeOrders{}
	cfg := &config.Config{Exchange: config.ExchangeConfig{Name: "hyperliquid"}}
	a := newApp(cfg, nil, nil, market, orders, normalize)

	require.NoError(t, a.CloseSymbols(context.Background(), []string{"btc,eth", "BTC"}))
	require.Len(t, orders.placed, 2)
	require.ElementsMatch(t, []string{"BTC/USDC:USDC", "ETH/USDC:USDC"}, orders.placed)
}

func TestAppCloseSymbols_Empty(t *testing.T) {
	a := newApp(&config.Config{}, zap.NewNop(), nil, newFakeMarket(nil), &fakeOrders{}, normalize)
	require.Error(t, a.CloseSymbols(context.Background(), []string{" , "}))
}

func TestMonitorMux_CloseEndpoint(t *testing.T) {
	svc := newTestMonitor(t)
	market := newFakeMarket(map[string][]string{"BTC/USDC:USDC": {"1", "1", "0", "0"}})
	coord := NewCoordinator(market, &fakeOrders{}, svc, config.CloseConfig{}, nil)
	mux := newMonitorMux(serverDeps{
		monitor:   svc,
		coord:     coord,
		normalize: normalize,
		baseCtx:   context.Background(),
		logger:    zap.NewNop(),
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/close?symbol=btc", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/close", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, coord.acquire("ETH/USDC:USDC"))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/close?symbol=eth", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	coord.release("ETH/USDC:USDC")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/close?symbol=btc", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.Equal(t, "BTC/USDC:USDC", started["symbol"])

	coord.Wait()

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?symbol=BTC", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []monitor.CloseRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	require.Equal(t, monitor.OutcomeFlat, runs[0].Outcome)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?type=close_attempt&limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var events []monitor.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestParseLimit(t *testing.T) {
	require.Equal(t, 50, parseLimit("", 50))
	require.Equal(t, 50, parseLimit("abc", 50))
	require.Equal(t, 1000, parseLimit("5000", 50))
	require.Equal(t, 7, parseLimit("7", 50))
}
