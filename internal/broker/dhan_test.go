package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"log/slog"

	"github.com/sony/gobreaker"

	"dhan-scalper/internal/config"
	"dhan-scalper/pkg/types"
)

// writeJSON answers the way the real API does: resty only unmarshals
// responses that declare a JSON content type.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestDhan(t *testing.T, handler http.Handler) *DhanClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDhan(config.BrokerConfig{
		ClientID:    "C123",
		AccessToken: "token",
		BaseURL:     srv.URL,
	}, slog.Default())
}

func TestDhanPlaceOrder(t *testing.T) {
	t.Parallel()
	var gotBody dhanOrderRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("access-token") != "token" || r.Header.Get("client-id") != "C123" {
			t.Error("auth headers missing")
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, dhanOrderAck{OrderID: "112111182045", OrderStatus: "TRANSIT"})
	})
	mux.HandleFunc("GET /v2/orders/112111182045", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, dhanOrderDetail{
			OrderID:            "112111182045",
			OrderStatus:        "TRADED",
			TransactionType:    "BUY",
			ExchangeSegment:    "NSE_FNO",
			SecurityID:         "49081",
			Quantity:           75,
			FilledQty:          75,
			AverageTradedPrice: 123.5,
		})
	})

	d := newTestDhan(t, mux)
	order, err := d.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "NIFTY", SecurityID: "49081", Segment: types.SegNSEFnO,
		Side: types.BUY, Quantity: 75, OrderType: types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatal(err)
	}
	if order.OrderID != "112111182045" {
		t.Errorf("order id = %s", order.OrderID)
	}
	if order.Status != types.OrderFilled {
		t.Errorf("status = %s, want FILLED", order.Status)
	}
	if !order.FillPrice.Equal(dec("123.5")) {
		t.Errorf("fill price = %s, want 123.5", order.FillPrice)
	}

	if gotBody.ProductType != "INTRADAY" || gotBody.Validity != "DAY" {
		t.Errorf("payload = %+v", gotBody)
	}
	if gotBody.TransactionType != "BUY" || gotBody.SecurityID != "49081" {
		t.Errorf("payload = %+v", gotBody)
	}
}

func TestDhanPlaceOrderRejected(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, dhanOrderAck{OrderID: "1", OrderStatus: "REJECTED"})
	})

	d := newTestDhan(t, mux)
	_, err := d.PlaceOrder(context.Background(), OrderRequest{
		SecurityID: "49081", Segment: types.SegNSEFnO, Side: types.BUY, Quantity: 75,
		OrderType: types.OrderTypeMarket,
	})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
}

func TestDhanDryRunDoesNotTransmit(t *testing.T) {
	t.Parallel()
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	t.Cleanup(srv.Close)

	d := NewDhan(config.BrokerConfig{
		ClientID: "C123", AccessToken: "t", BaseURL: srv.URL, DryRun: true,
	}, slog.Default())

	order, err := d.PlaceOrder(context.Background(), OrderRequest{
		SecurityID: "49081", Segment: types.SegNSEFnO, Side: types.BUY,
		Quantity: 75, Price: dec("100"), OrderType: types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(order.OrderID, "DRYRUN-") {
		t.Errorf("order id = %s, want DRYRUN prefix", order.OrderID)
	}
	if order.Status != types.OrderFilled || !order.FillPrice.Equal(dec("100")) {
		t.Errorf("order = %+v", order)
	}
	if called {
		t.Error("dry-run placed a real HTTP call")
	}

	if err := d.CancelOrder(context.Background(), order.OrderID); err != nil {
		t.Errorf("dry-run cancel: %v", err)
	}
	if called {
		t.Error("dry-run cancel hit the server")
	}
}

func TestDhanFetchLTP(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/marketfeed/ltp", func(w http.ResponseWriter, r *http.Request) {
		var body map[string][]int
		json.NewDecoder(r.Body).Decode(&body)
		if got := body["NSE_FNO"]; len(got) != 1 || got[0] != 49081 {
			t.Errorf("request body = %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","data":{"NSE_FNO":{"49081":{"last_price":186.55}}}}`))
	})

	d := newTestDhan(t, mux)
	ltp, err := d.FetchLTP(context.Background(), types.SegNSEFnO, "49081")
	if err != nil {
		t.Fatal(err)
	}
	if !ltp.Equal(dec("186.55")) {
		t.Errorf("ltp = %s, want 186.55", ltp)
	}
}

func TestDhanFetchLTPBadSecurityID(t *testing.T) {
	t.Parallel()
	d := newTestDhan(t, http.NewServeMux())
	if _, err := d.FetchLTP(context.Background(), types.SegNSEFnO, "not-a-number"); err == nil {
		t.Error("non-numeric security id should fail before the HTTP call")
	}
}

func TestDhanGetFunds(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/fundlimit", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"availabelBalance":98250.50,"utilizedAmount":1749.50}`))
	})

	d := newTestDhan(t, mux)
	funds, err := d.GetFunds(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !funds.Available.Equal(dec("98250.5")) {
		t.Errorf("available = %s, want 98250.5", funds.Available)
	}
	if !funds.Utilized.Equal(dec("1749.5")) {
		t.Errorf("utilized = %s, want 1749.5", funds.Utilized)
	}
}

func TestDhanPositions(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []dhanPosition{{
			TradingSymbol:   "NIFTY-Jun2025-25000-CE",
			SecurityID:      "49081",
			ExchangeSegment: "NSE_FNO",
			PositionType:    "LONG",
			NetQty:          75,
			BuyAvg:          120.5,
			DrvOptionType:   "CE",
		}})
	})

	d := newTestDhan(t, mux)
	positions, err := d.Positions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	p := positions[0]
	if p.Segment != types.SegNSEFnO || p.NetQty != 75 || !p.BuyAvg.Equal(dec("120.5")) {
		t.Errorf("position = %+v", p)
	}
	if p.OptionType != types.CE {
		t.Errorf("option type = %s, want CE", p.OptionType)
	}
}

func TestDhanIntradayCandles(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/charts/intraday", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, dhanChartResponse{
			Open:      []float64{100, 101},
			High:      []float64{102, 103},
			Low:       []float64{99, 100},
			Close:     []float64{101, 102},
			Volume:    []float64{1000, 1100},
			Timestamp: []float64{1750050000, 1750050060},
		})
	})

	d := newTestDhan(t, mux)
	candles, err := d.IntradayCandles(context.Background(), types.SegIdxIndex, "13", "INDEX", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 2 {
		t.Fatalf("candles = %d, want 2", len(candles))
	}
	if candles[1].Close != 102 || candles[1].High != 103 {
		t.Errorf("candle = %+v", candles[1])
	}
}

func TestDhanCircuitBreakerOpens(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/fundlimit", func(w http.ResponseWriter, r *http.Request) {
		// 4xx is not retried by the client, so each call is one failure.
		w.WriteHeader(http.StatusUnauthorized)
	})

	d := newTestDhan(t, mux)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _ = d.GetFunds(ctx)
	}

	_, err := d.GetFunds(ctx)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want ErrOpenState after repeated failures", err)
	}
}

func TestMapOrderStatus(t *testing.T) {
	t.Parallel()
	cases := map[string]types.OrderStatus{
		"TRADED":      types.OrderFilled,
		"CANCELLED":   types.OrderCancelled,
		"REJECTED":    types.OrderRejected,
		"TRANSIT":     types.OrderPending,
		"PART_TRADED": types.OrderPending,
	}
	for in, want := range cases {
		if got := mapOrderStatus(in); got != want {
			t.Errorf("mapOrderStatus(%s) = %s, want %s", in, got, want)
		}
	}
}
