package vendorsdk_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mdprovider/internal/sources/vendorsdk"
	"mdprovider/pkg/market"
)

var upgrader = websocket.Upgrader{}

// fakeVendor serves the stream and the REST endpoints from one server.
// Every symbol subscribed over the stream gets a single tick pushed back.
type fakeVendor struct {
	srv *httptest.Server
}

func newFakeVendor(t *testing.T) *fakeVendor {
	t.Helper()
	f := &fakeVendor{}
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", f.handleStream)
	mux.HandleFunc("/md/v1/quote", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]any{
			"symbol":    r.URL.Query().Get("symbol"),
			"lastPrice": 99.5,
			"timestamp": time.Now().UnixMilli(),
		})
	})
	mux.HandleFunc("/md/v1/klines", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []map[string]any{
			{"start": 1700000060000, "open": 101.0, "close": 102.0, "volume": 5.0, "confirm": true},
			{"start": 1700000000000, "open": 100.0, "close": 101.0, "volume": 7.0, "confirm": true},
		})
	})
	mux.HandleFunc("/md/v1/instruments", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []map[string]any{
			{"symbol": "BTCUSDT", "exchange": "vendor", "priceTick": 0.1, "isTrading": true},
		})
	})
	f.srv = httptest.NewServer(mux)
	return f
}

func respond(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ret_code": 0,
		"ret_msg":  "OK",
		"result":   json.RawMessage(raw),
	})
}

func (f *fakeVendor) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var cmd struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Op {
		case "ping":
			_ = conn.WriteJSON(map[string]any{"op": "pong", "success": true})
		case "subscribe":
			_ = conn.WriteJSON(map[string]any{"op": "subscribe", "success": true})
			for _, topic := range cmd.Args {
				symbol := strings.TrimPrefix(topic, "tick.")
				_ = conn.WriteJSON(map[string]any{
					"topic": topic,
					"ts":    time.Now().UnixMilli(),
					"data": map[string]any{
						"symbol":    symbol,
						"lastPrice": 42.5,
						"volume":    10.0,
					},
				})
			}
		}
	}
}

func (f *fakeVendor) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/stream"
}

func newSource(t *testing.T, f *fakeVendor) *vendorsdk.Source {
	t.Helper()
	return vendorsdk.New(vendorsdk.Config{
		ID:      "vendor",
		WSURL:   f.wsURL(),
		BaseURL: f.srv.URL,
		Timeout: 2 * time.Second,
	}, nil)
}

// go test -v --run TestVendorStreamDeliversTicks
func TestVendorStreamDeliversTicks(t *testing.T) {
	f := newFakeVendor(t)
	defer f.srv.Close()

	src := newSource(t, f)
	defer src.Close()

	updates := make(chan market.Snapshot, 4)
	src.SetUpdateHandler(func(snap market.Snapshot) { updates <- snap })

	ctx := context.Background()
	if err := src.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer src.Disconnect(ctx)

	if err := src.Subscribe(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case snap := <-updates:
		if snap.Symbol != "BTCUSDT" || snap.LastPrice != 42.5 {
			t.Errorf("unexpected tick: %+v", snap)
		}
		if snap.SourceID != "vendor" {
			t.Errorf("SourceID = %q, want vendor", snap.SourceID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick within 2s")
	}

	// A streamed symbol is answered from the local quote map.
	snap, err := src.GetSnapshot(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.LastPrice != 42.5 {
		t.Errorf("LastPrice = %v, want streamed 42.5", snap.LastPrice)
	}
}

// go test -v --run TestVendorRESTFallbackAndKlines
func TestVendorRESTFallbackAndKlines(t *testing.T) {
	f := newFakeVendor(t)
	defer f.srv.Close()

	src := newSource(t, f)
	defer src.Close()
	ctx := context.Background()

	// No stream session needed for request/response calls.
	snap, err := src.GetSnapshot(ctx, "ETHUSDT")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.LastPrice != 99.5 {
		t.Errorf("LastPrice = %v, want REST 99.5", snap.LastPrice)
	}

	series, err := src.GetKlines(ctx, market.KlineQuery{Symbol: "ETHUSDT", Interval: "1m", Count: 10})
	if err != nil {
		t.Fatalf("GetKlines: %v", err)
	}
	if series.Len() != 2 {
		t.Fatalf("bars = %d, want 2", series.Len())
	}
	if !series.Bars[0].Start.Before(series.Bars[1].Start) {
		t.Errorf("bars not sorted ascending after fetch")
	}

	instruments, err := src.GetInstruments(ctx, "")
	if err != nil {
		t.Fatalf("GetInstruments: %v", err)
	}
	if _, ok := instruments["BTCUSDT"]; !ok {
		t.Errorf("missing BTCUSDT in instruments: %v", instruments)
	}
}

// go test -v --run TestVendorReconnectRestoresSubscriptions
func TestVendorReconnectRestoresSubscriptions(t *testing.T) {
	f := newFakeVendor(t)
	defer f.srv.Close()

	src := newSource(t, f)
	defer src.Close()

	updates := make(chan market.Snapshot, 8)
	src.SetUpdateHandler(func(snap market.Snapshot) { updates <- snap })

	ctx := context.Background()
	if err := src.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := src.Subscribe(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-updates

	if err := src.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	// Reconnecting replays the subscription, so a fresh tick arrives
	// without another Subscribe call.
	if err := src.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer src.Disconnect(ctx)

	select {
	case snap := <-updates:
		if snap.Symbol != "BTCUSDT" {
			t.Errorf("tick symbol = %q after reconnect", snap.Symbol)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick after reconnect")
	}
}

// go test -v --run TestVendorDialFailure
func TestVendorDialFailure(t *testing.T) {
	src := vendorsdk.New(vendorsdk.Config{
		ID:      "vendor",
		WSURL:   "ws://127.0.0.1:0/stream",
		BaseURL: "http://127.0.0.1:0",
		Timeout: 200 * time.Millisecond,
	}, nil)
	defer src.Close()

	if err := src.Connect(context.Background()); !errors.Is(err, market.ErrConnectionLost) {
		t.Errorf("err = %v, want ErrConnectionLost", err)
	}
}
