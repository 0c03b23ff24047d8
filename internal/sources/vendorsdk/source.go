// Package vendorsdk implements the vendor's streaming market-data source.
// Quotes arrive over a websocket push channel; klines and instrument
// metadata go over the vendor's REST API behind a bounded connection pool.
package vendorsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mdprovider/internal/pool"
	"mdprovider/pkg/market"
)

const (
	pingInterval = 20 * time.Second
	writeWait    = 5 * time.Second
)

type Config struct {
	ID      string
	WSURL   string
	BaseURL string
	Timeout time.Duration
	Pool    pool.Config
	// AcquireTimeout bounds the wait for a pooled REST session when the
	// caller's context carries no deadline. Defaults to 30s.
	AcquireTimeout time.Duration
}

// Source keeps one websocket session for pushed quotes and a pooled set
// of HTTP sessions for request/response calls. The provider's heartbeat
// is responsible for calling Connect again after the stream dies; Source
// itself never reconnects.
type Source struct {
	cfg    Config
	logger *zap.Logger
	rest   *pool.Pool

	writeMu sync.Mutex // serializes websocket writes

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	subscribed map[string]struct{}
	latest     map[string]market.Snapshot
	handler    market.UpdateHandler
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// restConn is one pooled HTTP session.
type restConn struct {
	client *http.Client
}

func (c *restConn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func New(cfg Config, logger *zap.Logger) *Source {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	restPool := pool.New(cfg.ID, cfg.Pool, func(ctx context.Context) (pool.Conn, error) {
		return &restConn{client: &http.Client{Timeout: timeout}}, nil
	})
	return &Source{
		cfg:        cfg,
		logger:     logger,
		rest:       restPool,
		subscribed: make(map[string]struct{}),
		latest:     make(map[string]market.Snapshot),
	}
}

func (s *Source) Name() string { return s.cfg.ID }

func (s *Source) SetUpdateHandler(h market.UpdateHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Connect dials the stream, restores any prior subscriptions, and starts
// the read and ping loops. Calling it on a live source is a no-op.
func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", market.ErrConnectionLost, s.cfg.WSURL, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.cancel = cancel
	resub := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		resub = append(resub, sym)
	}
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(conn)
	go s.pingLoop(loopCtx, conn)

	for _, symbol := range resub {
		if err := s.sendSubscribe(conn, symbol); err != nil {
			s.logger.Warn("resubscribe failed",
				zap.String("source", s.cfg.ID),
				zap.String("symbol", symbol),
				zap.Error(err))
		}
	}

	s.logger.Info("vendor stream connected",
		zap.String("source", s.cfg.ID),
		zap.String("ws_url", s.cfg.WSURL),
		zap.Int("resubscribed", len(resub)))
	return nil
}

// Disconnect closes the stream and waits for the loops to exit. The
// subscription set survives so a later Connect restores it.
func (s *Source) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	conn := s.conn
	s.conn = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("vendor stream disconnected", zap.String("source", s.cfg.ID))
	return nil
}

// Close releases the REST pool. The source cannot be used afterwards.
func (s *Source) Close() {
	s.rest.Close()
}

type wsCommand struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func (s *Source) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func (s *Source) sendSubscribe(conn *websocket.Conn, symbol string) error {
	return s.writeJSON(conn, wsCommand{Op: "subscribe", Args: []string{"tick." + symbol}})
}

func (s *Source) Subscribe(ctx context.Context, symbol string) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.subscribed[symbol] = struct{}{}
	s.mu.Unlock()

	if !connected {
		return market.ErrNotConnected
	}
	if err := s.sendSubscribe(conn, symbol); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", market.ErrConnectionLost, symbol, err)
	}
	return nil
}

func (s *Source) Unsubscribe(ctx context.Context, symbol string) error {
	s.mu.Lock()
	delete(s.subscribed, symbol)
	delete(s.latest, symbol)
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	if err := s.writeJSON(conn, wsCommand{Op: "unsubscribe", Args: []string{"tick." + symbol}}); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %v", market.ErrConnectionLost, symbol, err)
	}
	return nil
}

// wsMessage is one inbound stream frame. Control frames carry Op; data
// frames carry Topic plus a payload.
type wsMessage struct {
	Op      string          `json:"op,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	TS      int64           `json:"ts,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (s *Source) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			wasConnected := s.connected && s.conn == conn
			if wasConnected {
				s.connected = false
				s.conn = nil
			}
			s.mu.Unlock()
			if wasConnected {
				s.logger.Warn("vendor stream read failed",
					zap.String("source", s.cfg.ID),
					zap.Error(err))
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debug("unparseable frame", zap.String("source", s.cfg.ID), zap.ByteString("raw", raw))
			continue
		}

		switch {
		case msg.Op != "":
			if msg.Success != nil && !*msg.Success {
				s.logger.Warn("stream command rejected",
					zap.String("source", s.cfg.ID),
					zap.String("op", msg.Op))
			}
		case len(msg.Topic) > 5 && msg.Topic[:5] == "tick.":
			s.handleTick(msg)
		}
	}
}

func (s *Source) handleTick(msg wsMessage) {
	var payload quotePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		s.logger.Debug("unparseable tick", zap.String("source", s.cfg.ID), zap.Error(err))
		return
	}
	if payload.Symbol == "" {
		payload.Symbol = msg.Topic[5:]
	}
	snap := payload.toSnapshot(s.cfg.ID)
	if msg.TS > 0 && snap.Timestamp.IsZero() {
		snap.Timestamp = time.UnixMilli(msg.TS)
	}

	s.mu.Lock()
	s.latest[snap.Symbol] = snap
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		handler(snap)
	}
}

func (s *Source) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeJSON(conn, wsCommand{Op: "ping"}); err != nil {
				return
			}
		}
	}
}

// GetSnapshot prefers the streamed quote and falls back to a pooled REST
// fetch when the symbol has not ticked yet.
func (s *Source) GetSnapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	s.mu.Lock()
	snap, ok := s.latest[symbol]
	s.mu.Unlock()
	if ok {
		return snap, nil
	}

	var payload quotePayload
	endpoint := fmt.Sprintf("%s/md/v1/quote?symbol=%s", s.cfg.BaseURL, url.QueryEscape(symbol))
	if err := s.getJSON(ctx, endpoint, &payload); err != nil {
		return market.Snapshot{}, err
	}
	if payload.Symbol == "" {
		return market.Snapshot{}, fmt.Errorf("%w: empty quote for %s", market.ErrRejected, symbol)
	}
	return payload.toSnapshot(s.cfg.ID), nil
}

func (s *Source) GetKlines(ctx context.Context, q market.KlineQuery) (market.KlineSeries, error) {
	endpoint := fmt.Sprintf("%s/md/v1/klines?symbol=%s&interval=%s&limit=%d",
		s.cfg.BaseURL, url.QueryEscape(q.Symbol), q.Interval, q.Count)
	if !q.Start.IsZero() {
		endpoint += fmt.Sprintf("&start=%d", q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		endpoint += fmt.Sprintf("&end=%d", q.End.UnixMilli())
	}

	var rows []klinePayload
	if err := s.getJSON(ctx, endpoint, &rows); err != nil {
		return market.KlineSeries{}, err
	}

	nominal, _ := market.IntervalDuration(q.Interval)
	series := market.KlineSeries{Symbol: q.Symbol, Interval: q.Interval}
	for _, row := range rows {
		start := time.UnixMilli(row.Start)
		series.Bars = append(series.Bars, market.Kline{
			Start:        start,
			End:          start.Add(nominal),
			Open:         row.Open,
			High:         row.High,
			Low:          row.Low,
			Close:        row.Close,
			Volume:       row.Volume,
			Turnover:     row.Turnover,
			OpenInterest: row.OpenInterest,
			Confirm:      row.Confirm,
		})
	}
	series.Normalize()
	return series, nil
}

func (s *Source) GetInstruments(ctx context.Context, exchange string) (map[string]market.InstrumentInfo, error) {
	endpoint := s.cfg.BaseURL + "/md/v1/instruments"
	if exchange != "" {
		endpoint += "?exchange=" + url.QueryEscape(exchange)
	}

	var list []instrumentPayload
	if err := s.getJSON(ctx, endpoint, &list); err != nil {
		return nil, err
	}

	out := make(map[string]market.InstrumentInfo, len(list))
	for _, p := range list {
		if p.Symbol == "" {
			continue
		}
		info := market.InstrumentInfo{
			Symbol:     p.Symbol,
			Exchange:   p.Exchange,
			Name:       p.Name,
			PriceTick:  p.PriceTick,
			Multiplier: p.Multiplier,
			MinVolume:  p.MinVolume,
			MaxVolume:  p.MaxVolume,
			IsTrading:  p.IsTrading,
		}
		if p.Expiry > 0 {
			info.Expiry = time.UnixMilli(p.Expiry)
		}
		out[p.Symbol] = info
	}
	return out, nil
}

// envelope is the vendor REST response wrapper.
type envelope struct {
	RetCode int             `json:"ret_code"`
	RetMsg  string          `json:"ret_msg"`
	Result  json.RawMessage `json:"result"`
}

// getJSON runs one GET through a pooled session and decodes the
// envelope. Pool exhaustion surfaces as a timeout so the caller treats
// it like any other slow upstream.
func (s *Source) getJSON(ctx context.Context, endpoint string, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AcquireTimeout)
		defer cancel()
	}
	lease, err := s.rest.Acquire(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrAcquireTimeout) {
			return fmt.Errorf("%w: %v", market.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", market.ErrConnectionLost, err)
	}
	defer lease.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := lease.Conn.(*restConn).client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: vendor status %d: %s", market.ErrRejected, resp.StatusCode, body)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.RetCode != 0 {
		return fmt.Errorf("%w: vendor code %d: %s", market.ErrRejected, env.RetCode, env.RetMsg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", market.ErrTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", market.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", market.ErrConnectionLost, err)
	}
}

// quotePayload is the vendor's quote shape, shared by the stream and the
// REST quote endpoint.
type quotePayload struct {
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	Timestamp    int64   `json:"timestamp"`
	LastPrice    float64 `json:"lastPrice"`
	Open         float64 `json:"openPrice"`
	High         float64 `json:"highPrice"`
	Low          float64 `json:"lowPrice"`
	Close        float64 `json:"closePrice"`
	Volume       float64 `json:"volume"`
	Turnover     float64 `json:"turnover"`
	OpenInterest float64 `json:"openInterest"`
	BidPrice     float64 `json:"bidPrice"`
	BidVolume    float64 `json:"bidVolume"`
	AskPrice     float64 `json:"askPrice"`
	AskVolume    float64 `json:"askVolume"`
	LimitUp      float64 `json:"upperLimit"`
	LimitDown    float64 `json:"lowerLimit"`
	PreClose     float64 `json:"preClose"`
}

func (p quotePayload) toSnapshot(sourceID string) market.Snapshot {
	snap := market.Snapshot{
		Symbol:       p.Symbol,
		Exchange:     p.Exchange,
		LastPrice:    p.LastPrice,
		Open:         p.Open,
		High:         p.High,
		Low:          p.Low,
		Close:        p.Close,
		Volume:       p.Volume,
		Turnover:     p.Turnover,
		OpenInterest: p.OpenInterest,
		BidPrice:     p.BidPrice,
		BidVolume:    p.BidVolume,
		AskPrice:     p.AskPrice,
		AskVolume:    p.AskVolume,
		LimitUp:      p.LimitUp,
		LimitDown:    p.LimitDown,
		PreClose:     p.PreClose,
		SourceID:     sourceID,
		FetchedAt:    time.Now(),
	}
	if p.Timestamp > 0 {
		snap.Timestamp = time.UnixMilli(p.Timestamp)
	}
	return snap
}

type klinePayload struct {
	Start        int64   `json:"start"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Volume       float64 `json:"volume"`
	Turnover     float64 `json:"turnover"`
	OpenInterest float64 `json:"openInterest"`
	Confirm      bool    `json:"confirm"`
}

type instrumentPayload struct {
	Symbol     string  `json:"symbol"`
	Exchange   string  `json:"exchange"`
	Name       string  `json:"name"`
	PriceTick  float64 `json:"priceTick"`
	Multiplier float64 `json:"multiplier"`
	MinVolume  float64 `json:"minVolume"`
	MaxVolume  float64 `json:"maxVolume"`
	Expiry     int64   `json:"expiry"`
	IsTrading  bool    `json:"isTrading"`
}
