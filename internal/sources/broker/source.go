// Package broker implements the brokerage quote/kline API source.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"mdprovider/pkg/market"
)

type Config struct {
	ID        string
	BaseURL   string
	Timeout   time.Duration
	PollEvery time.Duration // quote poll cadence for subscribed symbols
}

// Source fetches quotes and klines over the broker's REST API and polls
// subscribed symbols in the background, pushing updates through the
// registered handler.
type Source struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger

	mu         sync.Mutex
	connected  bool
	subscribed map[string]struct{}
	handler    market.UpdateHandler
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func New(cfg Config, logger *zap.Logger) *Source {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		subscribed: make(map[string]struct{}),
	}
}

func (s *Source) Name() string { return s.cfg.ID }

func (s *Source) SetUpdateHandler(h market.UpdateHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Connect verifies the API is reachable and starts the poll loop.
func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.ping(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.connected = true
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pollLoop(loopCtx)

	s.logger.Info("broker source connected", zap.String("source", s.cfg.ID), zap.String("base_url", s.cfg.BaseURL))
	return nil
}

// Disconnect stops the poll loop and waits for it to finish.
func (s *Source) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("broker source disconnected", zap.String("source", s.cfg.ID))
	return nil
}

func (s *Source) Subscribe(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return market.ErrNotConnected
	}
	s.subscribed[symbol] = struct{}{}
	return nil
}

func (s *Source) Unsubscribe(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribed, symbol)
	return nil
}

func (s *Source) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		symbols := make([]string, 0, len(s.subscribed))
		for sym := range s.subscribed {
			symbols = append(symbols, sym)
		}
		handler := s.handler
		s.mu.Unlock()

		for _, symbol := range symbols {
			snap, err := s.GetSnapshot(ctx, symbol)
			if err != nil {
				s.logger.Warn("poll failed",
					zap.String("source", s.cfg.ID),
					zap.String("symbol", symbol),
					zap.Error(err))
				continue
			}
			if handler != nil {
				handler(snap)
			}
		}
	}
}

// envelope is the broker's common response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// getJSON runs one GET and decodes the response envelope, classifying
// transport failures against the market error taxonomy.
func (s *Source) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: broker status %d: %s", market.ErrRejected, resp.StatusCode, body)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return fmt.Errorf("%w: broker code %d: %s", market.ErrRejected, env.Code, env.Message)
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

func (s *Source) ping(ctx context.Context) error {
	return s.getJSON(ctx, s.cfg.BaseURL+"/v1/ping", nil)
}

// quotePayload is the broker's wire format for one quote.
type quotePayload struct {
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	Timestamp    int64   `json:"timestamp"` // ms since epoch
	LastPrice    float64 `json:"last_price"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Volume       float64 `json:"volume"`
	Turnover     float64 `json:"turnover"`
	OpenInterest float64 `json:"open_interest"`
	BidPrice     float64 `json:"bid_price1"`
	BidVolume    float64 `json:"bid_volume1"`
	AskPrice     float64 `json:"ask_price1"`
	AskVolume    float64 `json:"ask_volume1"`
	LimitUp      float64 `json:"limit_up"`
	LimitDown    float64 `json:"limit_down"`
	PreClose     float64 `json:"pre_close"`
}

func (p quotePayload) toSnapshot(sourceID string) market.Snapshot {
	return market.Snapshot{
		Symbol:       p.Symbol,
		Exchange:     p.Exchange,
		Timestamp:    time.UnixMilli(p.Timestamp),
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
}

func (s *Source) GetSnapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/quote?symbol=%s", s.cfg.BaseURL, url.QueryEscape(symbol))

	var payload quotePayload
	if err := s.getJSON(ctx, endpoint, &payload); err != nil {
		return market.Snapshot{}, err
	}
	if payload.Symbol == "" {
		return market.Snapshot{}, fmt.Errorf("%w: empty quote for %s", market.ErrRejected, symbol)
	}
	return payload.toSnapshot(s.cfg.ID), nil
}

func (s *Source) GetKlines(ctx context.Context, q market.KlineQuery) (market.KlineSeries, error) {
	endpoint := fmt.Sprintf("%s/v1/klines?symbol=%s&interval=%s&limit=%d",
		s.cfg.BaseURL, url.QueryEscape(q.Symbol), q.Interval, q.Count)
	if !q.Start.IsZero() {
		endpoint += fmt.Sprintf("&start=%d", q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		endpoint += fmt.Sprintf("&end=%d", q.End.UnixMilli())
	}

	var rows [][]string
	if err := s.getJSON(ctx, endpoint, &rows); err != nil {
		return market.KlineSeries{}, err
	}

	series := parseKlineRows(q.Symbol, q.Interval, rows)
	series.Normalize()
	return series, nil
}

// parseKlineRows converts the broker's positional kline rows
// [startMs, open, high, low, close, volume, turnover] into bars,
// skipping rows that do not parse.
func parseKlineRows(symbol, interval string, rows [][]string) market.KlineSeries {
	nominal, _ := market.IntervalDuration(interval)
	series := market.KlineSeries{Symbol: symbol, Interval: interval}

	for _, row := range rows {
		if len(row) < 7 {
			continue // skip incomplete row
		}
		startMs, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		vals := make([]float64, 6)
		ok := true
		for i := 1; i <= 6; i++ {
			v, err := strconv.ParseFloat(row[i], 64)
			if err != nil {
				ok = false
				break
			}
			vals[i-1] = v
		}
		if !ok {
			continue
		}
		start := time.UnixMilli(startMs)
		series.Bars = append(series.Bars, market.Kline{
			Start:    start,
			End:      start.Add(nominal),
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
			Turnover: vals[5],
			Confirm:  true,
		})
	}
	return series
}

// instrumentPayload is the broker's instrument descriptor.
type instrumentPayload struct {
	Symbol     string  `json:"symbol"`
	Exchange   string  `json:"exchange"`
	Name       string  `json:"name"`
	PriceTick  float64 `json:"price_tick"`
	Multiplier float64 `json:"multiplier"`
	MinVolume  float64 `json:"min_volume"`
	MaxVolume  float64 `json:"max_volume"`
	Expiry     int64   `json:"expiry"` // ms since epoch, zero for perpetual
	IsTrading  bool    `json:"is_trading"`
}

func (s *Source) GetInstruments(ctx context.Context, exchange string) (map[string]market.InstrumentInfo, error) {
	endpoint := s.cfg.BaseURL + "/v1/instruments"
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
