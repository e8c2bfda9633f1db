package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/marketstream/internal/upstream"
	"github.com/Aidin1998/marketstream/pkg/models"
)

// fakeConnector is a controllable upstream.Connector for tests.
type fakeConnector struct {
	mu            sync.Mutex
	caps          map[upstream.Capability]bool
	depths        []int
	failures      map[upstream.Capability]error
	failAll       error
	calls         map[upstream.Capability]int
	lastBookLimit int
	tickerSeq     int64
	started       bool
	stopped       bool
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		caps: map[upstream.Capability]bool{
			upstream.CapTicker:    true,
			upstream.CapOHLCV:     true,
			upstream.CapTrades:    true,
			upstream.CapOrderBook: true,
		},
		depths:   []int{5, 10, 20, 50, 100},
		failures: make(map[upstream.Capability]error),
		calls:    make(map[upstream.Capability]int),
	}
}

func (c *fakeConnector) Name() string { return "fake" }

func (c *fakeConnector) Has(capability upstream.Capability) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps[capability]
}

func (c *fakeConnector) AllowedDepths() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depths
}

func (c *fakeConnector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *fakeConnector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *fakeConnector) dropCapability(capability upstream.Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps[capability] = false
}

func (c *fakeConnector) failType(capability upstream.Capability, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[capability] = err
}

func (c *fakeConnector) failEverything(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAll = err
}

func (c *fakeConnector) heal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAll = nil
	c.failures = make(map[upstream.Capability]error)
}

func (c *fakeConnector) callCount(capability upstream.Capability) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[capability]
}

func (c *fakeConnector) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

func (c *fakeConnector) bookLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBookLimit
}

// record notes the call and returns the configured failure, if any.
func (c *fakeConnector) record(capability upstream.Capability) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[capability]++
	if c.failAll != nil {
		return c.failAll
	}
	return c.failures[capability]
}

func (c *fakeConnector) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	if err := c.record(upstream.CapTicker); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tickerSeq++
	seq := c.tickerSeq
	c.mu.Unlock()
	return &models.Ticker{
		Symbol:    symbol,
		Last:      decimal.NewFromInt(seq),
		Timestamp: time.Now(),
	}, nil
}

func (c *fakeConnector) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if err := c.record(upstream.CapOHLCV); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	candles := make([]models.Candle, limit)
	now := time.Now()
	for i := range candles {
		candles[i] = models.Candle{
			Timestamp: now.Add(-time.Duration(limit-i) * time.Minute),
			Open:      decimal.NewFromInt(int64(i)),
			High:      decimal.NewFromInt(int64(i + 1)),
			Low:       decimal.NewFromInt(int64(i)),
			Close:     decimal.NewFromInt(int64(i + 1)),
			Volume:    decimal.NewFromInt(1),
		}
	}
	return candles, nil
}

func (c *fakeConnector) FetchTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	if err := c.record(upstream.CapTrades); err != nil {
		return nil, err
	}
	return []models.Trade{
		{ID: "1", Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Side: "buy", Timestamp: time.Now()},
	}, nil
}

func (c *fakeConnector) FetchOrderBook(ctx context.Context, symbol string, limit int) (*models.OrderBook, error) {
	if err := c.record(upstream.CapOrderBook); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lastBookLimit = limit
	c.mu.Unlock()

	book := &models.OrderBook{Symbol: symbol, Timestamp: time.Now()}
	for i := 0; i < limit; i++ {
		book.Bids = append(book.Bids, models.PriceLevel{
			Price:    decimal.NewFromInt(int64(1000 - i)),
			Quantity: decimal.NewFromInt(1),
		})
		book.Asks = append(book.Asks, models.PriceLevel{
			Price:    decimal.NewFromInt(int64(1001 + i)),
			Quantity: decimal.NewFromInt(1),
		})
	}
	return book, nil
}

// fakeHub is an in-memory Broadcaster capturing broadcasts.
type fakeHub struct {
	mu         sync.Mutex
	subscribed bool
	frames     [][]byte
}

func newFakeHub() *fakeHub {
	return &fakeHub{subscribed: true}
}

func (h *fakeHub) Broadcast(route string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	h.frames = append(h.frames, cp)
}

func (h *fakeHub) HasSubscribers(route string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribed
}

func (h *fakeHub) setSubscribed(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribed = v
}

func (h *fakeHub) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = nil
}

type broadcastFrame struct {
	Payload map[string]interface{} `json:"payload"`
	Meta    struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	} `json:"meta"`
}

// decoded returns all captured frames parsed into the outbound shape.
func (h *fakeHub) decoded() []broadcastFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]broadcastFrame, 0, len(h.frames))
	for _, raw := range h.frames {
		var f broadcastFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// streams returns the (symbol, stream) pairs seen so far.
func (h *fakeHub) streams() []string {
	var out []string
	for _, f := range h.decoded() {
		symbol, _ := f.Payload["symbol"].(string)
		out = append(out, symbol+"|"+f.Meta.Stream)
	}
	return out
}

// fakeCatalog marks a fixed set of symbols active.
type fakeCatalog struct {
	active map[string]bool
}

func newFakeCatalog(symbols ...string) *fakeCatalog {
	c := &fakeCatalog{active: make(map[string]bool)}
	for _, s := range symbols {
		c.active[s] = true
	}
	return c
}

func (c *fakeCatalog) IsActive(ctx context.Context, base, quote string) (bool, error) {
	return c.active[base+"/"+quote], nil
}

// fakeSink captures mirrored broadcasts.
type fakeSink struct {
	mu   sync.Mutex
	keys []string
}

func (s *fakeSink) Publish(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

func (s *fakeSink) published() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func subscribeFrame(typ, symbol string, extras map[string]interface{}) []byte {
	payload := map[string]interface{}{"type": typ, "symbol": symbol}
	for k, v := range extras {
		payload[k] = v
	}
	raw, _ := json.Marshal(map[string]interface{}{"payload": payload})
	return raw
}

func unsubscribeFrame(typ, symbol string) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"action":  "UNSUBSCRIBE",
		"payload": map[string]interface{}{"type": typ, "symbol": symbol},
	})
	return raw
}
