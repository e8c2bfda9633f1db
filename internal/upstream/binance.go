package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/marketstream/pkg/models"
)

const (
	defaultBinanceURL     = "https://api.binance.com"
	defaultBinanceTimeout = 5 * time.Second
	defaultRetryAfter     = 60 * time.Second
)

// binanceDepths are the depth values the Binance REST depth endpoint accepts.
var binanceDepths = []int{5, 10, 20, 50, 100, 500, 1000}

var binanceCaps = map[Capability]bool{
	CapTicker:    true,
	CapOHLCV:     true,
	CapTrades:    true,
	CapOrderBook: true,
}

// BinanceConnector fetches market data from the Binance public REST API.
type BinanceConnector struct {
	baseURL string
	client  *http.Client
}

// NewBinanceConnector creates a Binance connector from the given config.
func NewBinanceConnector(cfg Config) (Connector, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBinanceURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultBinanceTimeout
	}
	return &BinanceConnector{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (c *BinanceConnector) Name() string { return "binance" }

func (c *BinanceConnector) Has(capability Capability) bool { return binanceCaps[capability] }

func (c *BinanceConnector) AllowedDepths() []int { return binanceDepths }

func (c *BinanceConnector) Start() error { return nil }
func (c *BinanceConnector) Stop() error {
	c.client.CloseIdleConnections()
	return nil
}

// binanceSymbol converts "BTC/USDT" to Binance's "BTCUSDT" form.
func binanceSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

type binanceTickerResp struct {
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	PriceChangePercent string `json:"priceChangePercent"`
	CloseTime          int64  `json:"closeTime"`
}

// FetchTicker fetches the 24h ticker snapshot.
func (c *BinanceConnector) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	q := url.Values{"symbol": {binanceSymbol(symbol)}}
	var data binanceTickerResp
	if err := c.get(ctx, "/api/v3/ticker/24hr", q, &data); err != nil {
		return nil, err
	}

	ticker := &models.Ticker{Symbol: symbol, Timestamp: time.UnixMilli(data.CloseTime)}
	var err error
	if ticker.Last, err = decimal.NewFromString(data.LastPrice); err != nil {
		return nil, fmt.Errorf("binance ticker lastPrice %q: %w", data.LastPrice, err)
	}
	ticker.Bid, _ = decimal.NewFromString(data.BidPrice)
	ticker.Ask, _ = decimal.NewFromString(data.AskPrice)
	ticker.High, _ = decimal.NewFromString(data.HighPrice)
	ticker.Low, _ = decimal.NewFromString(data.LowPrice)
	ticker.Volume, _ = decimal.NewFromString(data.Volume)
	ticker.Change24h, _ = decimal.NewFromString(data.PriceChangePercent)
	return ticker, nil
}

// FetchOHLCV fetches up to limit candles of the given interval.
func (c *BinanceConnector) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	q := url.Values{
		"symbol":   {binanceSymbol(symbol)},
		"interval": {interval},
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	// Kline rows are heterogeneous arrays: [openTime, open, high, low,
	// close, volume, closeTime, ...].
	var rows [][]json.RawMessage
	if err := c.get(ctx, "/api/v3/klines", q, &rows); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("binance kline openTime: %w", err)
		}
		candle := models.Candle{Timestamp: time.UnixMilli(openTime)}
		fields := []*decimal.Decimal{&candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume}
		for i, dst := range fields {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				return nil, fmt.Errorf("binance kline field %d: %w", i+1, err)
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("binance kline field %d %q: %w", i+1, s, err)
			}
			*dst = d
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

type binanceTradeResp struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

// FetchTrades fetches up to limit recent public trades.
func (c *BinanceConnector) FetchTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	q := url.Values{"symbol": {binanceSymbol(symbol)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var data []binanceTradeResp
	if err := c.get(ctx, "/api/v3/trades", q, &data); err != nil {
		return nil, err
	}

	trades := make([]models.Trade, 0, len(data))
	for _, t := range data {
		trade := models.Trade{
			ID:        strconv.FormatInt(t.ID, 10),
			Side:      "buy",
			Timestamp: time.UnixMilli(t.Time),
		}
		if t.IsBuyerMaker {
			trade.Side = "sell"
		}
		var err error
		if trade.Price, err = decimal.NewFromString(t.Price); err != nil {
			return nil, fmt.Errorf("binance trade price %q: %w", t.Price, err)
		}
		if trade.Quantity, err = decimal.NewFromString(t.Qty); err != nil {
			return nil, fmt.Errorf("binance trade qty %q: %w", t.Qty, err)
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

type binanceDepthResp struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

// FetchOrderBook fetches a depth snapshot. The limit must already be one of
// AllowedDepths; depth snapping is the caller's concern.
func (c *BinanceConnector) FetchOrderBook(ctx context.Context, symbol string, limit int) (*models.OrderBook, error) {
	q := url.Values{"symbol": {binanceSymbol(symbol)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var data binanceDepthResp
	if err := c.get(ctx, "/api/v3/depth", q, &data); err != nil {
		return nil, err
	}

	book := &models.OrderBook{Symbol: symbol, Timestamp: time.Now().UTC()}
	var err error
	if book.Bids, err = parseLevels(data.Bids); err != nil {
		return nil, fmt.Errorf("binance depth bids: %w", err)
	}
	if book.Asks, err = parseLevels(data.Asks); err != nil {
		return nil, fmt.Errorf("binance depth asks: %w", err)
	}
	return book, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", entry[0], err)
		}
		qty, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, fmt.Errorf("quantity %q: %w", entry[1], err)
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// get performs a GET request and decodes the JSON body into out. HTTP 429 and
// 418 (Binance's auto-ban status) become RateLimitError with the resume time
// taken from Retry-After.
func (c *BinanceConnector) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("binance %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		return &RateLimitError{
			Provider: c.Name(),
			ResumeAt: time.Now().Add(retryAfter(resp.Header.Get("Retry-After"))),
		}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("binance %s: status %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("binance %s: decode: %w", path, err)
	}
	return nil
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

func init() {
	Register("binance", NewBinanceConnector)
}
