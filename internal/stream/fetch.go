package stream

import (
	"context"
	"strconv"
	"time"

	"github.com/Aidin1998/marketstream/internal/upstream"
	"github.com/Aidin1998/marketstream/pkg/models"
)

const (
	defaultOrderBookDepth = 50
	defaultOHLCVInterval  = "1m"
)

// fetchFunc fetches one unit of data for a (symbol, dataType) subscription
// and shapes it into a buffer update.
type fetchFunc func(ctx context.Context, conn upstream.Connector, symbol string, p Params) (*Update, error)

// buildFetchTable constructs the dataType → strategy lookup once at service
// construction.
func buildFetchTable() map[DataType]fetchFunc {
	return map[DataType]fetchFunc{
		DataTypeTicker:    fetchTicker,
		DataTypeOHLCV:     fetchOHLCV,
		DataTypeTrades:    fetchTrades,
		DataTypeOrderBook: fetchOrderBook,
	}
}

func fetchTicker(ctx context.Context, conn upstream.Connector, symbol string, p Params) (*Update, error) {
	ticker, err := conn.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &Update{
		Symbol: symbol,
		Stream: StreamKey(DataTypeTicker, p),
		Type:   DataTypeTicker,
		Fields: map[string]interface{}{"ticker": ticker},
		Raw:    ticker,
	}, nil
}

func fetchOHLCV(ctx context.Context, conn upstream.Connector, symbol string, p Params) (*Update, error) {
	candles, err := conn.FetchOHLCV(ctx, symbol, p.Interval, p.Limit)
	if err != nil {
		return nil, err
	}
	candles = synthesizeCurrentCandle(candles, p.Interval)
	return &Update{
		Symbol: symbol,
		Stream: StreamKey(DataTypeOHLCV, p),
		Type:   DataTypeOHLCV,
		Fields: map[string]interface{}{
			"interval": p.Interval,
			"candles":  candles,
		},
		Raw: candles,
	}, nil
}

func fetchTrades(ctx context.Context, conn upstream.Connector, symbol string, p Params) (*Update, error) {
	trades, err := conn.FetchTrades(ctx, symbol, p.Limit)
	if err != nil {
		return nil, err
	}
	return &Update{
		Symbol: symbol,
		Stream: StreamKey(DataTypeTrades, p),
		Type:   DataTypeTrades,
		Fields: map[string]interface{}{"trades": trades},
		Raw:    trades,
	}, nil
}

// fetchOrderBook preserves the client-requested depth in the stream key and
// payload. The upstream call uses the nearest depth the provider accepts and
// the returned book is truncated back to the requested depth.
func fetchOrderBook(ctx context.Context, conn upstream.Connector, symbol string, p Params) (*Update, error) {
	requested := p.Limit
	if requested <= 0 {
		requested = defaultOrderBookDepth
	}
	upstreamLimit := upstream.NearestDepth(conn.AllowedDepths(), requested)

	book, err := conn.FetchOrderBook(ctx, symbol, upstreamLimit)
	if err != nil {
		return nil, err
	}
	if len(book.Bids) > requested {
		book.Bids = book.Bids[:requested]
	}
	if len(book.Asks) > requested {
		book.Asks = book.Asks[:requested]
	}

	return &Update{
		Symbol: symbol,
		Stream: StreamKey(DataTypeOrderBook, Params{Limit: requested}),
		Type:   DataTypeOrderBook,
		Fields: map[string]interface{}{
			"limit": requested,
			"bids":  book.Bids,
			"asks":  book.Asks,
		},
		Raw: book,
	}, nil
}

// synthesizeCurrentCandle appends a flat in-progress candle carried forward
// from the last closed one when the upstream feed has not yet emitted the
// current bar. Best-effort UX smoothing; skipped whenever the interval cannot
// be parsed.
func synthesizeCurrentCandle(candles []models.Candle, interval string) []models.Candle {
	if len(candles) == 0 {
		return candles
	}
	d, ok := parseInterval(interval)
	if !ok {
		return candles
	}
	last := candles[len(candles)-1]
	if time.Since(last.Timestamp) < 2*d {
		return candles
	}
	return append(candles, models.Candle{
		Timestamp: last.Timestamp.Add(d),
		Open:      last.Close,
		High:      last.Close,
		Low:       last.Close,
		Close:     last.Close,
	})
}

// parseInterval converts exchange interval notation ("1m", "4h", "1d", "1w")
// to a duration.
func parseInterval(interval string) (time.Duration, bool) {
	if len(interval) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	switch interval[len(interval)-1] {
	case 's':
		return time.Duration(n) * time.Second, true
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}
