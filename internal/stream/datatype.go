package stream

import (
	"strconv"

	"github.com/Aidin1998/marketstream/internal/upstream"
)

// DataType identifies one of the four subscribable market-data streams.
type DataType uint8

const (
	DataTypeTicker DataType = iota
	DataTypeOHLCV
	DataTypeTrades
	DataTypeOrderBook
)

var dataTypeNames = map[DataType]string{
	DataTypeTicker:    "ticker",
	DataTypeOHLCV:     "ohlcv",
	DataTypeTrades:    "trades",
	DataTypeOrderBook: "orderbook",
}

var dataTypesByName = map[string]DataType{
	"ticker":    DataTypeTicker,
	"ohlcv":     DataTypeOHLCV,
	"trades":    DataTypeTrades,
	"orderbook": DataTypeOrderBook,
}

// ParseDataType maps the wire string to a DataType.
func ParseDataType(s string) (DataType, bool) {
	dt, ok := dataTypesByName[s]
	return dt, ok
}

func (d DataType) String() string {
	return dataTypeNames[d]
}

// Capability returns the upstream capability flag for this data type.
func (d DataType) Capability() upstream.Capability {
	switch d {
	case DataTypeTicker:
		return upstream.CapTicker
	case DataTypeOHLCV:
		return upstream.CapOHLCV
	case DataTypeTrades:
		return upstream.CapTrades
	default:
		return upstream.CapOrderBook
	}
}

// Params are the client-supplied parameters of a subscription. Interval is
// only meaningful for OHLCV, Limit for OHLCV, trades and orderbook.
type Params struct {
	Interval string
	Limit    int
}

// StreamKey derives the coalescable output channel identifier for a
// subscription, e.g. "ohlcv:1h" or "orderbook:50". For orderbook the key
// carries the depth the client requested, not the snapped upstream depth.
func StreamKey(d DataType, p Params) string {
	switch d {
	case DataTypeOHLCV:
		return "ohlcv:" + p.Interval
	case DataTypeOrderBook:
		return "orderbook:" + strconv.Itoa(p.Limit)
	default:
		return d.String()
	}
}
