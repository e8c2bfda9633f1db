// Package upstream abstracts the exchange market-data provider. Connectors
// are registered by name, mirror the provider's capability flags, and expose
// one fetch method per data type.
package upstream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Aidin1998/marketstream/pkg/models"
)

// Capability names one fetchable data type on a provider.
type Capability string

const (
	CapTicker    Capability = "ticker"
	CapOHLCV     Capability = "ohlcv"
	CapTrades    Capability = "trades"
	CapOrderBook Capability = "orderbook"
)

// Config holds provider configuration.
type Config struct {
	Provider string
	BaseURL  string
	Timeout  time.Duration
}

// Connector is the interface exchange connectors implement.
type Connector interface {
	// Name returns the provider identifier, e.g. "binance".
	Name() string
	// Has reports whether the provider supports the given capability.
	Has(capability Capability) bool
	// AllowedDepths returns the order-book depths the provider accepts,
	// sorted ascending. Empty means any depth is accepted.
	AllowedDepths() []int

	FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	FetchTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error)
	FetchOrderBook(ctx context.Context, symbol string, limit int) (*models.OrderBook, error)

	Start() error
	Stop() error
}

// Factory creates a new Connector instance.
type Factory func(cfg Config) (Connector, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a connector factory available under the given provider name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New instantiates the connector registered for cfg.Provider.
func New(cfg Config) (Connector, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown upstream provider %q", cfg.Provider)
	}
	return factory(cfg)
}

// NearestDepth snaps the requested order-book depth to the closest allowed
// value. Ties resolve to the smaller depth. An empty allowed set returns the
// request unchanged.
func NearestDepth(allowed []int, requested int) int {
	if len(allowed) == 0 {
		return requested
	}
	sorted := make([]int, len(allowed))
	copy(sorted, allowed)
	sort.Ints(sorted)

	best := sorted[0]
	for _, d := range sorted {
		if abs(d-requested) < abs(best-requested) {
			best = d
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
