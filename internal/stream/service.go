// Package stream implements the real-time market-data subscription
// multiplexer: it tracks per-symbol subscriptions from WebSocket clients,
// polls the upstream exchange connector for each subscribed symbol, coalesces
// results per (symbol, stream key), and periodically broadcasts the latest
// value of each stream to all clients on the shared market route.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/marketstream/internal/cooldown"
	"github.com/Aidin1998/marketstream/internal/upstream"
)

// Broadcaster is the downstream fan-out the service publishes to.
type Broadcaster interface {
	Broadcast(route string, data []byte)
	HasSubscribers(route string) bool
}

// CatalogLookup answers whether a (base, quote) market exists and is enabled.
type CatalogLookup interface {
	IsActive(ctx context.Context, base, quote string) (bool, error)
}

// Sink receives a copy of every flushed broadcast, e.g. for a Kafka mirror.
type Sink interface {
	Publish(ctx context.Context, key string, data []byte) error
}

// ConnectorFactory builds the shared upstream connector. It is also used to
// produce a replacement instance after a connector-level fatal error.
type ConnectorFactory func() (upstream.Connector, error)

// errServiceStopped rejects commands arriving after Stop. Stop is terminal;
// a fresh Service must be constructed to serve again.
var errServiceStopped = errors.New("stream service stopped")

// Config tunes the multiplexer cadences.
type Config struct {
	// Route is the shared broadcast route market-data clients listen on.
	Route string
	// PollInterval is the sleep between poll iterations for a symbol.
	PollInterval time.Duration
	// FlushInterval is the buffer drain-and-broadcast period.
	FlushInterval time.Duration
	// RetryAttempts bounds per-fetch retries.
	RetryAttempts int
	// RetryDelay is the fixed delay between retry attempts.
	RetryDelay time.Duration
	// ErrorBackoff is the sleep after an error escalates to the loop level.
	ErrorBackoff time.Duration
	// CooldownRecheck is the sleep between unblock-time checks while a
	// global cooldown is in force.
	CooldownRecheck time.Duration
}

// DefaultConfig returns the production cadences.
func DefaultConfig() Config {
	return Config{
		Route:           "market",
		PollInterval:    250 * time.Millisecond,
		FlushInterval:   300 * time.Millisecond,
		RetryAttempts:   3,
		RetryDelay:      time.Second,
		ErrorBackoff:    5 * time.Second,
		CooldownRecheck: time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Route == "" {
		c.Route = def.Route
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = def.ErrorBackoff
	}
	if c.CooldownRecheck <= 0 {
		c.CooldownRecheck = def.CooldownRecheck
	}
	return c
}

type poller struct {
	cancel context.CancelFunc
}

// Service is the subscription multiplexer. One instance lives per server
// process; all state is owned by the instance, there are no package globals.
type Service struct {
	cfg      Config
	logger   *zap.Logger
	hub      Broadcaster
	catalog  CatalogLookup
	cooldown cooldown.Store
	connect  ConnectorFactory
	sink     Sink

	registry *Registry
	buffer   *Buffer
	fetchers map[DataType]fetchFunc

	// unblock is the global resume timestamp in unix milliseconds; zero
	// means polling is not gated.
	unblock atomic.Int64

	mu         sync.Mutex
	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
	running    bool
	stopped    bool
	conn       upstream.Connector
	pollers    map[string]*poller
	flushStop  context.CancelFunc
	flushDone  chan struct{}
}

// Option customizes a Service.
type Option func(*Service)

// WithSink mirrors every flushed broadcast into the given sink.
func WithSink(sink Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// NewService wires the multiplexer. Call Start before handling messages.
func NewService(cfg Config, logger *zap.Logger, hub Broadcaster, catalog CatalogLookup, store cooldown.Store, connect ConnectorFactory, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		hub:      hub,
		catalog:  catalog,
		cooldown: store,
		connect:  connect,
		registry: NewRegistry(),
		buffer:   NewBuffer(),
		fetchers: buildFetchTable(),
		pollers:  make(map[string]*poller),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Route returns the shared broadcast route clients must listen on.
func (s *Service) Route() string {
	return s.cfg.Route
}

// ActiveSymbols returns the symbols with a running poll loop.
func (s *Service) ActiveSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pollers))
	for symbol := range s.pollers {
		out = append(out, symbol)
	}
	return out
}

// Start prepares the service. The flush loop and the shared connector are
// started lazily on the first subscription, not here.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx, s.baseCancel = context.WithCancel(ctx)
	s.logger.Info("stream service ready", zap.String("route", s.cfg.Route))
}

// HandleMessage is the command ingress. It accepts one raw client frame and
// mutates the subscription registry. Malformed or unauthorized input is
// logged and dropped; nothing is surfaced to the client.
func (s *Service) HandleMessage(clientID string, raw []byte) {
	msg, err := decodeClientMessage(raw)
	if err != nil {
		streamDroppedCommandsTotal.Inc()
		s.logger.Warn("malformed client message",
			zap.String("client_id", clientID),
			zap.Error(err))
		return
	}
	if msg.isUnsubscribe() {
		s.handleUnsubscribe(clientID, msg)
		return
	}
	s.handleSubscribe(clientID, msg)
}

func (s *Service) handleSubscribe(clientID string, msg *clientMessage) {
	log := s.logger.With(
		zap.String("client_id", clientID),
		zap.String("symbol", msg.Payload.Symbol),
		zap.String("type", msg.Payload.Type))

	dt, ok := ParseDataType(msg.Payload.Type)
	if !ok {
		streamDroppedCommandsTotal.Inc()
		log.Warn("subscribe dropped: unknown data type")
		return
	}
	base, quote, ok := splitSymbol(msg.Payload.Symbol)
	if !ok {
		streamDroppedCommandsTotal.Inc()
		log.Warn("subscribe dropped: malformed symbol")
		return
	}

	ctx := s.baseContext()
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	active, err := s.catalog.IsActive(lookupCtx, base, quote)
	cancel()
	if err != nil {
		streamDroppedCommandsTotal.Inc()
		log.Warn("subscribe dropped: catalog lookup failed", zap.Error(err))
		return
	}
	if !active {
		streamDroppedCommandsTotal.Inc()
		log.Warn("subscribe dropped: symbol not found or disabled")
		return
	}

	// First-ever subscription lazily starts the flush loop and the shared
	// exchange connector.
	if err := s.ensureStarted(ctx); err != nil {
		streamDroppedCommandsTotal.Inc()
		log.Error("subscribe dropped: failed to start upstream connector", zap.Error(err))
		return
	}

	if conn := s.connector(); conn == nil || !conn.Has(dt.Capability()) {
		streamDroppedCommandsTotal.Inc()
		log.Warn("subscribe dropped: data type unsupported by provider")
		return
	}

	params := normalizeParams(dt, msg.Payload)
	symbol := base + "/" + quote
	if newSymbol := s.registry.Subscribe(symbol, dt, params); newSymbol {
		s.startPoller(symbol)
	}
	log.Debug("subscribed", zap.String("stream", StreamKey(dt, params)))
}

func (s *Service) handleUnsubscribe(clientID string, msg *clientMessage) {
	log := s.logger.With(
		zap.String("client_id", clientID),
		zap.String("symbol", msg.Payload.Symbol),
		zap.String("type", msg.Payload.Type))

	dt, ok := ParseDataType(msg.Payload.Type)
	if !ok || msg.Payload.Symbol == "" {
		streamDroppedCommandsTotal.Inc()
		log.Warn("unsubscribe dropped: missing symbol or type")
		return
	}

	if symbolGone := s.registry.Unsubscribe(msg.Payload.Symbol, dt); symbolGone {
		s.stopPoller(msg.Payload.Symbol)
		s.buffer.DropSymbol(msg.Payload.Symbol)
		log.Debug("unsubscribed, symbol retired")
		return
	}
	log.Debug("unsubscribed")
}

// normalizeParams fills parameter defaults so derived stream keys are stable
// across equivalent subscriptions.
func normalizeParams(dt DataType, p clientPayload) Params {
	params := Params{Interval: p.Interval, Limit: p.Limit}
	switch dt {
	case DataTypeOHLCV:
		if params.Interval == "" {
			params.Interval = defaultOHLCVInterval
		}
	case DataTypeOrderBook:
		if params.Limit <= 0 {
			params.Limit = defaultOrderBookDepth
		}
	}
	return params
}

// Stop is the global teardown path: it cancels every poll loop and the flush
// loop, clears all subscriptions and buffered data, and tears down the shared
// connector. Stop is terminal; commands arriving afterwards are dropped.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	pollers := s.pollers
	s.pollers = make(map[string]*poller)
	conn := s.conn
	s.conn = nil
	flushStop, flushDone := s.flushStop, s.flushDone
	s.flushStop, s.flushDone = nil, nil
	s.running = false
	baseCancel := s.baseCancel
	s.mu.Unlock()

	for _, p := range pollers {
		p.cancel()
	}
	if baseCancel != nil {
		baseCancel()
	}
	// Waits for every poll loop ever started, including ones already
	// cancelled by unsubscribe that may not have exited yet.
	s.wg.Wait()
	if flushStop != nil {
		flushStop()
		<-flushDone
	}

	s.registry.Clear()
	s.buffer.Clear()

	if conn != nil {
		if err := conn.Stop(); err != nil {
			s.logger.Warn("upstream connector stop failed", zap.Error(err))
		}
	}
	s.logger.Info("stream service stopped")
}

// ensureStarted lazily starts the shared connector and the flush loop on the
// first subscription, and loads the persisted cooldown so a ban survives
// restarts.
func (s *Service) ensureStarted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errServiceStopped
	}
	if s.running {
		return nil
	}
	if s.baseCtx == nil {
		s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	}

	if resumeAt, err := s.cooldown.Load(ctx); err != nil {
		s.logger.Warn("failed to load persisted cooldown", zap.Error(err))
	} else if resumeAt.After(time.Now()) {
		s.unblock.Store(resumeAt.UnixMilli())
		s.logger.Warn("resuming under persisted cooldown", zap.Time("resume_at", resumeAt))
	}

	conn, err := s.connect()
	if err != nil {
		return err
	}
	if err := conn.Start(); err != nil {
		return err
	}
	s.conn = conn

	flushCtx, cancel := context.WithCancel(s.baseCtx)
	s.flushStop = cancel
	s.flushDone = make(chan struct{})
	flushDone := s.flushDone
	go func() {
		defer close(flushDone)
		s.runFlushLoop(flushCtx)
	}()

	s.running = true
	s.logger.Info("stream service started", zap.String("provider", conn.Name()))
	return nil
}

func (s *Service) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Service) connector() upstream.Connector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Service) unblockTime() time.Time {
	millis := s.unblock.Load()
	if millis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}

// handleUpstreamError classifies an error that escaped the per-type retry
// wrapper. A rate limit sets and persists the global unblock time; anything
// else is treated as connector-fatal and answered with a replacement
// connector instance.
func (s *Service) handleUpstreamError(ctx context.Context, err error, log *zap.Logger) {
	var rl *upstream.RateLimitError
	if errors.As(err, &rl) {
		s.unblock.Store(rl.ResumeAt.UnixMilli())
		streamCooldownsTotal.Inc()
		if saveErr := s.cooldown.Save(ctx, rl.ResumeAt); saveErr != nil {
			log.Error("failed to persist cooldown", zap.Error(saveErr))
		}
		log.Warn("upstream rate limited; all polling paused",
			zap.Time("resume_at", rl.ResumeAt),
			zap.String("provider", rl.Provider))
		return
	}
	s.replaceConnector(log)
}

func (s *Service) replaceConnector(log *zap.Logger) {
	replacement, err := s.connect()
	if err != nil {
		log.Error("failed to build replacement connector", zap.Error(err))
		return
	}
	if err := replacement.Start(); err != nil {
		log.Error("failed to start replacement connector", zap.Error(err))
		return
	}

	s.mu.Lock()
	old := s.conn
	s.conn = replacement
	s.mu.Unlock()

	if old != nil {
		if err := old.Stop(); err != nil {
			log.Warn("failed to stop replaced connector", zap.Error(err))
		}
	}
	log.Info("upstream connector replaced", zap.String("provider", replacement.Name()))
}

// runFlushLoop drains the output buffer every FlushInterval and broadcasts
// each coalesced update to the market route.
func (s *Service) runFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

type outboundMeta struct {
	Stream string      `json:"stream"`
	Data   interface{} `json:"data"`
}

type outboundMessage struct {
	Payload map[string]interface{} `json:"payload"`
	Meta    outboundMeta           `json:"meta"`
}

func (s *Service) flush(ctx context.Context) {
	updates := s.buffer.Drain()
	for _, u := range updates {
		payload := make(map[string]interface{}, len(u.Fields)+2)
		payload["type"] = u.Type.String()
		payload["symbol"] = u.Symbol
		for k, v := range u.Fields {
			payload[k] = v
		}

		data, err := json.Marshal(outboundMessage{
			Payload: payload,
			Meta:    outboundMeta{Stream: u.Stream, Data: u.Raw},
		})
		if err != nil {
			s.logger.Error("failed to marshal broadcast",
				zap.String("symbol", u.Symbol),
				zap.String("stream", u.Stream),
				zap.Error(err))
			continue
		}

		s.hub.Broadcast(s.cfg.Route, data)
		streamBroadcastsTotal.Inc()

		if s.sink != nil {
			if err := s.sink.Publish(ctx, u.Symbol+":"+u.Stream, data); err != nil {
				s.logger.Warn("sink publish failed",
					zap.String("symbol", u.Symbol),
					zap.String("stream", u.Stream),
					zap.Error(err))
			}
		}
	}
}
