package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/marketstream/internal/upstream"
)

// startPoller spawns the symbol's poll loop. Caller must have established the
// symbol in the registry first.
func (s *Service) startPoller(symbol string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if _, exists := s.pollers[symbol]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	p := &poller{cancel: cancel}
	s.pollers[symbol] = p
	s.wg.Add(1)
	s.mu.Unlock()

	streamActivePollers.Inc()
	go s.runPoller(ctx, symbol, p)
}

// stopPoller cancels the symbol's poll loop without waiting for it.
func (s *Service) stopPoller(symbol string) {
	s.mu.Lock()
	p, ok := s.pollers[symbol]
	if ok {
		delete(s.pollers, symbol)
	}
	s.mu.Unlock()
	if ok {
		p.cancel()
	}
}

// retirePoller is the self-termination path: the loop observed that its
// subscription set emptied or no clients remain. The retire condition is
// re-verified while holding the lock, and only the loop still registered for
// the symbol may act: a stale goroutine whose symbol was unsubscribed and
// re-subscribed in the meantime must not destroy its replacement's state.
// It reports whether the calling loop should exit.
func (s *Service) retirePoller(symbol string, p *poller) bool {
	s.mu.Lock()
	if s.pollers[symbol] != p {
		s.mu.Unlock()
		return true
	}
	if s.registry.Has(symbol) && s.hub.HasSubscribers(s.cfg.Route) {
		s.mu.Unlock()
		return false
	}
	delete(s.pollers, symbol)
	s.mu.Unlock()
	s.registry.Remove(symbol)
	s.buffer.DropSymbol(symbol)
	return true
}

// runPoller is the per-symbol upstream poll loop. It runs while the symbol
// has at least one subscription and at least one client listens on the market
// route; both conditions are re-checked every iteration in addition to the
// explicit cancellation carried by ctx.
func (s *Service) runPoller(ctx context.Context, symbol string, p *poller) {
	log := s.logger.With(zap.String("symbol", symbol))
	defer func() {
		streamActivePollers.Dec()
		log.Info("poll loop stopped")
		s.wg.Done()
	}()
	log.Info("poll loop started")

	for {
		if ctx.Err() != nil {
			return
		}
		if !s.registry.Has(symbol) || !s.hub.HasSubscribers(s.cfg.Route) {
			if s.retirePoller(symbol, p) {
				return
			}
		}

		// Global cooldown gates every symbol until the unblock time
		// elapses; no fetch happens while it is in force.
		if resumeAt := s.unblockTime(); !resumeAt.IsZero() && time.Now().Before(resumeAt) {
			if !sleepCtx(ctx, s.cfg.CooldownRecheck) {
				return
			}
			continue
		}

		snapshot := s.registry.Snapshot(symbol)
		conn := s.connector()
		if conn == nil || len(snapshot) == 0 {
			if !sleepCtx(ctx, s.cfg.PollInterval) {
				return
			}
			continue
		}

		if escalated := s.pollOnce(ctx, conn, symbol, snapshot, log); escalated != nil {
			s.handleUpstreamError(ctx, escalated, log)
			if !sleepCtx(ctx, s.cfg.ErrorBackoff) {
				return
			}
			continue
		}

		if !sleepCtx(ctx, s.cfg.PollInterval) {
			return
		}
	}
}

// pollOnce fans out one fetch per subscribed data type, buffers the
// successes, and returns the error to escalate, if any. Failures are isolated
// per type: one failing fetch never blocks the others' results.
func (s *Service) pollOnce(ctx context.Context, conn upstream.Connector, symbol string, snapshot map[DataType]Params, log *zap.Logger) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(snapshot))

	for dt, params := range snapshot {
		wg.Add(1)
		go func(dt DataType, params Params) {
			defer wg.Done()
			update, err := s.fetchWithRetry(ctx, conn, symbol, dt, params)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				streamFetchErrorsTotal.WithLabelValues(dt.String()).Inc()
				log.Warn("fetch failed",
					zap.String("type", dt.String()),
					zap.Error(err))
				errCh <- err
				return
			}
			streamFetchesTotal.WithLabelValues(dt.String()).Inc()
			s.buffer.Put(*update)
		}(dt, params)
	}
	wg.Wait()
	close(errCh)

	// Prefer a rate-limit classification over any other failure so the
	// global cooldown is set even when other types failed differently.
	var escalated error
	for err := range errCh {
		var rl *upstream.RateLimitError
		if errors.As(err, &rl) {
			return err
		}
		if escalated == nil {
			escalated = err
		}
	}
	return escalated
}

func (s *Service) fetchWithRetry(ctx context.Context, conn upstream.Connector, symbol string, dt DataType, params Params) (*Update, error) {
	fetch := s.fetchers[dt]
	return withRetry(ctx, s.cfg.RetryAttempts, s.cfg.RetryDelay, func(ctx context.Context) (*Update, error) {
		return fetch(ctx, conn, symbol, params)
	})
}
