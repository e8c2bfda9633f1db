package stream

import "sync"

// Registry tracks, per symbol, the set of active data-type subscriptions and
// their parameters. It is written by command ingress and read by poll loops,
// so all access is lock-guarded.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]map[DataType]Params
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[DataType]Params)}
}

// Subscribe upserts the (symbol, dataType) subscription. A repeat subscribe
// overwrites the stored parameters. It reports whether the symbol was not
// previously present, i.e. whether a poll loop must be spawned.
func (r *Registry) Subscribe(symbol string, dt DataType, p Params) (newSymbol bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	types, ok := r.subs[symbol]
	if !ok {
		types = make(map[DataType]Params)
		r.subs[symbol] = types
		newSymbol = true
	}
	types[dt] = p
	return newSymbol
}

// Unsubscribe removes one (symbol, dataType) pair. symbolGone reports whether
// that was the symbol's last subscription, in which case the symbol itself is
// removed.
func (r *Registry) Unsubscribe(symbol string, dt DataType) (symbolGone bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	types, ok := r.subs[symbol]
	if !ok {
		return false
	}
	delete(types, dt)
	if len(types) == 0 {
		delete(r.subs, symbol)
		return true
	}
	return false
}

// Snapshot returns a copy of the symbol's current dataType set. Poll loops
// call this every iteration so subscription changes apply without a restart.
func (r *Registry) Snapshot(symbol string) map[DataType]Params {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types, ok := r.subs[symbol]
	if !ok {
		return nil
	}
	out := make(map[DataType]Params, len(types))
	for dt, p := range types {
		out[dt] = p
	}
	return out
}

// Has reports whether the symbol has at least one subscription.
func (r *Registry) Has(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[symbol]
	return ok
}

// Remove drops the symbol and all its subscriptions.
func (r *Registry) Remove(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, symbol)
}

// Symbols returns the currently subscribed symbols.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs))
	for s := range r.subs {
		out = append(out, s)
	}
	return out
}

// Len returns the number of subscribed symbols.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Clear removes every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]map[DataType]Params)
}
