package stream

import "sync"

// Update is one coalescable fetch result awaiting flush.
type Update struct {
	Symbol string
	Stream string
	Type   DataType
	// Fields are the type-specific payload fields merged into the
	// broadcast payload alongside type and symbol.
	Fields map[string]interface{}
	// Raw is the upstream result carried verbatim in meta.data.
	Raw interface{}
}

type bufferKey struct {
	symbol string
	stream string
}

// Buffer coalesces the latest update per (symbol, stream key) between flush
// ticks. Writes overwrite, never queue: within one flush interval only the
// most recent result per key survives.
//
// The buffer is keyed by (symbol, streamKey), not stream key alone, so two
// symbols sharing a stream-key shape (e.g. both on "ohlcv:1h") cannot clobber
// each other's pending update.
type Buffer struct {
	mu      sync.Mutex
	entries map[bufferKey]Update
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{entries: make(map[bufferKey]Update)}
}

// Put stores the update, replacing any unflushed value for the same key.
func (b *Buffer) Put(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[bufferKey{symbol: u.Symbol, stream: u.Stream}] = u
}

// Drain atomically removes and returns all pending updates.
func (b *Buffer) Drain() []Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return nil
	}
	out := make([]Update, 0, len(b.entries))
	for _, u := range b.entries {
		out = append(out, u)
	}
	b.entries = make(map[bufferKey]Update)
	return out
}

// DropSymbol discards pending updates for the symbol. Called when the
// symbol's last subscription is removed so the next flush carries nothing
// for its stream keys.
func (b *Buffer) DropSymbol(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.entries {
		if key.symbol == symbol {
			delete(b.entries, key)
		}
	}
}

// Len returns the number of pending updates.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear discards all pending updates.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[bufferKey]Update)
}
