package logging

import (
	"context"
	"log/slog"
	"sync"
)

type hubEntry struct {
	ctx     context.Context
	handler slog.Handler
	record  slog.Record
}

// Hub funnels records from many goroutines into one sink handler. Records are
// queued on a buffered channel and handled by a single drain goroutine; when
// the buffer is full the sender handles its record itself, so nothing is lost.
type Hub struct {
	sink    slog.Handler
	entries chan hubEntry
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewHub starts a hub draining into sink.
func NewHub(sink slog.Handler, buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	h := &Hub{
		sink:    sink,
		entries: make(chan hubEntry, buffer),
		done:    make(chan struct{}),
	}
	go h.drain()
	return h
}

func (h *Hub) drain() {
	defer close(h.done)
	for e := range h.entries {
		_ = e.handler.Handle(e.ctx, e.record)
	}
}

// Logger returns a logger whose records flow through the hub, tagged with
// the given component name.
func (h *Hub) Logger(component string) *slog.Logger {
	var next slog.Handler = h.sink
	if component != "" {
		next = next.WithAttrs([]slog.Attr{slog.String("component", component)})
	}
	return slog.New(&hubHandler{hub: h, next: next})
}

// Close flushes queued records and stops the drain goroutine. Records logged
// after Close are handled synchronously.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.entries)
	h.mu.Unlock()
	<-h.done
}

func (h *Hub) submit(ctx context.Context, next slog.Handler, r slog.Record) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return next.Handle(ctx, r)
	}
	select {
	case h.entries <- hubEntry{ctx: context.WithoutCancel(ctx), handler: next, record: r.Clone()}:
		return nil
	default:
		return next.Handle(ctx, r)
	}
}

type hubHandler struct {
	hub  *Hub
	next slog.Handler
}

func (h *hubHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *hubHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.hub.submit(ctx, h.next, r)
}

func (h *hubHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &hubHandler{hub: h.hub, next: h.next.WithAttrs(attrs)}
}

func (h *hubHandler) WithGroup(name string) slog.Handler {
	return &hubHandler{hub: h.hub, next: h.next.WithGroup(name)}
}
