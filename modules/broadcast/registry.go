package broadcast

import (
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Registry tracks connected listeners and fans the broadcast out to them.
type Registry struct {
	mu        sync.RWMutex
	listeners map[string]*Sink
	queueSize int
	logger    *slog.Logger
}

func NewRegistry(queueSize int, logger *slog.Logger) *Registry {
	return &Registry{
		listeners: make(map[string]*Sink),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Connect registers a new listener and returns its id and sink.
func (r *Registry) Connect() (string, *Sink) {
	id := uuid.NewString()
	sink := NewSink(r.queueSize)

	r.mu.Lock()
	r.listeners[id] = sink
	n := len(r.listeners)
	r.mu.Unlock()

	listenersConnected.Inc()
	r.logger.Debug("listener connected", "id", id, "listeners", n)

	return id, sink
}

// Disconnect removes the listener and closes its sink. Unknown ids are
// ignored.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	sink, ok := r.listeners[id]
	if ok {
		delete(r.listeners, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	_ = sink.Close()
	listenersConnected.Dec()
	r.logger.Debug("listener disconnected", "id", id)
}

// Len is the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// FanOut returns the single entry point of the broadcast.
func (r *Registry) FanOut() io.Writer {
	return r
}

// Write delivers p to every registered listener. Listeners whose sink fails
// are evicted; the write itself never fails.
func (r *Registry) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	// Sinks keep the slice, so the caller's buffer must not be shared.
	chunk := append([]byte(nil), p...)

	r.mu.RLock()
	snapshot := make(map[string]*Sink, len(r.listeners))
	for id, sink := range r.listeners {
		snapshot[id] = sink
	}
	r.mu.RUnlock()

	var failed map[string]*Sink
	for id, sink := range snapshot {
		if _, err := sink.Write(chunk); err != nil {
			if failed == nil {
				failed = make(map[string]*Sink)
			}
			failed[id] = sink
			r.logger.Debug("listener write failed", "id", id, "err", err)
		}
	}

	if len(failed) > 0 {
		r.evict(failed)
	}

	broadcastBytes.Add(float64(len(p)))

	return len(p), nil
}

func (r *Registry) evict(failed map[string]*Sink) {
	r.mu.Lock()
	for id, sink := range failed {
		// The id may have been disconnected meanwhile.
		if r.listeners[id] != sink {
			delete(failed, id)
			continue
		}
		delete(r.listeners, id)
	}
	r.mu.Unlock()

	for _, sink := range failed {
		_ = sink.Close()
		listenersConnected.Dec()
		listenersEvicted.Inc()
	}
}

// Close disconnects every listener.
func (r *Registry) Close() {
	r.mu.Lock()
	listeners := r.listeners
	r.listeners = make(map[string]*Sink)
	r.mu.Unlock()

	for _, sink := range listeners {
		_ = sink.Close()
		listenersConnected.Dec()
	}
}
