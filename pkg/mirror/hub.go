// Package mirror forwards gate snapshots to any number of sinks without
// blocking the gate, and provides the server that observes mirrored gates.
package mirror

import (
	"context"
	"errors"
	"sync"
	"time"

	"platforminit/pkg/gate"
	"platforminit/pkg/logx"
)

// Sink receives snapshots. Send may block; each sink gets its own goroutine.
type Sink interface {
	Name() string
	Send(ctx context.Context, s gate.Snapshot) error
}

// ErrQueueFull is reported when a sink falls too far behind.
var ErrQueueFull = errors.New("mirror queue full")

// Options tune delivery to every sink of a hub.
type Options struct {
	// QueueSize is the number of snapshots buffered per sink.
	QueueSize int
	// MaxRetries bounds delivery attempts after the first failure.
	MaxRetries int
	// Backoff is the delay before the first retry, doubled on each attempt.
	Backoff time.Duration
}

// DefaultOptions returns the delivery settings used when none are given.
func DefaultOptions() Options {
	return Options{QueueSize: 64, MaxRetries: 3, Backoff: 100 * time.Millisecond}
}

// Hub fans snapshots out to sinks. Publish never blocks: a snapshot that does
// not fit a sink's queue is dropped for that sink and logged.
type Hub struct {
	opts   Options
	logger *logx.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	sinks  []*sinkWorker
	closed bool
	wg     sync.WaitGroup
}

type sinkWorker struct {
	sink    Sink
	queue   chan gate.Snapshot
	mu      sync.Mutex
	dropped int
	failed  int
}

// NewHub creates an empty hub. Zero option fields take their defaults.
func NewHub(opts Options) *Hub {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		opts:   opts,
		logger: logx.NewLogger("mirror"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add starts delivering to sink. Adding to a closed hub is a no-op.
func (h *Hub) Add(sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	w := &sinkWorker{sink: sink, queue: make(chan gate.Snapshot, h.opts.QueueSize)}
	h.sinks = append(h.sinks, w)
	h.wg.Add(1)
	go h.run(w)
	h.logger.Info("🪞 Mirroring snapshots to %s", sink.Name())
}

// Publish implements gate.Observer.
func (h *Hub) Publish(s gate.Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	for _, w := range h.sinks {
		select {
		case w.queue <- s:
		default:
			w.mu.Lock()
			w.dropped++
			w.mu.Unlock()
			h.logger.Warn("⚠️ %v: dropping snapshot %s/%d for %s", ErrQueueFull, s.MachineID, s.Seq, w.sink.Name())
		}
	}
}

func (h *Hub) run(w *sinkWorker) {
	defer h.wg.Done()
	for s := range w.queue {
		if err := h.deliver(w.sink, s); err != nil {
			w.mu.Lock()
			w.failed++
			w.mu.Unlock()
			h.logger.Error("❌ Giving up on snapshot %s/%d for %s: %v", s.MachineID, s.Seq, w.sink.Name(), err)
		}
	}
}

// deliver sends s with retries. Sinks must tolerate duplicates.
func (h *Hub) deliver(sink Sink, s gate.Snapshot) error {
	backoff := h.opts.Backoff
	var err error
	for attempt := 0; attempt <= h.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-h.ctx.Done():
				return errors.Join(err, h.ctx.Err())
			}
			backoff *= 2
		}
		if err = sink.Send(h.ctx, s); err == nil {
			return nil
		}
		logx.Debug(h.ctx, "mirror", "send to %s failed (attempt %d): %v", sink.Name(), attempt+1, err)
	}
	return err
}

// SinkStats counts snapshots a sink never received.
type SinkStats struct {
	// Dropped snapshots did not fit the queue.
	Dropped int `json:"dropped"`
	// Failed snapshots exhausted their retries.
	Failed int `json:"failed"`
}

// Stats reports delivery losses keyed by sink name.
func (h *Hub) Stats() map[string]SinkStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]SinkStats, len(h.sinks))
	for _, w := range h.sinks {
		w.mu.Lock()
		out[w.sink.Name()] = SinkStats{Dropped: w.dropped, Failed: w.failed}
		w.mu.Unlock()
	}
	return out
}

// Close stops accepting snapshots and waits for queued ones to be delivered,
// or for ctx to expire, in which case pending retries are abandoned.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for _, w := range h.sinks {
		close(w.queue)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		<-done
		return ctx.Err()
	}
}
