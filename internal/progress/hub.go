package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HubConfig controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 100).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 5s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type HubConfig struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub fans client events out to registered sinks on its own goroutine. Emit
// never blocks, so a slow sink can delay delivery but never the client loop.
type Hub struct {
	cfg         HubConfig
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks. The returned Hub accepts events
// immediately.
func NewHub(cfg HubConfig, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an Event. Invalid events are discarded; when the buffer is
// full the event is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", h.dropped.Swap(0)))
		}
	}
}

// Close drains queued events, flushes and closes every sink, and waits for
// the background goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	disarm := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
				disarm()
			} else if timer == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				timerC = timer.C
			}
		case <-timerC:
			timer, timerC = nil, nil
			h.flush(batch)
			batch = batch[:0]
		case <-h.stopCh:
			disarm()
			h.drain(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			h.flush(batch)
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
