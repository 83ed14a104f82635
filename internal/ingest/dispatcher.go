package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sawpanic/microsignal/internal/metrics"
)

// ErrDispatcherClosed is returned by Dispatch after Close
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher applies envelopes through one goroutine per (type, symbol) lane, so each symbol's
// stream is applied in arrival order by a single writer while lanes run concurrently.
type Dispatcher struct {
	sink     Sink
	laneSize int
	metrics  *metrics.Registry
	logger   zerolog.Logger

	mu      sync.Mutex
	lanes   map[string]chan Envelope
	closed  bool
	done    chan struct{}
	senders sync.WaitGroup
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with laneSize buffered envelopes per lane
func NewDispatcher(sink Sink, laneSize int, m *metrics.Registry, logger zerolog.Logger) *Dispatcher {
	if laneSize <= 0 {
		laneSize = 1024
	}
	return &Dispatcher{
		sink:     sink,
		laneSize: laneSize,
		metrics:  m,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		lanes:    make(map[string]chan Envelope),
		done:     make(chan struct{}),
	}
}

// Dispatch queues env on its lane. It blocks while the lane is full until ctx is done or the
// dispatcher closes.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	if !knownType(env.Type) {
		d.metrics.RecordRejected(env.Type, "unknown_type")
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	key := env.Type + "/" + env.Symbol

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	lane, ok := d.lanes[key]
	if !ok {
		lane = make(chan Envelope, d.laneSize)
		d.lanes[key] = lane
		d.wg.Add(1)
		go d.run(key, lane)
	}
	// Close waits for in-flight senders before closing lanes
	d.senders.Add(1)
	d.mu.Unlock()
	defer d.senders.Done()

	select {
	case lane <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrDispatcherClosed
	}
}

func (d *Dispatcher) run(key string, lane <-chan Envelope) {
	defer d.wg.Done()
	for env := range lane {
		if err := Apply(d.sink, env); err != nil {
			d.logger.Debug().Err(err).Str("lane", key).Msg("Envelope not applied")
		}
	}
}

// Lanes returns the number of active lanes
func (d *Dispatcher) Lanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// Close stops accepting envelopes, drains every lane and waits for the workers
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	d.senders.Wait()
	d.mu.Lock()
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
