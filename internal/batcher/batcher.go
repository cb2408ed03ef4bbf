package batcher

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config holds configuration for the MicroBatcher.
type Config struct {
	// BatchSize is the maximum number of items per batch (default: 25).
	BatchSize int `yaml:"batchSize" json:"batchSize"`

	// LingerTime is the maximum time a partially filled batch waits before
	// being sealed, measured from its first item's arrival (default: 50ms).
	LingerTime time.Duration `yaml:"lingerTime" json:"lingerTime"`

	// MaxQueueSize is the admission queue capacity (default: 1000).
	MaxQueueSize int `yaml:"maxQueueSize" json:"maxQueueSize"`

	// QueueRejectionThreshold is the queue occupancy ratio (0,1] at which
	// submissions are rejected (default: 0.8).
	QueueRejectionThreshold float64 `yaml:"queueRejectionThreshold" json:"queueRejectionThreshold"`

	// MaxConcurrentBatches caps how many batches may be inside the backend at
	// once (default: 4). Tune it below the downstream concurrency capacity so
	// batch concurrency alone cannot saturate it.
	MaxConcurrentBatches int `yaml:"maxConcurrentBatches" json:"maxConcurrentBatches"`
}

// applyDefaults fills in zero values.
func (c *Config) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 25
	}
	if c.LingerTime == 0 {
		c.LingerTime = 50 * time.Millisecond
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 1000
	}
	if c.QueueRejectionThreshold == 0 {
		c.QueueRejectionThreshold = 0.8
	}
	if c.MaxConcurrentBatches == 0 {
		c.MaxConcurrentBatches = 4
	}
}

// WithDefaults returns a copy of c with defaults applied to unset fields.
func WithDefaults(c Config) Config {
	c.applyDefaults()
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batcher: batchSize must be at least 1, got %d", c.BatchSize)
	}
	if c.LingerTime <= 0 {
		return fmt.Errorf("batcher: lingerTime must be positive, got %v", c.LingerTime)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("batcher: maxQueueSize must be at least 1, got %d", c.MaxQueueSize)
	}
	if c.QueueRejectionThreshold <= 0 || c.QueueRejectionThreshold > 1 {
		return fmt.Errorf("batcher: queueRejectionThreshold must be in (0, 1], got %g", c.QueueRejectionThreshold)
	}
	if c.MaxConcurrentBatches < 1 {
		return fmt.Errorf("batcher: maxConcurrentBatches must be at least 1, got %d", c.MaxConcurrentBatches)
	}
	return nil
}

// Stats contains statistics about the batcher.
type Stats struct {
	// Submitted is the total number of Submit calls.
	Submitted int64
	// Accepted is the number of submissions that passed admission.
	Accepted int64
	// Rejected is the number of submissions refused at admission.
	Rejected int64
	// Succeeded is the number of items resolved successfully.
	Succeeded int64
	// Failed is the number of items resolved with a failure.
	Failed int64
	// BatchesDispatched is the number of sealed batches handed to the backend.
	BatchesDispatched int64
	// LargestBatch is the largest batch dispatched so far.
	LargestBatch int64
	// QueueDepth is the current number of admitted, unsealed items.
	QueueDepth int
	// InFlightBatches is the number of batches currently inside the backend.
	InFlightBatches int
	// PendingItems is the number of accepted items not yet resolved.
	PendingItems int64
}

// submission is one admitted item waiting to be batched.
type submission struct {
	item       WorkItem
	onComplete CompletionFunc
	enqueuedAt time.Time
}

// MicroBatcher accumulates admitted items into batches and dispatches them to
// a Backend under a bounded-concurrency dispatcher.
//
// Admission is synchronous and non-blocking: Submit either queues the item or
// rejects it immediately. Once admitted, an item is never discarded; it
// resolves via its completion callback when its batch finishes dispatch.
//
// Thread Safety: Safe for concurrent use.
type MicroBatcher struct {
	config  Config
	backend Backend
	logger  *zap.Logger

	queue    chan submission
	rejectAt int64 // queue depth at which admission is refused

	depth    atomic.Int64 // admitted, not yet sealed
	pending  atomic.Int64 // accepted, not yet resolved
	inFlight atomic.Int64 // batches inside Backend.Dispatch

	slots  chan struct{} // dispatch concurrency semaphore
	stopCh chan struct{}
	wg     sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool

	// Statistics
	submitted    atomic.Int64
	accepted     atomic.Int64
	rejected     atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	batches      atomic.Int64
	largestBatch atomic.Int64
}

// New creates a MicroBatcher for the given backend.
func New(backend Backend, config Config, logger *zap.Logger) (*MicroBatcher, error) {
	if backend == nil {
		return nil, fmt.Errorf("batcher: backend is required")
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MicroBatcher{
		config:   config,
		backend:  backend,
		logger:   logger,
		queue:    make(chan submission, config.MaxQueueSize),
		rejectAt: int64(math.Ceil(config.QueueRejectionThreshold * float64(config.MaxQueueSize))),
		slots:    make(chan struct{}, config.MaxConcurrentBatches),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the background accumulator.
func (b *MicroBatcher) Start(ctx context.Context) {
	if b.started.Swap(true) {
		return // Already started
	}
	b.wg.Add(1)
	go b.accumulate(ctx)
}

// Submit attempts to admit an item. It never blocks: the item is either
// queued (Accepted) or refused immediately (Rejected).
func (b *MicroBatcher) Submit(item WorkItem) Outcome {
	return b.SubmitWithCallback(item, nil)
}

// SubmitWithCallback admits an item like Submit and additionally registers
// onComplete to be invoked exactly once when the item resolves.
func (b *MicroBatcher) SubmitWithCallback(item WorkItem, onComplete CompletionFunc) Outcome {
	b.submitted.Add(1)

	if b.closed.Load() {
		b.rejected.Add(1)
		return Rejected(ErrClosed)
	}

	// CAS keeps the threshold exact under concurrent submitters.
	for {
		depth := b.depth.Load()
		if depth >= b.rejectAt {
			b.rejected.Add(1)
			return Rejected(ErrQueueFull)
		}
		if b.depth.CompareAndSwap(depth, depth+1) {
			break
		}
	}
	b.pending.Add(1)

	select {
	case b.queue <- submission{item: item, onComplete: onComplete, enqueuedAt: time.Now()}:
		b.accepted.Add(1)
		return Accepted()
	default:
		// Lost the admission race; back out.
		b.depth.Add(-1)
		b.pending.Add(-1)
		b.rejected.Add(1)
		return Rejected(ErrQueueFull)
	}
}

// QueueDepth returns the number of admitted items not yet sealed into a batch.
func (b *MicroBatcher) QueueDepth() int {
	return int(b.depth.Load())
}

// AwaitCompletion blocks until every accepted item has resolved or the
// timeout elapses. Returns true if the batcher fully drained.
func (b *MicroBatcher) AwaitCompletion(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for b.pending.Load() > 0 {
		if time.Now().After(deadline) {
			b.logger.Warn("drain timed out",
				zap.Duration("timeout", timeout),
				zap.Int64("pending_items", b.pending.Load()),
				zap.Int64("in_flight_batches", b.inFlight.Load()))
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

// Stop seals whatever is queued, stops the accumulator, and marks the batcher
// closed. In-flight batches finish asynchronously; use AwaitCompletion before
// Stop for a full drain.
func (b *MicroBatcher) Stop() {
	if b.closed.Swap(true) {
		return // Already stopped
	}
	if !b.started.Load() {
		return
	}
	close(b.stopCh)
	b.wg.Wait()
}

// Stats returns statistics about the batcher.
func (b *MicroBatcher) Stats() Stats {
	return Stats{
		Submitted:         b.submitted.Load(),
		Accepted:          b.accepted.Load(),
		Rejected:          b.rejected.Load(),
		Succeeded:         b.succeeded.Load(),
		Failed:            b.failed.Load(),
		BatchesDispatched: b.batches.Load(),
		LargestBatch:      b.largestBatch.Load(),
		QueueDepth:        int(b.depth.Load()),
		InFlightBatches:   int(b.inFlight.Load()),
		PendingItems:      b.pending.Load(),
	}
}

// accumulate groups admitted items into batches. A batch seals when it
// reaches BatchSize or when LingerTime has elapsed since its first item,
// whichever comes first.
func (b *MicroBatcher) accumulate(ctx context.Context) {
	defer b.wg.Done()

	var (
		current []submission
		linger  *time.Timer
		lingerC <-chan time.Time
	)

	seal := func() {
		if len(current) == 0 {
			return
		}
		if linger != nil {
			linger.Stop()
			linger = nil
			lingerC = nil
		}
		batch := current
		current = nil
		b.depth.Add(-int64(len(batch)))
		b.dispatch(ctx, batch)
	}

	for {
		select {
		case <-ctx.Done():
			b.drainQueue(ctx, &current, seal)
			return

		case <-b.stopCh:
			b.drainQueue(ctx, &current, seal)
			return

		case sub := <-b.queue:
			current = append(current, sub)
			if len(current) == 1 {
				linger = time.NewTimer(b.config.LingerTime)
				lingerC = linger.C
			}
			if len(current) >= b.config.BatchSize {
				seal()
			}

		case <-lingerC:
			linger = nil
			lingerC = nil
			seal()
		}
	}
}

// drainQueue seals everything still queued at shutdown. Admission has already
// stopped by the time this runs, so the loop terminates.
func (b *MicroBatcher) drainQueue(ctx context.Context, current *[]submission, seal func()) {
	for {
		select {
		case sub := <-b.queue:
			*current = append(*current, sub)
			if len(*current) >= b.config.BatchSize {
				seal()
			}
		default:
			seal()
			return
		}
	}
}

// dispatch hands a sealed batch to the bounded-concurrency dispatcher. If no
// slot is free the batch waits; sealed batches are never dropped.
func (b *MicroBatcher) dispatch(ctx context.Context, batch []submission) {
	select {
	case b.slots <- struct{}{}:
	case <-ctx.Done():
		// Shutdown cancelled the dispatch; the items still resolve.
		b.resolveAll(batch, Failed(ctx.Err()))
		return
	}

	b.inFlight.Add(1)
	b.batches.Add(1)
	if n := int64(len(batch)); n > b.largestBatch.Load() {
		b.largestBatch.Store(n)
	}

	go b.execute(ctx, batch)
}

// execute runs one batch through the backend and resolves every item.
func (b *MicroBatcher) execute(ctx context.Context, batch []submission) {
	defer func() {
		<-b.slots
		b.inFlight.Add(-1)
	}()

	items := make([]WorkItem, len(batch))
	for i, sub := range batch {
		items[i] = sub.item
	}

	result, err := b.safeDispatch(ctx, items)
	if err != nil {
		// Hard failure: no partial credit, every item fails.
		b.resolveAll(batch, Failed(err))
		return
	}

	for i, sub := range batch {
		if e, failed := result.Failed[i]; failed {
			b.resolve(sub, Failed(e))
		} else {
			b.resolve(sub, Succeeded())
		}
	}
}

// safeDispatch invokes the backend, converting a panic into a batch error so
// a misbehaving backend degrades throughput instead of crashing the pipeline.
func (b *MicroBatcher) safeDispatch(ctx context.Context, items []WorkItem) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("backend panicked", zap.Any("panic", r))
			err = fmt.Errorf("batcher: backend panic: %v", r)
		}
	}()
	return b.backend.Dispatch(ctx, items)
}

// resolve completes a single item exactly once.
func (b *MicroBatcher) resolve(sub submission, outcome Outcome) {
	if outcome.Kind == OutcomeSucceeded {
		b.succeeded.Add(1)
	} else {
		b.failed.Add(1)
	}
	if sub.onComplete != nil {
		sub.onComplete(sub.item, outcome)
	}
	b.pending.Add(-1)
}

// resolveAll completes every item in a batch with the same outcome.
func (b *MicroBatcher) resolveAll(batch []submission, outcome Outcome) {
	for _, sub := range batch {
		b.resolve(sub, outcome)
	}
}
