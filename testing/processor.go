package testing

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/ephost/types"
)

// RecordingProcessor records every callback it receives.
//
// It flags any overlap between OnEvents and OnClose, which the host promises never
// to produce for a single processor instance.
type RecordingProcessor struct {
	factory *RecordingFactory

	mu          sync.Mutex
	partitionID string
	opened      bool
	closed      bool
	closeReason types.CloseReason
	events      []types.EventData
	batches     int
	errs        []error

	inFlight atomic.Int32
	overlaps atomic.Int32
}

var _ types.EventProcessor = (*RecordingProcessor)(nil)

// OnOpen implements types.EventProcessor.
func (p *RecordingProcessor) OnOpen(ctx context.Context, pc *types.PartitionContext) error {
	p.mu.Lock()
	p.opened = true
	p.mu.Unlock()

	if fn := p.factory.openFunc(); fn != nil {
		return fn(ctx, pc)
	}

	return nil
}

// OnEvents implements types.EventProcessor.
func (p *RecordingProcessor) OnEvents(ctx context.Context, pc *types.PartitionContext, events []types.EventData) error {
	p.enter()
	defer p.inFlight.Add(-1)

	p.mu.Lock()
	p.events = append(p.events, events...)
	p.batches++
	p.mu.Unlock()

	p.factory.addEvents(len(events))

	if p.factory.checkpointEachBatch && len(events) > 0 {
		if err := pc.Checkpoint(ctx); err != nil {
			return err
		}
	}

	if fn := p.factory.eventsFunc(); fn != nil {
		return fn(ctx, pc, events)
	}

	return nil
}

// OnClose implements types.EventProcessor.
func (p *RecordingProcessor) OnClose(_ context.Context, _ *types.PartitionContext, reason types.CloseReason) error {
	p.enter()
	defer p.inFlight.Add(-1)

	p.mu.Lock()
	p.closed = true
	p.closeReason = reason
	p.mu.Unlock()

	p.factory.signal()

	return nil
}

// OnError implements types.EventProcessor.
func (p *RecordingProcessor) OnError(_ context.Context, _ *types.PartitionContext, err error) {
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()

	p.factory.signal()
}

func (p *RecordingProcessor) enter() {
	if p.inFlight.Add(1) > 1 {
		p.overlaps.Add(1)
	}
}

// PartitionID returns the partition the processor was created for.
func (p *RecordingProcessor) PartitionID() string {
	return p.partitionID
}

// Opened reports whether OnOpen was called.
func (p *RecordingProcessor) Opened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.opened
}

// Closed reports whether OnClose was called and with which reason.
func (p *RecordingProcessor) Closed() (bool, types.CloseReason) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed, p.closeReason
}

// Events returns a copy of every event delivered so far.
func (p *RecordingProcessor) Events() []types.EventData {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]types.EventData(nil), p.events...)
}

// Batches returns the number of OnEvents calls, including empty batches.
func (p *RecordingProcessor) Batches() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.batches
}

// Errors returns a copy of every error passed to OnError.
func (p *RecordingProcessor) Errors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]error(nil), p.errs...)
}

// Overlaps returns how many times OnEvents or OnClose started while another was running.
func (p *RecordingProcessor) Overlaps() int {
	return int(p.overlaps.Load())
}

// RecordingFactory creates RecordingProcessors and keeps every instance it created.
type RecordingFactory struct {
	checkpointEachBatch bool

	mu         sync.Mutex
	processors map[string][]*RecordingProcessor
	onOpen     func(ctx context.Context, pc *types.PartitionContext) error
	onEvents   func(ctx context.Context, pc *types.PartitionContext, events []types.EventData) error
	createErr  error
	total      int
	changed    chan struct{}
}

var _ types.EventProcessorFactory = (*RecordingFactory)(nil)

// RecordingOption configures a RecordingFactory.
type RecordingOption func(*RecordingFactory)

// WithCheckpointEachBatch makes every processor checkpoint after each non-empty batch.
func WithCheckpointEachBatch() RecordingOption {
	return func(f *RecordingFactory) { f.checkpointEachBatch = true }
}

// WithOnOpen sets a function run inside OnOpen; its error fails the open.
func WithOnOpen(fn func(ctx context.Context, pc *types.PartitionContext) error) RecordingOption {
	return func(f *RecordingFactory) { f.onOpen = fn }
}

// WithOnEvents sets a function run at the end of OnEvents; its error is returned.
func WithOnEvents(fn func(ctx context.Context, pc *types.PartitionContext, events []types.EventData) error) RecordingOption {
	return func(f *RecordingFactory) { f.onEvents = fn }
}

// WithCreateError makes CreateProcessor fail with err.
func WithCreateError(err error) RecordingOption {
	return func(f *RecordingFactory) { f.createErr = err }
}

// NewRecordingFactory creates a factory of recording processors.
//
// Example:
//
//	factory := ephosttest.NewRecordingFactory(ephosttest.WithCheckpointEachBatch())
//	host, err := ephost.NewHost(cfg, client, store, store, factory)
func NewRecordingFactory(opts ...RecordingOption) *RecordingFactory {
	f := &RecordingFactory{
		processors: make(map[string][]*RecordingProcessor),
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}

	return f
}

// CreateProcessor implements types.EventProcessorFactory.
func (f *RecordingFactory) CreateProcessor(pc *types.PartitionContext) (types.EventProcessor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}

	p := &RecordingProcessor{factory: f, partitionID: pc.PartitionID()}
	f.processors[pc.PartitionID()] = append(f.processors[pc.PartitionID()], p)
	f.signalLocked()

	return p, nil
}

// Processors returns every processor created for a partition, oldest first.
func (f *RecordingFactory) Processors(partitionID string) []*RecordingProcessor {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*RecordingProcessor(nil), f.processors[partitionID]...)
}

// Latest returns the newest processor for a partition, or nil.
func (f *RecordingFactory) Latest(partitionID string) *RecordingProcessor {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := f.processors[partitionID]
	if len(list) == 0 {
		return nil
	}

	return list[len(list)-1]
}

// Partitions returns the sorted ids of partitions that had at least one processor.
func (f *RecordingFactory) Partitions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.processors))
	for id := range f.processors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// TotalEvents returns the number of events delivered across all processors.
func (f *RecordingFactory) TotalEvents() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.total
}

// Overlaps sums Overlaps over all processors.
func (f *RecordingFactory) Overlaps() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, list := range f.processors {
		for _, p := range list {
			n += p.Overlaps()
		}
	}

	return n
}

// WaitEvents waits until at least n events were delivered in total.
func (f *RecordingFactory) WaitEvents(n int, timeout time.Duration) bool {
	return f.WaitFor(timeout, func() bool { return f.TotalEvents() >= n })
}

// WaitFor waits until cond holds, re-evaluating it whenever a processor records
// something and at least every 10ms.
func (f *RecordingFactory) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		if cond() {
			return true
		}

		f.mu.Lock()
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-tick.C:
		case <-deadline.C:
			return cond()
		}
	}
}

func (f *RecordingFactory) openFunc() func(context.Context, *types.PartitionContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.onOpen
}

func (f *RecordingFactory) eventsFunc() func(context.Context, *types.PartitionContext, []types.EventData) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.onEvents
}

func (f *RecordingFactory) addEvents(n int) {
	f.mu.Lock()
	f.total += n
	f.signalLocked()
	f.mu.Unlock()
}

func (f *RecordingFactory) signal() {
	f.mu.Lock()
	f.signalLocked()
	f.mu.Unlock()
}

func (f *RecordingFactory) signalLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}
