package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tdeslauriers/carapace/pkg/connect"
	"github.com/tdeslauriers/derma/internal/util"
	"github.com/tdeslauriers/derma/pkg/api"
)

// Batch is a user's multi-item upload. Items are admitted in submission order;
// a failed item never stops its siblings.
type Batch interface {

	// Run processes every pending item and blocks until all of them reach a terminal state.
	Run(ctx context.Context) []Result

	// Retry resets a failed item to pending and runs it again. Succeeded items are
	// never re-run. Items that failed with a non-retryable error are rejected.
	Retry(ctx context.Context, index int) (Result, error)

	// Cancel raises the batch cancel flag: no item starts a new step afterwards and
	// the blobs of in-flight items are cleaned up. A later Retry clears the flag.
	Cancel()

	// Results returns a snapshot of every item's state.
	Results() []Result
}

// NewBatch is the concrete implementation of the interface method.
func (p *pipeline) NewBatch(items []Item, observe Observer) Batch {

	results := make([]Result, len(items))
	for i := range items {
		results[i] = Result{Index: i, State: StatePending}
	}

	return &batch{
		pipeline: p,
		items:    items,
		observe:  observe,
		results:  results,
		inFlight: make(map[string]int),

		logger: slog.Default().
			With(slog.String(util.PackageKey, util.PackageUpload)).
			With(slog.String(util.ComponentKey, util.ComponentBatch)),
	}
}

var _ Batch = (*batch)(nil)

type batch struct {
	pipeline *pipeline
	items    []Item
	observe  Observer

	mu      sync.Mutex // guards results and running
	results []Result
	running bool

	cancelled atomic.Bool

	// admission and commit share one lock so an item is counted exactly once:
	// either as in flight or as a committed row, never both
	admitMu  sync.Mutex
	inFlight map[string]int // by owner

	logger *slog.Logger
}

// Run is the concrete implementation of the interface method.
func (b *batch) Run(ctx context.Context) []Result {

	if !b.start() {
		return b.Results()
	}
	defer b.stop()

	var (
		wg  sync.WaitGroup
		sem = make(chan struct{}, b.pipeline.cfg.Concurrency)
	)

	for i := range b.items {

		if b.state(i) != StatePending {
			continue
		}

		// wait for a slot before admitting so the quota re-check sees
		// every earlier item either committed or in flight
		sem <- struct{}{}

		if !b.admit(ctx, i) {
			<-sem
			continue
		}

		wg.Add(1)
		go func(i int, wg *sync.WaitGroup) {
			defer wg.Done()
			defer func() { <-sem }()

			b.runItem(ctx, i)
		}(i, &wg)
	}

	wg.Wait()

	return b.Results()
}

// Retry is the concrete implementation of the interface method.
func (b *batch) Retry(ctx context.Context, index int) (Result, error) {

	if index < 0 || index >= len(b.items) {
		return Result{}, fmt.Errorf("batch item %d does not exist", index)
	}

	current := b.result(index)
	if current.State != StateFailed {
		return current, fmt.Errorf("batch item %d is %s, only failed items can be retried", index, current.State)
	}

	if !current.Retryable() {
		return current, fmt.Errorf("batch item %d cannot be retried: %v", index, current.Err)
	}

	if !b.start() {
		return current, fmt.Errorf("batch is running, retry item %d once it completes", index)
	}
	defer b.stop()

	b.cancelled.Store(false)
	b.set(Result{Index: index, State: StatePending})

	if b.admit(ctx, index) {
		b.runItem(ctx, index)
	}

	return b.result(index), nil
}

// Cancel is the concrete implementation of the interface method.
func (b *batch) Cancel() {
	b.cancelled.Store(true)
	b.logger.Info("upload batch cancelled")
}

// Results is the concrete implementation of the interface method.
func (b *batch) Results() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make([]Result, len(b.results))
	copy(snapshot, b.results)
	return snapshot
}

func (b *batch) start() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return false
	}
	b.running = true
	return true
}

func (b *batch) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
}

func (b *batch) result(i int) Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.results[i]
}

func (b *batch) state(i int) State {
	return b.result(i).State
}

// set records the item's result and notifies the observer outside the lock.
func (b *batch) set(r Result) {
	b.mu.Lock()
	b.results[r.Index] = r
	b.mu.Unlock()

	if b.observe != nil {
		b.observe(r)
	}
}

func (b *batch) fail(i int, err error) {
	b.set(Result{Index: i, State: StateFailed, Err: err})
}

// admit runs the pending-state checks of an item: cancel flag, validation and the
// per-item quota re-check. An admitted item is counted in flight until it commits or fails.
func (b *batch) admit(ctx context.Context, i int) bool {

	item := b.items[i]

	if b.cancelled.Load() {
		b.fail(i, api.ErrCancelled)
		return false
	}

	if err := item.Validate(); err != nil {
		b.fail(i, err)
		return false
	}

	b.admitMu.Lock()
	defer b.admitMu.Unlock()

	if _, err := b.pipeline.guard.Allow(ctx, item.OwnerId, time.Now(), b.inFlight[item.OwnerId]); err != nil {
		b.pipeline.record(ctx, "quota_exceeded")
		b.fail(i, err)
		return false
	}

	b.inFlight[item.OwnerId]++

	return true
}

// runItem takes an admitted item through the pipeline and records the outcome.
func (b *batch) runItem(ctx context.Context, i int) {

	item := b.items[i]

	telemetry := &connect.Telemetry{
		Traceparent: *connect.GenerateTraceParent(),
	}

	released := false
	r := &run{
		cancelled: b.cancelled.Load,
		observe:   func(s State) { b.set(Result{Index: i, State: s}) },
		commit:    &b.admitMu,
		committed: func() {
			b.inFlight[item.OwnerId]--
			released = true
		},
		log: b.pipeline.logger.With(telemetry.TelemetryFields()...),
	}

	committed, err := b.pipeline.process(ctx, item, r)

	if !released {
		b.admitMu.Lock()
		b.inFlight[item.OwnerId]--
		b.admitMu.Unlock()
	}

	if err != nil {
		if errors.Is(err, api.ErrCancelled) {
			b.logger.Warn(fmt.Sprintf("batch item %d cancelled", i))
		}
		b.fail(i, err)
		return
	}

	b.set(Result{Index: i, State: StateSuccess, Photo: committed})
}
