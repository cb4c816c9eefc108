package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tdeslauriers/carapace/pkg/connect"
	"github.com/tdeslauriers/derma/internal/util"
	"github.com/tdeslauriers/derma/pkg/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/tdeslauriers/derma/internal/backfill"

// Regenerator is the remote operation that rebuilds missing derivatives of one
// owner's photos and returns fresh urls for them.
type Regenerator interface {
	Regenerate(ctx context.Context, ownerId string, ids []string) ([]api.RegenerateResult, error)
}

// Merger receives regenerated derivatives. gallery.Feed satisfies it.
type Merger interface {
	MergeBackfill(results []api.RegenerateResult)
}

// Reconciler watches loaded gallery rows for photos missing a thumbnail and asks the
// regenerator to rebuild them, at most one outstanding request per photo.
type Reconciler interface {

	// Observe queues the photos of a loaded page for inspection. It does not block
	// on the remote call.
	Observe(photos []api.Photo)

	// Run processes observations until ctx is done. Requests still in flight are
	// cancelled with ctx.
	Run(ctx context.Context)

	// InFlight returns the number of photo ids currently requested, after every
	// observation queued before the call has been processed.
	InFlight() int
}

// Config holds the reconciler tunables.
type Config struct {
	BatchSize int           // max ids per regenerate call
	Timeout   time.Duration // bound of each regenerate call
}

// NewReconciler creates a new Reconciler. Run must be started for observations to be processed.
func NewReconciler(regen Regenerator, merger Merger, cfg Config) Reconciler {

	if cfg.BatchSize < 1 || cfg.BatchSize > api.MaxRegenerateBatch {
		cfg.BatchSize = util.DefaultBackfillBatch
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = util.DefaultNetworkTimeout
	}

	logger := slog.Default().
		With(slog.String(util.PackageKey, util.PackageBackfill)).
		With(slog.String(util.ComponentKey, util.ComponentReconciler))

	calls, err := otel.Meter(instrumentationName).Int64Counter("derma.backfill.regenerate_calls",
		metric.WithDescription("regenerate calls issued by the backfill reconciler, by outcome"))
	if err != nil {
		logger.Warn("failed to create regenerate call counter", "err", err.Error())
		calls = noop.Int64Counter{}
	}

	return &reconciler{
		regen:  regen,
		merger: merger,
		cfg:    cfg,

		events: make(chan event, 64),
		done:   make(chan struct{}),

		calls: calls,

		logger: logger,
	}
}

var _ Reconciler = (*reconciler)(nil)

type reconciler struct {
	regen  Regenerator
	merger Merger
	cfg    Config

	events chan event
	done   chan struct{} // closed when Run returns

	calls metric.Int64Counter

	logger *slog.Logger
}

// event is one unit of work for the loop. Exactly one field is set.
type event struct {
	observed []api.Photo
	finished []string
	inFlight chan int
}

// send queues the event unless the loop has stopped.
func (r *reconciler) send(e event) bool {
	select {
	case r.events <- e:
		return true
	case <-r.done:
		return false
	}
}

// Observe is the concrete implementation of the interface method.
func (r *reconciler) Observe(photos []api.Photo) {
	if len(photos) == 0 {
		return
	}
	r.send(event{observed: photos})
}

// InFlight is the concrete implementation of the interface method.
func (r *reconciler) InFlight() int {
	ch := make(chan int, 1)
	if !r.send(event{inFlight: ch}) {
		return 0
	}
	select {
	case n := <-ch:
		return n
	case <-r.done:
		return 0
	}
}

// Run is the concrete implementation of the interface method.
func (r *reconciler) Run(ctx context.Context) {

	defer close(r.done)

	// owned by this loop only
	requested := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-r.events:
			switch {
			case e.inFlight != nil:
				e.inFlight <- len(requested)

			case e.finished != nil:
				for _, id := range e.finished {
					delete(requested, id)
				}

			case e.observed != nil:
				// batches never mix owners
				var owners []string
				missing := make(map[string][]string)
				for _, p := range e.observed {
					if !p.NeedsBackfill() {
						continue
					}
					if _, ok := requested[p.Id]; ok {
						continue
					}
					requested[p.Id] = struct{}{}
					if _, ok := missing[p.OwnerId]; !ok {
						owners = append(owners, p.OwnerId)
					}
					missing[p.OwnerId] = append(missing[p.OwnerId], p.Id)
				}

				for _, owner := range owners {
					ids := missing[owner]
					for start := 0; start < len(ids); start += r.cfg.BatchSize {
						end := start + r.cfg.BatchSize
						if end > len(ids) {
							end = len(ids)
						}
						go r.request(ctx, owner, ids[start:end])
					}
				}
			}
		}
	}
}

// request calls the regenerator for one batch and merges the results. The marks are
// cleared either way, so a later observation of a still missing thumbnail asks again.
func (r *reconciler) request(ctx context.Context, ownerId string, ids []string) {

	telemetry := &connect.Telemetry{
		Traceparent: *connect.GenerateTraceParent(),
	}
	log := r.logger.With(telemetry.TelemetryFields()...)

	defer r.send(event{finished: ids})

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	results, err := r.regen.Regenerate(callCtx, ownerId, ids)
	if err != nil {
		r.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		err = fmt.Errorf("%w: regenerate of %d photos: %v", api.ErrReconcile, len(ids), err)
		log.Error("failed to backfill missing derivatives", "err", err.Error())
		return
	}

	r.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))

	if len(results) < len(ids) {
		log.Warn(fmt.Sprintf("regenerate returned %d of %d requested photos", len(results), len(ids)))
	}

	if len(results) > 0 {
		r.merger.MergeBackfill(results)
	}

	log.Info(fmt.Sprintf("backfilled derivatives of %d photos", len(results)))
}
