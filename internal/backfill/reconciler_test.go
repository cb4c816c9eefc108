package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tdeslauriers/derma/pkg/api"
)

const testOwner = "3c0f6a1e-7d2b-4e8a-b1c9-5a6d7e8f9a01"

// fakeRegenerator records calls and blocks each one until gate is closed, if set.
type fakeRegenerator struct {
	mu     sync.Mutex
	calls  [][]string
	owners []string
	gate   chan struct{}
	err    error
}

func (f *fakeRegenerator) Regenerate(ctx context.Context, ownerId string, ids []string) ([]api.RegenerateResult, error) {

	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), ids...))
	f.owners = append(f.owners, ownerId)
	gate, err := f.gate, f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}

	results := make([]api.RegenerateResult, len(ids))
	for i, id := range ids {
		results[i] = api.RegenerateResult{Id: id, ThumbnailUrl: "https://signed.example/" + id}
	}
	return results, nil
}

func (f *fakeRegenerator) callsPerId() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()

	counts := make(map[string]int)
	for _, c := range f.calls {
		for _, id := range c {
			counts[id]++
		}
	}
	return counts
}

func (f *fakeRegenerator) batches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

type recordingMerger struct {
	mu     sync.Mutex
	merged map[string]bool
}

func (m *recordingMerger) MergeBackfill(results []api.RegenerateResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		m.merged[r.Id] = true
	}
}

func (m *recordingMerger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.merged)
}

func missing(n int) []api.Photo {
	photos := make([]api.Photo, n)
	for i := range photos {
		photos[i] = api.Photo{Id: uuid.NewString(), OwnerId: testOwner, Derivatives: api.Derivatives{Original: "original.jpg"}}
	}
	return photos
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func start(t *testing.T, regen Regenerator, merger Merger) Reconciler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReconciler(regen, merger, Config{BatchSize: 20, Timeout: 5 * time.Second})
	go r.Run(ctx)
	t.Cleanup(cancel)
	return r
}

func TestRepeatedObservationRequestsOnce(t *testing.T) {

	regen := &fakeRegenerator{gate: make(chan struct{})}
	merger := &recordingMerger{merged: make(map[string]bool)}
	r := start(t, regen, merger)

	photos := missing(3)
	complete := api.Photo{Id: uuid.NewString(), Derivatives: api.Derivatives{Thumbnail: "t.webp", Medium: "m.webp"}}

	r.Observe(append(photos, complete))
	r.Observe(photos)

	if n := r.InFlight(); n != 3 {
		t.Fatalf("expected 3 photos in flight, got %d", n)
	}

	close(regen.gate)

	eventually(t, func() bool { return merger.count() == 3 })
	eventually(t, func() bool { return r.InFlight() == 0 })

	counts := regen.callsPerId()
	for _, p := range photos {
		if counts[p.Id] != 1 {
			t.Errorf("expected photo %s requested once, got %d", p.Id, counts[p.Id])
		}
	}
	if counts[complete.Id] != 0 {
		t.Error("expected photo with a thumbnail never requested")
	}
}

func TestBatchesAreCapped(t *testing.T) {

	regen := &fakeRegenerator{}
	merger := &recordingMerger{merged: make(map[string]bool)}
	r := start(t, regen, merger)

	r.Observe(missing(45))

	eventually(t, func() bool { return merger.count() == 45 })

	batches := regen.batches()
	if len(batches) != 3 {
		t.Fatalf("expected 3 regenerate calls, got %d", len(batches))
	}
	for _, b := range batches {
		if len(b) > api.MaxRegenerateBatch {
			t.Errorf("expected at most %d ids per call, got %d", api.MaxRegenerateBatch, len(b))
		}
	}
}

func TestFailureClearsMarksWithoutRetry(t *testing.T) {

	regen := &fakeRegenerator{err: errors.New("regenerate unavailable")}
	merger := &recordingMerger{merged: make(map[string]bool)}
	r := start(t, regen, merger)

	photos := missing(2)
	r.Observe(photos)

	eventually(t, func() bool { return len(regen.batches()) == 1 && r.InFlight() == 0 })

	// no timer driven retry
	time.Sleep(50 * time.Millisecond)
	if n := len(regen.batches()); n != 1 {
		t.Fatalf("expected no retry without a new observation, got %d calls", n)
	}

	r.Observe(photos)
	eventually(t, func() bool { return len(regen.batches()) == 2 })

	if merger.count() != 0 {
		t.Errorf("expected nothing merged after failures, got %d", merger.count())
	}
}

func TestBatchesAreScopedByOwner(t *testing.T) {

	regen := &fakeRegenerator{}
	merger := &recordingMerger{merged: make(map[string]bool)}
	r := start(t, regen, merger)

	other := uuid.NewString()
	photos := missing(3)
	photos[1].OwnerId = other

	r.Observe(photos)

	eventually(t, func() bool { return merger.count() == 3 })

	regen.mu.Lock()
	defer regen.mu.Unlock()

	if len(regen.calls) != 2 {
		t.Fatalf("expected one regenerate call per owner, got %d", len(regen.calls))
	}
	for i, owner := range regen.owners {
		for _, id := range regen.calls[i] {
			want := testOwner
			if id == photos[1].Id {
				want = other
			}
			if owner != want {
				t.Errorf("expected photo %s requested for owner %s, got %s", id, want, owner)
			}
		}
	}
}
