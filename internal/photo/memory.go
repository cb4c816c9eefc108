package photo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tdeslauriers/derma/pkg/api"
)

// NewMemoryRepository creates an in-process Repository with the same ordering and
// cursor semantics as the mysql store. It backs local runs without a database.
func NewMemoryRepository(now func() time.Time) Repository {
	if now == nil {
		now = time.Now
	}
	return &memoryRepository{
		rows: make(map[string]api.Photo),
		now:  now,
	}
}

var _ Repository = (*memoryRepository)(nil)

type memoryRepository struct {
	mu   sync.RWMutex
	rows map[string]api.Photo
	now  func() time.Time
}

// Insert is the concrete implementation of the interface method.
func (m *memoryRepository) Insert(ctx context.Context, p api.Photo) (*api.Photo, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[p.Id]; ok {
		return nil, fmt.Errorf("failed to insert photo %s: duplicate id", p.Id)
	}

	p.UploadedAt = dbTime(m.now())
	if p.CapturedAt != nil {
		t := dbTime(*p.CapturedAt)
		p.CapturedAt = &t
	}

	m.rows[p.Id] = p
	return &p, nil
}

// SelectPage is the concrete implementation of the interface method.
func (m *memoryRepository) SelectPage(ctx context.Context, q PageQuery) ([]api.Photo, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]api.Photo, 0)
	for _, p := range m.rows {
		if p.OwnerId != q.OwnerId {
			continue
		}
		if q.Filter.BodyRegion != nil && p.BodyRegion != *q.Filter.BodyRegion {
			continue
		}
		if q.Cursor != nil && !q.Cursor.Follows(p, q.Direction) {
			continue
		}
		matches = append(matches, p)
	}

	sort.Slice(matches, func(i, j int) bool {
		return api.Precedes(matches[i], matches[j], q.Direction)
	})

	if q.Limit >= 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	return matches, nil
}

// SelectCountSince is the concrete implementation of the interface method.
func (m *memoryRepository) SelectCountSince(ctx context.Context, ownerId string, since time.Time) (int, error) {

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, p := range m.rows {
		if p.OwnerId == ownerId && !p.UploadedAt.Before(since) {
			count++
		}
	}

	return count, nil
}

// FindById is the concrete implementation of the interface method.
func (m *memoryRepository) FindById(ctx context.Context, ownerId, id string) (*api.Photo, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.rows[id]
	if !ok || p.OwnerId != ownerId {
		return nil, fmt.Errorf("%w: %s", api.ErrNotFound, id)
	}

	return &p, nil
}

// FindByIds is the concrete implementation of the interface method.
func (m *memoryRepository) FindByIds(ctx context.Context, ownerId string, ids []string) ([]api.Photo, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	found := make([]api.Photo, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.rows[id]; ok && p.OwnerId == ownerId {
			found = append(found, p)
		}
	}

	return found, nil
}

// UpdateDerivatives is the concrete implementation of the interface method.
func (m *memoryRepository) UpdateDerivatives(ctx context.Context, id string, d api.Derivatives) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.rows[id]
	if !ok {
		return nil
	}

	for _, v := range api.Variants {
		if path := d.Path(v); path != "" {
			p.Derivatives = p.Derivatives.Set(v, path)
		}
	}
	m.rows[id] = p

	return nil
}

// UpdateNotes is the concrete implementation of the interface method.
func (m *memoryRepository) UpdateNotes(ctx context.Context, ownerId, id, notes string) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.rows[id]; ok && p.OwnerId == ownerId {
		p.Notes = notes
		m.rows[id] = p
	}

	return nil
}

// Delete is the concrete implementation of the interface method.
func (m *memoryRepository) Delete(ctx context.Context, ownerId, id string) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.rows[id]; ok && p.OwnerId == ownerId {
		delete(m.rows, id)
	}

	return nil
}
