package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/utils"
)

// MemoryURL selects the in-process gallery instead of PostgreSQL.
const MemoryURL = "memory"

type memoryEntry struct {
	Identity
	vec  []float32
	crop []byte
}

// Memory is a Gallery that lives only as long as the process. It is used
// for demos without a database and in tests.
type Memory struct {
	mu      sync.RWMutex
	entries []memoryEntry
	nextID  int
}

func NewMemory() *Memory {
	return &Memory{nextID: 1}
}

func (m *Memory) Close(ctx context.Context) {}

func (m *Memory) Insert(ctx context.Context, name string, vec []float32, crop []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.entries = append(m.entries, memoryEntry{
		Identity: Identity{ID: id, Name: name, Dim: len(vec), HasCrop: crop != nil, CreatedAt: time.Now()},
		vec:      slices.Clone(vec),
		crop:     slices.Clone(crop),
	})
	return id, nil
}

func (m *Memory) Nearest(ctx context.Context, vec []float32, k int) ([]Neighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Neighbor, 0, len(m.entries))
	for _, e := range m.entries {
		if len(e.vec) != len(vec) {
			continue
		}
		out = append(out, Neighbor{ID: e.ID, Name: e.Name, Distance: utils.EuclideanDist(vec, e.vec)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Memory) ListIdentities(ctx context.Context) ([]Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Identity, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Identity
	}
	return out, nil
}

func (m *Memory) Crop(ctx context.Context, id int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := m.index(id)
	if i < 0 {
		return nil, ErrIdentityNotFound
	}
	return m.entries[i].crop, nil
}

func (m *Memory) RenameIdentity(ctx context.Context, id int, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.index(id)
	if i < 0 {
		return ErrIdentityNotFound
	}
	m.entries[i].Name = name
	return nil
}

func (m *Memory) DeleteIdentity(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.index(id)
	if i < 0 {
		return ErrIdentityNotFound
	}
	m.entries = slices.Delete(m.entries, i, i+1)
	return nil
}

func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = nil
	m.nextID = 1
	return nil
}

func (m *Memory) index(id int) int {
	return slices.IndexFunc(m.entries, func(e memoryEntry) bool { return e.ID == id })
}
