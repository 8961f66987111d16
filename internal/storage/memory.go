package storage

import (
	"context"
	"sync"
	"time"

	"taskd/internal/task"
)

// MemoryStore keeps everything in process memory. It is the default driver and
// the reference implementation of the Store contract.
type MemoryStore struct {
	mu     sync.Mutex
	st     *state
	closed bool
	now    func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{st: newState(), now: time.Now}
}

func (m *MemoryStore) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return unavailable("memory", errClosed)
	}
	return nil
}

func (m *MemoryStore) Upsert(ctx context.Context, s task.Schedule) (task.Schedule, error) {
	if err := validateSchedule(s); err != nil {
		return task.Schedule{}, err
	}
	if err := m.lock(); err != nil {
		return task.Schedule{}, err
	}
	defer m.mu.Unlock()
	return m.st.upsert(s, m.now()), nil
}

func (m *MemoryStore) Replace(ctx context.Context, s task.Schedule, expected int64) (task.Schedule, bool, error) {
	if err := validateSchedule(s); err != nil {
		return task.Schedule{}, false, err
	}
	if err := m.lock(); err != nil {
		return task.Schedule{}, false, err
	}
	defer m.mu.Unlock()
	out, ok := m.st.replace(s, expected, m.now())
	return out, ok, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (task.Schedule, error) {
	if err := m.lock(); err != nil {
		return task.Schedule{}, err
	}
	defer m.mu.Unlock()
	return m.st.get(id)
}

func (m *MemoryStore) List(ctx context.Context) ([]task.Schedule, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.st.list(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	return m.st.delete(id)
}

func (m *MemoryStore) GetDue(ctx context.Context, before time.Time, limit int) ([]task.Schedule, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.st.due(before, limit), nil
}

func (m *MemoryStore) Claim(ctx context.Context, c Claim) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	return m.st.claim(c, m.now())
}

func (m *MemoryStore) RecordRun(ctx context.Context, r task.TaskRun) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.st.addRun(r)
	return nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, f RunFilter) ([]task.TaskRun, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.st.listRuns(f), nil
}

func (m *MemoryStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	return m.st.prune(before), nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
