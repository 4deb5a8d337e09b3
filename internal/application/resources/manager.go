// Package resources implements admission control over cpu, memory and gpu
// capacity. Reservations are all-or-nothing and must be released by their
// holder on every exit path.
package resources

import (
	"math"
	"sync"

	"github.com/aescanero/dagrun/pkg/domain"
	"go.uber.org/zap"
)

// quantities are tracked in milli-units so release returns exactly what
// was reserved
const scale = 1000

type quantity struct {
	cpu    int64
	memory int64
	gpu    int64
}

func toQuantity(cpu, memory float64, gpu int) quantity {
	return quantity{
		cpu:    int64(math.Round(cpu * scale)),
		memory: int64(math.Round(memory * scale)),
		gpu:    int64(gpu),
	}
}

func (q quantity) capacity() domain.Capacity {
	return domain.Capacity{
		CPU:    float64(q.cpu) / scale,
		Memory: float64(q.memory) / scale,
		GPU:    int(q.gpu),
	}
}

// Reservation is a granted claim on capacity
type Reservation struct {
	amount   quantity
	released bool
}

// Amount returns the reserved quantities
func (r *Reservation) Amount() domain.Capacity {
	return r.amount.capacity()
}

// Manager tracks total and committed capacity
type Manager struct {
	mu           sync.Mutex
	total        quantity
	committed    quantity
	reservations int
	logger       *zap.Logger
}

// NewManager creates a resource manager with the given ceilings
func NewManager(total domain.Capacity, logger *zap.Logger) *Manager {
	return &Manager{
		total:  toQuantity(total.CPU, total.Memory, total.GPU),
		logger: logger,
	}
}

// Reserve claims req atomically. It returns domain.ErrResourceDenied when
// any dimension does not fit the currently available capacity; nothing is
// allocated in that case.
func (m *Manager) Reserve(req domain.ResourceRequirement) (*Reservation, error) {
	want := toQuantity(req.CPU, req.Memory, req.GPU)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.committed.cpu+want.cpu > m.total.cpu ||
		m.committed.memory+want.memory > m.total.memory ||
		m.committed.gpu+want.gpu > m.total.gpu {
		return nil, domain.ErrResourceDenied
	}

	m.committed.cpu += want.cpu
	m.committed.memory += want.memory
	m.committed.gpu += want.gpu
	m.reservations++

	return &Reservation{amount: want}, nil
}

// Release returns a reservation's quantities. Releasing nil or an already
// released reservation is a no-op.
func (m *Manager) Release(r *Reservation) {
	if r == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r.released {
		return
	}
	r.released = true

	m.committed.cpu -= r.amount.cpu
	m.committed.memory -= r.amount.memory
	m.committed.gpu -= r.amount.gpu
	m.reservations--

	if m.committed.cpu < 0 || m.committed.memory < 0 || m.committed.gpu < 0 {
		m.logger.Error("resource accounting went negative",
			zap.Float64("cpu", float64(m.committed.cpu)/scale),
			zap.Float64("memory", float64(m.committed.memory)/scale),
			zap.Int64("gpu", m.committed.gpu))
	}
}

// Fits reports whether req could ever be granted, i.e. fits total capacity
func (m *Manager) Fits(req domain.ResourceRequirement) bool {
	want := toQuantity(req.CPU, req.Memory, req.GPU)
	return want.cpu <= m.total.cpu && want.memory <= m.total.memory && want.gpu <= m.total.gpu
}

// Total returns the configured ceilings
func (m *Manager) Total() domain.Capacity {
	return m.total.capacity()
}

// Usage returns a snapshot of total and committed capacity
func (m *Manager) Usage() domain.ResourceUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	return domain.ResourceUsage{
		Total:        m.total.capacity(),
		Committed:    m.committed.capacity(),
		Reservations: m.reservations,
	}
}
