package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/dagrun/internal/application/coordinator"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// blockingHandler holds every job until release is closed or the pool
// stops
type blockingHandler struct {
	release   chan struct{}
	running   atomic.Int64
	peak      atomic.Int64
	executed  atomic.Int64
	mu        sync.Mutex
	abandoned []string
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{release: make(chan struct{})}
}

func (h *blockingHandler) Execute(ctx context.Context, job Job) {
	n := h.running.Add(1)
	for {
		peak := h.peak.Load()
		if n <= peak || h.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-h.release:
	case <-ctx.Done():
	}
	h.running.Add(-1)
	h.executed.Add(1)
}

func (h *blockingHandler) Abandon(job Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abandoned = append(h.abandoned, job.Task.ID)
}

func testJob(id string) Job {
	task := &domain.Task{ID: id, Operator: "noop", Resources: domain.ResourceRequirement{CPU: 1, Memory: 1, Timeout: 1}}
	p := &domain.Pipeline{ID: "p", Name: "p", Tasks: map[string]*domain.Task{id: task}}
	p.Normalize()
	return Job{Run: coordinator.New("run-"+id, p, nil, "test"), Task: task}
}

func TestPool_TryDispatchRespectsSize(t *testing.T) {
	h := newBlockingHandler()
	pool := NewPool(2, h, &fakeMetrics{}, zap.NewNop(), 0)
	require.NoError(t, pool.Start())
	defer pool.Shutdown(context.Background())

	assert.True(t, pool.TryDispatch(testJob("a")))
	assert.True(t, pool.TryDispatch(testJob("b")))
	assert.False(t, pool.TryDispatch(testJob("c")))
	assert.Equal(t, 2, pool.InFlight())

	require.Eventually(t, func() bool { return h.running.Load() == 2 }, time.Second, 5*time.Millisecond)

	status := pool.Health()
	assert.Equal(t, 2, status.BusyWorkers)
	assert.True(t, status.Healthy)
	require.Len(t, status.Workers, 2)
	for _, w := range status.Workers {
		assert.Equal(t, WorkerStatusBusy, w.Status)
		assert.NotEmpty(t, w.TaskID)
	}

	close(h.release)
	require.Eventually(t, func() bool { return pool.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, h.peak.Load(), int64(2))
}

func TestPool_OnIdleCalledAfterEachJob(t *testing.T) {
	h := newBlockingHandler()
	close(h.release)

	pool := NewPool(1, h, &fakeMetrics{}, zap.NewNop(), 0)
	var idle atomic.Int64
	pool.OnIdle(func() { idle.Add(1) })
	require.NoError(t, pool.Start())
	defer pool.Shutdown(context.Background())

	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool { return pool.TryDispatch(testJob("a")) }, time.Second, time.Millisecond)
	}
	require.Eventually(t, func() bool { return idle.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), h.executed.Load())
}

func TestPool_ShutdownStopsWorkers(t *testing.T) {
	h := newBlockingHandler()
	pool := NewPool(1, h, &fakeMetrics{}, zap.NewNop(), 0)
	require.NoError(t, pool.Start())

	require.True(t, pool.TryDispatch(testJob("a")))
	require.Eventually(t, func() bool { return h.running.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	assert.Equal(t, 0, pool.InFlight())
	assert.False(t, pool.TryDispatch(testJob("b")))
	for _, s := range pool.GetStatus() {
		assert.Equal(t, WorkerStatusStopped, s)
	}
}
