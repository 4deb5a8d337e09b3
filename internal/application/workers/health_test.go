package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthMonitor_FeedsWorkerGauges(t *testing.T) {
	h := newBlockingHandler()
	metrics := &fakeMetrics{}
	pool := NewPool(2, h, metrics, zap.NewNop(), 10*time.Millisecond)
	require.NoError(t, pool.Start())
	defer pool.Shutdown(context.Background())

	require.True(t, pool.TryDispatch(testJob("a")))
	require.Eventually(t, func() bool {
		return metrics.poolSamples.Load() > 0 && metrics.lastBusy.Load() == 1
	}, time.Second, 5*time.Millisecond)

	status := pool.Health()
	assert.Equal(t, 1, status.BusyWorkers)
	assert.Equal(t, 1, status.IdleWorkers)
	assert.Positive(t, status.LongestBusy)

	var busy WorkerState
	for _, w := range status.Workers {
		if w.Status == WorkerStatusBusy {
			busy = w
		}
	}
	assert.Equal(t, "run-a", busy.RunID)
	assert.Equal(t, "a", busy.TaskID)

	close(h.release)
	require.Eventually(t, func() bool { return pool.Health().BusyWorkers == 0 }, time.Second, 5*time.Millisecond)
}

func TestHealthMonitor_StoppedPoolIsUnhealthy(t *testing.T) {
	pool := NewPool(1, newBlockingHandler(), &fakeMetrics{}, zap.NewNop(), 0)
	assert.False(t, pool.Health().Healthy, "no workers before start")

	require.NoError(t, pool.Start())
	assert.True(t, pool.Health().Healthy)

	require.NoError(t, pool.Shutdown(context.Background()))
	require.Eventually(t, func() bool {
		return pool.Health().StoppedWorkers == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, pool.Health().Healthy)
}
