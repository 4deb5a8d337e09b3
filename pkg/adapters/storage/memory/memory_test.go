package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelines_CopiedInAndOut(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	p := &domain.Pipeline{ID: "p1", Name: "one", Tasks: map[string]*domain.Task{
		"a": {ID: "a", Operator: "noop"},
	}}
	require.NoError(t, s.SavePipeline(ctx, p))

	p.Name = "mutated"
	got, err := s.GetPipeline(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name)

	got.Tasks["a"].Operator = "changed"
	again, _ := s.GetPipeline(ctx, "p1")
	assert.Equal(t, "noop", again.Tasks["a"].Operator)
}

func TestPipelines_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.GetPipeline(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrPipelineNotFound)
	assert.ErrorIs(t, s.DeletePipeline(ctx, "missing"), domain.ErrPipelineNotFound)
	assert.Error(t, s.SavePipeline(ctx, &domain.Pipeline{}))
}

func TestListPipelines_Sorted(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.SavePipeline(ctx, &domain.Pipeline{ID: id}))
	}

	list, err := s.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "c", list[2].ID)
}

func TestRuns_FilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Now()

	require.NoError(t, s.SaveRun(ctx, &domain.Run{ID: "r1", PipelineID: "p1", CreatedAt: base}))
	require.NoError(t, s.SaveRun(ctx, &domain.Run{ID: "r2", PipelineID: "p1", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.SaveRun(ctx, &domain.Run{ID: "r3", PipelineID: "p2", CreatedAt: base}))

	runs, err := s.ListRuns(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)

	all, _ := s.ListRuns(ctx, "")
	assert.Len(t, all, 3)

	_, err = s.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestLogs_TailAndTaskFilter(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for i := 0; i < 5; i++ {
		task := "a"
		if i%2 == 1 {
			task = "b"
		}
		require.NoError(t, s.AppendLog(ctx, domain.LogEntry{RunID: "r1", TaskID: task, Message: fmt.Sprintf("line %d", i)}))
	}

	all, _ := s.Logs(ctx, "r1", "", 0)
	assert.Len(t, all, 5)

	tail, _ := s.Logs(ctx, "r1", "", 2)
	require.Len(t, tail, 2)
	assert.Equal(t, "line 3", tail[0].Message)
	assert.Equal(t, "line 4", tail[1].Message)

	onlyA, _ := s.Logs(ctx, "r1", "a", 0)
	assert.Len(t, onlyA, 3)

	none, err := s.Logs(ctx, "other", "", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
