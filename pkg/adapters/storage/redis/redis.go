package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "dagrun"

// Store implements the pipeline, run and log stores on Redis. Values are
// JSON documents; runs and logs expire after ttl, pipelines never do.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStore creates a Redis-backed store
func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SavePipeline creates or replaces a pipeline
func (s *Store) SavePipeline(ctx context.Context, p *domain.Pipeline) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("pipeline id is required")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, pipelineKey(p.ID), data, 0)
		pipe.SAdd(ctx, pipelineIndexKey(), p.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save pipeline: %w", err)
	}

	s.logger.Debug("pipeline saved",
		zap.String("pipeline_id", p.ID),
		zap.Int("version", p.Version))

	return nil
}

// GetPipeline returns a pipeline by id
func (s *Store) GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	data, err := s.client.Get(ctx, pipelineKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, id)
		}
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}

	var p domain.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline: %w", err)
	}
	return &p, nil
}

// ListPipelines returns every pipeline sorted by id
func (s *Store) ListPipelines(ctx context.Context) ([]*domain.Pipeline, error) {
	ids, err := s.client.SMembers(ctx, pipelineIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = pipelineKey(id)
	}

	var pipelines []*domain.Pipeline
	err = s.loadAll(ctx, keys, func(data []byte) error {
		var p domain.Pipeline
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		pipelines = append(pipelines, &p)
		return nil
	})
	return pipelines, err
}

// DeletePipeline removes a pipeline
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	var deleted *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, pipelineKey(id))
		pipe.SRem(ctx, pipelineIndexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	if deleted.Val() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, id)
	}
	return nil
}

// SaveRun creates or replaces a run snapshot and indexes it by creation
// time
func (s *Store) SaveRun(ctx context.Context, run *domain.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run id is required")
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	member := redis.Z{Score: float64(run.CreatedAt.UnixNano()), Member: run.ID}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, runKey(run.ID), data, s.ttl)
		pipe.ZAdd(ctx, runIndexKey(""), member)
		pipe.ZAdd(ctx, runIndexKey(run.PipelineID), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	s.logger.Debug("run saved",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)))

	return nil
}

// GetRun returns a run by id
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	data, err := s.client.Get(ctx, runKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the runs of a pipeline, newest first. An empty
// pipeline id lists every run. Expired runs are pruned from the index.
func (s *Store) ListRuns(ctx context.Context, pipelineID string) ([]*domain.Run, error) {
	index := runIndexKey(pipelineID)
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = runKey(id)
	}

	var runs []*domain.Run
	var expired []any
	err = s.loadAllWithMissing(ctx, keys, func(idx int, data []byte) error {
		if data == nil {
			expired = append(expired, ids[idx])
			return nil
		}
		var run domain.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return err
		}
		runs = append(runs, &run)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, index, expired...).Err(); err != nil {
			s.logger.Warn("failed to prune run index", zap.String("index", index), zap.Error(err))
		}
	}
	return runs, nil
}

// AppendLog appends one entry to a run's log list
func (s *Store) AppendLog(ctx context.Context, entry domain.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	key := logKey(entry.RunID)
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// Logs returns the last tail entries of a run, optionally for one task
func (s *Store) Logs(ctx context.Context, runID, taskID string, tail int) ([]domain.LogEntry, error) {
	start := int64(0)
	if taskID == "" && tail > 0 {
		start = int64(-tail)
	}

	items, err := s.client.LRange(ctx, logKey(runID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}

	entries := make([]domain.LogEntry, 0, len(items))
	for _, item := range items {
		var e domain.LogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			s.logger.Warn("skipping malformed log entry", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		entries = append(entries, e)
	}

	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	return entries, nil
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) loadAll(ctx context.Context, keys []string, decode func([]byte) error) error {
	return s.loadAllWithMissing(ctx, keys, func(_ int, data []byte) error {
		if data == nil {
			return nil
		}
		return decode(data)
	})
}

// loadAllWithMissing fetches keys with MGET; decode receives nil for keys
// that no longer exist
func (s *Store) loadAllWithMissing(ctx context.Context, keys []string, decode func(int, []byte) error) error {
	if len(keys) == 0 {
		return nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to load keys: %w", err)
	}

	for i, v := range values {
		var data []byte
		if str, ok := v.(string); ok {
			data = []byte(str)
		}
		if err := decode(i, data); err != nil {
			return fmt.Errorf("failed to decode %s: %w", keys[i], err)
		}
	}
	return nil
}

func pipelineKey(id string) string {
	return fmt.Sprintf("%s:pipeline:%s", keyPrefix, id)
}

func pipelineIndexKey() string {
	return keyPrefix + ":pipelines"
}

func runKey(id string) string {
	return fmt.Sprintf("%s:run:%s", keyPrefix, id)
}

// runIndexKey is the sorted set of run ids for a pipeline, or of every
// run when pipelineID is empty
func runIndexKey(pipelineID string) string {
	if pipelineID == "" {
		return keyPrefix + ":runs"
	}
	return fmt.Sprintf("%s:runs:%s", keyPrefix, pipelineID)
}

func logKey(runID string) string {
	return fmt.Sprintf("%s:logs:%s", keyPrefix, runID)
}
