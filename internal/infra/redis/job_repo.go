package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"loyaltyd/internal/core/domain"
	"loyaltyd/internal/infra/storage"
)

// Retention: completed jobs are kept briefly for status queries; failed jobs
// are kept longer for diagnosis.
const (
	completedRetention = 24 * time.Hour
	failedRetention    = 7 * 24 * time.Hour
)

// priorityBias spaces priority bands far enough apart that a higher-priority
// job always sorts before a lower-priority one, with FIFO millisecond
// ordering inside a band.
const priorityBias = 1e15

// JobRepo implements storage.JobRepository on Redis.
type JobRepo struct {
	rdb *redis.Client
}

// NewJobRepo creates a Redis-backed job repository.
func NewJobRepo(client *Client) *JobRepo {
	return &JobRepo{rdb: client.rdb}
}

// Key helpers
func waitingKey(q domain.QueueName) string { return fmt.Sprintf("jobs:%s:waiting", q) }
func delayedKey(q domain.QueueName) string { return fmt.Sprintf("jobs:%s:delayed", q) }
func doneKey(q domain.QueueName) string    { return fmt.Sprintf("jobs:%s:completed", q) }
func failedKey(q domain.QueueName) string  { return fmt.Sprintf("jobs:%s:failed", q) }

func jobKey(q domain.QueueName, id string) string {
	return fmt.Sprintf("job:%s:%s", q, id)
}

func waitingScore(p domain.Priority, t time.Time) float64 {
	return float64(t.UnixMilli()) - float64(p)*priorityBias
}

func (r *JobRepo) save(ctx context.Context, job *domain.Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := r.rdb.Set(ctx, jobKey(job.Queue, job.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set job record: %w", err)
	}
	return nil
}

func (r *JobRepo) load(ctx context.Context, q domain.QueueName, id string) (*domain.Job, error) {
	data, err := r.rdb.Get(ctx, jobKey(q, id)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job record: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// pushScript stores the record only when no live record holds the ID.
// Check and set run server-side in one step, so two concurrent pushes with
// the same ID cannot both win. Terminal records are overwritten so recurring
// jobs can reuse their stable ID run after run.
var pushScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local state = cjson.decode(cur)['state']
	if state ~= 'completed' and state ~= 'failed' then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// Push stores the job and indexes it as waiting or delayed. A live job with
// the same ID wins: the push is dropped and false is returned.
func (r *JobRepo) Push(ctx context.Context, job *domain.Job) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	stored, err := pushScript.Run(ctx, r.rdb,
		[]string{jobKey(job.Queue, job.ID)},
		data, failedRetention.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("store job record: %w", err)
	}
	if stored == 0 {
		return false, nil
	}

	if job.State == domain.StateDelayed {
		err = r.rdb.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
			Score:  float64(job.ReadyAt.UnixMilli()),
			Member: job.ID,
		}).Err()
	} else {
		err = r.rdb.ZAdd(ctx, waitingKey(job.Queue), redis.Z{
			Score:  waitingScore(job.Priority, job.EnqueuedAt),
			Member: job.ID,
		}).Err()
	}
	if err != nil {
		return false, fmt.Errorf("index job: %w", err)
	}
	return true, nil
}

// PopReady claims the best waiting job and activates it.
func (r *JobRepo) PopReady(ctx context.Context, queue domain.QueueName) (*domain.Job, error) {
	results, err := r.rdb.ZPopMin(ctx, waitingKey(queue), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("zpopmin failed: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	id := results[0].Member.(string)
	job, err := r.load(ctx, queue, id)
	if err == storage.ErrJobNotFound {
		// Record expired while the ID sat in the queue; next poll moves on.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.State = domain.StateActive
	job.AttemptsMade++
	if err := r.save(ctx, job, failedRetention); err != nil {
		return nil, err
	}
	return job, nil
}

// PromoteDue moves due delayed jobs into waiting.
func (r *JobRepo) PromoteDue(ctx context.Context, queue domain.QueueName, now time.Time, batch int64) (int, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	promoted := 0
	pipe := r.rdb.TxPipeline()
	for _, id := range ids {
		job, err := r.load(ctx, queue, id)
		if err == storage.ErrJobNotFound {
			pipe.ZRem(ctx, delayedKey(queue), id)
			continue
		}
		if err != nil {
			return 0, err
		}

		job.State = domain.StateWaiting
		data, err := json.Marshal(job)
		if err != nil {
			return 0, fmt.Errorf("marshal job: %w", err)
		}

		// The record write rides the same pipeline as the index moves, so a
		// failure cannot leave a waiting-state record still indexed as
		// delayed.
		pipe.Set(ctx, jobKey(queue, id), data, failedRetention)
		pipe.ZAdd(ctx, waitingKey(queue), redis.Z{
			Score:  waitingScore(job.Priority, now),
			Member: id,
		})
		pipe.ZRem(ctx, delayedKey(queue), id)
		promoted++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote due jobs: %w", err)
	}
	return promoted, nil
}

// Complete finalizes a job with its result.
func (r *JobRepo) Complete(ctx context.Context, job *domain.Job, result json.RawMessage) error {
	job.State = domain.StateCompleted
	job.Result = result
	job.FinishedAt = time.Now()
	job.LastError = ""

	if err := r.save(ctx, job, completedRetention); err != nil {
		return err
	}
	return r.rdb.ZAdd(ctx, doneKey(job.Queue), redis.Z{
		Score:  float64(job.FinishedAt.Unix()),
		Member: job.ID,
	}).Err()
}

// Fail records a failed attempt, either redelivering later or terminally.
func (r *JobRepo) Fail(ctx context.Context, job *domain.Job, jobErr string, requeue bool, readyAt time.Time) error {
	job.LastError = jobErr

	if requeue {
		job.State = domain.StateDelayed
		job.ReadyAt = readyAt
		if err := r.save(ctx, job, failedRetention); err != nil {
			return err
		}
		return r.rdb.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: job.ID,
		}).Err()
	}

	job.State = domain.StateFailed
	job.FinishedAt = time.Now()
	if err := r.save(ctx, job, failedRetention); err != nil {
		return err
	}
	return r.rdb.ZAdd(ctx, failedKey(job.Queue), redis.Z{
		Score:  float64(job.FinishedAt.Unix()),
		Member: job.ID,
	}).Err()
}

// Get retrieves a job by ID.
func (r *JobRepo) Get(ctx context.Context, queue domain.QueueName, id string) (*domain.Job, error) {
	return r.load(ctx, queue, id)
}

// PruneCompleted applies the completed-job retention policy.
func (r *JobRepo) PruneCompleted(ctx context.Context, queue domain.QueueName, olderThan time.Time, keep int64) (int, error) {
	removed, err := r.pruneByScore(ctx, queue, doneKey(queue), olderThan)
	if err != nil {
		return removed, err
	}

	// Cap retained count regardless of age.
	card, err := r.rdb.ZCard(ctx, doneKey(queue)).Result()
	if err != nil {
		return removed, fmt.Errorf("zcard failed: %w", err)
	}
	if card <= keep {
		return removed, nil
	}

	excess := card - keep
	ids, err := r.rdb.ZRange(ctx, doneKey(queue), 0, excess-1).Result()
	if err != nil {
		return removed, fmt.Errorf("zrange failed: %w", err)
	}
	if err := r.drop(ctx, queue, doneKey(queue), ids); err != nil {
		return removed, err
	}
	return removed + len(ids), nil
}

// PruneFailed applies the failed-job retention policy.
func (r *JobRepo) PruneFailed(ctx context.Context, queue domain.QueueName, olderThan time.Time) (int, error) {
	return r.pruneByScore(ctx, queue, failedKey(queue), olderThan)
}

func (r *JobRepo) pruneByScore(ctx context.Context, queue domain.QueueName, key string, olderThan time.Time) (int, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", olderThan.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore failed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := r.drop(ctx, queue, key, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (r *JobRepo) drop(ctx context.Context, queue domain.QueueName, key string, ids []string) error {
	pipe := r.rdb.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, jobKey(queue, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("prune jobs: %w", err)
	}
	return nil
}

// Depth reports waiting and delayed counts.
func (r *JobRepo) Depth(ctx context.Context, queue domain.QueueName) (int64, int64, error) {
	waiting, err := r.rdb.ZCard(ctx, waitingKey(queue)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("zcard waiting: %w", err)
	}
	delayed, err := r.rdb.ZCard(ctx, delayedKey(queue)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("zcard delayed: %w", err)
	}
	return waiting, delayed, nil
}
