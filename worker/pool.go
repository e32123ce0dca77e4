// Package worker is the background execution layer: a Redis-backed task
// queue with delayed scheduling, retries and stale-task recovery.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ifcscheduler/config"
	"ifcscheduler/logging"
	"ifcscheduler/models"
)

// Handler runs one task. A returned error schedules a retry.
type Handler func(ctx context.Context, task models.Task) error

// ExhaustedFunc is called once a task has used up its retries.
type ExhaustedFunc func(ctx context.Context, task models.Task, cause error) error

const maxBackoff = 30 * time.Second

type Pool struct {
	config      *config.Config
	redisClient *redis.Client
	handlers    map[models.TaskKind]Handler
	onExhausted ExhaustedFunc
	logger      *slog.Logger

	now        func() time.Time
	popTimeout time.Duration
}

func NewPool(cfg *config.Config, redisClient *redis.Client, logger *slog.Logger) *Pool {
	return &Pool{
		config:      cfg,
		redisClient: redisClient,
		handlers:    make(map[models.TaskKind]Handler),
		logger:      logging.OrDefault(logger),
		now:         time.Now,
		popTimeout:  30 * time.Second,
	}
}

// Handle registers the handler for kind. It must be called before workers start.
func (p *Pool) Handle(kind models.TaskKind, h Handler) {
	p.handlers[kind] = h
}

func (p *Pool) OnExhausted(f ExhaustedFunc) {
	p.onExhausted = f
}

// Enqueue makes task available to workers immediately.
func (p *Pool) Enqueue(ctx context.Context, task models.Task) error {
	task.EnqueuedAt = p.now().UTC()
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := p.redisClient.LPush(ctx, p.config.PendingQueue, payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s task for job %s: %w", task.Kind, task.JobID, err)
	}
	p.setStatus(ctx, task, "queued", "")
	return nil
}

// ScheduleIn makes task available once delay has passed. EnqueuedAt is set to
// the due time so recovery measures age from when the task became runnable.
func (p *Pool) ScheduleIn(ctx context.Context, task models.Task, delay time.Duration) error {
	due := p.now().Add(delay).UTC()
	task.EnqueuedAt = due
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	err = p.redisClient.ZAdd(ctx, p.config.ScheduledQueue, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule %s task for job %s: %w", task.Kind, task.JobID, err)
	}
	p.setStatus(ctx, task, "scheduled", "")
	return nil
}

// PromoteDue moves every scheduled task whose time has come onto the pending
// list and returns how many it moved. Concurrent promoters are safe: only the
// one whose ZREM succeeds pushes the task.
func (p *Pool) PromoteDue(ctx context.Context) (int, error) {
	due, err := p.redisClient.ZRangeByScore(ctx, p.config.ScheduledQueue, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(p.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read scheduled tasks: %w", err)
	}

	promoted := 0
	for _, member := range due {
		removed, err := p.redisClient.ZRem(ctx, p.config.ScheduledQueue, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("claim scheduled task: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := p.redisClient.LPush(ctx, p.config.PendingQueue, member).Err(); err != nil {
			return promoted, fmt.Errorf("promote scheduled task: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// SchedulerLoop promotes due tasks every second until ctx is done.
func (p *Pool) SchedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	p.logger.Info("worker.scheduler.started", "queue", p.config.ScheduledQueue)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker.scheduler.stopped")
			return
		case <-ticker.C:
			if n, err := p.PromoteDue(ctx); err != nil {
				p.logger.Error("worker.scheduler.promote_failed", "error", err)
			} else if n > 0 {
				p.logger.Debug("worker.scheduler.promoted", "count", n)
			}
		}
	}
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	p.logger.Info("worker.started", "worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker.stopped", "worker_id", workerID)
			return
		default:
			if err := p.processNext(ctx, workerID); err != nil && ctx.Err() == nil {
				p.logger.Error("worker.redis.failed", "worker_id", workerID, "error", err)
				time.Sleep(5 * time.Second)
			}
		}
	}
}

// processNext waits for one pending task and runs it. It returns an error only
// for queue failures; task failures are retried or moved to the failed list.
func (p *Pool) processNext(ctx context.Context, workerID int) error {
	// Atomic pop from pending and push to processing
	raw, err := p.redisClient.BRPopLPush(ctx, p.config.PendingQueue, p.config.ProcessingQueue, p.popTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		p.logger.Error("worker.task.malformed", "worker_id", workerID, "error", err)
		p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw)
		p.redisClient.LPush(ctx, p.config.FailedQueue, raw)
		return nil
	}

	p.processTask(ctx, workerID, task, raw)
	return nil
}

func (p *Pool) processTask(ctx context.Context, workerID int, task models.Task, raw string) {
	log := p.logger.With("worker_id", workerID, "task", task.Kind, "job_id", task.JobID, "retry", task.RetryCount)

	handler, ok := p.handlers[task.Kind]
	if !ok {
		log.Error("worker.task.unknown_kind")
		p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw)
		p.redisClient.LPush(ctx, p.config.FailedQueue, raw)
		return
	}

	p.setStatus(ctx, task, "processing", "")
	start := p.now()

	if err := handler(ctx, task); err != nil {
		p.handleTaskFailure(ctx, log, task, raw, err)
		return
	}

	p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw)
	p.setStatus(ctx, task, "completed", "")
	log.Info("worker.task.completed", "duration_ms", p.now().Sub(start).Milliseconds())
}

func (p *Pool) handleTaskFailure(ctx context.Context, log *slog.Logger, task models.Task, raw string, cause error) {
	log.Warn("worker.task.failed", "error", cause)

	// The task stays in the processing list until its successor is stored, so
	// a crash in between is picked up by recovery.
	if task.RetryCount < p.config.MaxRetries {
		task.RetryCount++
		delay := Backoff(task.RetryCount)
		if err := p.ScheduleIn(ctx, task, delay); err != nil {
			log.Error("worker.task.retry_failed", "error", err)
			return
		}
		p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw)
		log.Info("worker.task.retry_scheduled", "attempt", task.RetryCount, "max_retries", p.config.MaxRetries, "delay", delay)
		return
	}

	p.redisClient.LPush(ctx, p.config.FailedQueue, raw)
	p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw)
	p.setStatus(ctx, task, "failed", cause.Error())
	log.Error("worker.task.exhausted", "max_retries", p.config.MaxRetries, "error", cause)

	if p.onExhausted != nil {
		if err := p.onExhausted(ctx, task, cause); err != nil {
			log.Error("worker.task.exhausted_hook_failed", "error", err)
		}
	}
}

// Backoff is the delay before retry n: 2^n seconds, capped at 30 seconds.
func Backoff(n int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(n))) * time.Second
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	return delay
}

func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	p.logger.Info("worker.recovery.started", "stale_after", p.config.StaleTaskAfter)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker.recovery.stopped")
			return
		case <-ticker.C:
			p.RecoverStale(ctx)
		}
	}
}

// RecoverStale re-queues tasks that have sat in the processing list longer
// than the configured age, as happens when a worker dies mid-task.
func (p *Pool) RecoverStale(ctx context.Context) int {
	entries, err := p.redisClient.LRange(ctx, p.config.ProcessingQueue, 0, -1).Result()
	if err != nil {
		p.logger.Error("worker.recovery.read_failed", "error", err)
		return 0
	}

	recovered := 0
	for _, raw := range entries {
		var task models.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			continue
		}
		if p.now().Sub(task.EnqueuedAt) <= p.config.StaleTaskAfter {
			continue
		}
		if removed, err := p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw).Result(); err != nil || removed == 0 {
			continue
		}

		if task.RetryCount < p.config.MaxRetries {
			task.RetryCount++
			if err := p.Enqueue(ctx, task); err != nil {
				p.logger.Error("worker.recovery.requeue_failed", "job_id", task.JobID, "error", err)
				continue
			}
			recovered++
			continue
		}

		cause := fmt.Errorf("task exceeded %s in processing", p.config.StaleTaskAfter)
		p.redisClient.LPush(ctx, p.config.FailedQueue, raw)
		p.setStatus(ctx, task, "failed", cause.Error())
		if p.onExhausted != nil {
			if err := p.onExhausted(ctx, task, cause); err != nil {
				p.logger.Error("worker.task.exhausted_hook_failed", "job_id", task.JobID, "error", err)
			}
		}
	}

	if recovered > 0 {
		p.logger.Info("worker.recovery.recovered", "count", recovered)
	}
	return recovered
}

// TaskStatus returns the last recorded queue state of a job's tasks.
func (p *Pool) TaskStatus(ctx context.Context, jobID string) (map[string]string, error) {
	status, err := p.redisClient.HGetAll(ctx, p.statusKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read task status for job %s: %w", jobID, err)
	}
	return status, nil
}

func (p *Pool) setStatus(ctx context.Context, task models.Task, status, errorMsg string) {
	fields := map[string]interface{}{
		"task":       string(task.Kind),
		"status":     status,
		"retry":      task.RetryCount,
		"updated_at": p.now().UTC().Format(time.RFC3339),
	}
	if errorMsg != "" {
		fields["error"] = errorMsg
	}
	if err := p.redisClient.HSet(ctx, p.statusKey(task.JobID), fields).Err(); err != nil {
		p.logger.Warn("worker.status.write_failed", "job_id", task.JobID, "error", err)
	}
}

func (p *Pool) statusKey(jobID string) string {
	return p.config.RedisPrefix + "conversion:status:" + jobID
}
