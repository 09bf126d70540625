package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"realtysync/internal/domain"
	"realtysync/internal/metrics"
	"realtysync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	defaultWakeKey       = "realtysync:sync:wake"
	DefaultDeadLetterKey = "realtysync:sync:deadletter"
	// recentResults bounds how many finished results Await can still see.
	recentResults = 1024
)

type QueueOptions struct {
	Workers       int
	BatchSize     int
	PollInterval  time.Duration
	Lease         time.Duration
	WakeKey       string
	DeadLetterKey string
}

func (o *QueueOptions) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = models.DefaultBatchSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	if o.WakeKey == "" {
		o.WakeKey = defaultWakeKey
	}
	if o.DeadLetterKey == "" {
		o.DeadLetterKey = DefaultDeadLetterKey
	}
}

// SyncQueue drains the sync_queue outbox. Tasks of one entity run one at a
// time in insertion order; tasks of different entities run concurrently up
// to Workers.
type SyncQueue struct {
	store     domain.QueueStore
	processor domain.TaskProcessor
	redis     *redis.Client
	opts      QueueOptions
	logger    *zerolog.Logger

	signal   chan struct{}
	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	mu      sync.Mutex
	waiters map[int64][]chan models.SyncResult
	running map[int64]bool
	results map[int64]models.SyncResult
	order   []int64
}

var _ domain.SyncQueue = (*SyncQueue)(nil)

// NewSyncQueue builds a queue. redisClient may be nil, in which case only
// local signals and polling wake the dispatcher.
func NewSyncQueue(store domain.QueueStore, processor domain.TaskProcessor, redisClient *redis.Client, opts QueueOptions, logger *zerolog.Logger) *SyncQueue {
	opts.applyDefaults()
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SyncQueue{
		store:     store,
		processor: processor,
		redis:     redisClient,
		opts:      opts,
		logger:    logger,
		signal:    make(chan struct{}, 1),
		sem:       semaphore.NewWeighted(int64(opts.Workers)),
		waiters:   make(map[int64][]chan models.SyncResult),
		running:   make(map[int64]bool),
		results:   make(map[int64]models.SyncResult),
	}
}

// Enqueue persists task when it has no id yet and wakes the dispatcher. It
// never waits for the spreadsheet write.
func (q *SyncQueue) Enqueue(ctx context.Context, task *models.SyncTask) error {
	if task == nil {
		return errors.New("task is required")
	}
	if task.ID == 0 {
		if !task.EntityType.Valid() || task.EntityID == 0 {
			return fmt.Errorf("invalid task target %s/%d", task.EntityType, task.EntityID)
		}
		if err := q.store.CreateSyncTask(ctx, task); err != nil {
			return fmt.Errorf("persist sync task: %w", err)
		}
	}

	q.logger.Debug().
		Int64("task_id", task.ID).
		Str("entity_type", string(task.EntityType)).
		Int64("entity_id", task.EntityID).
		Str("trace_id", task.TraceID).
		Msg("sync task enqueued")

	q.Signal(ctx)
	return nil
}

// Signal wakes this dispatcher and, through Redis, any other process
// draining the same outbox.
func (q *SyncQueue) Signal(ctx context.Context) {
	q.wake()
	if q.redis == nil {
		return
	}
	pipe := q.redis.TxPipeline()
	pipe.LPush(ctx, q.opts.WakeKey, strconv.FormatInt(time.Now().UnixNano(), 10))
	pipe.LTrim(ctx, q.opts.WakeKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Debug().Err(err).Msg("redis wake push failed, relying on polling")
	}
}

func (q *SyncQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Start runs the dispatcher until ctx ends, then waits for in-flight tasks.
func (q *SyncQueue) Start(ctx context.Context) {
	q.logger.Info().Int("workers", q.opts.Workers).Msg("sync queue started")
	defer q.logger.Info().Msg("sync queue stopped")

	if q.redis != nil {
		go q.listenRedis(ctx)
	}

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	q.recoverStale(ctx)
	for {
		q.dispatch(ctx)

		select {
		case <-ctx.Done():
			q.inflight.Wait()
			return
		case <-q.signal:
		case <-ticker.C:
			q.recoverStale(ctx)
			q.reportDepth(ctx)
		}
	}
}

func (q *SyncQueue) listenRedis(ctx context.Context) {
	for ctx.Err() == nil {
		_, err := q.redis.BRPop(ctx, time.Second, q.opts.WakeKey).Result()
		switch {
		case err == nil:
			q.wake()
		case errors.Is(err, redis.Nil), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		default:
			q.logger.Debug().Err(err).Msg("redis BRPOP error")
			select {
			case <-ctx.Done():
			case <-time.After(q.opts.PollInterval):
			}
		}
	}
}

func (q *SyncQueue) recoverStale(ctx context.Context) {
	n, err := q.store.RecoverStaleTasks(ctx, time.Now().Add(-q.opts.Lease))
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error().Err(err).Msg("recover stale tasks")
		}
		return
	}
	if n > 0 {
		q.logger.Warn().Int64("count", n).Msg("returned stale processing tasks to pending")
	}
}

func (q *SyncQueue) reportDepth(ctx context.Context) {
	stats, err := q.store.QueueStats(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(models.TaskStatusPending, stats.Pending)
	metrics.SetQueueDepth(models.TaskStatusProcessing, stats.Processing)
	metrics.SetQueueDepth(models.TaskStatusFailed, stats.Failed)
}

func (q *SyncQueue) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	tasks, err := q.store.ClaimSyncTasks(ctx, q.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error().Err(err).Msg("claim sync tasks")
		}
		return
	}

	for _, task := range tasks {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			// Left in processing; the lease returns it to pending.
			return
		}
		q.mu.Lock()
		q.running[task.ID] = true
		q.mu.Unlock()

		q.inflight.Add(1)
		go q.run(ctx, task)
	}
}

func (q *SyncQueue) run(ctx context.Context, task *models.SyncTask) {
	defer q.inflight.Done()
	defer q.sem.Release(1)

	log := q.logger.With().
		Int64("task_id", task.ID).
		Str("entity_type", string(task.EntityType)).
		Int64("entity_id", task.EntityID).
		Str("trace_id", task.TraceID).
		Logger()

	result := q.process(ctx, task, &log)

	if ctx.Err() != nil && !result.Success {
		// Interrupted by shutdown. The claim stays in processing and is
		// picked up again once the lease expires.
		log.Warn().Str("error", result.Error).Msg("sync task interrupted, leaving claim for lease recovery")
		return
	}

	// Bookkeeping must land even when shutdown cancels ctx mid-task.
	bctx := context.WithoutCancel(ctx)
	var err error
	if result.SyncStatus == models.SyncStatusFailed {
		err = q.store.FailSyncTask(bctx, task.ID, result.Error)
		// A conflict halt already waits in sync_conflicts for an operator.
		if len(result.Conflicts) == 0 {
			q.pushDeadLetter(bctx, task, result)
		}
	} else {
		err = q.store.CompleteSyncTask(bctx, task.ID, result.Error)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to record task outcome")
	}

	outcome := result.SyncStatus
	if len(result.Conflicts) > 0 {
		outcome = models.SyncStatusConflict
	}
	metrics.ObserveTask(string(task.EntityType), outcome)
	log.Info().
		Bool("success", result.Success).
		Str("sync_status", result.SyncStatus).
		Int("attempts", result.Attempts).
		Int("conflicts", len(result.Conflicts)).
		Msg("sync task finished")

	q.finish(task.ID, result)
	// The entity's next task just became runnable.
	q.wake()
}

func (q *SyncQueue) process(ctx context.Context, task *models.SyncTask, log *zerolog.Logger) (result models.SyncResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("sync task panicked")
			result = models.SyncResult{
				Success:    false,
				SyncStatus: models.SyncStatusFailed,
				Error:      fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return q.processor.Process(ctx, task)
}

func (q *SyncQueue) finish(id int64, result models.SyncResult) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.running, id)
	q.results[id] = result
	q.order = append(q.order, id)
	if len(q.order) > recentResults {
		delete(q.results, q.order[0])
		q.order = q.order[1:]
	}

	for _, ch := range q.waiters[id] {
		ch <- result
	}
	delete(q.waiters, id)
}

// Await blocks until the task finishes or ctx ends.
func (q *SyncQueue) Await(ctx context.Context, taskID int64) (models.SyncResult, error) {
	q.mu.Lock()
	if r, ok := q.results[taskID]; ok {
		q.mu.Unlock()
		return r, nil
	}
	ch := make(chan models.SyncResult, 1)
	q.waiters[taskID] = append(q.waiters[taskID], ch)
	local := q.running[taskID]
	q.mu.Unlock()

	if !local {
		// Finished by another process or before this one started.
		task, err := q.store.GetSyncTask(ctx, taskID)
		if err != nil {
			q.dropWaiter(taskID, ch)
			return models.SyncResult{}, err
		}
		if task.Status == models.TaskStatusCompleted || task.Status == models.TaskStatusFailed {
			q.mu.Lock()
			r, ok := q.results[taskID]
			stillRunning := q.running[taskID]
			q.mu.Unlock()
			if ok {
				q.dropWaiter(taskID, ch)
				return r, nil
			}
			if !stillRunning {
				q.dropWaiter(taskID, ch)
				return resultFromTask(task), nil
			}
		}
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		q.dropWaiter(taskID, ch)
		return models.SyncResult{}, ctx.Err()
	}
}

func (q *SyncQueue) dropWaiter(id int64, ch chan models.SyncResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(q.waiters, id)
	} else {
		q.waiters[id] = list
	}
}

func resultFromTask(task *models.SyncTask) models.SyncResult {
	var msg string
	if task.LastError != nil {
		msg = *task.LastError
	}
	switch {
	case task.Status == models.TaskStatusFailed:
		return models.SyncResult{SyncStatus: models.SyncStatusFailed, Error: msg, Attempts: task.Attempts}
	case msg != "":
		return models.SyncResult{SyncStatus: models.SyncStatusPending, Error: msg, Attempts: task.Attempts}
	default:
		return models.SyncResult{Success: true, SyncStatus: models.SyncStatusSynced, Attempts: task.Attempts}
	}
}

type deadLetter struct {
	Task   *models.SyncTask  `json:"task"`
	Result models.SyncResult `json:"result"`
	At     time.Time         `json:"at"`
}

func (q *SyncQueue) pushDeadLetter(ctx context.Context, task *models.SyncTask, result models.SyncResult) {
	if q.redis == nil {
		return
	}
	data, err := json.Marshal(deadLetter{Task: task, Result: result, At: time.Now().UTC()})
	if err != nil {
		q.logger.Error().Err(err).Int64("task_id", task.ID).Msg("encode deadletter")
		return
	}
	if err := q.redis.LPush(ctx, q.opts.DeadLetterKey, data).Err(); err != nil {
		q.logger.Error().Err(err).Int64("task_id", task.ID).Msg("deadletter push")
	}
}

// DeadLetters returns up to limit recent dead-lettered tasks, newest first.
func (q *SyncQueue) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	if q.redis == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = models.DefaultPaginationSize
	}
	return q.redis.LRange(ctx, q.opts.DeadLetterKey, 0, limit-1).Result()
}
