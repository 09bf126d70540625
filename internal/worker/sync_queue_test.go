package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"realtysync/internal/config"
	"realtysync/internal/database"
	"realtysync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(config.DatabaseConfig{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "queue.db"),
	}, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// recordingProcessor tracks per-entity ordering and overlap.
type recordingProcessor struct {
	mu        sync.Mutex
	delay     time.Duration
	active    map[string]int
	maxActive map[string]int
	order     map[string][]int64
	outcome   func(task *models.SyncTask) models.SyncResult
}

func newRecordingProcessor(delay time.Duration) *recordingProcessor {
	return &recordingProcessor{
		delay:     delay,
		active:    make(map[string]int),
		maxActive: make(map[string]int),
		order:     make(map[string][]int64),
	}
}

func entityKey(task *models.SyncTask) string {
	return fmt.Sprintf("%s/%d", task.EntityType, task.EntityID)
}

func (p *recordingProcessor) Process(ctx context.Context, task *models.SyncTask) models.SyncResult {
	key := entityKey(task)
	p.mu.Lock()
	p.active[key]++
	if p.active[key] > p.maxActive[key] {
		p.maxActive[key] = p.active[key]
	}
	p.order[key] = append(p.order[key], task.ID)
	p.mu.Unlock()

	time.Sleep(p.delay)

	p.mu.Lock()
	p.active[key]--
	p.mu.Unlock()

	if p.outcome != nil {
		return p.outcome(task)
	}
	return models.SyncResult{Success: true, SyncStatus: models.SyncStatusSynced, Attempts: 1}
}

func startQueue(t *testing.T, q *SyncQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func awaitAll(t *testing.T, q *SyncQueue, tasks []*models.SyncTask) []models.SyncResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out := make([]models.SyncResult, 0, len(tasks))
	for _, task := range tasks {
		r, err := q.Await(ctx, task.ID)
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestSyncQueue_PerEntityFIFOWithoutOverlap(t *testing.T) {
	db := newTestDB(t)
	proc := newRecordingProcessor(5 * time.Millisecond)
	q := NewSyncQueue(db, proc, nil, QueueOptions{Workers: 4, PollInterval: 20 * time.Millisecond}, nil)

	ctx := context.Background()
	var tasks []*models.SyncTask
	want := make(map[string][]int64)
	for i := 0; i < 5; i++ {
		for _, id := range []int64{1, 2} {
			task := &models.SyncTask{TaskType: models.TaskUpdate, EntityType: models.EntitySeller, EntityID: id}
			require.NoError(t, q.Enqueue(ctx, task))
			tasks = append(tasks, task)
			want[entityKey(task)] = append(want[entityKey(task)], task.ID)
		}
	}

	startQueue(t, q)
	results := awaitAll(t, q, tasks)
	for _, r := range results {
		assert.True(t, r.Success)
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	// Every task ran, in enqueue order, one at a time per entity.
	assert.Equal(t, want, proc.order)
	for key, n := range proc.maxActive {
		assert.Equal(t, 1, n, "entity %s overlapped", key)
	}

	stats, err := db.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Completed)
}

func TestSyncQueue_EnqueueDoesNotWait(t *testing.T) {
	db := newTestDB(t)
	proc := newRecordingProcessor(time.Hour)
	q := NewSyncQueue(db, proc, nil, QueueOptions{}, nil)

	start := time.Now()
	task := &models.SyncTask{TaskType: models.TaskUpdate, EntityType: models.EntityBuyer, EntityID: 3}
	require.NoError(t, q.Enqueue(context.Background(), task))
	assert.Less(t, time.Since(start), time.Second)
	assert.NotZero(t, task.ID)
}

func TestSyncQueue_EnqueueValidation(t *testing.T) {
	q := NewSyncQueue(newTestDB(t), newRecordingProcessor(0), nil, QueueOptions{}, nil)
	assert.Error(t, q.Enqueue(context.Background(), nil))
	assert.Error(t, q.Enqueue(context.Background(), &models.SyncTask{EntityType: "tenant", EntityID: 1}))
	assert.Error(t, q.Enqueue(context.Background(), &models.SyncTask{EntityType: models.EntitySeller}))
}

func TestSyncQueue_FailedTaskIsDeadLetteredAndLoopContinues(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	db := newTestDB(t)
	proc := newRecordingProcessor(0)
	proc.outcome = func(task *models.SyncTask) models.SyncResult {
		if task.EntityID == 1 {
			return models.SyncResult{SyncStatus: models.SyncStatusFailed, Error: "spreadsheet row not found", Attempts: 1}
		}
		return models.SyncResult{Success: true, SyncStatus: models.SyncStatusSynced, Attempts: 1}
	}
	q := NewSyncQueue(db, proc, rdb, QueueOptions{PollInterval: 20 * time.Millisecond}, nil)

	ctx := context.Background()
	bad := &models.SyncTask{TaskType: models.TaskUpdate, EntityType: models.EntitySeller, EntityID: 1}
	good := &models.SyncTask{TaskType: models.TaskUpdate, EntityType: models.EntitySeller, EntityID: 2}
	require.NoError(t, q.Enqueue(ctx, bad))
	require.NoError(t, q.Enqueue(ctx, good))

	startQueue(t, q)
	results := awaitAll(t, q, []*models.SyncTask{bad, good})
	assert.Equal(t, models.SyncStatusFailed, results[0].SyncStatus)
	assert.True(t, results[1].Success)

	stored, err := db.GetSyncTask(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)

	letters, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0], "spreadsheet row not found")
}

func TestSyncQueue_ConflictHaltIsNotDeadLettered(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	db := newTestDB(t)
	proc := newRecordingProcessor(0)
	proc.outcome = func(task *models.SyncTask) models.SyncResult {
		return models.SyncResult{
			SyncStatus: models.SyncStatusFailed,
			Error:      "sheet changed since last sync: status",
			Conflicts:  []models.ConflictInfo{{FieldName: "status", ExpectedValue: "A", ActualSpreadsheetValue: "C", LocalNewValue: "B"}},
		}
	}
	q := NewSyncQueue(db, proc, rdb, QueueOptions{PollInterval: 20 * time.Millisecond}, nil)

	ctx := context.Background()
	task := &models.SyncTask{TaskType: models.TaskUpdate, EntityType: models.EntitySeller, EntityID: 3}
	require.NoError(t, q.Enqueue(ctx, task))
	startQueue(t, q)

	r := awaitAll(t, q, []*models.SyncTask{task})[0]
	assert.Equal(t, models.SyncStatusFailed, r.SyncStatus)
	require.Len(t, r.Conflicts, 1)

	stored, err := db.GetSyncTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)

	letters, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestSyncQueue_DeferredResultCompletesTask(t *testing.T) {
	db := newTestDB(t)
	proc := newRecordingProcessor(0)
	proc.outcome = func(task *models.SyncTask) models.SyncResult {
		return models.SyncResult{SyncStatus: models.SyncStatusPending, Error: "quota exceeded", Attempts: 5}
	}
	q := NewSyncQueue(db, proc, nil, QueueOptions{PollInterval: 20 * time.Millisecond}, nil)

	task := &models.SyncTask{TaskType: models.TaskUpdate, EntityType: models.EntityBuyer, EntityID: 9}
	require.NoError(t, q.Enqueue(context.Background(), task))
	startQueue(t, q)

	r := awaitAll(t, q, []*models.SyncTask{task})[0]
	assert.False(t, r.Success)
	assert.Equal(t, 5, r.Attempts)

	stored, err := db.GetSyncTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "quota exceeded", *stored.LastError)
}

func TestSyncQueue_PanicBecomesFailure(t *testing.T) {
	db := newTestDB(t)
	proc := newRecordingProcessor(0)
	proc.outcome = func(task *models.SyncTask) models.SyncResult { panic("boom") }
	q := NewSyncQueue(db, proc, nil, QueueOptions{PollInterval: 20 * time.Millisecond}, nil)

	task := &models.SyncTask{TaskType: models.TaskCreate, EntityType: models.EntitySeller, EntityID: 4}
	require.NoError(t, q.Enqueue(context.Background(), task))
	startQueue(t, q)

	r := awaitAll(t, q, []*models.SyncTask{task})[0]
	assert.Equal(t, models.SyncStatusFailed, r.SyncStatus)
	assert.Contains(t, r.Error, "boom")
}

func TestSyncQueue_AwaitTaskFinishedElsewhere(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	task := &models.SyncTask{TaskType: models.TaskUpdate, EntityType: models.EntitySeller, EntityID: 1}
	require.NoError(t, db.CreateSyncTask(ctx, task))
	require.NoError(t, db.CompleteSyncTask(ctx, task.ID, ""))

	q := NewSyncQueue(db, newRecordingProcessor(0), nil, QueueOptions{}, nil)
	r, err := q.Await(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, models.SyncStatusSynced, r.SyncStatus)

	_, err = q.Await(ctx, 424242)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSyncQueue_AwaitHonorsContext(t *testing.T) {
	db := newTestDB(t)
	task := &models.SyncTask{TaskType: models.TaskUpdate, EntityType: models.EntitySeller, EntityID: 1}
	require.NoError(t, db.CreateSyncTask(context.Background(), task))

	q := NewSyncQueue(db, newRecordingProcessor(0), nil, QueueOptions{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Await(ctx, task.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	q.mu.Lock()
	assert.Empty(t, q.waiters)
	q.mu.Unlock()
}

func TestSyncQueue_RecoversStaleClaimsOnStart(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	task := &models.SyncTask{TaskType: models.TaskUpdate, EntityType: models.EntitySeller, EntityID: 1}
	require.NoError(t, db.CreateSyncTask(ctx, task))
	// Simulate a process that claimed the task and died.
	claimed, err := db.ClaimSyncTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	proc := newRecordingProcessor(0)
	q := NewSyncQueue(db, proc, nil, QueueOptions{Lease: time.Nanosecond, PollInterval: time.Hour}, nil)
	startQueue(t, q)

	r := awaitAll(t, q, []*models.SyncTask{task})[0]
	assert.True(t, r.Success)

	stored, err := db.GetSyncTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Attempts)
}

func TestSyncQueue_SignalPublishesRedisWake(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	q := NewSyncQueue(newTestDB(t), newRecordingProcessor(0), rdb, QueueOptions{}, nil)
	ctx := context.Background()

	q.Signal(ctx)
	q.Signal(ctx)

	n, err := rdb.LLen(ctx, defaultWakeKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "wake list is trimmed to a single token")

	select {
	case <-q.signal:
	default:
		t.Fatal("local signal not raised")
	}
}
