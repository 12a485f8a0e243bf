package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/recoverly-app/recoverly/app/models"
	"github.com/recoverly-app/recoverly/app/repository"
	"github.com/recoverly-app/recoverly/internal/pkg/metrics/counter"
	"github.com/recoverly-app/recoverly/internal/pkg/retryer"
)

const (
	defaultWorkers    = 5
	pollInterval      = 1 * time.Second
	stuckJobMaxAge    = 10 * time.Minute
	stuckSweepEvery   = 1 * time.Minute
	claimBatchPerPoll = 10
)

// Queue claims due jobs from the durable store and runs them on a bounded
// worker pool. Claiming is the only coordination point: once ClaimBatch
// hands a job out, exactly one worker owns it until it completes, requeues,
// or dead-letters.
type Queue struct {
	jobs     repository.JobRepository
	registry *Registry
	workers  int

	jobCh   chan models.Job
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	now func() time.Time
}

// NewQueue creates a job queue over the given repository.
func NewQueue(jobs repository.JobRepository, registry *Registry, workers int) *Queue {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Queue{
		jobs:     jobs,
		registry: registry,
		workers:  workers,
		jobCh:    make(chan models.Job, workers),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the dispatcher, the workers and the stuck-job sweeper.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	q.wg.Add(1)
	go q.dispatcher()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.stuckSweeper(stuckJobMaxAge, stuckSweepEvery)
}

// Stop drains the workers and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// dispatcher polls the store for due jobs and feeds them to the workers.
// Claimed jobs are already marked processing, so a crash between claim and
// hand-off is covered by the stuck sweeper.
func (q *Queue) dispatcher() {
	defer q.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			claimed, err := q.jobs.ClaimBatch(ctx, claimBatchPerPoll, q.now().UTC())
			if err != nil {
				log.Errorf("[JobQueue] Claim error: %v", err)
				continue
			}
			for _, job := range claimed {
				select {
				case q.jobCh <- job:
				case <-q.stopCh:
					return
				}
			}
		}
	}
}

// worker processes jobs handed out by the dispatcher.
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		case job := <-q.jobCh:
			log.Infof("[JobQueue] Worker %d processing job %s (Type: %s)", id, job.UUID, job.Type)
			q.processJob(ctx, &job)
		}
	}
}

// processJob runs one claimed job and settles its outcome. Permanent errors
// skip the remaining retry budget and dead-letter immediately; everything
// else consumes one attempt and comes back with backoff until the budget is
// spent.
func (q *Queue) processJob(ctx context.Context, job *models.Job) {
	now := q.now().UTC()

	handler, ok := q.registry.HandlerFor(job.Type)
	if !ok {
		q.deadLetter(ctx, job, fmt.Sprintf("no handler registered for job type %s", job.Type), now)
		return
	}

	err := handler(ctx, job)
	if err == nil {
		if cerr := q.jobs.Complete(ctx, job.ID, now); cerr != nil {
			log.Errorf("[JobQueue] Failed to complete job %s: %v", job.UUID, cerr)
			return
		}
		counter.AddJobCompleted()
		log.Infof("[JobQueue] Job %s completed successfully", job.UUID)
		return
	}

	if retryer.IsPermanent(err) {
		log.Errorf("[JobQueue] Job %s failed permanently: %v", job.UUID, err)
		q.deadLetter(ctx, job, err.Error(), now)
		return
	}

	if job.Attempts+1 >= job.MaxAttempts {
		log.Errorf("[JobQueue] Job %s exhausted %d attempts: %v", job.UUID, job.MaxAttempts, err)
		q.deadLetter(ctx, job, err.Error(), now)
		return
	}

	nextRun := now.Add(backoffDelay(job.Attempts))
	if rerr := q.jobs.RequeueWithBackoff(ctx, job, nextRun, err.Error()); rerr != nil {
		log.Errorf("[JobQueue] Failed to requeue job %s: %v", job.UUID, rerr)
		return
	}
	log.Warnf("[JobQueue] Job %s failed (attempt %d/%d), retrying at %s: %v",
		job.UUID, job.Attempts, job.MaxAttempts, nextRun.Format(time.RFC3339), err)
}

func (q *Queue) deadLetter(ctx context.Context, job *models.Job, errMsg string, now time.Time) {
	if err := q.jobs.DeadLetter(ctx, job, errMsg, now); err != nil {
		log.Errorf("[JobQueue] Failed to dead-letter job %s: %v", job.UUID, err)
		return
	}
	counter.AddJobDeadLettered()
	if hook, ok := q.registry.deadLetterHookFor(job.Type); ok {
		hook(ctx, job)
	}
}

// stuckSweeper periodically requeues jobs stuck in processing, which happens
// when a worker dies between claim and settle.
func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (maxAge=%s, interval=%s)", maxAge, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			now := q.now().UTC()
			recovered, err := q.jobs.RequeueStuck(ctx, now.Add(-maxAge), now)
			if err != nil {
				log.Errorf("[JobQueue] Sweeper error: %v", err)
				continue
			}
			if recovered > 0 {
				log.Warnf("[JobQueue] Recovered %d stuck jobs", recovered)
			}
		}
	}
}

// Enqueue stores a new job. A zero scheduledAt means run as soon as a worker
// is free.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, priority int, correlationID string, scheduledAt time.Time) (*models.Job, error) {
	encoded, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	if scheduledAt.IsZero() {
		scheduledAt = q.now().UTC()
	}
	maxAttempts := DefaultMaxAttempts
	if settings := models.GetAppSettings(); settings != nil {
		maxAttempts = settings.GetJobMaxAttempts()
	}

	job := &models.Job{
		UUID:          uuid.New().String(),
		Type:          jobType,
		Payload:       encoded,
		Priority:      priority,
		Status:        models.JobStatusPending,
		CorrelationID: correlationID,
		MaxAttempts:   maxAttempts,
		ScheduledAt:   scheduledAt.UTC(),
	}
	if err := q.jobs.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s, Priority: %d)", job.UUID, job.Type, job.Priority)
	return job, nil
}

// EnqueueProcessEvent schedules the state-machine application of a stored
// event. Event processing runs at high priority so webhook effects are not
// starved by notification work.
func (q *Queue) EnqueueProcessEvent(ctx context.Context, eventID uint) error {
	_, err := q.Enqueue(ctx, JobTypeProcessEvent, ProcessEventPayload{EventID: eventID},
		models.JobPriorityHigh, "", time.Time{})
	return err
}

// EnqueueExecuteAction schedules one recovery action, correlated to its case
// so a terminal transition can cancel it while still pending.
func (q *Queue) EnqueueExecuteAction(ctx context.Context, actionID uint, caseUUID string, runAt time.Time) error {
	_, err := q.Enqueue(ctx, JobTypeExecuteAction, ExecuteActionPayload{ActionID: actionID},
		models.JobPriorityDefault, caseUUID, runAt)
	return err
}

// CancelPendingForCase cancels all still-pending jobs correlated to a case.
func (q *Queue) CancelPendingForCase(ctx context.Context, caseUUID string) (int64, error) {
	return q.jobs.CancelPendingByCorrelation(ctx, caseUUID, q.now().UTC())
}

// EnqueueRetentionSweep schedules a retention pass unless one is already
// queued or running.
func (q *Queue) EnqueueRetentionSweep(ctx context.Context, batchSize int) error {
	pending, err := q.jobs.CountPendingByType(ctx, JobTypeRetentionSweep)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	_, err = q.Enqueue(ctx, JobTypeRetentionSweep, RetentionSweepPayload{BatchSize: batchSize},
		models.JobPriorityLow, "", time.Time{})
	return err
}

// ReplayDeadLetter puts a dead-lettered job back on the queue with a fresh
// retry budget.
func (q *Queue) ReplayDeadLetter(ctx context.Context, jobUUID string) (*models.Job, error) {
	job, err := q.jobs.ReplayDeadLetter(ctx, jobUUID, q.now().UTC())
	if err != nil {
		return nil, err
	}
	log.Infof("[JobQueue] Replayed dead-letter job %s (Type: %s)", job.UUID, job.Type)
	return job, nil
}

// Stats returns job counts per status.
func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	return q.jobs.CountByStatus(ctx)
}
