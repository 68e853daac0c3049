package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type JobKind string

const (
	JobSubmit           JobKind = "submit"
	JobDecryptMine      JobKind = "decrypt_mine"
	JobDecryptAggregate JobKind = "decrypt_aggregate"
)

// Job is a queued gateway call.
type Job struct {
	Kind     JobKind
	Signer   Signer
	RatingID uint64
	Scores   []uint64
}

// JobResult contains the result of an asynchronous operation
type JobResult struct {
	JobID     string
	Kind      JobKind
	RatingID  uint64
	Values    []uint64
	Err       error
	Timestamp int64
}

type queuedJob struct {
	id       string
	ctx      context.Context
	job      Job
	resultCh chan *JobResult
}

// Queue runs submit and decrypt jobs on a fixed pool of workers. A full
// queue rejects new jobs instead of dropping them.
type Queue struct {
	gateway *Gateway
	workers int
	jobs    chan *queuedJob
	logger  *zap.Logger

	mu         sync.RWMutex
	stopped    bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

func NewQueue(gateway *Gateway, workers, size int, logger *zap.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		gateway:    gateway,
		workers:    workers,
		jobs:       make(chan *queuedJob, size),
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Stop waits for running jobs and fails the ones still queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.shutdownCh)
	q.mu.Unlock()

	q.wg.Wait()
	for {
		select {
		case qj := <-q.jobs:
			q.finish(qj, nil, ErrQueueStopped)
		default:
			return
		}
	}
}

// Enqueue schedules job. The result channel receives exactly one result.
// Cancelling ctx abandons the job if it has not finished.
func (q *Queue) Enqueue(ctx context.Context, job Job) (<-chan *JobResult, error) {
	switch job.Kind {
	case JobSubmit, JobDecryptMine, JobDecryptAggregate:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOp, job.Kind)
	}
	qj := &queuedJob{id: uuid.New().String(), ctx: ctx, job: job, resultCh: make(chan *JobResult, 1)}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return nil, ErrQueueStopped
	}
	select {
	case q.jobs <- qj:
		return qj.resultCh, nil
	default:
		q.logger.Warn("job queue is full", zap.String("kind", string(job.Kind)), zap.Int("capacity", cap(q.jobs)))
		return nil, fmt.Errorf("%w: %d jobs pending", ErrQueueFull, cap(q.jobs))
	}
}

// EnqueueBatch schedules jobs in order and stops at the first rejection.
func (q *Queue) EnqueueBatch(ctx context.Context, jobs []Job) ([]<-chan *JobResult, error) {
	results := make([]<-chan *JobResult, 0, len(jobs))
	for _, job := range jobs {
		ch, err := q.Enqueue(ctx, job)
		if err != nil {
			return results, err
		}
		results = append(results, ch)
	}
	return results, nil
}

func (q *Queue) Pending() int { return len(q.jobs) }

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.shutdownCh:
			return
		case qj := <-q.jobs:
			if err := qj.ctx.Err(); err != nil {
				q.finish(qj, nil, err)
				continue
			}
			values, err := q.run(qj)
			q.finish(qj, values, err)
		}
	}
}

func (q *Queue) run(qj *queuedJob) ([]uint64, error) {
	job := qj.job
	switch job.Kind {
	case JobSubmit:
		return nil, q.gateway.SubmitRating(qj.ctx, job.Signer, job.RatingID, job.Scores)
	case JobDecryptMine:
		return q.gateway.DecryptMyRating(qj.ctx, job.Signer, job.RatingID)
	default:
		return q.gateway.DecryptAggregatedScores(qj.ctx, job.Signer, job.RatingID)
	}
}

func (q *Queue) finish(qj *queuedJob, values []uint64, err error) {
	if err != nil {
		q.logger.Debug("job failed", zap.String("job", qj.id), zap.String("kind", string(qj.job.Kind)), zap.Error(err))
	}
	qj.resultCh <- &JobResult{
		JobID:     qj.id,
		Kind:      qj.job.Kind,
		RatingID:  qj.job.RatingID,
		Values:    values,
		Err:       err,
		Timestamp: time.Now().Unix(),
	}
	close(qj.resultCh)
}
