package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/audiogen/internal/log"
)

// Task types
const (
	TaskTypeRun    = "job:run"
	TaskTypeExpire = "job:expire"
)

// QueueJobs is the asynq queue both task types go to
const QueueJobs = "jobs"

const taskRetention = 24 * time.Hour

var (
	// ErrQueueFull means the local pool has no room for another job
	ErrQueueFull = errors.New("worker queue is full")
	// ErrPoolClosed means the local pool is shutting down
	ErrPoolClosed = errors.New("worker pool is closed")
)

// JobFunc executes one job step
type JobFunc func(ctx context.Context, jobID string) error

// PanicFunc is told about a job whose execution panicked
type PanicFunc func(ctx context.Context, jobID string, recovered any)

type taskPayload struct {
	JobID string `json:"jobId"`
}

func newTask(typ, jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(taskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, data), nil
}

// AsynqDispatcher hands jobs to an asynq server through redis
type AsynqDispatcher struct {
	client *asynq.Client
}

func NewAsynqDispatcher(client *asynq.Client) *AsynqDispatcher {
	return &AsynqDispatcher{client: client}
}

// Dispatch enqueues a run task. A job is enqueued at most once while its
// task is retained.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID string) error {
	task, err := newTask(TaskTypeRun, jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return d.enqueue(ctx, task,
		asynq.TaskID("run:"+jobID),
	)
}

// DispatchExpiry schedules the expire task for a push-delivery job
func (d *AsynqDispatcher) DispatchExpiry(ctx context.Context, jobID string, delay time.Duration) error {
	task, err := newTask(TaskTypeExpire, jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return d.enqueue(ctx, task,
		asynq.TaskID("expire:"+jobID),
		asynq.ProcessIn(delay),
	)
}

// Redispatch enqueues another run task that becomes ready after delay
func (d *AsynqDispatcher) Redispatch(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	task, err := newTask(TaskTypeRun, jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return d.enqueue(ctx, task,
		asynq.TaskID(fmt.Sprintf("run:%s:%d", jobID, attempt)),
		asynq.ProcessIn(delay),
	)
}

func (d *AsynqDispatcher) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	opts = append(opts,
		asynq.Queue(QueueJobs),
		asynq.MaxRetry(1),
		asynq.Retention(taskRetention),
	)
	info, err := d.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", task.Type(), err)
	}
	log.Debug("task enqueued", "type", task.Type(), "taskId", info.ID, "queue", info.Queue)
	return nil
}

// NewServeMux routes asynq tasks to the given functions. Errors the job row
// already records are not retried.
func NewServeMux(run, expire JobFunc, onPanic PanicFunc) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeRun, taskHandler(run, onPanic))
	mux.HandleFunc(TaskTypeExpire, taskHandler(expire, onPanic))
	return mux
}

func taskHandler(fn JobFunc, onPanic PanicFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) (err error) {
		var p taskPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil || p.JobID == "" {
			return fmt.Errorf("invalid %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
		}

		defer func() {
			if r := recover(); r != nil {
				onPanic(ctx, p.JobID, r)
				err = fmt.Errorf("job %s panicked: %v: %w", p.JobID, r, asynq.SkipRetry)
			}
		}()

		if err := fn(ctx, p.JobID); err != nil {
			if IsRecorded(err) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	}
}

type poolTask struct {
	jobID string
}

// Pool is the in-process dispatcher: a fixed set of goroutines draining a
// bounded queue. Dispatch never blocks.
type Pool struct {
	workers int
	queue   chan poolTask

	run     JobFunc
	expire  JobFunc
	onPanic PanicFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	timers map[string]*time.Timer
}

func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: workers,
		queue:   make(chan poolTask, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[string]*time.Timer),
	}
}

// Start launches the workers. Jobs dispatched before Start wait in the queue.
func (p *Pool) Start(run, expire JobFunc, onPanic PanicFunc) {
	p.run = run
	p.expire = expire
	p.onPanic = onPanic
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	log.Info("worker pool started", "workers", p.workers, "queueSize", cap(p.queue))
}

func (p *Pool) Dispatch(_ context.Context, jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- poolTask{jobID: jobID}:
		return nil
	default:
		return ErrQueueFull
	}
}

// DispatchExpiry runs expire for jobID once delay has passed. A later call
// for the same job replaces the earlier timer.
func (p *Pool) DispatchExpiry(_ context.Context, jobID string, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if t, ok := p.timers[jobID]; ok {
		t.Stop()
	}
	p.timers[jobID] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, jobID)
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.wg.Add(1)
		p.mu.Unlock()

		defer p.wg.Done()
		p.execute(p.expire, jobID)
	})
	return nil
}

// Redispatch queues jobID again once delay has passed. The worker that turned
// it away is free in the meantime. A full queue pushes the retry back by delay.
func (p *Pool) Redispatch(_ context.Context, jobID string, attempt int, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.armRetry(fmt.Sprintf("run:%s:%d", jobID, attempt), jobID, delay)
	return nil
}

// armRetry must be called with p.mu held
func (p *Pool) armRetry(key, jobID string, delay time.Duration) {
	p.timers[key] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.timers, key)
		if p.closed {
			return
		}
		select {
		case p.queue <- poolTask{jobID: jobID}:
		default:
			log.Info("worker queue full, delaying job", "jobId", jobID, "delay", delay.String())
			p.armRetry(key, jobID, delay)
		}
	})
}

// Stop refuses new work, lets queued and running jobs finish until ctx is
// done, then cancels whatever is still running.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
		for id, t := range p.timers {
			t.Stop()
			delete(p.timers, id)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for task := range p.queue {
		p.execute(p.run, task.jobID)
	}
}

func (p *Pool) execute(fn JobFunc, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Errorf("%v", r), "job panicked", "jobId", jobID)
			if p.onPanic != nil {
				p.onPanic(p.ctx, jobID, r)
			}
		}
	}()
	if fn == nil {
		return
	}
	if err := fn(p.ctx, jobID); err != nil && !IsRecorded(err) {
		log.Error(err, "job step failed", "jobId", jobID)
	}
}
