// Package workerpool implements a fixed-size priority task pool with
// backpressure and per-task retry and timeout, used by the sequencer for CPU/crypto-bound work (hashing, Merkle,
// compression, partial signatures).
package workerpool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/karalabe/cookiejar.v2/collections/prque"

	"github.com/cmatc13/rollupcore/pkg/errors"
	"github.com/cmatc13/rollupcore/pkg/logging"
	"github.com/cmatc13/rollupcore/pkg/metrics"
)

// LoadBalance names a load-balancing strategy. Config stores it, but the
// pool does not consult it: all workers drain one shared queue, and each
// task is counted against the worker that happened to run it.
type LoadBalance string

const (
	LeastBusy  LoadBalance = "least_busy"
	RoundRobin LoadBalance = "round_robin"
	Random     LoadBalance = "random"
)

// ErrBackpressure is returned by Execute when the pool is in backpressure and
// the task does not bypass it.
var ErrBackpressure = &errors.Error{
	Domain:  "workerpool",
	Kind:    errors.KindBackpressure,
	Code:    "WORKERPOOL_BACKPRESSURE",
	Message: "task rejected under backpressure",
}

// ErrPoolClosed is returned once the pool has begun graceful or forced shutdown.
var ErrPoolClosed = errors.New("worker pool closed")

// Fn is the work a Task performs; ctx carries the per-task timeout.
type Fn func(ctx context.Context) (interface{}, error)

// Task is a unit of work submitted to the pool.
type Task struct {
	Type             string
	Priority         int
	BypassBackpressure bool
	Timeout          time.Duration
	MaxRetries       int
	Fn               Fn

	retries int
	result  chan Result
}

// Result is the terminal outcome of a Task.
type Result struct {
	Value interface{}
	Err   error
}

// Config configures a Pool.
type Config struct {
	Workers         int
	PriorityLevels  int
	MaxRetries      int
	TaskTimeout     time.Duration
	RespawnWait     time.Duration
	HighWatermark   float64
	LowWatermark    float64
	GracefulTimeout time.Duration
	LoadBalance     LoadBalance
	QueueCapacity   int
}

// priorityQueue dispatches the highest-priority task first and, within a
// level, the oldest-enqueued one, using the pack's prque priority queue
// (the same package the corpus uses for a priority transaction pool).
type priorityQueue struct {
	mu     sync.Mutex
	pq     *prque.Prque
	levels int
	seq    int64
	count  int
}

func newPriorityQueue(levels int) *priorityQueue {
	return &priorityQueue{pq: prque.New(), levels: levels}
}

// priority combines the task's level with a decaying sequence offset so
// that, within one level, earlier-pushed tasks sort ahead of later ones.
func (q *priorityQueue) priority(level int) float32 {
	q.seq++
	if q.seq > 9_000_000 {
		q.seq = 1
	}
	return float32(level) - float32(q.seq)/1e7
}

func (q *priorityQueue) push(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	lvl := t.Priority
	if lvl < 0 {
		lvl = 0
	}
	if lvl >= q.levels {
		lvl = q.levels - 1
	}
	q.pq.Push(t, q.priority(lvl))
	q.count++
}

// pushFront re-enqueues a task above every normal-priority task, for retries.
func (q *priorityQueue) pushFront(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pq.Push(t, q.priority(q.levels))
	q.count++
}

func (q *priorityQueue) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pq.Empty() {
		return nil
	}
	v, _ := q.pq.Pop()
	q.count--
	return v.(*Task)
}

func (q *priorityQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Pool is a fixed-size worker pool with priority queueing and backpressure.
type Pool struct {
	cfg     Config
	queue   *priorityQueue
	logger  *logging.Logger
	metrics *metrics.Metrics

	inFlight    atomic.Int64
	processed   []atomic.Int64
	backpressure atomic.Bool

	wakeup  chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
	rrNext  atomic.Uint64
}

// New creates a Pool and starts its workers.
func New(cfg Config, logger *logging.Logger, m *metrics.Metrics) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU() - 1
		if cfg.Workers < 1 {
			cfg.Workers = 1
		}
		if cfg.Workers > 8 {
			cfg.Workers = 8
		}
	}
	if cfg.PriorityLevels <= 0 {
		cfg.PriorityLevels = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.RespawnWait <= 0 {
		cfg.RespawnWait = time.Second
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = 0.8
	}
	if cfg.LowWatermark <= 0 {
		cfg.LowWatermark = 0.3
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 30 * time.Second
	}
	if cfg.LoadBalance == "" {
		cfg.LoadBalance = LeastBusy
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}

	p := &Pool{
		cfg:       cfg,
		queue:     newPriorityQueue(cfg.PriorityLevels),
		logger:    logger,
		metrics:   m,
		processed: make([]atomic.Int64, cfg.Workers),
		wakeup:    make(chan struct{}, cfg.Workers*2),
		closeCh:   make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		p.spawnWorker(i)
	}

	return p
}

func (p *Pool) spawnWorker(id int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.closeCh:
				return
			default:
			}

			t := p.queue.pop()
			if t == nil {
				select {
				case <-p.wakeup:
				case <-time.After(50 * time.Millisecond):
				case <-p.closeCh:
					return
				}
				continue
			}

			p.runTask(id, t)

			select {
			case <-p.closeCh:
				return
			default:
			}
		}
	}()
}

func (p *Pool) runTask(workerID int, t *Task) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = p.cfg.TaskTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	value, err := p.invoke(ctx, t)
	if p.metrics != nil {
		p.metrics.WorkerPoolTaskDuration.WithLabelValues(t.Type).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		maxRetries := t.MaxRetries
		if maxRetries <= 0 {
			maxRetries = p.cfg.MaxRetries
		}
		if t.retries < maxRetries {
			t.retries++
			if p.metrics != nil {
				p.metrics.WorkerPoolRetries.WithLabelValues(t.Type).Inc()
			}
			p.queue.pushFront(t)
			p.nudge()
			p.updateBackpressure()
			return
		}
		p.processed[workerID].Add(1)
		if t.result != nil {
			t.result <- Result{Err: err}
		}
		p.updateBackpressure()
		return
	}

	p.processed[workerID].Add(1)
	if t.result != nil {
		t.result <- Result{Value: value}
	}
	p.updateBackpressure()
}

func (p *Pool) invoke(ctx context.Context, t *Task) (value interface{}, err error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = errors.New(errors.Sprintf("task panicked: %v", r))
			}
		}()
		value, err = t.Fn(ctx)
	}()

	select {
	case <-done:
		return value, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) nudge() {
	select {
	case p.wakeup <- struct{}{}:
	default:
	}
}

func (p *Pool) updateBackpressure() {
	qlen := p.queue.len()
	cap := p.cfg.QueueCapacity
	wasOn := p.backpressure.Load()

	if !wasOn && float64(qlen) > p.cfg.HighWatermark*float64(cap) {
		if p.backpressure.CompareAndSwap(false, true) {
			if p.metrics != nil {
				p.metrics.WorkerPoolBackpressure.WithLabelValues("enter").Inc()
			}
			p.logger.Warn("worker pool entering backpressure", "queue_length", qlen)
		}
	} else if wasOn && float64(qlen) < p.cfg.LowWatermark*float64(cap) {
		if p.backpressure.CompareAndSwap(true, false) {
			if p.metrics != nil {
				p.metrics.WorkerPoolBackpressure.WithLabelValues("exit").Inc()
			}
			p.logger.Info("worker pool exiting backpressure", "queue_length", qlen)
		}
	}
}

// Execute enqueues a task and blocks until it resolves or ctx is cancelled.
func (p *Pool) Execute(ctx context.Context, t *Task) (interface{}, error) {
	select {
	case <-p.closeCh:
		return nil, ErrPoolClosed
	default:
	}

	if p.backpressure.Load() && !t.BypassBackpressure {
		return nil, ErrBackpressure
	}

	t.result = make(chan Result, 1)
	p.queue.push(t)
	p.updateBackpressure()
	p.nudge()

	select {
	case res := <-t.result:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueLength returns the current combined queue depth across priorities.
func (p *Pool) QueueLength() int { return p.queue.len() }

// Utilization returns the fraction of workers currently processing a task.
func (p *Pool) Utilization() float64 {
	return float64(p.inFlight.Load()) / float64(p.cfg.Workers)
}

// Shutdown waits up to GracefulTimeout for queued and in-flight tasks to
// drain, then stops all workers.
func (p *Pool) Shutdown(ctx context.Context) error {
	deadline := time.Now().Add(p.cfg.GracefulTimeout)
	for p.queue.len() > 0 || p.inFlight.Load() > 0 {
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			break
		case <-time.After(50 * time.Millisecond):
		}
	}
	close(p.closeCh)
	p.wg.Wait()
	return nil
}
