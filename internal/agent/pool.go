package agent

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/armorcode/web-agent-go/internal/config"
	"github.com/armorcode/web-agent-go/internal/logger"
	"github.com/armorcode/web-agent-go/internal/metrics"
)

const defaultTaskDeadline = time.Hour

// execution is one in-flight C3 run, tracked so C6's sweep can find and kill
// executions that overran their deadline (spec §4.2 "Tracking").
type execution struct {
	id       string
	taskID   string
	start    time.Time
	deadline time.Time
	cancel   context.CancelFunc
}

// Pool is C2: a bounded worker pool fed by Fetcher's handoff channel, built
// on sourcegraph/conc/pool the way kazz187-taskguild's daemon wires its
// service goroutines (panic recovery via conc/panics, bounded concurrency
// via WithMaxGoroutines).
type Pool struct {
	cfg      *config.Store
	executor *Executor
	uploader *Uploader
	metrics  *metrics.Sink

	handoff chan *Task

	mu       sync.Mutex
	registry map[string]*execution
}

func NewPool(cfg *config.Store, executor *Executor, uploader *Uploader, sink *metrics.Sink, handoff chan *Task) *Pool {
	return &Pool{
		cfg:      cfg,
		executor: executor,
		uploader: uploader,
		metrics:  sink,
		handoff:  handoff,
		registry: make(map[string]*execution),
	}
}

// Run drains the handoff channel, spawning one C3 execution per task under a
// bounded-concurrency pool sized from config.PoolSize when Run starts.
func (p *Pool) Run(ctx context.Context) error {
	poolSize := p.cfg.Snapshot().PoolSize
	if poolSize <= 0 {
		poolSize = config.DefaultPoolSize
	}
	wp := pool.New().WithMaxGoroutines(poolSize)

	defer wp.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case task, ok := <-p.handoff:
			if !ok {
				return nil
			}
			t := task
			wp.Go(func() { p.runOne(ctx, t) })
		}
	}
}

// runOne executes one task's C3 step and hands the result to C4, recovering
// from any panic the way panicerr.SafeContext does in the teacher pack
// (catch, convert to an error, never let one task's failure take down the
// pool — spec §4.2 "Failure modes").
func (p *Pool) runOne(parent context.Context, task *Task) {
	deadline := p.effectiveDeadline(task)
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()

	id := ulid.Make().String()
	exec := &execution{id: id, taskID: task.TaskID, start: time.Now(), deadline: time.Now().Add(deadline), cancel: cancel}
	p.register(exec)
	defer p.unregister(id)

	result := p.safeExecute(ctx, task)

	p.metrics.Emit("task.completed", 1, map[string]string{"taskId": task.TaskID})
	if err := p.uploader.Upload(ctx, task, result); err != nil {
		logger.Error().TaskID(task.TaskID).Msgf("result upload failed: %v", err)
	}
}

func (p *Pool) safeExecute(ctx context.Context, task *Task) *TaskResult {
	var (
		catcher panics.Catcher
		result  *TaskResult
	)
	catcher.Try(func() {
		result = p.executor.Execute(ctx, task)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		err := recovered.AsError()
		logger.Error().TaskID(task.TaskID).Msgf("worker panic: %v", err)
		return internalError(task.TaskID, err)
	}
	return result
}

func (p *Pool) effectiveDeadline(task *Task) time.Duration {
	if task.ExpiryTsMs <= 0 {
		return defaultTaskDeadline
	}
	remaining := time.Until(time.UnixMilli(task.ExpiryTsMs))
	if remaining < 5*time.Second {
		return 5 * time.Second
	}
	if remaining > defaultTaskDeadline {
		return defaultTaskDeadline
	}
	return remaining
}

func (p *Pool) register(e *execution) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registry[e.id] = e
}

func (p *Pool) unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.registry, id)
}

// Sweep forcibly cancels executions past their deadline, called by the
// watchdog's 60s tick (spec §4.6).
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	killed := 0
	for id, e := range p.registry {
		if now.After(e.deadline) {
			e.cancel()
			delete(p.registry, id)
			killed++
		}
	}
	return killed
}

// InFlight reports the number of currently registered executions, backing
// the "in-flight target requests ≤ poolSize" testable property (spec §8).
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.registry)
}

// KillAll cancels every tracked execution, used by the watchdog's restart
// sequence (spec §4.6 step 2).
func (p *Pool) KillAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.registry {
		e.cancel()
		delete(p.registry, id)
	}
}
