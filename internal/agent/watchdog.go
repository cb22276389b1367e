package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/armorcode/web-agent-go/internal/config"
	"github.com/armorcode/web-agent-go/internal/logger"
	"github.com/armorcode/web-agent-go/internal/metrics"
	"github.com/armorcode/web-agent-go/internal/ratelimit"
)

const watchdogTick = 60 * time.Second

// State is the whole-process state machine of spec §4.6.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateRestarting
	StateShuttingDown
	StateExited
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateRestarting:
		return "RESTARTING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateExited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}

// Watchdog is C6: it observes liveness timestamps from the fetcher and the
// in-flight registry from the pool, and drives the whole-process state
// machine, grounded on the source's periodic-tick supervision pattern
// (original_source/web-agent/app/workerV2.py main loop) generalized into a
// dedicated ticking component the way kazz187-taskguild's sentinel.go
// structures its own health loop.
type Watchdog struct {
	cfg     *config.Store
	fetcher *Fetcher
	pool    *Pool
	limiter *ratelimit.Limiter
	gate    *ratelimit.ConcurrencyGate
	metrics *metrics.Sink

	state     atomic.Int32
	startedAt time.Time

	// restart tears down the running C1/C2 generation and spawns a fresh one,
	// returning the new Fetcher/Pool so the watchdog can observe the
	// generation it actually just started rather than the one it killed
	// (spec §4.6 step 6: "rebuild handoff, pool, and respawn C1 and C2").
	restart func(context.Context) (*Fetcher, *Pool, error)
}

func NewWatchdog(cfg *config.Store, fetcher *Fetcher, pool *Pool, limiter *ratelimit.Limiter, gate *ratelimit.ConcurrencyGate, sink *metrics.Sink) *Watchdog {
	w := &Watchdog{cfg: cfg, fetcher: fetcher, pool: pool, limiter: limiter, gate: gate, metrics: sink, startedAt: time.Now()}
	w.state.Store(int32(StateInit))
	return w
}

func (w *Watchdog) State() State { return State(w.state.Load()) }

func (w *Watchdog) setState(s State) { w.state.Store(int32(s)) }

// SetRestartHook wires the callback that rebuilds and respawns C1/C2; agent.go
// provides this since only it has the errgroup needed to relaunch them.
func (w *Watchdog) SetRestartHook(fn func(context.Context) (*Fetcher, *Pool, error)) {
	w.restart = fn
}

// Run ticks every 60s, evaluating health and sweeping C2's registry, until
// ctx is cancelled (process shutdown).
func (w *Watchdog) Run(ctx context.Context) error {
	w.setState(StateRunning)
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setState(StateShuttingDown)
			return nil
		case <-ticker.C:
			killed := w.pool.Sweep()
			if killed > 0 {
				logger.Warning().Msgf("watchdog swept %d expired executions", killed)
				w.metrics.Emit("watchdog.sweep.killed", float64(killed), nil)
			}

			if w.isUnhealthy() {
				logger.Warning().Msgf("watchdog detected stall, restarting")
				w.metrics.Emit("watchdog.restart", 1, nil)
				if err := w.doRestart(ctx); err != nil {
					logger.Error().Msgf("watchdog restart failed: %v", err)
				}
			}
		}
	}
}

// isUnhealthy implements spec §4.6's health predicate: unhealthy iff both
// the get-task and task-received timestamps are stale past their thresholds.
func (w *Watchdog) isUnhealthy() bool {
	cfg := w.cfg.Snapshot()
	uptime := time.Since(w.startedAt)

	getTaskElapsed := elapsedSince(w.fetcher.LastGetTaskCall(), uptime)
	taskReceivedElapsed := elapsedSince(w.fetcher.LastTaskReceived(), uptime)

	return getTaskElapsed > cfg.GetTaskStaleThreshold && taskReceivedElapsed > cfg.TaskReceivedStaleThreshold
}

func elapsedSince(t time.Time, uptime time.Duration) time.Duration {
	if t.IsZero() {
		return uptime
	}
	return time.Since(t)
}

// doRestart implements spec §4.6's restart action sequence. Steps 1-4 act on
// the generation about to be killed; step 6 (rebuild/respawn) hands back the
// new Fetcher/Pool, which become the ones this watchdog observes from here
// on — otherwise Sweep() and isUnhealthy() would keep watching a generation
// that respawn already replaced.
func (w *Watchdog) doRestart(ctx context.Context) error {
	w.setState(StateRestarting)
	defer w.setState(StateRunning)

	w.metrics.Flush()
	w.pool.KillAll()
	w.limiter.Reset()
	w.gate.Reset(2)
	w.startedAt = time.Now()

	if w.restart != nil {
		fetcher, pool, err := w.restart(ctx)
		if err != nil {
			return err
		}
		if fetcher != nil {
			w.fetcher = fetcher
		}
		if pool != nil {
			w.pool = pool
		}
	}
	// Step 5: reset watchdog timestamps to now, on whichever fetcher is now
	// canonical, so the restart cannot immediately re-trigger (spec §8 #7).
	w.fetcher.ResetLiveness()
	return nil
}
