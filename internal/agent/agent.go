package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/armorcode/web-agent-go/internal/config"
	"github.com/armorcode/web-agent-go/internal/logger"
	"github.com/armorcode/web-agent-go/internal/metrics"
	"github.com/armorcode/web-agent-go/internal/ratelimit"
	"github.com/armorcode/web-agent-go/internal/tempstore"
)

const (
	concurrencyCeiling       = 2
	concurrencyGateTimeout   = 60 * time.Second
	shutdownGracePeriod      = 30 * time.Second
	defaultRateLimitBurst    = 25
	defaultRateLimitWindow   = 15 * time.Second
)

// Agent wires C1-C7 together and runs them under one cancellable errgroup,
// the way the teacher's rawhttp request pool owns worker lifecycle, extended
// here to whole-process supervision per spec §4.6/§5.
type Agent struct {
	store   *config.Store
	clients *Clients
	limiter *ratelimit.Limiter
	gate    *ratelimit.ConcurrencyGate
	temp    *tempstore.Root
	sink    *metrics.Sink

	fetcher  *Fetcher
	pool     *Pool
	executor *Executor
	uploader *Uploader
	watchdog *Watchdog

	// handoffMu guards both handoff and genCancel: a watchdog restart swaps
	// the channel and then the generation, each under this lock.
	handoffMu sync.Mutex
	handoff   chan *Task
	// genCancel stops the currently-running C1/C2 generation's context; it is
	// replaced (after cancelling the previous one) every time a generation is
	// started, so a restart can never leave an old fetcher/pool pair running
	// against a context nothing will ever cancel (spec §4.6 step 2: "kill
	// C1, C2 ... in-flight executions").
	genCancel context.CancelFunc
}

// New builds the full component graph from a resolved Config. baseDir is the
// root under which log/output_files/metrics subdirectories live (spec §6
// "Persisted state").
func New(cfg config.Config, baseDir string) (*Agent, error) {
	store := config.NewStore(cfg)

	logDir := filepath.Join(baseDir, "log")
	outputDir := filepath.Join(baseDir, "output_files")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	temp, err := tempstore.NewRoot(outputDir)
	if err != nil {
		return nil, err
	}

	clients := NewClients(ClientOptions{
		VerifyCert:     cfg.VerifyCert,
		InwardProxy:    cfg.InwardProxy,
		OutgoingProxy:  cfg.OutgoingProxy,
		DialTimeout:    15 * time.Second,
		RequestTimeout: 300 * time.Second,
	})

	rateLimit := cfg.RateLimitPerMin
	window := time.Minute
	if rateLimit <= 0 {
		rateLimit = defaultRateLimitBurst
		window = defaultRateLimitWindow
	}
	limiter := ratelimit.NewLimiter(rateLimit, window)
	gate := ratelimit.NewConcurrencyGate(concurrencyCeiling, concurrencyGateTimeout)
	store.SetRateLimitHook(func(perMin int) { limiter.Reconfigure(perMin, time.Minute) })

	sink := metrics.NewSink(logDir, true)

	a := &Agent{
		store:   store,
		clients: clients,
		limiter: limiter,
		gate:    gate,
		temp:    temp,
		sink:    sink,
		handoff: make(chan *Task, handoffCapacity(cfg.PoolSize)),
	}

	a.executor = NewExecutor(store, clients, temp, logDir)
	a.uploader = NewUploader(store, clients, limiter, gate)
	a.executor.SetArtifactUploadHook(a.uploader.uploadArtifactHook)
	a.fetcher = NewFetcher(store, clients, limiter, gate, a.handoff)
	a.pool = NewPool(store, a.executor, a.uploader, sink, a.handoff)
	a.watchdog = NewWatchdog(store, a.fetcher, a.pool, limiter, gate, sink)
	a.watchdog.SetRestartHook(a.restartComponents)

	return a, nil
}

func handoffCapacity(poolSize int) int {
	if poolSize <= 0 {
		poolSize = config.DefaultPoolSize
	}
	return 2 * poolSize
}

// startGeneration cancels the previous C1/C2 generation's context (if any)
// and returns a fresh one derived from parent, so a watchdog restart kills
// the old fetcher/pool goroutines outright instead of merely losing track of
// them (spec §4.6 step 2: "kill C1, C2 ... in-flight executions").
func (a *Agent) startGeneration(parent context.Context) context.Context {
	a.handoffMu.Lock()
	defer a.handoffMu.Unlock()
	if a.genCancel != nil {
		a.genCancel()
	}
	genCtx, genCancel := context.WithCancel(parent)
	a.genCancel = genCancel
	return genCtx
}

// Run starts all components under one cancellable group and blocks until
// ctx is cancelled (typically by a signal), then drives the shutdown grace
// period before returning.
func (a *Agent) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	genCtx := a.startGeneration(gctx)
	g.Go(func() error { return a.fetcher.Run(genCtx) })
	g.Go(func() error { return a.pool.Run(genCtx) })
	g.Go(func() error { return a.watchdog.Run(gctx) })

	<-ctx.Done()
	logger.Info().Msgf("shutdown signal received, draining in-flight tasks")
	a.shutdown()

	cancel()
	_ = g.Wait()
	a.sink.Shutdown()
	return nil
}

// shutdown waits up to shutdownGracePeriod for in-flight executions to drain
// before the caller cancels the run context (spec §4.6 "SHUTTING_DOWN").
func (a *Agent) shutdown() {
	deadline := time.Now().Add(shutdownGracePeriod)
	for time.Now().Before(deadline) {
		if a.pool.InFlight() == 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// restartComponents implements spec §4.6 restart step 6: drain and rebuild
// the handoff channel, cancel the outgoing C1/C2 generation, and respawn a
// fresh pair on a new sub-context of ctx. It returns the new Fetcher/Pool so
// Watchdog.doRestart can stop observing the generation it just killed.
func (a *Agent) restartComponents(ctx context.Context) (*Fetcher, *Pool, error) {
	a.handoffMu.Lock()
	old := a.handoff
	drained := 0
	for {
		select {
		case <-old:
			drained++
		default:
			goto doneDraining
		}
	}
doneDraining:
	logger.Warning().Msgf("drained %d pending tasks from handoff on restart", drained)

	newHandoff := make(chan *Task, cap(old))
	a.handoff = newHandoff
	a.handoffMu.Unlock()

	genCtx := a.startGeneration(ctx)

	a.fetcher = NewFetcher(a.store, a.clients, a.limiter, a.gate, newHandoff)
	a.pool = NewPool(a.store, a.executor, a.uploader, a.sink, newHandoff)

	go func() {
		if err := a.fetcher.Run(genCtx); err != nil && genCtx.Err() == nil {
			logger.Error().Msgf("fetcher exited after restart: %v", err)
		}
	}()
	go func() {
		if err := a.pool.Run(genCtx); err != nil && genCtx.Err() == nil {
			logger.Error().Msgf("pool exited after restart: %v", err)
		}
	}()
	return a.fetcher, a.pool, nil
}
