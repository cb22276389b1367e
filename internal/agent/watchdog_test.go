package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorcode/web-agent-go/internal/config"
	"github.com/armorcode/web-agent-go/internal/metrics"
	"github.com/armorcode/web-agent-go/internal/ratelimit"
)

func newTestWatchdog(t *testing.T, cfg config.Config) (*Watchdog, *Fetcher, *Pool) {
	t.Helper()
	store := config.NewStore(cfg)
	clients := NewClients(ClientOptions{DialTimeout: time.Second, RequestTimeout: 5 * time.Second})
	limiter := ratelimit.NewLimiter(100, time.Minute)
	gate := ratelimit.NewConcurrencyGate(2, 5*time.Second)
	handoff := make(chan *Task, 4)
	fetcher := NewFetcher(store, clients, limiter, gate, handoff)

	temp := newTempRoot(t)
	executor := NewExecutor(store, clients, temp, t.TempDir())
	sink := metrics.NewSink(t.TempDir(), false)
	pool := NewPool(store, executor, NewUploader(store, clients, limiter, gate), sink, handoff)

	w := NewWatchdog(store, fetcher, pool, limiter, gate, sink)
	return w, fetcher, pool
}

func TestIsUnhealthyNeverTriggeredBeforeThresholds(t *testing.T) {
	cfg := config.Defaults()
	cfg.GetTaskStaleThreshold = time.Hour
	cfg.TaskReceivedStaleThreshold = time.Hour
	w, fetcher, _ := newTestWatchdog(t, cfg)
	fetcher.ResetLiveness()

	assert.False(t, w.isUnhealthy())
}

func TestIsUnhealthyRequiresBothStale(t *testing.T) {
	cfg := config.Defaults()
	cfg.GetTaskStaleThreshold = 1 * time.Millisecond
	cfg.TaskReceivedStaleThreshold = time.Hour
	w, fetcher, _ := newTestWatchdog(t, cfg)
	fetcher.ResetLiveness()
	time.Sleep(5 * time.Millisecond)

	assert.False(t, w.isUnhealthy(), "stale get-task alone must not trigger restart; task-received is still fresh")
}

func TestIsUnhealthyTriggersWhenBothStale(t *testing.T) {
	cfg := config.Defaults()
	cfg.GetTaskStaleThreshold = 1 * time.Millisecond
	cfg.TaskReceivedStaleThreshold = 1 * time.Millisecond
	w, fetcher, _ := newTestWatchdog(t, cfg)
	fetcher.ResetLiveness()
	time.Sleep(5 * time.Millisecond)

	assert.True(t, w.isUnhealthy())
}

func TestDoRestartResetsLivenessSoItDoesNotImmediatelyRetrigger(t *testing.T) {
	cfg := config.Defaults()
	cfg.GetTaskStaleThreshold = 1 * time.Millisecond
	cfg.TaskReceivedStaleThreshold = 1 * time.Millisecond
	w, fetcher, _ := newTestWatchdog(t, cfg)
	fetcher.ResetLiveness()
	time.Sleep(5 * time.Millisecond)
	require.True(t, w.isUnhealthy())

	restarted := false
	w.SetRestartHook(func(ctx context.Context) (*Fetcher, *Pool, error) {
		restarted = true
		return nil, nil, nil
	})

	require.NoError(t, w.doRestart(context.Background()))
	assert.True(t, restarted)
	assert.False(t, w.isUnhealthy(), "spec §4.6/§8 invariant #7: a restart must not immediately re-trigger")
	assert.Equal(t, StateRunning, w.State())
}

func TestWatchdogStateStringer(t *testing.T) {
	assert.Equal(t, "INIT", StateInit.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "RESTARTING", StateRestarting.String())
	assert.Equal(t, "SHUTTING_DOWN", StateShuttingDown.String())
	assert.Equal(t, "EXITED", StateExited.String())
}
