package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/projectdiscovery/retryablehttp-go"

	"github.com/armorcode/web-agent-go/internal/config"
	"github.com/armorcode/web-agent-go/internal/logger"
	"github.com/armorcode/web-agent-go/internal/ratelimit"
)

const (
	getTaskInnerTimeout  = 25 * time.Second
	getTaskOuterDeadline = 30 * time.Second
	idleWait             = 5 * time.Second
	backoffStart         = 5 * time.Second
	backoffCap           = 600 * time.Second
)

// Fetcher is C1: it long-polls the control plane for the next task and hands
// it to the worker pool, grounded on the source's inf_loop()/get_task() pair
// (original_source/web-agent/app/workerV2.py) and the teacher's retry client
// construction for transport.
type Fetcher struct {
	cfg     *config.Store
	clients *Clients
	limiter *ratelimit.Limiter
	gate    *ratelimit.ConcurrencyGate

	handoff chan *Task

	lastGetTaskCall  atomic.Int64
	lastTaskReceived atomic.Int64
}

func NewFetcher(cfg *config.Store, clients *Clients, limiter *ratelimit.Limiter, gate *ratelimit.ConcurrencyGate, handoff chan *Task) *Fetcher {
	return &Fetcher{cfg: cfg, clients: clients, limiter: limiter, gate: gate, handoff: handoff}
}

// LastGetTaskCall and LastTaskReceived back C6's health predicate.
func (f *Fetcher) LastGetTaskCall() time.Time  { return unixToTime(f.lastGetTaskCall.Load()) }
func (f *Fetcher) LastTaskReceived() time.Time { return unixToTime(f.lastTaskReceived.Load()) }

// ResetLiveness stamps both timestamps to now, used by the watchdog's
// restart sequence so the restart doesn't immediately re-trigger (spec
// §4.6 step 5).
func (f *Fetcher) ResetLiveness() {
	now := time.Now().UnixNano()
	f.lastGetTaskCall.Store(now)
	f.lastTaskReceived.Store(now)
}

func unixToTime(unixNano int64) time.Time {
	if unixNano == 0 {
		return time.Time{}
	}
	return time.Unix(0, unixNano)
}

// Run drives the long-poll loop until ctx is cancelled.
func (f *Fetcher) Run(ctx context.Context) error {
	backoff := backoffStart
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := f.limiter.Throttle(ctx); err != nil {
			return nil
		}

		task, status, err := f.fetchOnce(ctx)
		f.lastGetTaskCall.Store(time.Now().UnixNano())

		switch {
		case err != nil:
			logger.Warning().Msgf("get-task call failed: %v", err)
			if !sleepCtx(ctx, idleWait) {
				return nil
			}
		case status >= 500:
			logger.Warning().Msgf("get-task returned %d, backing off %s", status, backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = minDuration(backoff*2, backoffCap)
		case task != nil:
			backoff = backoffStart
			f.lastTaskReceived.Store(time.Now().UnixNano())
			select {
			case f.handoff <- task:
			case <-ctx.Done():
				return nil
			}
		default:
			// 200 with null data, 204, or any other status: idle wait.
			backoff = backoffStart
			if !sleepCtx(ctx, idleWait) {
				return nil
			}
		}
	}
}

// fetchOnce issues exactly one get-task call under the outer 30s deadline,
// running the HTTP call itself in a child goroutine so a hung socket can't
// block the outer deadline from firing (spec §4.1 "stall protection").
func (f *Fetcher) fetchOnce(parent context.Context) (*Task, int, error) {
	outerCtx, cancel := context.WithTimeout(parent, getTaskOuterDeadline)
	defer cancel()

	type result struct {
		task   *Task
		status int
		err    error
	}
	done := make(chan result, 1)

	go func() {
		task, status, err := f.doGetTask(outerCtx)
		done <- result{task, status, err}
	}()

	select {
	case r := <-done:
		return r.task, r.status, r.err
	case <-outerCtx.Done():
		return nil, 0, outerCtx.Err()
	}
}

func (f *Fetcher) doGetTask(ctx context.Context) (*Task, int, error) {
	cfg := f.cfg.Snapshot()

	reqCtx, cancel := context.WithTimeout(ctx, getTaskInnerTimeout)
	defer cancel()

	u, err := url.Parse(cfg.ServerURL + "/api/http-teleport/get-task")
	if err != nil {
		return nil, 0, fmt.Errorf("build get-task url: %w", err)
	}
	q := u.Query()
	q.Set("agentId", cfg.AgentID)
	q.Set("agentVersion", config.AgentVersion)
	if cfg.EnvName != "" {
		q.Set("envName", cfg.EnvName)
	}
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build get-task request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Ac-Agent", "ArmorCode/"+config.AgentVersion)

	release, err := f.gate.Acquire(reqCtx)
	defer release()
	if err != nil {
		return nil, 0, fmt.Errorf("concurrency gate: %w", err)
	}

	resp, err := f.clients.Control.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	var decoded getTaskResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode get-task response: %w", err)
	}
	return decoded.Data, resp.StatusCode, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
