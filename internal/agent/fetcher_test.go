package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorcode/web-agent-go/internal/config"
	"github.com/armorcode/web-agent-go/internal/ratelimit"
)

func newTestFetcher(t *testing.T, serverURL string, handoff chan *Task) *Fetcher {
	t.Helper()
	cfg := config.Defaults()
	cfg.ServerURL = serverURL
	cfg.APIKey = "test-key"
	cfg.AgentID = "agent-1"
	store := config.NewStore(cfg)
	clients := NewClients(ClientOptions{DialTimeout: time.Second, RequestTimeout: 5 * time.Second})
	limiter := ratelimit.NewLimiter(1000, time.Minute)
	gate := ratelimit.NewConcurrencyGate(2, 5*time.Second)
	return NewFetcher(store, clients, limiter, gate, handoff)
}

func TestFetchOnceReturnsDecodedTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "agent-1", r.URL.Query().Get("agentId"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"taskId": "t1", "method": "GET", "url": "http://target/x"},
		})
	}))
	defer srv.Close()

	handoff := make(chan *Task, 1)
	f := newTestFetcher(t, srv.URL, handoff)

	task, status, err := f.fetchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	require.NotNil(t, task)
	assert.Equal(t, "t1", task.TaskID)
}

func TestFetchOnceNoContentReturnsNilTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	handoff := make(chan *Task, 1)
	f := newTestFetcher(t, srv.URL, handoff)

	task, status, err := f.fetchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Nil(t, task)
}

func TestFetchOnceNullDataReturnsNilTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":null}`))
	}))
	defer srv.Close()

	handoff := make(chan *Task, 1)
	f := newTestFetcher(t, srv.URL, handoff)

	task, status, err := f.fetchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Nil(t, task)
}

func TestRunPushesReceivedTaskAndStampsLiveness(t *testing.T) {
	var served int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&served, 1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":{"taskId":"t-run","method":"GET","url":"http://target/x"}}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	handoff := make(chan *Task, 4)
	f := newTestFetcher(t, srv.URL, handoff)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	select {
	case task := <-handoff:
		assert.Equal(t, "t-run", task.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task on handoff")
	}

	assert.False(t, f.LastGetTaskCall().IsZero())
	assert.False(t, f.LastTaskReceived().IsZero())
}

func TestResetLivenessStampsBothTimestamps(t *testing.T) {
	handoff := make(chan *Task, 1)
	f := newTestFetcher(t, "http://control-plane.invalid", handoff)

	assert.True(t, f.LastGetTaskCall().IsZero())
	f.ResetLiveness()
	assert.False(t, f.LastGetTaskCall().IsZero())
	assert.False(t, f.LastTaskReceived().IsZero())
}
