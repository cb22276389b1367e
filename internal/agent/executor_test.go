package agent

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorcode/web-agent-go/internal/config"
	"github.com/armorcode/web-agent-go/internal/tempstore"
)

// newTestExecutor builds an Executor whose target client talks plain HTTP to
// target test servers (net/http/httptest). The clients come from NewClients
// as in production, with no inward proxy configured.
func newTestExecutor(t *testing.T) (*Executor, *[]*TaskResult) {
	t.Helper()
	cfg := config.Defaults()
	cfg.ServerURL = "http://control-plane.invalid"
	cfg.APIKey = "test-key"
	store := config.NewStore(cfg)

	temp, err := tempstore.NewRoot(t.TempDir())
	require.NoError(t, err)

	clients := NewClients(ClientOptions{
		VerifyCert:     false,
		DialTimeout:    time.Second,
		RequestTimeout: 5 * time.Second,
	})

	exec := NewExecutor(store, clients, temp, t.TempDir())

	var uploaded []*TaskResult
	exec.SetArtifactUploadHook(func(ctx context.Context, task *Task, result *TaskResult, path string, headers map[string]string) *TaskResult {
		uploaded = append(uploaded, result)
		return result
	})
	return exec, &uploaded
}

func TestExecuteInlineSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t)
	task := &Task{TaskID: "t1", Method: "GET", URL: srv.URL}

	result := exec.Execute(context.Background(), task)
	require.NotNil(t, result)
	assert.Equal(t, "t1", result.TaskID)
	assert.Equal(t, 200, result.StatusCode)
	assert.True(t, result.ResponseBase64)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("ok")), result.Output)
	assert.Empty(t, result.S3URL)
}

func TestExecuteEmptyBodyHasNoOutputField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t)
	task := &Task{TaskID: "t-empty", Method: "GET", URL: srv.URL}

	result := exec.Execute(context.Background(), task)
	require.NotNil(t, result)
	assert.Equal(t, 204, result.StatusCode)
	assert.False(t, result.ResponseBase64)
	assert.Empty(t, result.Output)
}

func TestExecuteBodyExactlyAtInlineBoundaryStaysInline(t *testing.T) {
	body := bytes.Repeat([]byte{'A'}, config.MaxInlineBytes)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	exec, uploaded := newTestExecutor(t)
	task := &Task{TaskID: "t-boundary", Method: "GET", URL: srv.URL}

	result := exec.Execute(context.Background(), task)
	require.NotNil(t, result)
	assert.True(t, result.ResponseBase64, "exactly maxInlineBytes must take the inline path (<=)")
	assert.Empty(t, *uploaded)
}

func TestExecuteBodyOverBoundaryGoesToArtifactPath(t *testing.T) {
	body := bytes.Repeat([]byte{0x41}, config.MaxInlineBytes+1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	exec, uploaded := newTestExecutor(t)
	task := &Task{TaskID: "t-over", Method: "GET", URL: srv.URL}

	result := exec.Execute(context.Background(), task)
	require.NotNil(t, result)
	assert.False(t, result.ResponseBase64)
	assert.Empty(t, result.Output)
	require.Len(t, *uploaded, 1)
	assert.True(t, result.ResponseZipped, "a body over the inline boundary of repetitive bytes must compress successfully")
}

func TestExecuteTargetNetworkFailureYieldsAgentSideError(t *testing.T) {
	exec, _ := newTestExecutor(t)
	task := &Task{TaskID: "t-fail", Method: "GET", URL: "http://127.0.0.1:1"}

	result := exec.Execute(context.Background(), task)
	require.NotNil(t, result)
	assert.Equal(t, 500, result.StatusCode)
	assert.True(t, strings.HasPrefix(result.Output, "Agent Side Error: Network error: "))
}

func TestExecuteFetchLogsReturnsNilResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.ServerURL = srv.URL
	cfg.APIKey = "test-key"
	store := config.NewStore(cfg)

	temp, err := tempstore.NewRoot(t.TempDir())
	require.NoError(t, err)
	clients := NewClients(ClientOptions{DialTimeout: time.Second, RequestTimeout: 5 * time.Second})
	exec := NewExecutor(store, clients, temp, t.TempDir())

	task := &Task{TaskID: "job-fetchLogs-1", Method: "GET", URL: "http://internal/agent/fetch-logs"}
	result := exec.Execute(context.Background(), task)
	assert.Nil(t, result, "fetch-logs tasks never post a TaskResult (spec §4.3 special path)")
}

func TestGzipRoundTripPreservesBody(t *testing.T) {
	src := filepath.Join(t.TempDir(), "in.txt")
	dst := filepath.Join(t.TempDir(), "out.gz")
	original := bytes.Repeat([]byte("roundtrip-check "), 10000)

	require.NoError(t, os.WriteFile(src, original, 0o600))
	require.NoError(t, gzipFile(src, dst))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()

	gr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gr.Close()

	decompressed, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, original, decompressed)
}

func TestIsFetchLogsTaskRequiresBothMarkers(t *testing.T) {
	assert.True(t, isFetchLogsTask(&Task{TaskID: "x-fetchLogs-1", URL: "http://h/agent/fetch-logs"}))
	assert.False(t, isFetchLogsTask(&Task{TaskID: "x-fetchLogs-1", URL: "http://h/other"}))
	assert.False(t, isFetchLogsTask(&Task{TaskID: "plain", URL: "http://h/agent/fetch-logs"}))
}

func TestEffectiveTargetDeadlineFloorsAtFiveSeconds(t *testing.T) {
	past := &Task{ExpiryTsMs: time.Now().Add(-time.Hour).UnixMilli()}
	assert.Equal(t, 5*time.Second, effectiveTargetDeadline(past))

	unset := &Task{}
	assert.Equal(t, defaultTaskDeadline, effectiveTargetDeadline(unset))
}
