package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorcode/web-agent-go/internal/config"
)

func TestNewCreatesBaseDirLayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	base := t.TempDir()
	cfg := config.Defaults()
	cfg.ServerURL = srv.URL
	cfg.APIKey = "test-key"

	a, err := New(cfg, base)
	require.NoError(t, err)
	require.NotNil(t, a)

	_, err = os.Stat(filepath.Join(base, "log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(base, "output_files"))
	assert.NoError(t, err)
}

func TestRunExitsOnContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.ServerURL = srv.URL
	cfg.APIKey = "test-key"
	cfg.PoolSize = 1

	a, err := New(cfg, t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Agent.Run did not return after context cancellation")
	}
}

func TestHandoffCapacityIsTwiceThePoolSize(t *testing.T) {
	assert.Equal(t, 10, handoffCapacity(5))
	assert.Equal(t, 2*config.DefaultPoolSize, handoffCapacity(0))
}
