package startup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanerix/loom/internal/comfy"
	"github.com/hurricanerix/loom/internal/config"
	"github.com/hurricanerix/loom/internal/logging"
	"github.com/hurricanerix/loom/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.WorkflowDir = t.TempDir()
	return cfg
}

func TestLoadSettings(t *testing.T) {
	cfg := testConfig(t)
	logger := logging.Discard()

	assert.Equal(t, config.DefaultSettings(), LoadSettings(cfg, logger))

	require.NoError(t, os.WriteFile(cfg.SettingsPath(), []byte("server_ip: [not: valid"), 0o644))
	assert.Equal(t, config.DefaultSettings(), LoadSettings(cfg, logger))

	cfg.Server = "https://gpu.example.com/"
	assert.Equal(t, "https://gpu.example.com", LoadSettings(cfg, logger).ServerAddress)
}

func TestQueuePoller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"queue_running":[[1,"a",{}]],"queue_pending":[[2,"b",{}],[3,"c",{}]]}`))
	}))
	t.Cleanup(srv.Close)

	ev, err := QueuePoller(comfy.NewClient(srv.URL))(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ev.QueueRunning)
	assert.Equal(t, 2, ev.QueuePending)
	assert.Equal(t, 3, ev.Total())
	assert.True(t, ev.Polled)
}

func TestOpenStore(t *testing.T) {
	cfg := testConfig(t)
	store := OpenStore(cfg, logging.Discard())
	t.Cleanup(func() { store.Close() })
	_, isBadger := store.(*storage.Badger)
	assert.True(t, isBadger)
}

func TestOpenStoreFallsBackToMemory(t *testing.T) {
	cfg := testConfig(t)
	// A file where the history directory should be.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "history"), nil, 0o644))

	store := OpenStore(cfg, logging.Discard())
	_, isMemory := store.(*storage.Memory)
	assert.True(t, isMemory)
}

func TestInitializeAll(t *testing.T) {
	cfg := testConfig(t)
	c, err := InitializeAll(cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	assert.Equal(t, config.DefaultServerURL, c.Client.Endpoint())
	assert.Equal(t, c.Client.Endpoint(), c.Channel.Endpoint())
	assert.NotEmpty(t, c.Channel.ClientID())

	env := c.Env()
	assert.Equal(t, cfg.HistoryPollInterval, env.HistoryPollInterval)
	assert.NotNil(t, env.Settings)
}

func TestInitializeAllRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Port = 80
	_, err := InitializeAll(cfg, logging.Discard())
	assert.ErrorIs(t, err, config.ErrInvalidPort)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan string, 2)
	svc := func(name string) Service {
		return ServiceFunc(func(ctx context.Context) error {
			<-ctx.Done()
			stopped <- name
			return ctx.Err()
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, logging.Discard(), svc("a"), svc("b")) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Len(t, stopped, 2)
}

func TestRunStopsOthersOnFailure(t *testing.T) {
	boom := errors.New("boom")
	waited := make(chan struct{})

	err := Run(context.Background(), logging.Discard(),
		ServiceFunc(func(ctx context.Context) error { return boom }),
		ServiceFunc(func(ctx context.Context) error {
			<-ctx.Done()
			close(waited)
			return nil
		}),
	)
	assert.ErrorIs(t, err, boom)
	select {
	case <-waited:
	default:
		t.Fatal("second service was not stopped")
	}
}

func TestCheckServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	assert.NoError(t, CheckServer(context.Background(), comfy.NewClient(srv.URL), logging.Discard()))

	dead := httptest.NewServer(http.NotFoundHandler())
	addr := dead.URL
	dead.Close()
	err := CheckServer(context.Background(), comfy.NewClient(addr), logging.Discard())
	assert.ErrorIs(t, err, comfy.ErrConnectivity)
}
