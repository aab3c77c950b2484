package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(shutdown, drain time.Duration) *ShutdownManager {
	return NewShutdownManager(ShutdownConfig{ShutdownTimeout: shutdown, DrainTimeout: drain}, zerolog.Nop())
}

func TestShutdown_ClosesInReverseOrder(t *testing.T) {
	sm := newManager(time.Second, 500*time.Millisecond)

	var mu sync.Mutex
	var order []string
	record := func(name string) CloserFunc {
		return func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	sm.RegisterCloser("catalog", record("catalog"))
	sm.RegisterCloser("http", record("http"))
	sm.RegisterCloser("grpc", record("grpc"))

	started := false
	sm.OnShutdownStart(func() { started = true })

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.True(t, started)
	assert.Equal(t, []string{"grpc", "http", "catalog"}, order)
	assert.True(t, sm.IsShuttingDown())

	// Second call is a no-op.
	require.NoError(t, sm.Shutdown(context.Background(), "again"))
	assert.Len(t, order, 3)
}

func TestShutdown_JoinsCloseErrors(t *testing.T) {
	sm := newManager(time.Second, 100*time.Millisecond)
	boom := errors.New("boom")
	sm.RegisterCloser("a", CloserFunc(func() error { return boom }))
	sm.RegisterCloser("b", CloserFunc(func() error { return nil }))

	err := sm.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "close a")
	assert.Equal(t, err, sm.Wait())
}

func TestShutdown_WaitsForInFlight(t *testing.T) {
	sm := newManager(time.Second, 500*time.Millisecond)
	require.True(t, sm.TrackRequest())

	go func() {
		time.Sleep(30 * time.Millisecond)
		sm.UntrackRequest()
	}()

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, int64(0), sm.InFlightCount())
	assert.False(t, sm.TrackRequest(), "requests are refused once shutdown starts")
}

func TestShutdown_DrainTimeout(t *testing.T) {
	sm := newManager(time.Second, 20*time.Millisecond)
	require.True(t, sm.TrackRequest())

	err := sm.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 requests in flight")
}

func TestListenForSignals_ContextCancel(t *testing.T) {
	sm := newManager(time.Second, 100*time.Millisecond)
	closed := false
	sm.RegisterCloser("x", CloserFunc(func() error { closed = true; return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sm.ListenForSignals(ctx))
	assert.True(t, closed)
}

func TestShutdownMiddleware(t *testing.T) {
	sm := newManager(time.Second, 100*time.Millisecond)

	var seen int64
	handler := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = sm.InFlightCount()
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(1), seen)
	assert.Equal(t, int64(0), sm.InFlightCount())

	require.NoError(t, sm.Shutdown(context.Background(), "test"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "SHUTTING_DOWN")
}

func TestGracefulHTTPServer(t *testing.T) {
	sm := newManager(time.Second, 100*time.Millisecond)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})}
	gs := NewGracefulHTTPServer("http", srv, sm)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- gs.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
