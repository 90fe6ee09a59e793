package common

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/tally/pkg/common/logger"
)

func TestAdminServerEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Namespace: "test",
		Name:      "probe_total",
		Help:      "Probe counter.",
	}).Add(3)

	ready := &atomic.Bool{}
	admin, err := NewAdminServer("127.0.0.1:0", reg, ready, logger.Noop())
	require.NoError(t, err)

	srv := httptest.NewServer(admin.Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	code, _ = get("/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	ready.Store(true)
	code, body = get("/readiness")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ready"}`, body)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "test_probe_total 3")

	code, _ = get("/debug/statsviz/")
	assert.Equal(t, http.StatusOK, code)
}

func TestAdminServerStopsOnCancel(t *testing.T) {
	admin, err := NewAdminServer("", prometheus.NewRegistry(), &atomic.Bool{}, logger.Noop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- admin.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("admin server did not stop")
	}
}
