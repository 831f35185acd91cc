package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/justinpaulson/kamal-napper/pkg/config"
)

func testLogger() *zap.SugaredLogger {
	log, _ := zap.NewDevelopment()
	return log.Sugar()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

// serverProbe extracts host + port of an httptest server into a Probe.
func serverProbe(t *testing.T, srv *httptest.Server, path string) (string, Probe) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, Probe{Port: port, Path: path}
}

func newChecker(t *testing.T) *Checker {
	return NewChecker(testConfig(t), testLogger(), clock.RealClock{})
}

func TestHealthyStatuses(t *testing.T) {
	cases := []struct {
		status  int
		healthy bool
	}{
		{200, true},
		{204, true},
		{302, true},
		{399, true},
		{404, false},
		{500, false},
		{503, false},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		host, probe := serverProbe(t, srv, "/health")

		info := newChecker(t).Info(context.Background(), host, probe)
		if info.Healthy != tc.healthy {
			t.Errorf("status %d: healthy = %v, want %v", tc.status, info.Healthy, tc.healthy)
		}
		if info.StatusCode != tc.status {
			t.Errorf("status %d: reported %d", tc.status, info.StatusCode)
		}
		srv.Close()
	}
}

func TestConnectionRefusedIsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host, probe := serverProbe(t, srv, "/health")
	srv.Close()

	info := newChecker(t).Info(context.Background(), host, probe)
	if info.Healthy {
		t.Error("refused connection should be unhealthy")
	}
	if info.Err == nil {
		t.Error("refused connection should carry an error")
	}
}

func TestTimeoutIsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	host, probe := serverProbe(t, srv, "/health")
	probe.Timeout = 20 * time.Millisecond

	if newChecker(t).HealthyOn(context.Background(), host, probe) {
		t.Error("slow endpoint should be unhealthy within the probe timeout")
	}
}

func TestRequestPathAndDefaults(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
	}))
	defer srv.Close()
	host, probe := serverProbe(t, srv, "")

	// Empty Probe path falls back to the configured /health.
	if !newChecker(t).HealthyOn(context.Background(), host, probe) {
		t.Fatal("expected healthy")
	}
	if got := gotPath.Load(); got != "/health" {
		t.Errorf("probed path = %v, want /health", got)
	}
}

func TestWaitForHealthEventualSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	host, probe := serverProbe(t, srv, "/health")

	cfg := testConfig(t)
	cfg.HealthCheckPort = probe.Port
	checker := NewChecker(cfg, testLogger(), clock.RealClock{})

	if !checker.WaitForHealth(context.Background(), host, 5, 10*time.Millisecond) {
		t.Error("expected health within 5 attempts")
	}
	if calls.Load() != 3 {
		t.Errorf("probe count = %d, want 3", calls.Load())
	}
}

func TestWaitForHealthExhaustsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	host, probe := serverProbe(t, srv, "/health")

	cfg := testConfig(t)
	cfg.HealthCheckPort = probe.Port
	checker := NewChecker(cfg, testLogger(), clock.RealClock{})

	if checker.WaitForHealth(context.Background(), host, 2, 5*time.Millisecond) {
		t.Error("expected exhaustion against an always-503 endpoint")
	}
}
