package detector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/justinpaulson/kamal-napper/pkg/config"
)

func testLogger() *zap.SugaredLogger {
	log, _ := zap.NewDevelopment()
	return log.Sugar()
}

type fakeTailer struct {
	lines []string
	err   error
}

func (f *fakeTailer) TailProxyLog(ctx context.Context, n int) ([]string, error) {
	return f.lines, f.err
}

func testNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newDetector(t *testing.T, tailer ProxyLogTailer) (*Detector, *clocktesting.FakePassiveClock, *config.Config) {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.TimestampDir = t.TempDir()
	clk := clocktesting.NewFakePassiveClock(testNow())
	return New(cfg, tailer, testLogger(), clk), clk, cfg
}

func requestLine(host, path, method, ua string, at time.Time) string {
	return fmt.Sprintf(
		`{"time":%q,"level":"INFO","msg":"Request","host":%q,"path":%q,"method":%q,"user_agent":%q,"status":200}`,
		at.Format(time.RFC3339), host, path, method, ua)
}

func TestAutomatedFilter(t *testing.T) {
	cases := []struct {
		name             string
		method, path, ua string
		automated        bool
	}{
		{"plain browser traffic", "GET", "/", "Mozilla/5.0", false},
		{"health path", "GET", "/health", "Mozilla/5.0", true},
		{"health path trailing slash", "GET", "/health/", "Mozilla/5.0", true},
		{"status path", "GET", "/status", "Mozilla/5.0", true},
		{"ping path", "GET", "/ping", "Mozilla/5.0", true},
		{"ready path", "GET", "/ready", "Mozilla/5.0", true},
		{"alive path", "GET", "/alive", "Mozilla/5.0", true},
		{"health-prefixed page is real", "GET", "/healthcare", "Mozilla/5.0", false},
		{"acme challenge", "GET", "/.well-known/acme-challenge/token", "Mozilla/5.0", true},
		{"empty user agent", "GET", "/", "", true},
		{"HEAD request", "HEAD", "/", "Mozilla/5.0", true},
		{"googlebot", "GET", "/", "Mozilla/5.0 (compatible; Googlebot/2.1)", true},
		{"uptime robot", "GET", "/", "UptimeRobot/2.0", true},
		{"pingdom", "GET", "/", "Pingdom.com_bot", true},
		{"case insensitive bot", "GET", "/", "SCANNER-Probe", true},
		{"curl is real traffic", "GET", "/", "curl/8.1", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := automated(tc.method, tc.path, tc.ua); got != tc.automated {
				t.Errorf("automated(%q, %q, %q) = %v, want %v", tc.method, tc.path, tc.ua, got, tc.automated)
			}
		})
	}
}

func TestValidHostname(t *testing.T) {
	cases := []struct {
		host  string
		valid bool
	}{
		{"app.example.com", true},
		{"a.io", true},
		{"", false},
		{"nodots", false},
		{"ab.", false}, // below minimum length
		{"localhost", false},
		{"app.example.com:8080", false},
		{"10.0.0.1", false},
		{"192.168.1.1.example.com", false},
		{string(make([]byte, 100)), false},
	}
	for _, tc := range cases {
		if got := ValidHostname(tc.host); got != tc.valid {
			t.Errorf("ValidHostname(%q) = %v, want %v", tc.host, got, tc.valid)
		}
	}
}

func TestIsSelf(t *testing.T) {
	d, _, cfg := newDetector(t, &fakeTailer{})
	cfg.OwnHostname = "napper.example.com"

	cases := []struct {
		host string
		self bool
	}{
		{"napper.example.com", true},
		{"kamal-napper.fly.dev", true},
		{"naptime.example.com", true},
		{"app.example.com", false},
	}
	for _, tc := range cases {
		if got := d.IsSelf(tc.host); got != tc.self {
			t.Errorf("IsSelf(%q) = %v, want %v", tc.host, got, tc.self)
		}
	}
}

func TestRecentRequestsFiltersAutomated(t *testing.T) {
	now := testNow()

	// Both a health probe and real browser traffic: recent.
	tailer := &fakeTailer{lines: []string{
		requestLine("app.example.com", "/health", "GET", "curl/8 health", now),
		requestLine("app.example.com", "/", "GET", "Mozilla/5.0", now),
	}}
	d, _, _ := newDetector(t, tailer)
	if !d.RecentRequests(context.Background(), "app.example.com", 30*time.Second) {
		t.Error("browser traffic should count as recent")
	}

	// Only the health probe: not recent.
	tailer = &fakeTailer{lines: []string{
		requestLine("app.example.com", "/health", "GET", "curl/8 health", now),
	}}
	d, _, _ = newDetector(t, tailer)
	if d.RecentRequests(context.Background(), "app.example.com", 30*time.Second) {
		t.Error("automated-only traffic should not count as recent")
	}
}

func TestScanStopsAtHorizon(t *testing.T) {
	now := testNow()
	tailer := &fakeTailer{lines: []string{
		requestLine("stale.example.com", "/", "GET", "Mozilla/5.0", now.Add(-2*time.Hour)),
		requestLine("app.example.com", "/", "GET", "Mozilla/5.0", now.Add(-5*time.Minute)),
	}}
	d, _, _ := newDetector(t, tailer)

	if d.LastRequestTime(context.Background(), "stale.example.com") != nil {
		t.Error("entries beyond the one-hour horizon should be ignored")
	}
	if d.LastRequestTime(context.Background(), "app.example.com") == nil {
		t.Error("recent entry should be indexed")
	}
}

func TestScanSkipsMalformedLines(t *testing.T) {
	now := testNow()
	tailer := &fakeTailer{lines: []string{
		"plain text noise",
		`{"msg":"Proxy starting"}`,
		`{"time":"not-a-time","msg":"Request","host":"x.example.com"}`,
		requestLine("app.example.com", "/", "GET", "Mozilla/5.0", now),
	}}
	d, _, _ := newDetector(t, tailer)

	if d.LastRequestTime(context.Background(), "app.example.com") == nil {
		t.Error("well-formed entry should survive surrounding noise")
	}
}

func TestUpdateAndReadTimestampFile(t *testing.T) {
	d, _, cfg := newDetector(t, &fakeTailer{})
	at := testNow().Add(-time.Minute)

	if err := d.UpdateLastRequestTime("app.example.com", at); err != nil {
		t.Fatalf("UpdateLastRequestTime: %v", err)
	}

	// A fresh detector sees the file.
	d2 := New(cfg, &fakeTailer{}, testLogger(), clocktesting.NewFakePassiveClock(testNow()))
	got := d2.LastRequestTime(context.Background(), "app.example.com")
	if got == nil || !got.Equal(at) {
		t.Errorf("LastRequestTime = %v, want %v", got, at)
	}
}

func TestReadLegacyEpochTimestampFile(t *testing.T) {
	d, _, cfg := newDetector(t, &fakeTailer{})
	at := testNow().Add(-2 * time.Minute)

	path := filepath.Join(cfg.TimestampDir, timestampFilePrefix+"app.example.com")
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", at.Unix())), 0644); err != nil {
		t.Fatal(err)
	}

	got := d.LastRequestTime(context.Background(), "app.example.com")
	if got == nil || !got.Equal(at) {
		t.Errorf("LastRequestTime = %v, want %v", got, at)
	}
}

func TestSanitizeHostname(t *testing.T) {
	if got := sanitizeHostname("app.example.com"); got != "app.example.com" {
		t.Errorf("clean hostname mangled: %q", got)
	}
	if got := sanitizeHostname("weird/host name"); got != "weird_host_name" {
		t.Errorf("sanitized = %q", got)
	}
}

func TestDetectedHostnames(t *testing.T) {
	now := testNow()
	tailer := &fakeTailer{lines: []string{
		requestLine("app.example.com", "/", "GET", "Mozilla/5.0", now),
		requestLine("kamal-napper.example.com", "/", "GET", "Mozilla/5.0", now),
		requestLine("localhost", "/", "GET", "Mozilla/5.0", now),
	}}
	d, _, _ := newDetector(t, tailer)

	if err := d.UpdateLastRequestTime("blog.example.com", now); err != nil {
		t.Fatal(err)
	}

	hosts := d.DetectedHostnames(context.Background())
	sort.Strings(hosts)
	want := []string{"app.example.com", "blog.example.com"}
	if len(hosts) != len(want) {
		t.Fatalf("hosts = %v, want %v", hosts, want)
	}
	for i := range want {
		if hosts[i] != want[i] {
			t.Fatalf("hosts = %v, want %v", hosts, want)
		}
	}
}

func TestAccessLogFallback(t *testing.T) {
	now := testNow()
	dir := t.TempDir()
	line := fmt.Sprintf(
		"203.0.113.9 - - [%s] \"GET / HTTP/1.1\" 200 512 \"-\" \"Mozilla/5.0\" app.example.com\n",
		now.Add(-10*time.Minute).Format(combinedTimeLayout))
	bot := fmt.Sprintf(
		"203.0.113.9 - - [%s] \"GET / HTTP/1.1\" 200 512 \"-\" \"Googlebot/2.1\" bot.example.com\n",
		now.Add(-10*time.Minute).Format(combinedTimeLayout))
	if err := os.WriteFile(filepath.Join(dir, "proxy.access.log"), []byte(line+bot), 0644); err != nil {
		t.Fatal(err)
	}

	d, _, cfg := newDetector(t, &fakeTailer{err: errors.New("proxy container gone")})
	cfg.AccessLogDir = dir

	if d.LastRequestTime(context.Background(), "app.example.com") == nil {
		t.Error("fallback scan should index the combined-log entry")
	}
	if d.LastRequestTime(context.Background(), "bot.example.com") != nil {
		t.Error("fallback scan should apply the automated filter")
	}
}
