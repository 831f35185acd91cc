// Package detector derives the set of managed hostnames and their most
// recent request timestamps from the reverse proxy's logs, plain-text
// access logs, and out-of-band timestamp files.
package detector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/justinpaulson/kamal-napper/pkg/config"
)

// ProxyLogTailer supplies the last n lines of the proxy container's
// stdout log. The runner implements it; tests substitute fixtures.
type ProxyLogTailer interface {
	TailProxyLog(ctx context.Context, n int) ([]string, error)
}

const (
	// proxyLogLines bounds one scan of the proxy log.
	proxyLogLines = 1000

	// scanHorizon stops a scan once entries get this old; the log is
	// chronological, so everything before is older still.
	scanHorizon = time.Hour

	// timestampFilePrefix names the per-host out-of-band timestamp
	// files inside the timestamp directory.
	timestampFilePrefix = "last_request_"
)

// proxyRecord is one JSON line of the proxy's request log.
type proxyRecord struct {
	Time      time.Time `json:"time"`
	Msg       string    `json:"msg"`
	Host      string    `json:"host"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	UserAgent string    `json:"user_agent"`
}

// requestMsg marks proxy log records that represent proxied requests.
const requestMsg = "Request"

var (
	healthPathRe = regexp.MustCompile(`^/(health|status|ping|ready|alive)/?$`)
	botAgentRe   = regexp.MustCompile(`(?i)(bot|crawler|spider|scraper|google|bing|yahoo|baidu|uptimerobot|pingdom|monitor|check|scan|probe)`)
)

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// automated reports whether a request is machine traffic that must not
// keep an app awake.
func automated(method, path, userAgent string) bool {
	if healthPathRe.MatchString(path) {
		return true
	}
	if strings.HasPrefix(path, acmeChallengePrefix) {
		return true
	}
	if userAgent == "" {
		return true
	}
	if method == "HEAD" {
		return true
	}
	return botAgentRe.MatchString(userAgent)
}

// Detector tracks per-host last-request times. Scans never fail loudly:
// an unreadable source is logged (at debug or warn level) and
// contributes nothing.
type Detector struct {
	cfg    *config.Config
	log    *zap.SugaredLogger
	clock  clock.PassiveClock
	tailer ProxyLogTailer

	mu         sync.Mutex
	index      map[string]time.Time
	lastScanAt time.Time
}

// New returns a Detector reading the proxy log through tailer.
func New(cfg *config.Config, tailer ProxyLogTailer, log *zap.SugaredLogger, clk clock.PassiveClock) *Detector {
	return &Detector{
		cfg:    cfg,
		log:    log,
		clock:  clk,
		tailer: tailer,
		index:  make(map[string]time.Time),
	}
}

// LastRequestTime returns the most recent request timestamp known for
// host from any source, or nil when none has been observed.
func (d *Detector) LastRequestTime(ctx context.Context, host string) *time.Time {
	d.scan(ctx)

	d.mu.Lock()
	best, ok := d.index[host]
	d.mu.Unlock()

	if fromFile := d.readTimestampFile(host); fromFile != nil {
		if !ok || fromFile.After(best) {
			best, ok = *fromFile, true
		}
	}
	if !ok {
		return nil
	}
	return &best
}

// RecentRequests reports whether host has seen user traffic within the
// window. A non-positive window falls back to the idle timeout.
func (d *Detector) RecentRequests(ctx context.Context, host string, within time.Duration) bool {
	if within <= 0 {
		within = d.cfg.IdleTimeout()
	}
	last := d.LastRequestTime(ctx, host)
	if last == nil {
		return false
	}
	return d.clock.Now().Sub(*last) < within
}

// DetectedHostnames returns every managed hostname seen in logs,
// timestamp files, or the in-memory index.
func (d *Detector) DetectedHostnames(ctx context.Context) []string {
	d.scan(ctx)

	seen := make(map[string]bool)
	d.mu.Lock()
	for host := range d.index {
		seen[host] = true
	}
	d.mu.Unlock()

	for _, host := range d.timestampFileHosts() {
		seen[host] = true
	}

	hosts := make([]string, 0, len(seen))
	for host := range seen {
		if d.Managed(host) {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// UpdateLastRequestTime records an out-of-band observation for host,
// updating both the cache and the timestamp file.
func (d *Detector) UpdateLastRequestTime(host string, t time.Time) error {
	d.mu.Lock()
	if existing, ok := d.index[host]; !ok || t.After(existing) {
		d.index[host] = t
	}
	d.mu.Unlock()

	if err := os.MkdirAll(d.cfg.TimestampDir, 0755); err != nil {
		return err
	}
	path := d.timestampPath(host)
	return os.WriteFile(path, []byte(t.UTC().Format(time.RFC3339)+"\n"), 0644)
}

// scan refreshes the index from the proxy log, falling back to
// plain-text access logs when the proxy is unreachable. Scans are
// rate-limited to one per poll interval; the tick triggers at most one
// real read however many hosts it manages.
func (d *Detector) scan(ctx context.Context) {
	now := d.clock.Now()

	d.mu.Lock()
	if !d.lastScanAt.IsZero() && now.Sub(d.lastScanAt) < d.cfg.PollInterval() {
		d.mu.Unlock()
		return
	}
	d.lastScanAt = now
	d.mu.Unlock()

	lines, err := d.tailer.TailProxyLog(ctx, proxyLogLines)
	if err != nil {
		d.log.Debugw("proxy log unavailable, using access-log fallback", "error", err)
		d.scanAccessLogs(now)
		return
	}
	d.scanProxyLines(lines, now)
}

func (d *Detector) scanProxyLines(lines []string, now time.Time) {
	horizon := now.Add(-scanHorizon)

	// Newest entries are at the end; the log is chronological, so the
	// first too-old record ends the scan.
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		start := strings.IndexByte(line, '{')
		if start < 0 {
			continue
		}

		var rec proxyRecord
		if err := json.Unmarshal([]byte(line[start:]), &rec); err != nil {
			continue
		}
		if rec.Msg != requestMsg || rec.Host == "" || rec.Time.IsZero() {
			continue
		}
		if rec.Time.Before(horizon) {
			break
		}
		if automated(rec.Method, rec.Path, rec.UserAgent) {
			continue
		}
		d.observe(rec.Host, rec.Time)
	}
}

func (d *Detector) observe(host string, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.index[host]; !ok || t.After(existing) {
		d.index[host] = t
	}
}

// ─── Timestamp files ────────────────────────────────────────────────────────

// sanitizeHostname maps a hostname onto a filesystem-safe token.
// Letters, digits, dots, and dashes pass through; anything else
// becomes an underscore.
func sanitizeHostname(host string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, host)
}

func (d *Detector) timestampPath(host string) string {
	return filepath.Join(d.cfg.TimestampDir, timestampFilePrefix+sanitizeHostname(host))
}

func (d *Detector) readTimestampFile(host string) *time.Time {
	raw, err := os.ReadFile(d.timestampPath(host))
	if err != nil {
		return nil
	}
	body := strings.TrimSpace(string(raw))

	if t, err := time.Parse(time.RFC3339, body); err == nil {
		return &t
	}
	// Legacy files store epoch seconds.
	if secs, err := strconv.ParseInt(body, 10, 64); err == nil {
		t := time.Unix(secs, 0).UTC()
		return &t
	}
	d.log.Debugw("unparseable timestamp file", "host", host)
	return nil
}

func (d *Detector) timestampFileHosts() []string {
	entries, err := os.ReadDir(d.cfg.TimestampDir)
	if err != nil {
		return nil
	}
	var hosts []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, timestampFilePrefix) {
			continue
		}
		hosts = append(hosts, strings.TrimPrefix(name, timestampFilePrefix))
	}
	return hosts
}
