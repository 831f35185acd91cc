package detector

import (
	"bufio"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// combinedLogRe is Combined Log Format with an optional trailing vhost
// field, as some proxies append:
//
//	1.2.3.4 - - [02/Jun/2025:10:00:00 +0000] "GET / HTTP/1.1" 200 512 "-" "Mozilla/5.0" app.example.com
var combinedLogRe = regexp.MustCompile(
	`^(\S+) \S+ \S+ \[([^\]]+)\] "(\S+) (\S+) [^"]*" \d{3} \S+(?: "[^"]*" "([^"]*)")?(?: (\S+))?\s*$`)

const combinedTimeLayout = "02/Jan/2006:15:04:05 -0700"

// scanAccessLogs reads plain-text access logs from the configured
// directory. Used only when the proxy container's log is unreachable.
func (d *Detector) scanAccessLogs(now time.Time) {
	dir := d.cfg.AccessLogDir
	if dir == "" {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		d.log.Warnw("access log directory unreadable", "dir", dir, "error", err)
		return
	}

	horizon := now.Add(-scanHorizon)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		d.scanAccessLogFile(filepath.Join(dir, e.Name()), horizon)
	}
}

func (d *Detector) scanAccessLogFile(path string, horizon time.Time) {
	f, err := os.Open(path)
	if err != nil {
		d.log.Debugw("access log unreadable", "path", path, "error", err)
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := combinedLogRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}

		ts, err := time.Parse(combinedTimeLayout, m[2])
		if err != nil || ts.Before(horizon) {
			continue
		}

		method, target, userAgent, vhost := m[3], m[4], m[5], m[6]

		host := vhost
		if host == "" {
			// Proxied requests sometimes log an absolute URL target.
			if u, err := url.Parse(target); err == nil && u.Host != "" {
				host = u.Hostname()
			}
		}
		if host == "" {
			continue
		}
		if automated(method, pathOf(target), userAgent) {
			continue
		}
		d.observe(host, ts)
	}
	if err := scanner.Err(); err != nil {
		d.log.Debugw("access log scan aborted", "path", path, "error", err)
	}
}

func pathOf(target string) string {
	if u, err := url.Parse(target); err == nil && u.Path != "" {
		return u.Path
	}
	return target
}
