// Package health probes managed apps over HTTP.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/justinpaulson/kamal-napper/pkg/config"
)

// Probe overrides the configured port, path, or timeout for a single
// check. Zero values fall back to the config defaults.
type Probe struct {
	Port    int
	Path    string
	Timeout time.Duration
}

// Info is the diagnostic result of one probe.
type Info struct {
	Healthy      bool          `json:"healthy"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	Err          error         `json:"-"`
}

// Checker performs HTTP health checks against app hostnames.
type Checker struct {
	cfg    *config.Config
	client *http.Client
	log    *zap.SugaredLogger
	clock  clock.PassiveClock
}

// NewChecker returns a Checker using the configured port, path, and
// timeout defaults.
func NewChecker(cfg *config.Config, log *zap.SugaredLogger, clk clock.PassiveClock) *Checker {
	return &Checker{
		cfg: cfg,
		// Timeouts are applied per request via context so a Probe can
		// override them. Redirects are not followed: any status below
		// 400 is proof of life on its own.
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:   log,
		clock: clk,
	}
}

// Healthy reports whether the host answers its health endpoint with a
// status below 400 within the timeout. Every failure mode, refused
// connection, DNS error, timeout, 5xx, maps to false.
func (c *Checker) Healthy(ctx context.Context, host string) bool {
	return c.Info(ctx, host, Probe{}).Healthy
}

// HealthyOn is Healthy with per-call overrides.
func (c *Checker) HealthyOn(ctx context.Context, host string, p Probe) bool {
	return c.Info(ctx, host, p).Healthy
}

// Info probes the host and returns diagnostics alongside the verdict.
func (c *Checker) Info(ctx context.Context, host string, p Probe) Info {
	port := p.Port
	if port == 0 {
		port = c.cfg.HealthCheckPort
	}
	path := p.Path
	if path == "" {
		path = c.cfg.HealthCheckPath
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = c.cfg.HealthCheckTimeout()
	}

	url := fmt.Sprintf("http://%s:%d%s", host, port, path)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.clock.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Info{Err: err}
	}

	resp, err := c.client.Do(req)
	elapsed := c.clock.Now().Sub(start)
	if err != nil {
		c.log.Debugw("health check failed", "host", host, "url", url, "error", err)
		return Info{ResponseTime: elapsed, Err: err}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode < 400
	if !healthy {
		c.log.Debugw("health check unhealthy status", "host", host, "status", resp.StatusCode)
	}
	return Info{Healthy: healthy, StatusCode: resp.StatusCode, ResponseTime: elapsed}
}

var errAttemptsExhausted = errors.New("health attempts exhausted")

// WaitForHealth polls the host at a fixed delay until it is healthy or
// attempts are exhausted. The first probe fires immediately.
func (c *Checker) WaitForHealth(ctx context.Context, host string, attempts int, delay time.Duration) bool {
	remaining := attempts
	err := wait.PollUntilContextCancel(ctx, delay, true, func(ctx context.Context) (bool, error) {
		if c.Healthy(ctx, host) {
			return true, nil
		}
		remaining--
		if remaining <= 0 {
			return false, errAttemptsExhausted
		}
		return false, nil
	})
	return err == nil
}
