// Package runner executes container-runtime and proxy commands for
// managed apps: start/stop by service label, force kill, proxy
// maintenance toggles, and proxy log tails.
package runner

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/justinpaulson/kamal-napper/pkg/config"
)

// CommandError reports an external command that failed every attempt.
type CommandError struct {
	Command  string
	Attempts int
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed after %d attempts: %v", e.Command, e.Attempts, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// runCommandFunc executes one command and returns its combined output.
// Injected in tests.
type runCommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed != "" {
			return out, fmt.Errorf("%w: %s", err, trimmed)
		}
		return out, err
	}
	return out, nil
}

// Runner drives the container runtime and the proxy for managed hosts.
type Runner struct {
	cfg   *config.Config
	log   *zap.SugaredLogger
	clock clock.Clock
	run   runCommandFunc
}

// New returns a Runner using the configured docker binary.
func New(cfg *config.Config, log *zap.SugaredLogger, clk clock.Clock) *Runner {
	return &Runner{cfg: cfg, log: log, clock: clk, run: runCommand}
}

// ServiceName derives the container-runtime service label from a host:
// its first dot-separated component.
func ServiceName(host string) string {
	if idx := strings.IndexByte(host, '.'); idx > 0 {
		return host[:idx]
	}
	return host
}

// ExecuteWithRetry runs argv until it exits zero, retrying transient
// failures with an exponential pause of 2^attempt seconds. After
// max_retries+1 attempts it returns a CommandError.
func (r *Runner) ExecuteWithRetry(ctx context.Context, argv ...string) ([]byte, error) {
	attempts := r.cfg.MaxRetries + 1
	cmdline := strings.Join(argv, " ")

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		out, err := r.run(ctx, argv[0], argv[1:]...)
		if err == nil {
			return out, nil
		}
		lastErr = err
		r.log.Warnw("command attempt failed",
			"command", cmdline, "attempt", attempt, "of", attempts, "error", err)

		if attempt < attempts {
			r.clock.Sleep(time.Duration(1<<uint(attempt)) * time.Second)
		}
	}
	return nil, &CommandError{Command: cmdline, Attempts: attempts, Err: lastErr}
}

// containerRecord is one line of `docker ps --format {{json .}}`.
type containerRecord struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	State  string `json:"State"`
	Labels string `json:"Labels"`
}

func parseLabels(raw string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		if k, v, ok := strings.Cut(pair, "="); ok {
			labels[k] = v
		}
	}
	return labels
}

// containersForService lists all containers (any state) carrying the
// service label.
func (r *Runner) containersForService(ctx context.Context, service string) ([]containerRecord, error) {
	out, err := r.ExecuteWithRetry(ctx, r.cfg.DockerPath,
		"ps", "-a",
		"--filter", "label=service="+service,
		"--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	return parseContainerList(out), nil
}

// StartApp starts the first stopped container for the host's service.
// It returns false when no candidate container exists.
func (r *Runner) StartApp(ctx context.Context, host string) (bool, error) {
	service := ServiceName(host)
	containers, err := r.containersForService(ctx, service)
	if err != nil {
		return false, err
	}

	for _, c := range containers {
		if c.State != "exited" && c.State != "created" {
			continue
		}
		r.log.Infow("starting app container", "host", host, "service", service, "container", c.Names)
		if _, err := r.ExecuteWithRetry(ctx, r.cfg.DockerPath, "start", c.Names); err != nil {
			return false, err
		}
		return true, nil
	}

	r.log.Warnw("no startable container found", "host", host, "service", service)
	return false, nil
}

// StopApp stops the first running container for the host's service.
// It returns false when no running container exists.
func (r *Runner) StopApp(ctx context.Context, host string) (bool, error) {
	service := ServiceName(host)
	containers, err := r.containersForService(ctx, service)
	if err != nil {
		return false, err
	}

	for _, c := range containers {
		if c.State != "running" {
			continue
		}
		r.log.Infow("stopping app container", "host", host, "service", service, "container", c.Names)
		if _, err := r.ExecuteWithRetry(ctx, r.cfg.DockerPath, "stop", c.Names); err != nil {
			return false, err
		}
		return true, nil
	}

	r.log.Warnw("no running container found", "host", host, "service", service)
	return false, nil
}

// ForceStopApp hard-kills the host's container. Failure is tolerated:
// the container may already be gone.
func (r *Runner) ForceStopApp(ctx context.Context, host string) {
	service := ServiceName(host)
	containers, err := r.containersForService(ctx, service)
	if err != nil {
		r.log.Errorw("force stop: listing containers failed", "host", host, "error", err)
		return
	}

	for _, c := range containers {
		if c.State != "running" {
			continue
		}
		if _, err := r.run(ctx, r.cfg.DockerPath, "kill", c.Names); err != nil {
			r.log.Errorw("force stop failed", "host", host, "container", c.Names, "error", err)
		} else {
			r.log.Warnw("force-killed container", "host", host, "container", c.Names)
		}
		return
	}
	r.log.Debugw("force stop: no running container", "host", host, "service", service)
}

// maintenanceMessage is shown by the proxy while an app is waking.
const maintenanceMessage = "Application is starting, please wait..."

// EnableMaintenance puts the host's service into the proxy's
// maintenance mode. Errors are logged, never returned; maintenance is
// best-effort by design.
func (r *Runner) EnableMaintenance(ctx context.Context, host string) {
	service := ServiceName(host)
	_, err := r.ExecuteWithRetry(ctx, r.cfg.DockerPath,
		"exec", r.cfg.ProxyContainerName,
		"kamal-proxy", "stop", service, "--message", maintenanceMessage)
	if err != nil {
		r.log.Errorw("enabling maintenance failed", "host", host, "service", service, "error", err)
		return
	}
	r.log.Infow("maintenance enabled", "host", host, "service", service)
}

// DisableMaintenance resumes normal proxying for the host's service.
func (r *Runner) DisableMaintenance(ctx context.Context, host string) {
	service := ServiceName(host)
	_, err := r.ExecuteWithRetry(ctx, r.cfg.DockerPath,
		"exec", r.cfg.ProxyContainerName,
		"kamal-proxy", "resume", service)
	if err != nil {
		r.log.Errorw("disabling maintenance failed", "host", host, "service", service, "error", err)
		return
	}
	r.log.Infow("maintenance disabled", "host", host, "service", service)
}

// TailProxyLog returns the last n lines of the proxy container's log.
func (r *Runner) TailProxyLog(ctx context.Context, n int) ([]string, error) {
	out, err := r.run(ctx, r.cfg.DockerPath,
		"logs", "--tail", fmt.Sprintf("%d", n), r.cfg.ProxyContainerName)
	if err != nil {
		return nil, fmt.Errorf("tailing proxy log: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}
