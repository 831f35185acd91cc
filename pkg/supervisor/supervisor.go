// Package supervisor runs the control loop that discovers managed
// hosts, advances each host's lifecycle state machine, and persists the
// result every tick.
package supervisor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/justinpaulson/kamal-napper/pkg/config"
	"github.com/justinpaulson/kamal-napper/pkg/runner"
	"github.com/justinpaulson/kamal-napper/pkg/state"
)

// TrafficSource is the detector surface the supervisor consumes.
type TrafficSource interface {
	RecentRequests(ctx context.Context, host string, within time.Duration) bool
	DetectedHostnames(ctx context.Context) []string
	LastRequestTime(ctx context.Context, host string) *time.Time
	Managed(host string) bool
}

// HealthChecker probes one host.
type HealthChecker interface {
	Healthy(ctx context.Context, host string) bool
}

// AppRunner issues container and proxy commands.
type AppRunner interface {
	StartApp(ctx context.Context, host string) (bool, error)
	StopApp(ctx context.Context, host string) (bool, error)
	ForceStopApp(ctx context.Context, host string)
	EnableMaintenance(ctx context.Context, host string)
	DisableMaintenance(ctx context.Context, host string)
	DiscoverApps(ctx context.Context) (map[string]runner.AppInfo, error)
}

// Persister stores and reloads the app map.
type Persister interface {
	Save(map[string]*state.App) error
	Load() (map[string]*state.App, error)
}

// Transition reasons recorded by the supervisor's forced paths.
const (
	reasonInitialSync    = "initial_state_sync"
	reasonSyncCorrection = "state_sync_correction"
	reasonStartupTimeout = "startup_timeout"
	reasonStopTimeout    = "stop_timeout"
)

// stopTimeout bounds how long a Stopping app may stay healthy before
// its container is force-killed.
const stopTimeout = 30 * time.Second

// syncSampleRate is the per-tick chance a host gets a state-sync probe.
const syncSampleRate = 5

// Supervisor owns the authoritative host -> App map. A single mutex
// guards the map and every App in it, for the tick and for every
// external mutation alike. It is held only around map and state access,
// never across health probes, runner commands, or persistence writes.
type Supervisor struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	clock    clock.WithTicker
	detector TrafficSource
	health   HealthChecker
	runner   AppRunner
	store    Persister

	// sampler gates the state-sync probe; injectable for tests.
	sampler func() bool

	mu        sync.Mutex
	apps      map[string]*state.App
	running   bool
	startedAt time.Time
}

// New builds a Supervisor and restores any persisted apps.
func New(cfg *config.Config, det TrafficSource, hc HealthChecker, run AppRunner, store Persister,
	log *zap.SugaredLogger, clk clock.WithTicker) (*Supervisor, error) {

	apps, err := store.Load()
	if err != nil {
		log.Warnw("loading persisted state failed, starting fresh", "error", err)
		apps = make(map[string]*state.App)
	}
	if len(apps) > 0 {
		log.Infow("restored apps from disk", "count", len(apps))
	}

	return &Supervisor{
		cfg:      cfg,
		log:      log,
		clock:    clk,
		detector: det,
		health:   hc,
		runner:   run,
		store:    store,
		sampler:  func() bool { return rand.Intn(syncSampleRate) == 0 },
		apps:     apps,
	}, nil
}

// Run executes the control loop until ctx is cancelled. The in-flight
// tick always completes, and state is persisted once more on the way
// out.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	s.log.Infow("supervisor started",
		"poll_interval", s.cfg.PollInterval(),
		"idle_timeout", s.cfg.IdleTimeout())

	ticker := s.clock.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		s.Tick(ctx)

		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C():
		}
	}
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	s.running = false
	apps := s.snapshotApps()
	s.mu.Unlock()

	if err := s.store.Save(apps); err != nil {
		s.log.Errorw("persisting state on shutdown failed", "error", err)
	}
	s.log.Info("supervisor stopped")
}

// Tick runs one iteration: discovery, per-host management, persistence.
// Failures are contained per phase and per host; a tick never aborts
// the loop.
func (s *Supervisor) Tick(ctx context.Context) {
	s.discover(ctx)

	for _, host := range s.hostnames() {
		s.manageApp(ctx, host)
	}

	s.persist()
}

func (s *Supervisor) hostnames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := make([]string, 0, len(s.apps))
	for host := range s.apps {
		hosts = append(hosts, host)
	}
	return hosts
}

func (s *Supervisor) snapshotApps() map[string]*state.App {
	apps := make(map[string]*state.App, len(s.apps))
	for host, app := range s.apps {
		apps[host] = app
	}
	return apps
}

// discover unions detector and runtime hostnames, filters them, and
// registers any new ones. A freshly seen host that is already healthy
// joins as Running rather than Stopped.
func (s *Supervisor) discover(ctx context.Context) {
	seen := make(map[string]bool)
	for _, host := range s.detector.DetectedHostnames(ctx) {
		seen[host] = true
	}
	if discovered, err := s.runner.DiscoverApps(ctx); err != nil {
		s.log.Warnw("container discovery failed", "error", err)
	} else {
		for host := range discovered {
			seen[host] = true
		}
	}

	for host := range seen {
		if !s.detector.Managed(host) {
			continue
		}
		s.mu.Lock()
		_, known := s.apps[host]
		s.mu.Unlock()
		if known {
			continue
		}

		healthy := s.health.Healthy(ctx, host)

		s.mu.Lock()
		if _, raced := s.apps[host]; !raced {
			app := state.NewApp(host, s.clock)
			if healthy {
				app.ForceTransitionTo(state.Running, reasonInitialSync)
			}
			s.apps[host] = app
			s.log.Infow("discovered app", "host", host, "state", app.Current())
		}
		s.mu.Unlock()
	}
}

// manageApp runs the sampled state sync and then advances the state
// machine for one host. Errors reset the host and never escape.
func (s *Supervisor) manageApp(ctx context.Context, host string) {
	if s.sampler() {
		if corrected := s.syncState(ctx, host); corrected {
			// The correction already moved the app this tick; advancing
			// on top would react to a state only one tick old.
			return
		}
	}

	if err := s.advance(ctx, host); err != nil {
		s.log.Errorw("advancing app failed, resetting", "host", host, "error", err)
		s.mu.Lock()
		if app := s.apps[host]; app != nil {
			app.Reset()
		}
		s.mu.Unlock()
	}
}

// syncState reconciles tracked state with observed container liveness.
// Returns true when a correction was applied.
func (s *Supervisor) syncState(ctx context.Context, host string) bool {
	healthy := s.health.Healthy(ctx, host)

	s.mu.Lock()
	defer s.mu.Unlock()
	app := s.apps[host]
	if app == nil {
		return false
	}

	switch {
	case healthy && !app.Active():
		s.log.Warnw("state sync: container healthy but tracked inactive",
			"host", host, "tracked", app.Current())
		app.ForceTransitionTo(state.Running, reasonSyncCorrection)
		return true
	case !healthy && app.Active():
		s.log.Warnw("state sync: container unhealthy but tracked active",
			"host", host, "tracked", app.Current())
		app.ForceTransitionTo(state.Stopped, reasonSyncCorrection)
		return true
	}
	return false
}

// advance applies the transition table for one host.
func (s *Supervisor) advance(ctx context.Context, host string) error {
	s.mu.Lock()
	app := s.apps[host]
	if app == nil {
		s.mu.Unlock()
		return nil
	}
	current := app.Current()
	changedAt := app.StateChangedAt()
	startedAt := app.StartupStartedAt()
	s.mu.Unlock()

	now := s.clock.Now()

	switch current {
	case state.Stopped:
		if s.detector.RecentRequests(ctx, host, s.cfg.IdleTimeout()) {
			return s.startApp(ctx, host)
		}

	case state.Starting:
		if s.health.Healthy(ctx, host) {
			if err := s.transition(host, state.Running); err != nil {
				return err
			}
			s.runner.DisableMaintenance(ctx, host)
			s.log.Infow("app is up", "host", host)
			return nil
		}
		if startedAt != nil && now.Sub(*startedAt) >= s.cfg.StartupTimeout() {
			s.log.Warnw("startup timed out", "host", host, "timeout", s.cfg.StartupTimeout())
			s.force(host, state.Stopped, reasonStartupTimeout)
			s.runner.DisableMaintenance(ctx, host)
		}

	case state.Running:
		if !s.detector.RecentRequests(ctx, host, s.cfg.IdleTimeout()) {
			return s.transition(host, state.Idle)
		}

	case state.Idle:
		if s.detector.RecentRequests(ctx, host, s.cfg.IdleTimeout()) {
			return s.transition(host, state.Running)
		}
		if now.Sub(changedAt) >= s.cfg.IdleTimeout() {
			return s.stopApp(ctx, host)
		}

	case state.Stopping:
		if !s.health.Healthy(ctx, host) {
			return s.transition(host, state.Stopped)
		}
		if now.Sub(changedAt) > stopTimeout {
			s.log.Warnw("app still healthy after stop, force killing", "host", host)
			s.runner.ForceStopApp(ctx, host)
			s.force(host, state.Stopped, reasonStopTimeout)
		}
	}
	return nil
}

// startApp is the Stopped -> Starting side-effect path: maintenance on,
// container started, state advanced. A failed or impossible start
// leaves the host Stopped with maintenance off.
func (s *Supervisor) startApp(ctx context.Context, host string) error {
	s.log.Infow("traffic detected, waking app", "host", host)
	s.runner.EnableMaintenance(ctx, host)

	started, err := s.runner.StartApp(ctx, host)
	if err != nil {
		s.log.Errorw("starting app failed", "host", host, "error", err)
		s.runner.DisableMaintenance(ctx, host)
		return nil
	}
	if !started {
		s.log.Warnw("no container available to start", "host", host)
		s.runner.DisableMaintenance(ctx, host)
		return nil
	}

	return s.transition(host, state.Starting)
}

// stopApp is the Idle -> Stopping side-effect path. A stop command
// that exhausts its retries falls back to a force kill.
func (s *Supervisor) stopApp(ctx context.Context, host string) error {
	s.log.Infow("idle timeout reached, stopping app", "host", host)
	if err := s.transition(host, state.Stopping); err != nil {
		return err
	}

	if _, err := s.runner.StopApp(ctx, host); err != nil {
		s.log.Errorw("stopping app failed, force killing", "host", host, "error", err)
		s.runner.ForceStopApp(ctx, host)
	}
	return nil
}

func (s *Supervisor) transition(host string, to state.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app := s.apps[host]
	if app == nil {
		return nil
	}
	return app.TransitionTo(to)
}

func (s *Supervisor) force(host string, to state.Status, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app := s.apps[host]; app != nil {
		app.ForceTransitionTo(to, reason)
	}
}

func (s *Supervisor) persist() {
	s.mu.Lock()
	apps := s.snapshotApps()
	s.mu.Unlock()

	if err := s.store.Save(apps); err != nil {
		s.log.Errorw("persisting state failed", "error", err)
	}
}
