package supervisor

import (
	"context"
	"time"

	"github.com/justinpaulson/kamal-napper/pkg/state"
)

// Snapshot is a deep-copied view of the supervisor for API clients.
type Snapshot struct {
	Running             bool                     `json:"running"`
	StartedAt           *time.Time               `json:"started_at,omitempty"`
	AppCount            int                      `json:"app_count"`
	PollIntervalSeconds int                      `json:"poll_interval"`
	Apps                map[string]state.Summary `json:"apps"`
}

// Status returns a consistent snapshot without exposing live state.
func (s *Supervisor) Status(ctx context.Context) Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:             s.running,
		AppCount:            len(s.apps),
		PollIntervalSeconds: s.cfg.PollIntervalSeconds,
		Apps:                make(map[string]state.Summary, len(s.apps)),
	}
	if s.running {
		at := s.startedAt
		snap.StartedAt = &at
	}
	for host, app := range s.apps {
		snap.Apps[host] = app.Summary()
	}
	s.mu.Unlock()

	// Last-request times come from the detector's cache and timestamp
	// files; read outside the lock.
	for host, summary := range snap.Apps {
		if last := s.detector.LastRequestTime(ctx, host); last != nil {
			summary.LastRequestAt = last
			snap.Apps[host] = summary
		}
	}
	return snap
}

// LogStatus dumps the current snapshot to the log; wired to SIGUSR1.
func (s *Supervisor) LogStatus(ctx context.Context) {
	snap := s.Status(ctx)
	s.log.Infow("status dump", "running", snap.Running, "app_count", snap.AppCount)
	for host, app := range snap.Apps {
		s.log.Infow("status dump: app",
			"host", host,
			"state", app.State,
			"state_changed_at", app.StateChangedAt,
			"last_request_at", app.LastRequestAt)
	}
}

// WakeApp starts a Stopped app on demand. Returns true when the app
// moved to Starting; any other input state is a no-op returning false.
func (s *Supervisor) WakeApp(ctx context.Context, host string) bool {
	s.mu.Lock()
	app := s.apps[host]
	if app == nil || app.Current() != state.Stopped {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if err := s.startApp(ctx, host); err != nil {
		s.log.Errorw("wake failed", "host", host, "error", err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	app = s.apps[host]
	return app != nil && app.Current() == state.Starting
}

// SleepApp forces the idle -> stopping path for an active app. Returns
// false when the host is unknown or not active.
func (s *Supervisor) SleepApp(ctx context.Context, host string) bool {
	s.mu.Lock()
	app := s.apps[host]
	if app == nil || !app.Active() {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if err := s.stopApp(ctx, host); err != nil {
		s.log.Errorw("sleep failed", "host", host, "error", err)
		return false
	}
	return true
}

// StopAllApps puts every active app to sleep and returns how many were
// acted upon.
func (s *Supervisor) StopAllApps(ctx context.Context) int {
	count := 0
	for _, host := range s.hostnames() {
		if s.SleepApp(ctx, host) {
			count++
		}
	}
	if count > 0 {
		s.log.Infow("stopped all active apps", "count", count)
	}
	return count
}

// AddApp registers a host explicitly. Returns false for hostnames the
// daemon would never manage or that already exist.
func (s *Supervisor) AddApp(host string) bool {
	if !s.detector.Managed(host) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apps[host]; exists {
		return false
	}
	s.apps[host] = state.NewApp(host, s.clock)
	s.log.Infow("app added", "host", host)
	return true
}

// RemoveApp stops a host if active, then drops it from the map and the
// persisted snapshot. Returns false for unknown hosts.
func (s *Supervisor) RemoveApp(ctx context.Context, host string) bool {
	s.mu.Lock()
	app := s.apps[host]
	s.mu.Unlock()
	if app == nil {
		return false
	}

	s.SleepApp(ctx, host)

	s.mu.Lock()
	delete(s.apps, host)
	s.mu.Unlock()
	s.log.Infow("app removed", "host", host)

	s.persist()
	return true
}
