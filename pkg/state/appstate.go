// Package state holds the per-host lifecycle state machine and its
// on-disk persistence.
package state

import (
	"fmt"
	"time"

	"k8s.io/utils/clock"
)

// Status is one of the five lifecycle states of a managed app.
type Status string

const (
	Stopped  Status = "stopped"
	Starting Status = "starting"
	Running  Status = "running"
	Idle     Status = "idle"
	Stopping Status = "stopping"
)

// Statuses lists every valid state tag.
var Statuses = []Status{Stopped, Starting, Running, Idle, Stopping}

// Valid reports whether s is a known state tag.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// allowed is the guarded-transition table. A transition to the same
// state is a no-op and never consults this table.
var allowed = map[Status][]Status{
	Stopped:  {Starting},
	Starting: {Running, Stopped},
	Running:  {Idle, Stopping},
	Idle:     {Starting, Stopping},
	Stopping: {Stopped},
}

// maxHistory bounds the in-memory transition history per app.
const maxHistory = 50

// StateError reports an attempted transition outside the guard table.
type StateError struct {
	Hostname string
	From, To Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for %s", e.From, e.To, e.Hostname)
}

// Transition is one history record.
type Transition struct {
	From   Status    `yaml:"from" json:"from"`
	To     Status    `yaml:"to" json:"to"`
	At     time.Time `yaml:"at" json:"at"`
	Reason string    `yaml:"reason,omitempty" json:"reason,omitempty"`
	Forced bool      `yaml:"forced,omitempty" json:"forced,omitempty"`
}

// App tracks one managed hostname. It is not internally locked; the
// supervisor serializes all access.
type App struct {
	hostname         string
	current          Status
	stateChangedAt   time.Time
	startupStartedAt *time.Time
	history          []Transition
	clock            clock.PassiveClock
}

// NewApp returns an App in Stopped for the given hostname.
func NewApp(hostname string, clk clock.PassiveClock) *App {
	return &App{
		hostname:       hostname,
		current:        Stopped,
		stateChangedAt: clk.Now(),
		clock:          clk,
	}
}

// Hostname returns the immutable host identifier.
func (a *App) Hostname() string { return a.hostname }

// Current returns the current lifecycle state.
func (a *App) Current() Status { return a.current }

// StateChangedAt returns the timestamp of the last transition.
func (a *App) StateChangedAt() time.Time { return a.stateChangedAt }

// StartupStartedAt is non-nil exactly while the app is Starting.
func (a *App) StartupStartedAt() *time.Time {
	if a.startupStartedAt == nil {
		return nil
	}
	t := *a.startupStartedAt
	return &t
}

// History returns a copy of the transition records, oldest first.
func (a *App) History() []Transition {
	out := make([]Transition, len(a.history))
	copy(out, a.history)
	return out
}

// TransitionTo moves the app to the given state if the guard table
// permits it. Transitioning to the current state is a no-op.
func (a *App) TransitionTo(to Status) error {
	if to == a.current {
		return nil
	}
	if !to.Valid() {
		return &StateError{Hostname: a.hostname, From: a.current, To: to}
	}
	for _, next := range allowed[a.current] {
		if next == to {
			a.apply(to, "", false)
			return nil
		}
	}
	return &StateError{Hostname: a.hostname, From: a.current, To: to}
}

// ForceTransitionTo bypasses the guard table. Used for timeouts, sync
// corrections, and restore; the history record carries forced=true and
// the reason.
func (a *App) ForceTransitionTo(to Status, reason string) {
	a.apply(to, reason, true)
}

// Reset forces the app back to Stopped.
func (a *App) Reset() {
	a.ForceTransitionTo(Stopped, "reset")
}

func (a *App) apply(to Status, reason string, forced bool) {
	now := a.clock.Now()
	a.history = append(a.history, Transition{
		From:   a.current,
		To:     to,
		At:     now,
		Reason: reason,
		Forced: forced,
	})
	if excess := len(a.history) - maxHistory; excess > 0 {
		a.history = append(a.history[:0:0], a.history[excess:]...)
	}

	a.current = to
	a.stateChangedAt = now
	if to == Starting {
		t := now
		a.startupStartedAt = &t
	} else {
		a.startupStartedAt = nil
	}
}

// Active reports whether the app is serving traffic (Running or Idle).
func (a *App) Active() bool { return a.current == Running || a.current == Idle }

// Inactive reports whether the app is down or going down.
func (a *App) Inactive() bool { return a.current == Stopped || a.current == Stopping }

// Stable reports whether the app is in a rest state.
func (a *App) Stable() bool {
	return a.current == Stopped || a.current == Running || a.current == Idle
}

// Transitioning reports whether the app is between rest states.
func (a *App) Transitioning() bool { return a.current == Starting || a.current == Stopping }

// Summary is a copyable snapshot of one app, safe to hand to API
// clients without holding the supervisor lock.
type Summary struct {
	Hostname         string     `json:"hostname"`
	State            Status     `json:"state"`
	StateChangedAt   time.Time  `json:"state_changed_at"`
	StartupStartedAt *time.Time `json:"startup_started_at,omitempty"`
	LastRequestAt    *time.Time `json:"last_request_at,omitempty"`
}

// Summary snapshots the app's externally visible fields.
func (a *App) Summary() Summary {
	return Summary{
		Hostname:         a.hostname,
		State:            a.current,
		StateChangedAt:   a.stateChangedAt,
		StartupStartedAt: a.StartupStartedAt(),
	}
}
