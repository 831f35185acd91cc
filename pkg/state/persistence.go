package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"
)

const (
	// StateFileName is the canonical snapshot filename inside the
	// state directory.
	StateFileName = "state.yml"

	// snapshotVersion tags the on-disk schema.
	snapshotVersion = "1"

	// persistedHistory bounds how many history records each app keeps
	// on disk.
	persistedHistory = 10
)

// RestoredReason annotates forced transitions applied while rebuilding
// apps from a snapshot.
const RestoredReason = "restored_from_disk"

type persistedApp struct {
	CurrentState     Status       `yaml:"current_state"`
	StateChangedAt   time.Time    `yaml:"state_changed_at"`
	StartupStartedAt *time.Time   `yaml:"startup_started_at,omitempty"`
	History          []Transition `yaml:"history,omitempty"`
}

type snapshot struct {
	SavedAt time.Time               `yaml:"saved_at"`
	Version string                  `yaml:"version"`
	States  map[string]persistedApp `yaml:"states"`
}

// Store persists the full app map to <dir>/state.yml. Writes go to a
// temp file in the same directory and are renamed into place, so a
// crash mid-save never corrupts the previous snapshot.
type Store struct {
	dir   string
	log   *zap.SugaredLogger
	clock clock.PassiveClock
}

// NewStore returns a Store rooted at dir, creating dir if needed.
func NewStore(dir string, log *zap.SugaredLogger, clk clock.PassiveClock) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating state directory %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log, clock: clk}, nil
}

func (s *Store) path() string { return filepath.Join(s.dir, StateFileName) }

// Save writes a snapshot of all apps. History is truncated to the most
// recent records per app.
func (s *Store) Save(apps map[string]*App) error {
	snap := snapshot{
		SavedAt: s.clock.Now(),
		Version: snapshotVersion,
		States:  make(map[string]persistedApp, len(apps)),
	}
	for host, app := range apps {
		history := app.History()
		if len(history) > persistedHistory {
			history = history[len(history)-persistedHistory:]
		}
		snap.States[host] = persistedApp{
			CurrentState:     app.Current(),
			StateChangedAt:   app.StateChangedAt(),
			StartupStartedAt: app.StartupStartedAt(),
			History:          history,
		}
	}

	raw, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshaling state snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".state-*.yml")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing state snapshot: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod state snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing state snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path()); err != nil {
		return fmt.Errorf("renaming state snapshot into place: %w", err)
	}
	return nil
}

// Load reads the snapshot and rebuilds the app map. A missing file
// yields an empty map. A corrupt file is moved aside to
// state.yml.backup.<epoch> and also yields an empty map; the daemon
// starts fresh rather than refusing to boot.
func (s *Store) Load() (map[string]*App, error) {
	raw, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return map[string]*App{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state snapshot: %w", err)
	}

	var snap snapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		s.log.Warnw("state file is corrupt, moving aside", "path", s.path(), "error", err)
		s.backupCorrupt()
		return map[string]*App{}, nil
	}

	apps := make(map[string]*App, len(snap.States))
	for host, p := range snap.States {
		if !p.CurrentState.Valid() {
			s.log.Warnw("state file has unknown state tag, moving aside",
				"path", s.path(), "host", host, "state", p.CurrentState)
			s.backupCorrupt()
			return map[string]*App{}, nil
		}
		apps[host] = s.restore(host, p)
	}
	return apps, nil
}

// restore rebuilds one App: a forced transition into the persisted
// state (so the bypass is visible in history), then timestamps set back
// verbatim.
func (s *Store) restore(host string, p persistedApp) *App {
	app := NewApp(host, s.clock)
	app.ForceTransitionTo(p.CurrentState, RestoredReason)
	marker := app.history[len(app.history)-1]

	app.stateChangedAt = p.StateChangedAt
	if app.current == Starting && p.StartupStartedAt != nil {
		t := *p.StartupStartedAt
		app.startupStartedAt = &t
	}
	if len(p.History) > 0 {
		app.history = append(append([]Transition{}, p.History...), marker)
	}
	return app
}

func (s *Store) backupCorrupt() {
	backup := fmt.Sprintf("%s.backup.%d", s.path(), s.clock.Now().Unix())
	if err := os.Rename(s.path(), backup); err != nil {
		s.log.Errorw("failed to move corrupt state file", "path", s.path(), "error", err)
	}
}

// CleanupBackups deletes the oldest corrupt-file backups, keeping at
// most keep of them.
func (s *Store) CleanupBackups(keep int) error {
	entries, err := filepath.Glob(s.path() + ".backup.*")
	if err != nil {
		return err
	}
	if len(entries) <= keep {
		return nil
	}

	// Backup names embed the epoch; sort oldest first.
	sort.Slice(entries, func(i, j int) bool {
		return backupEpoch(entries[i]) < backupEpoch(entries[j])
	})
	for _, stale := range entries[:len(entries)-keep] {
		if err := os.Remove(stale); err != nil {
			s.log.Warnw("failed to remove stale backup", "path", stale, "error", err)
		}
	}
	return nil
}

func backupEpoch(path string) int64 {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return 0
	}
	n, _ := strconv.ParseInt(path[idx+1:], 10, 64)
	return n
}
