// Package persist owns the settings file: it prepares the schema, optionally
// restores the file from a dataset repository at startup, serves merged
// config reads and pushes a backup after every save.
package persist

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pysugar/settings-vault/internal/cloudsync"
	"github.com/pysugar/settings-vault/internal/codec"
	"github.com/pysugar/settings-vault/internal/db"
)

// State is the lifecycle position of a Manager.
type State int

const (
	StateUninitialized State = iota
	StateSchemaReady
	StateRestoredFromCloud
	StateReady
)

func (s State) String() string {
	switch s {
	case StateSchemaReady:
		return "schema_ready"
	case StateRestoredFromCloud:
		return "restored_from_cloud"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// Syncer mirrors the settings file to remote storage. Implementations report
// failures in the Result instead of returning errors.
type Syncer interface {
	Restore(ctx context.Context, target cloudsync.Target, localPath string) cloudsync.Result
	Backup(ctx context.Context, target cloudsync.Target, localPath string) cloudsync.Result
}

// Options configure a Manager.
type Options struct {
	DBPath string
	DBLog  string
	Target cloudsync.Target
	Syncer Syncer      // defaults to a Hub client
	Codec  codec.Codec // defaults to codec.JSON
	Now    func() time.Time
}

// DefaultDBPath is used when Options.DBPath is empty.
const DefaultDBPath = "data.sqlite"

// Manager is the only writer of the settings file.
type Manager struct {
	mu     sync.Mutex
	store  *db.Store
	codec  codec.Codec
	syncer Syncer
	target cloudsync.Target
	now    func() time.Time

	state       State
	restored    bool
	lastRestore *cloudsync.Result
	lastBackup  *cloudsync.Result
}

// New prepares the schema and, when a dataset repository and token are both
// configured, restores the file from it. A schema failure is returned; a
// restore failure is only logged.
func New(ctx context.Context, opts Options) (*Manager, error) {
	path := opts.DBPath
	if path == "" {
		path = DefaultDBPath
	}
	m := &Manager{
		store:  db.NewStore(path, opts.DBLog),
		codec:  opts.Codec,
		syncer: opts.Syncer,
		target: opts.Target,
		now:    opts.Now,
	}
	if m.codec == nil {
		m.codec = codec.JSON{}
	}
	if m.syncer == nil {
		m.syncer = cloudsync.NewClient(cloudsync.Options{})
	}
	if m.now == nil {
		m.now = time.Now
	}

	if err := m.store.EnsureSchema(); err != nil {
		return nil, err
	}
	m.state = StateSchemaReady

	if m.target.Enabled() {
		res := m.syncer.Restore(ctx, m.target, m.store.Path())
		m.lastRestore = &res
		if res.OK() {
			// A snapshot from an older build may lack the table.
			if err := m.store.EnsureSchema(); err != nil {
				return nil, fmt.Errorf("restored file unusable: %w", err)
			}
			m.restored = true
			m.state = StateRestoredFromCloud
		} else {
			log.Printf("⚠️ Continuing with local settings at %s", m.store.Path())
		}
	}

	m.state = StateReady
	return m, nil
}

// CloudEnabled reports whether restore and backup are active.
func (m *Manager) CloudEnabled() bool {
	return m.target.Enabled()
}

// GetAllConfig returns defaults overlaid with every stored setting. Stored
// keys win; keys only in defaults pass through. defaults is not modified.
func (m *Manager) GetAllConfig(defaults map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.store.ReadAll()
	if err != nil {
		return nil, err
	}

	config := make(map[string]any, len(defaults)+len(rows))
	for k, v := range defaults {
		config[k] = v
	}
	for _, row := range rows {
		config[row.Key] = m.codec.Decode(row.Value)
	}
	return config, nil
}

// SaveConfig stores every entry in one batch stamped with the current time,
// then pushes a backup when cloud sync is configured. The returned error
// covers only the local write; a failed backup is logged and recorded.
func (m *Manager) SaveConfig(ctx context.Context, entries map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	encoded := make(map[string]string, len(entries))
	for k, v := range entries {
		s, err := m.codec.Encode(v)
		if err != nil {
			return fmt.Errorf("%w: key %q: %w", db.ErrWrite, k, err)
		}
		encoded[k] = s
	}

	if err := m.store.Upsert(encoded, m.now()); err != nil {
		return err
	}

	if m.target.Enabled() {
		res := m.syncer.Backup(ctx, m.target, m.store.Path())
		m.lastBackup = &res
	}
	return nil
}

// Status is a point-in-time view of the manager.
type Status struct {
	State        string      `json:"state"`
	DBPath       string      `json:"db_path"`
	CloudEnabled bool        `json:"cloud_enabled"`
	RepoID       string      `json:"repo_id,omitempty"`
	Restored     bool        `json:"restored_from_cloud"`
	LastRestore  *SyncStatus `json:"last_restore,omitempty"`
	LastBackup   *SyncStatus `json:"last_backup,omitempty"`
}

// SyncStatus summarises one sync attempt.
type SyncStatus struct {
	At    time.Time `json:"at"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
}

func syncStatus(r *cloudsync.Result) *SyncStatus {
	if r == nil {
		return nil
	}
	s := &SyncStatus{At: r.At, OK: r.OK()}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the lifecycle state and the outcome of the latest syncs.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:        m.state.String(),
		DBPath:       m.store.Path(),
		CloudEnabled: m.target.Enabled(),
		Restored:     m.restored,
		LastRestore:  syncStatus(m.lastRestore),
		LastBackup:   syncStatus(m.lastBackup),
	}
	if st.CloudEnabled {
		st.RepoID = m.target.RepoID
	}
	return st
}
