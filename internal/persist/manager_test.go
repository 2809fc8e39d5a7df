package persist

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/pysugar/settings-vault/internal/cloudsync"
	"github.com/pysugar/settings-vault/internal/db"
)

type fakeSyncer struct {
	restores    []string
	backups     []string
	restoreErr  error
	backupErr   error
	restoreFile []byte
}

func (f *fakeSyncer) Restore(_ context.Context, _ cloudsync.Target, localPath string) cloudsync.Result {
	f.restores = append(f.restores, localPath)
	if f.restoreErr == nil && f.restoreFile != nil {
		if err := os.WriteFile(localPath, f.restoreFile, 0o644); err != nil {
			return cloudsync.Result{Op: cloudsync.OpRestore, Err: err}
		}
	}
	return cloudsync.Result{Op: cloudsync.OpRestore, Path: localPath, Err: f.restoreErr}
}

func (f *fakeSyncer) Backup(_ context.Context, _ cloudsync.Target, localPath string) cloudsync.Result {
	f.backups = append(f.backups, localPath)
	return cloudsync.Result{Op: cloudsync.OpBackup, Path: localPath, Err: f.backupErr}
}

var enabledTarget = cloudsync.Target{RepoID: "pysugar/settings", Token: "hf_test"}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.DBPath == "" {
		opts.DBPath = filepath.Join(t.TempDir(), "data.sqlite")
	}
	if opts.DBLog == "" {
		opts.DBLog = "silent"
	}
	m, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return m
}

func TestGetAllConfig_FreshStoreReturnsDefaults(t *testing.T) {
	m := newTestManager(t, Options{})

	got, err := m.GetAllConfig(map[string]any{"lang": "en"})
	if err != nil {
		t.Fatalf("GetAllConfig error: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]any{"lang": "en"}) {
		t.Fatalf("GetAllConfig() = %#v", got)
	}
}

func TestSaveConfig_OverridesDefaults(t *testing.T) {
	m := newTestManager(t, Options{})

	if err := m.SaveConfig(context.Background(), map[string]any{"lang": "fr", "count": 3}); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}
	got, err := m.GetAllConfig(map[string]any{"lang": "en"})
	if err != nil {
		t.Fatalf("GetAllConfig error: %v", err)
	}
	want := map[string]any{"lang": "fr", "count": int64(3)}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetAllConfig() = %#v, want %#v", got, want)
	}
}

func TestGetAllConfig_MergeKeepsDefaultOnlyKeys(t *testing.T) {
	m := newTestManager(t, Options{})
	if err := m.SaveConfig(context.Background(), map[string]any{"a": 5}); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	defaults := map[string]any{"a": 1, "b": 2}
	got, err := m.GetAllConfig(defaults)
	if err != nil {
		t.Fatalf("GetAllConfig error: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]any{"a": int64(5), "b": 2}) {
		t.Fatalf("GetAllConfig() = %#v", got)
	}
	if defaults["a"] != 1 {
		t.Fatalf("defaults mutated: %#v", defaults)
	}
}

func TestSaveConfig_ListRoundTrip(t *testing.T) {
	m := newTestManager(t, Options{})
	if err := m.SaveConfig(context.Background(), map[string]any{"tags": []string{"a", "b"}}); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}
	got, err := m.GetAllConfig(nil)
	if err != nil {
		t.Fatalf("GetAllConfig error: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]any{"tags": []any{"a", "b"}}) {
		t.Fatalf("GetAllConfig() = %#v", got)
	}
}

func TestSaveConfig_SameKeyTwiceKeepsLatest(t *testing.T) {
	m := newTestManager(t, Options{})
	for _, v := range []string{"first", "second"} {
		if err := m.SaveConfig(context.Background(), map[string]any{"model": v}); err != nil {
			t.Fatalf("SaveConfig error: %v", err)
		}
	}

	rows, err := m.store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if len(rows) != 1 || rows[0].Value != `"second"` {
		t.Fatalf("expected a single row with the latest value, got %+v", rows)
	}
}

func TestSaveConfig_StampsWriteTime(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(t, Options{Now: func() time.Time { return at }})
	if err := m.SaveConfig(context.Background(), map[string]any{"a": true, "b": nil}); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}
	rows, err := m.store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	for _, r := range rows {
		if !r.UpdatedAt.Equal(at) {
			t.Fatalf("row %s updated_at = %s, want %s", r.Key, r.UpdatedAt, at)
		}
	}
}

func TestGetAllConfig_SurfacesMalformedValueRaw(t *testing.T) {
	m := newTestManager(t, Options{})
	if err := m.store.Upsert(map[string]string{"legacy": "not json at all"}, time.Now()); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	got, err := m.GetAllConfig(map[string]any{"legacy": "default"})
	if err != nil {
		t.Fatalf("GetAllConfig error: %v", err)
	}
	if got["legacy"] != "not json at all" {
		t.Fatalf("expected raw stored string, got %#v", got["legacy"])
	}
}

func TestSaveConfig_UnsupportedValueWritesNothing(t *testing.T) {
	syncer := &fakeSyncer{}
	m := newTestManager(t, Options{Target: enabledTarget, Syncer: syncer})

	err := m.SaveConfig(context.Background(), map[string]any{"ok": "x", "bad": make(chan int)})
	if !errors.Is(err, db.ErrWrite) {
		t.Fatalf("expected ErrWrite, got %v", err)
	}
	rows, _ := m.store.ReadAll()
	if len(rows) != 0 {
		t.Fatalf("expected no rows after rejected batch, got %+v", rows)
	}
	if len(syncer.backups) != 0 {
		t.Fatalf("backup attempted after failed save")
	}
}

func TestSaveConfig_StoreFailureIsReturned(t *testing.T) {
	syncer := &fakeSyncer{}
	m := newTestManager(t, Options{Target: enabledTarget, Syncer: syncer})

	if err := os.Remove(m.store.Path()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.Mkdir(m.store.Path(), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := m.SaveConfig(context.Background(), map[string]any{"a": 1}); !errors.Is(err, db.ErrWrite) {
		t.Fatalf("expected ErrWrite, got %v", err)
	}
	if len(syncer.backups) != 0 {
		t.Fatalf("backup attempted after failed save")
	}
}

func TestNew_SchemaFailureIsFatal(t *testing.T) {
	_, err := New(context.Background(), Options{
		DBPath: filepath.Join(t.TempDir(), "no", "such", "dir", "data.sqlite"),
		DBLog:  "silent",
		Syncer: &fakeSyncer{},
	})
	if !errors.Is(err, db.ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
}

func TestCloudGating_DisabledTargetNeverSyncs(t *testing.T) {
	for _, target := range []cloudsync.Target{{}, {RepoID: "pysugar/settings"}, {Token: "hf_test"}} {
		syncer := &fakeSyncer{}
		m := newTestManager(t, Options{Target: target, Syncer: syncer})
		if err := m.SaveConfig(context.Background(), map[string]any{"a": 1}); err != nil {
			t.Fatalf("SaveConfig error: %v", err)
		}
		if len(syncer.restores) != 0 || len(syncer.backups) != 0 {
			t.Fatalf("target %+v triggered sync: restores=%d backups=%d", target, len(syncer.restores), len(syncer.backups))
		}
		if m.CloudEnabled() {
			t.Fatalf("target %+v reported cloud enabled", target)
		}
	}
}

func TestCloudGating_NoNetworkWithoutTarget(t *testing.T) {
	client := cloudsync.NewClient(cloudsync.Options{HTTPClient: &http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			t.Errorf("unexpected network call: %s %s", r.Method, r.URL)
			return nil, errors.New("network disabled")
		}),
	}})
	m := newTestManager(t, Options{Target: cloudsync.Target{RepoID: "pysugar/settings"}, Syncer: client})
	if err := m.SaveConfig(context.Background(), map[string]any{"a": 1}); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}
}

func TestSaveConfig_BacksUpOncePerSave(t *testing.T) {
	syncer := &fakeSyncer{}
	m := newTestManager(t, Options{Target: enabledTarget, Syncer: syncer})

	if err := m.SaveConfig(context.Background(), map[string]any{"a": 1, "b": 2, "c": 3}); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}
	if len(syncer.backups) != 1 || syncer.backups[0] != m.store.Path() {
		t.Fatalf("expected one backup of %s, got %v", m.store.Path(), syncer.backups)
	}
}

func TestSaveConfig_BackupFailureIsNotFatal(t *testing.T) {
	syncer := &fakeSyncer{backupErr: errors.New("503 service unavailable")}
	m := newTestManager(t, Options{Target: enabledTarget, Syncer: syncer})

	if err := m.SaveConfig(context.Background(), map[string]any{"lang": "fr"}); err != nil {
		t.Fatalf("SaveConfig should ignore backup failure, got %v", err)
	}
	got, err := m.GetAllConfig(nil)
	if err != nil || got["lang"] != "fr" {
		t.Fatalf("local write lost: %#v err=%v", got, err)
	}
	st := m.Status()
	if st.LastBackup == nil || st.LastBackup.OK || st.LastBackup.Error == "" {
		t.Fatalf("expected failed backup in status, got %+v", st.LastBackup)
	}
}

func TestNew_RestoreFailureIsNotFatal(t *testing.T) {
	syncer := &fakeSyncer{restoreErr: errors.New("401 unauthorized")}
	m := newTestManager(t, Options{Target: enabledTarget, Syncer: syncer})

	if m.State() != StateReady {
		t.Fatalf("state = %s, want ready", m.State())
	}
	if len(syncer.restores) != 1 {
		t.Fatalf("expected one restore attempt, got %d", len(syncer.restores))
	}
	got, err := m.GetAllConfig(map[string]any{"lang": "en"})
	if err != nil {
		t.Fatalf("GetAllConfig error: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]any{"lang": "en"}) {
		t.Fatalf("expected empty store, got %#v", got)
	}
	if st := m.Status(); st.Restored || st.LastRestore == nil || st.LastRestore.OK {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestNew_RestoreReplacesLocalState(t *testing.T) {
	// Build a snapshot with one row, as another process would have pushed it.
	snapshotPath := filepath.Join(t.TempDir(), "data.sqlite")
	source := newTestManager(t, Options{DBPath: snapshotPath})
	if err := source.SaveConfig(context.Background(), map[string]any{"lang": "de"}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	snapshot, err := os.ReadFile(snapshotPath)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	// The local file holds newer data that the restore overwrites.
	localPath := filepath.Join(t.TempDir(), "data.sqlite")
	local := newTestManager(t, Options{DBPath: localPath})
	if err := local.SaveConfig(context.Background(), map[string]any{"lang": "fr", "extra": true}); err != nil {
		t.Fatalf("seed local: %v", err)
	}

	syncer := &fakeSyncer{restoreFile: snapshot}
	m := newTestManager(t, Options{DBPath: localPath, Target: enabledTarget, Syncer: syncer})

	got, err := m.GetAllConfig(map[string]any{"lang": "en"})
	if err != nil {
		t.Fatalf("GetAllConfig error: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]any{"lang": "de"}) {
		t.Fatalf("expected remote snapshot to win, got %#v", got)
	}
	if st := m.Status(); !st.Restored || st.State != "ready" || st.RepoID != enabledTarget.RepoID {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestNew_NonSQLiteSnapshotKeepsLocalRows(t *testing.T) {
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>not a database</html>"))
	}))
	defer hub.Close()

	localPath := filepath.Join(t.TempDir(), "data.sqlite")
	local := newTestManager(t, Options{DBPath: localPath})
	if err := local.SaveConfig(context.Background(), map[string]any{"lang": "fr"}); err != nil {
		t.Fatalf("seed local: %v", err)
	}

	client := cloudsync.NewClient(cloudsync.Options{Endpoint: hub.URL, HTTPClient: hub.Client()})
	// Restart twice: the bad snapshot must not poison later startups.
	for i := 0; i < 2; i++ {
		m, err := New(context.Background(), Options{
			DBPath: localPath,
			DBLog:  "silent",
			Target: enabledTarget,
			Syncer: client,
		})
		if err != nil {
			t.Fatalf("start %d: New() error: %v", i, err)
		}
		if m.State() != StateReady {
			t.Fatalf("start %d: state = %s, want ready", i, m.State())
		}
		st := m.Status()
		if st.Restored || st.LastRestore == nil || st.LastRestore.OK {
			t.Fatalf("start %d: expected failed restore in status, got %+v", i, st)
		}
		got, err := m.GetAllConfig(nil)
		if err != nil {
			t.Fatalf("start %d: GetAllConfig error: %v", i, err)
		}
		if !reflect.DeepEqual(got, map[string]any{"lang": "fr"}) {
			t.Fatalf("start %d: local rows lost, got %#v", i, got)
		}
	}
}

func TestNew_InvalidTokenStartsWithEmptyStore(t *testing.T) {
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Invalid credentials in Authorization header"}`, http.StatusUnauthorized)
	}))
	defer hub.Close()

	client := cloudsync.NewClient(cloudsync.Options{Endpoint: hub.URL, HTTPClient: hub.Client()})
	m := newTestManager(t, Options{
		Target: cloudsync.Target{RepoID: "pysugar/settings", Token: "hf_invalid"},
		Syncer: client,
	})

	got, err := m.GetAllConfig(map[string]any{})
	if err != nil {
		t.Fatalf("GetAllConfig error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty config, got %#v", got)
	}
	if err := m.SaveConfig(context.Background(), map[string]any{"lang": "fr"}); err != nil {
		t.Fatalf("SaveConfig should survive failed backup, got %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateUninitialized:     "uninitialized",
		StateSchemaReady:       "schema_ready",
		StateRestoredFromCloud: "restored_from_cloud",
		StateReady:             "ready",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
