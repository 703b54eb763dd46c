package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quillhost/quill/internal/registry"
	"github.com/quillhost/quill/internal/sandbox"
	"github.com/quillhost/quill/pkg/pluginsdk"
)

// Config configures a Manager.
type Config struct {
	// HostVersion is matched against each manifest's engine range.
	HostVersion string

	// PluginsPath is the root directory for installed plugins.
	PluginsPath string

	// Registry serves catalog lookups and artifact downloads. Optional;
	// without it, install and search operations fail.
	Registry *registry.Client

	// Collaborators back the host API exposed inside sandboxes.
	Collaborators sandbox.Collaborators

	// CallTimeout bounds each sandbox RPC. Zero means the sandbox default.
	CallTimeout time.Duration

	// Registerer receives manager-level metrics. Nil keeps them private.
	Registerer prometheus.Registerer

	// Events receives lifecycle events. Optional.
	Events EventSink

	Logger *slog.Logger
}

// pluginRecord is the in-memory view of one installed plugin. The state and
// sandbox fields are guarded by Manager.mu; manifest and dir never change
// after registration.
type pluginRecord struct {
	manifest *pluginsdk.Manifest
	state    *pluginsdk.State
	sandbox  *sandbox.Sandbox
	dir      string
}

// Manager owns the full plugin lifecycle. Lifecycle operations on the same
// plugin id are serialized; executions run concurrently against a snapshot
// of the plugin's sandbox.
type Manager struct {
	hostVersion string
	store       *Store
	registry    *registry.Client
	collabs     sandbox.Collaborators
	callTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics
	sink        EventSink

	mu      sync.RWMutex
	plugins map[string]*pluginRecord

	locks keyedMutex
}

// NewManager builds a Manager and its on-disk store. It does not load
// persisted plugins; call Recover for that.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("manager config is required")
	}
	if cfg.HostVersion == "" {
		return nil, fmt.Errorf("host version is required")
	}
	if cfg.PluginsPath == "" {
		return nil, fmt.Errorf("plugins path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "manager")
	}
	store, err := NewStore(cfg.PluginsPath, logger.With("component", "manager.store"))
	if err != nil {
		return nil, err
	}
	return &Manager{
		hostVersion: cfg.HostVersion,
		store:       store,
		registry:    cfg.Registry,
		collabs:     cfg.Collaborators,
		callTimeout: cfg.CallTimeout,
		logger:      logger,
		metrics:     newMetrics(cfg.Registerer),
		sink:        cfg.Events,
		plugins:     make(map[string]*pluginRecord),
	}, nil
}

// keyedMutex serializes operations per plugin id. Mutexes are retained for
// the process lifetime; the set of ids is small.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &sync.Mutex{}
		k.locks[id] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) emit(typ EventType, pluginID string, cause error) {
	if m.sink == nil {
		return
	}
	ev := Event{
		ID:       uuid.NewString(),
		Type:     typ,
		PluginID: pluginID,
		Time:     time.Now(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	m.sink(ev)
}

func (m *Manager) sandboxOptions() []sandbox.Option {
	opts := []sandbox.Option{
		sandbox.WithLogger(m.logger),
		sandbox.WithCollaborators(m.collabs),
	}
	if m.callTimeout > 0 {
		opts = append(opts, sandbox.WithTimeout(m.callTimeout))
	}
	return opts
}

func (m *Manager) get(id string) (*pluginRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.plugins[id]
	return rec, ok
}

// Install downloads, verifies, extracts, sandboxes, and persists a plugin.
// An empty version installs the latest published version. A failure at any
// step leaves no trace: no directory, no state, no in-memory record.
func (m *Manager) Install(ctx context.Context, id, version string) (*pluginsdk.State, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	state, err := m.installLocked(ctx, id, version)
	if err != nil {
		m.emit(EventInstallFailed, id, err)
		return nil, err
	}
	m.metrics.installs.Inc()
	m.emit(EventInstalled, id, nil)
	return state, nil
}

func (m *Manager) installLocked(ctx context.Context, id, version string) (*pluginsdk.State, error) {
	if _, ok := m.get(id); ok {
		return nil, pluginsdk.Errorf(pluginsdk.KindValidation, "plugin already installed: %s", id)
	}
	if m.store.Exists(id) {
		return nil, pluginsdk.Errorf(pluginsdk.KindValidation, "plugin directory already present: %s", id)
	}
	if m.registry == nil {
		return nil, pluginsdk.Errorf(pluginsdk.KindRegistry, "no registry configured")
	}

	data, info, err := m.registry.Download(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if err := verifyChecksum(data, info.Checksum); err != nil {
		return nil, pluginsdk.NewError(pluginsdk.KindValidation, "artifact verification failed", err)
	}

	stage, err := m.store.StageDir()
	if err != nil {
		return nil, fmt.Errorf("stage install: %w", err)
	}
	cleanupStage := newCleanup(stage)
	defer cleanupStage.run()

	if err := extractArchive(stage, data, info.Format); err != nil {
		return nil, pluginsdk.NewError(pluginsdk.KindValidation, "extract artifact", err)
	}

	manifest, err := pluginsdk.DecodeManifestFile(filepath.Join(stage, pluginsdk.ManifestFilename))
	if err != nil {
		return nil, err
	}
	if manifest.ID != id {
		return nil, pluginsdk.Errorf(pluginsdk.KindValidation,
			"manifest id %q does not match requested plugin %q", manifest.ID, id)
	}
	if err := manifest.EngineSupported(m.hostVersion); err != nil {
		return nil, err
	}

	dir, err := m.store.Promote(stage, id)
	if err != nil {
		return nil, fmt.Errorf("promote install: %w", err)
	}
	cleanupStage.cancel()
	cleanupLive := newCleanup(dir)
	defer cleanupLive.run()

	sb := sandbox.New(manifest, dir, m.sandboxOptions()...)
	if err := sb.Initialize(ctx); err != nil {
		return nil, err
	}

	state := pluginsdk.NewState(id, manifest.Version)
	if err := m.store.WriteState(state); err != nil {
		sb.Terminate()
		return nil, err
	}
	cleanupLive.cancel()

	m.mu.Lock()
	m.plugins[id] = &pluginRecord{manifest: manifest, state: state, sandbox: sb, dir: dir}
	snapshot := state.Clone()
	m.mu.Unlock()

	m.logger.Info("plugin installed", "plugin", id, "version", manifest.Version)
	return snapshot, nil
}

// cleanup removes a directory unless cancelled.
type cleanup struct {
	dir  string
	done bool
}

func newCleanup(dir string) *cleanup { return &cleanup{dir: dir} }

func (c *cleanup) cancel() { c.done = true }

func (c *cleanup) run() {
	if !c.done {
		os.RemoveAll(c.dir)
	}
}

// Uninstall disables (best effort), terminates, and removes a plugin.
// Uninstalling a plugin that is not installed is a no-op.
func (m *Manager) Uninstall(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	return m.uninstallLocked(ctx, id)
}

func (m *Manager) uninstallLocked(ctx context.Context, id string) error {
	rec, ok := m.get(id)
	if !ok {
		if m.store.Exists(id) {
			// Leftover directory with no live record (e.g. a plugin that
			// failed to recover). Still remove it.
			if err := m.store.Remove(id); err != nil {
				return err
			}
			m.metrics.uninstalls.Inc()
			m.emit(EventUninstalled, id, nil)
		}
		return nil
	}

	m.mu.RLock()
	status := rec.state.Status
	sb := rec.sandbox
	m.mu.RUnlock()

	if status == pluginsdk.StatusEnabled && sb != nil {
		if err := sb.Disable(ctx); err != nil {
			m.logger.Warn("disable before uninstall failed", "plugin", id, "error", err)
		}
	}
	if sb != nil {
		sb.Terminate()
	}
	if err := m.store.Remove(id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.plugins, id)
	m.mu.Unlock()

	m.metrics.uninstalls.Inc()
	m.emit(EventUninstalled, id, nil)
	m.logger.Info("plugin uninstalled", "plugin", id)
	return nil
}

// Enable transitions a plugin to enabled, invoking its enable hook. A
// failed enable persists the error status and returns the failure. Enabling
// a plugin whose sandbox died re-creates the sandbox first, so enable also
// serves as the retry path out of the error status.
func (m *Manager) Enable(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	rec, ok := m.get(id)
	if !ok {
		return pluginsdk.Errorf(pluginsdk.KindNotFound, "plugin not installed: %s", id)
	}
	m.mu.RLock()
	status := rec.state.Status
	sb := rec.sandbox
	m.mu.RUnlock()
	if status == pluginsdk.StatusEnabled {
		return nil
	}

	if sb == nil || sb.State() == sandbox.StateTerminated {
		fresh := sandbox.New(rec.manifest, rec.dir, m.sandboxOptions()...)
		if err := fresh.Initialize(ctx); err != nil {
			m.recordFailure(rec, err)
			m.emit(EventErrored, id, err)
			return err
		}
		m.mu.Lock()
		rec.sandbox = fresh
		m.mu.Unlock()
		sb = fresh
	}

	if err := sb.Enable(ctx); err != nil {
		m.recordFailure(rec, err)
		m.emit(EventErrored, id, err)
		return err
	}

	now := time.Now()
	m.mu.Lock()
	rec.state.Status = pluginsdk.StatusEnabled
	rec.state.EnabledAt = &now
	rec.state.LastError = ""
	snapshot := rec.state.Clone()
	m.mu.Unlock()
	if err := m.store.WriteState(snapshot); err != nil {
		return err
	}
	m.emit(EventEnabled, id, nil)
	m.logger.Info("plugin enabled", "plugin", id)
	return nil
}

// recordFailure persists the error status. The persistence itself is best
// effort; the original failure is what the caller sees.
func (m *Manager) recordFailure(rec *pluginRecord, cause error) {
	m.mu.Lock()
	rec.state.Status = pluginsdk.StatusError
	rec.state.LastError = cause.Error()
	rec.state.EnabledAt = nil
	snapshot := rec.state.Clone()
	m.mu.Unlock()
	if err := m.store.WriteState(snapshot); err != nil {
		m.logger.Warn("persist error state failed", "plugin", snapshot.ID, "error", err)
	}
}

// Disable transitions a plugin to disabled. The plugin's disable hook is
// best effort: a throwing hook is logged and cannot keep the plugin enabled.
func (m *Manager) Disable(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	rec, ok := m.get(id)
	if !ok {
		return pluginsdk.Errorf(pluginsdk.KindNotFound, "plugin not installed: %s", id)
	}
	m.mu.RLock()
	status := rec.state.Status
	sb := rec.sandbox
	m.mu.RUnlock()
	if status == pluginsdk.StatusDisabled {
		return nil
	}

	if status == pluginsdk.StatusEnabled && sb != nil {
		if err := sb.Disable(ctx); err != nil {
			m.logger.Warn("disable hook failed", "plugin", id, "error", err)
		}
	}

	m.mu.Lock()
	rec.state.Status = pluginsdk.StatusDisabled
	rec.state.EnabledAt = nil
	snapshot := rec.state.Clone()
	m.mu.Unlock()
	if err := m.store.WriteState(snapshot); err != nil {
		return err
	}
	m.emit(EventDisabled, id, nil)
	m.logger.Info("plugin disabled", "plugin", id)
	return nil
}

// Execute routes a method call to an enabled plugin's sandbox. Executions
// do not hold the plugin's lifecycle lock, so calls on one plugin run
// concurrently; an uninstall racing an execute terminates the sandbox,
// which rejects the in-flight call.
func (m *Manager) Execute(ctx context.Context, id, method string, args json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	rec, ok := m.plugins[id]
	var (
		sb     *sandbox.Sandbox
		status pluginsdk.Status
	)
	if ok {
		sb = rec.sandbox
		status = rec.state.Status
	}
	m.mu.RUnlock()

	if !ok {
		return nil, pluginsdk.Errorf(pluginsdk.KindNotFound, "plugin not installed: %s", id)
	}
	if status != pluginsdk.StatusEnabled || sb == nil {
		return nil, pluginsdk.Errorf(pluginsdk.KindNotAvailable, "plugin not enabled: %s", id)
	}

	start := time.Now()
	result, err := sb.Execute(ctx, method, args)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.metrics.executions.WithLabelValues(id, outcome).Inc()
	m.metrics.duration.Observe(elapsed.Seconds())
	m.recordExecution(id, elapsed, err)

	return result, err
}

// recordExecution updates and persists per-plugin execution accounting.
// Skipped if the plugin was uninstalled while the call was in flight.
func (m *Manager) recordExecution(id string, elapsed time.Duration, execErr error) {
	m.mu.Lock()
	rec, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.state.Metrics.ExecutionCount++
	if execErr != nil {
		rec.state.Metrics.ErrorCount++
		rec.state.LastError = execErr.Error()
	}
	rec.state.Metrics.LoadTimeMS = elapsed.Milliseconds()
	snapshot := rec.state.Clone()
	m.mu.Unlock()

	if err := m.store.WriteState(snapshot); err != nil {
		m.logger.Warn("persist execution metrics failed", "plugin", id, "error", err)
	}
}

// Update replaces an installed plugin with another version by uninstalling
// and reinstalling. The two steps are not atomic: if the reinstall fails,
// the plugin stays uninstalled and the returned error says so.
func (m *Manager) Update(ctx context.Context, id, version string) (*pluginsdk.State, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	if _, ok := m.get(id); !ok {
		return nil, pluginsdk.Errorf(pluginsdk.KindNotFound, "plugin not installed: %s", id)
	}
	if err := m.uninstallLocked(ctx, id); err != nil {
		return nil, fmt.Errorf("remove previous version: %w", err)
	}

	state, err := m.installLocked(ctx, id, version)
	if err != nil {
		kind := pluginsdk.KindOf(err)
		if kind == "" {
			kind = pluginsdk.KindRegistry
		}
		wrapped := pluginsdk.NewError(kind,
			fmt.Sprintf("update failed after removing previous version; %s is no longer installed", id), err)
		m.emit(EventInstallFailed, id, wrapped)
		return nil, wrapped
	}

	m.metrics.installs.Inc()
	m.emit(EventUpdated, id, nil)
	m.logger.Info("plugin updated", "plugin", id, "version", state.Version)
	return state, nil
}

// Config returns a plugin's effective configuration: manifest defaults with
// the persisted user overrides applied on top.
func (m *Manager) Config(id string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.plugins[id]
	if !ok {
		return nil, pluginsdk.Errorf(pluginsdk.KindNotFound, "plugin not installed: %s", id)
	}
	return rec.manifest.MergedConfig(rec.state.Config), nil
}

// SetConfig merges a patch into the plugin's config overrides, validates
// the effective config against the manifest schema, and persists it. An
// enabled plugin is notified; a failed notification does not undo the
// persisted config.
func (m *Manager) SetConfig(ctx context.Context, id string, patch map[string]any) (map[string]any, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	rec, ok := m.get(id)
	if !ok {
		return nil, pluginsdk.Errorf(pluginsdk.KindNotFound, "plugin not installed: %s", id)
	}

	m.mu.RLock()
	overrides := make(map[string]any, len(rec.state.Config)+len(patch))
	for k, v := range rec.state.Config {
		overrides[k] = v
	}
	m.mu.RUnlock()
	for k, v := range patch {
		overrides[k] = v
	}

	effective := rec.manifest.MergedConfig(overrides)
	if err := rec.manifest.ValidateConfig(effective); err != nil {
		return nil, err
	}

	m.mu.Lock()
	rec.state.Config = overrides
	snapshot := rec.state.Clone()
	sb := rec.sandbox
	m.mu.Unlock()
	if err := m.store.WriteState(snapshot); err != nil {
		return nil, err
	}

	if snapshot.Status == pluginsdk.StatusEnabled && sb != nil {
		if err := sb.NotifyConfig(ctx, effective); err != nil {
			m.logger.Warn("config change notification failed", "plugin", id, "error", err)
		}
	}
	return effective, nil
}

// Get returns a copy of one plugin's state.
func (m *Manager) Get(id string) (*pluginsdk.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.plugins[id]
	if !ok {
		return nil, pluginsdk.Errorf(pluginsdk.KindNotFound, "plugin not installed: %s", id)
	}
	return rec.state.Clone(), nil
}

// GetManifest returns one plugin's manifest.
func (m *Manager) GetManifest(id string) (*pluginsdk.Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.plugins[id]
	if !ok {
		return nil, pluginsdk.Errorf(pluginsdk.KindNotFound, "plugin not installed: %s", id)
	}
	return rec.manifest, nil
}

// List returns copies of every installed plugin's state, ordered by id.
func (m *Manager) List() []*pluginsdk.State {
	m.mu.RLock()
	states := make([]*pluginsdk.State, 0, len(m.plugins))
	for _, rec := range m.plugins {
		states = append(states, rec.state.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// SearchRegistry queries the registry catalog and augments each result with
// local installation status.
func (m *Manager) SearchRegistry(ctx context.Context, query string, opts registry.SearchOptions) ([]*pluginsdk.Summary, error) {
	if m.registry == nil {
		return nil, pluginsdk.Errorf(pluginsdk.KindRegistry, "no registry configured")
	}
	results := m.registry.Search(ctx, query, opts)

	m.mu.RLock()
	for _, r := range results {
		if rec, ok := m.plugins[r.Entry.ID]; ok {
			r.Installed = true
			r.InstalledVersion = rec.state.Version
		}
	}
	m.mu.RUnlock()
	return results, nil
}

// Recover loads persisted plugins on startup, re-creating sandboxes and
// restoring enabled plugins. One plugin's failure never blocks the others:
// the failed plugin lands in the error status and recovery continues.
func (m *Manager) Recover(ctx context.Context) error {
	records := m.store.LoadAll()
	for _, r := range records {
		m.recoverOne(ctx, r)
	}
	m.logger.Info("plugin recovery complete", "plugins", len(records))
	return nil
}

func (m *Manager) recoverOne(ctx context.Context, r *Record) {
	unlock := m.locks.lock(r.Manifest.ID)
	defer unlock()

	id := r.Manifest.ID
	rec := &pluginRecord{manifest: r.Manifest, state: r.State, dir: r.Dir}

	// A crash mid-load leaves the loading status behind; reset it.
	if rec.state.Status == pluginsdk.StatusLoading {
		rec.state.Status = pluginsdk.StatusInstalled
	}

	wantEnabled := rec.state.Status == pluginsdk.StatusEnabled

	sb := sandbox.New(rec.manifest, rec.dir, m.sandboxOptions()...)
	if err := sb.Initialize(ctx); err != nil {
		m.logger.Warn("plugin failed to recover", "plugin", id, "error", err)
		m.recordFailure(rec, err)
		m.registerRecord(id, rec)
		m.emit(EventErrored, id, err)
		return
	}
	rec.sandbox = sb

	if wantEnabled {
		if err := sb.Enable(ctx); err != nil {
			m.logger.Warn("plugin enable failed during recovery", "plugin", id, "error", err)
			m.recordFailure(rec, err)
			m.registerRecord(id, rec)
			m.emit(EventErrored, id, err)
			return
		}
	}

	if err := m.store.WriteState(rec.state); err != nil {
		m.logger.Warn("persist recovered state failed", "plugin", id, "error", err)
	}
	m.registerRecord(id, rec)
	m.logger.Info("plugin recovered", "plugin", id, "status", rec.state.Status)
}

func (m *Manager) registerRecord(id string, rec *pluginRecord) {
	m.mu.Lock()
	m.plugins[id] = rec
	m.mu.Unlock()
}

// Close terminates every sandbox. States are left as persisted so a later
// Recover restores them.
func (m *Manager) Close() {
	m.mu.Lock()
	sandboxes := make([]*sandbox.Sandbox, 0, len(m.plugins))
	for _, rec := range m.plugins {
		if rec.sandbox != nil {
			sandboxes = append(sandboxes, rec.sandbox)
		}
	}
	m.mu.Unlock()

	for _, sb := range sandboxes {
		sb.Terminate()
	}
}
