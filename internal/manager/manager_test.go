package manager

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quillhost/quill/internal/registry"
	"github.com/quillhost/quill/pkg/pluginsdk"
)

const testHostVersion = "0.5.0"

const goodScript = `
quill.register("ping", function(args) {
	return {pong: args.value};
});
quill.register("boom", function() {
	throw new Error("kaboom");
});
quill.register("__configChanged", function(config) {
	return "ok";
});
`

const failingEnableScript = `
quill.register("ping", function(args) {
	return {pong: args.value};
});
quill.register("__enable", function() {
	throw new Error("refusing to start");
});
`

// packagePlugin builds a tar.gz plugin artifact in memory.
func packagePlugin(t *testing.T, manifest *pluginsdk.Manifest, script string) []byte {
	t.Helper()
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, data := range map[string][]byte{
		pluginsdk.ManifestFilename: manifestJSON,
		manifest.Entry.Main:        []byte(script),
	} {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("write tar data: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func testManifest(id, version string) *pluginsdk.Manifest {
	return &pluginsdk.Manifest{
		ID:      id,
		Name:    "Test Plugin",
		Version: version,
		Type:    pluginsdk.TypeTool,
		Entry:   pluginsdk.Entry{Main: "main.js"},
	}
}

// fakeTransport serves in-memory artifacts keyed by URL.
type fakeTransport struct {
	index     *pluginsdk.CatalogIndex
	versions  map[string][]pluginsdk.VersionInfo
	artifacts map[string][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		index:     &pluginsdk.CatalogIndex{},
		versions:  make(map[string][]pluginsdk.VersionInfo),
		artifacts: make(map[string][]byte),
	}
}

// publish adds a plugin version to the catalog, making it the latest.
func (f *fakeTransport) publish(manifest *pluginsdk.Manifest, artifact []byte) {
	sum := sha256.Sum256(artifact)
	url := fmt.Sprintf("https://plugins.test/%s/%s.tar.gz", manifest.ID, manifest.Version)
	f.artifacts[url] = artifact

	entry := &pluginsdk.CatalogEntry{
		ID:       manifest.ID,
		Name:     manifest.Name,
		Version:  manifest.Version,
		Type:     manifest.Type,
		URL:      url,
		Checksum: hex.EncodeToString(sum[:]),
		Format:   "tar.gz",
	}
	replaced := false
	for i, e := range f.index.Plugins {
		if e.ID == manifest.ID {
			f.index.Plugins[i] = entry
			replaced = true
		}
	}
	if !replaced {
		f.index.Plugins = append(f.index.Plugins, entry)
	}
	f.versions[manifest.ID] = append(f.versions[manifest.ID], pluginsdk.VersionInfo{
		Version:  manifest.Version,
		URL:      url,
		Checksum: entry.Checksum,
		Format:   "tar.gz",
	})
}

func (f *fakeTransport) FetchIndex(context.Context) (*pluginsdk.CatalogIndex, error) {
	return f.index, nil
}

func (f *fakeTransport) FetchVersions(_ context.Context, id string) ([]pluginsdk.VersionInfo, error) {
	return f.versions[id], nil
}

func (f *fakeTransport) Download(_ context.Context, url string) ([]byte, error) {
	data, ok := f.artifacts[url]
	if !ok {
		return nil, fmt.Errorf("unknown artifact: %s", url)
	}
	return data, nil
}

func newTestManager(t *testing.T, transport *fakeTransport) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	mgr, err := NewManager(&Config{
		HostVersion: testHostVersion,
		PluginsPath: root,
		Registry:    registry.NewClient(transport),
		CallTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(mgr.Close)
	return mgr, root
}

func TestInstallEnableExecuteLifecycle(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	transport.publish(testManifest("acme/tools", "1.0.0"), packagePlugin(t, testManifest("acme/tools", "1.0.0"), goodScript))
	mgr, root := newTestManager(t, transport)

	state, err := mgr.Install(ctx, "acme/tools", "")
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if state.Status != pluginsdk.StatusInstalled {
		t.Errorf("expected installed status, got %s", state.Status)
	}
	if state.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", state.Version)
	}

	// Descriptors are on disk.
	dir := filepath.Join(root, "acme--tools")
	for _, name := range []string{pluginsdk.ManifestFilename, pluginsdk.StateFilename, "main.js"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s in plugin dir: %v", name, err)
		}
	}

	// Not enabled yet: execution is refused.
	if _, err := mgr.Execute(ctx, "acme/tools", "ping", json.RawMessage(`{"value":"x"}`)); !pluginsdk.IsKind(err, pluginsdk.KindNotAvailable) {
		t.Fatalf("expected not_available before enable, got %v", err)
	}

	if err := mgr.Enable(ctx, "acme/tools"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	result, err := mgr.Execute(ctx, "acme/tools", "ping", json.RawMessage(`{"value":"hello"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded["pong"] != "hello" {
		t.Errorf("expected pong hello, got %v", decoded["pong"])
	}

	if err := mgr.Disable(ctx, "acme/tools"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if _, err := mgr.Execute(ctx, "acme/tools", "ping", json.RawMessage(`{}`)); !pluginsdk.IsKind(err, pluginsdk.KindNotAvailable) {
		t.Fatalf("expected not_available after disable, got %v", err)
	}

	if err := mgr.Uninstall(ctx, "acme/tools"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected plugin dir removed, stat err = %v", err)
	}
	if _, err := mgr.Get("acme/tools"); !pluginsdk.IsKind(err, pluginsdk.KindNotFound) {
		t.Errorf("expected not_found after uninstall, got %v", err)
	}

	// Second uninstall is a no-op.
	if err := mgr.Uninstall(ctx, "acme/tools"); err != nil {
		t.Errorf("repeated Uninstall() should be a no-op, got %v", err)
	}
}

func TestInstallFailureLeavesNoResidue(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()

	// Manifest whose id does not match the catalog id fails validation.
	bad := testManifest("other/id", "1.0.0")
	artifact := packagePlugin(t, bad, goodScript)
	catalogManifest := testManifest("acme/bad", "1.0.0")
	transport.publish(catalogManifest, artifact)

	mgr, root := newTestManager(t, transport)

	_, err := mgr.Install(ctx, "acme/bad", "")
	if !pluginsdk.IsKind(err, pluginsdk.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	entries, readErr := os.ReadDir(root)
	if readErr != nil {
		t.Fatalf("read plugins root: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty plugins root after failed install, got %d entries", len(entries))
	}
	if _, err := mgr.Get("acme/bad"); !pluginsdk.IsKind(err, pluginsdk.KindNotFound) {
		t.Errorf("expected no in-memory record, got %v", err)
	}
}

func TestInstallChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	manifest := testManifest("acme/tools", "1.0.0")
	transport.publish(manifest, packagePlugin(t, manifest, goodScript))
	// Corrupt the artifact after publishing so the checksum no longer matches.
	for url := range transport.artifacts {
		transport.artifacts[url] = append(transport.artifacts[url], 0x00)
	}
	mgr, _ := newTestManager(t, transport)

	if _, err := mgr.Install(ctx, "acme/tools", ""); !pluginsdk.IsKind(err, pluginsdk.KindValidation) {
		t.Fatalf("expected validation error for checksum mismatch, got %v", err)
	}
}

func TestInstallAlreadyInstalled(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	manifest := testManifest("acme/tools", "1.0.0")
	transport.publish(manifest, packagePlugin(t, manifest, goodScript))
	mgr, _ := newTestManager(t, transport)

	if _, err := mgr.Install(ctx, "acme/tools", ""); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if _, err := mgr.Install(ctx, "acme/tools", ""); !pluginsdk.IsKind(err, pluginsdk.KindValidation) {
		t.Fatalf("expected validation error for duplicate install, got %v", err)
	}
}

func TestInstallUnsupportedEngine(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	manifest := testManifest("acme/tools", "1.0.0")
	manifest.Engine = ">=2.0.0"
	transport.publish(manifest, packagePlugin(t, manifest, goodScript))
	mgr, _ := newTestManager(t, transport)

	if _, err := mgr.Install(ctx, "acme/tools", ""); !pluginsdk.IsKind(err, pluginsdk.KindValidation) {
		t.Fatalf("expected validation error for engine mismatch, got %v", err)
	}
}

func TestEnableFailurePersistsError(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	manifest := testManifest("acme/flaky", "1.0.0")
	transport.publish(manifest, packagePlugin(t, manifest, failingEnableScript))
	mgr, root := newTestManager(t, transport)

	if _, err := mgr.Install(ctx, "acme/flaky", ""); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := mgr.Enable(ctx, "acme/flaky"); err == nil {
		t.Fatal("expected enable to fail")
	}

	state, err := mgr.Get("acme/flaky")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if state.Status != pluginsdk.StatusError {
		t.Errorf("expected error status, got %s", state.Status)
	}
	if state.LastError == "" {
		t.Error("expected lastError to be recorded")
	}

	// The error status is persisted, not just in memory.
	data, err := os.ReadFile(filepath.Join(root, "acme--flaky", pluginsdk.StateFilename))
	if err != nil {
		t.Fatalf("read persisted state: %v", err)
	}
	persisted, err := pluginsdk.DecodeState(data)
	if err != nil {
		t.Fatalf("decode persisted state: %v", err)
	}
	if persisted.Status != pluginsdk.StatusError {
		t.Errorf("expected persisted error status, got %s", persisted.Status)
	}
}

func TestExecuteUpdatesMetrics(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	manifest := testManifest("acme/tools", "1.0.0")
	transport.publish(manifest, packagePlugin(t, manifest, goodScript))
	mgr, _ := newTestManager(t, transport)

	if _, err := mgr.Install(ctx, "acme/tools", ""); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := mgr.Enable(ctx, "acme/tools"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	if _, err := mgr.Execute(ctx, "acme/tools", "ping", json.RawMessage(`{"value":"a"}`)); err != nil {
		t.Fatalf("Execute(ping) error = %v", err)
	}
	if _, err := mgr.Execute(ctx, "acme/tools", "boom", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected boom to fail")
	}

	state, err := mgr.Get("acme/tools")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if state.Metrics.ExecutionCount != 2 {
		t.Errorf("expected 2 executions, got %d", state.Metrics.ExecutionCount)
	}
	if state.Metrics.ErrorCount != 1 {
		t.Errorf("expected 1 error, got %d", state.Metrics.ErrorCount)
	}
}

func TestUpdateReplacesVersion(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	v1 := testManifest("acme/tools", "1.0.0")
	transport.publish(v1, packagePlugin(t, v1, goodScript))
	mgr, _ := newTestManager(t, transport)

	if _, err := mgr.Install(ctx, "acme/tools", ""); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	v2 := testManifest("acme/tools", "2.0.0")
	transport.publish(v2, packagePlugin(t, v2, goodScript))

	state, err := mgr.Update(ctx, "acme/tools", "2.0.0")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if state.Version != "2.0.0" {
		t.Errorf("expected version 2.0.0 after update, got %s", state.Version)
	}
	if state.Status != pluginsdk.StatusInstalled {
		t.Errorf("update resets status to installed, got %s", state.Status)
	}
}

func TestUpdateFailureLeavesUninstalled(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	manifest := testManifest("acme/tools", "1.0.0")
	transport.publish(manifest, packagePlugin(t, manifest, goodScript))
	mgr, _ := newTestManager(t, transport)

	if _, err := mgr.Install(ctx, "acme/tools", ""); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	_, err := mgr.Update(ctx, "acme/tools", "9.9.9")
	if err == nil {
		t.Fatal("expected update to an unpublished version to fail")
	}
	var perr *pluginsdk.Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected structured error, got %T", err)
	}
	if _, err := mgr.Get("acme/tools"); !pluginsdk.IsKind(err, pluginsdk.KindNotFound) {
		t.Errorf("expected plugin gone after failed update, got %v", err)
	}
}

func TestSetConfig(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	manifest := testManifest("acme/tools", "1.0.0")
	manifest.ConfigSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"endpoint": {"type": "string"}, "retries": {"type": "number"}}
	}`)
	manifest.ConfigDefaults = map[string]any{"retries": float64(3)}
	transport.publish(manifest, packagePlugin(t, manifest, goodScript))
	mgr, root := newTestManager(t, transport)

	if _, err := mgr.Install(ctx, "acme/tools", ""); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	// Defaults visible before any override.
	cfg, err := mgr.Config("acme/tools")
	if err != nil {
		t.Fatalf("Config() error = %v", err)
	}
	if cfg["retries"] != float64(3) {
		t.Errorf("expected default retries 3, got %v", cfg["retries"])
	}

	// A patch violating the schema is rejected and not persisted.
	if _, err := mgr.SetConfig(ctx, "acme/tools", map[string]any{"endpoint": 42}); !pluginsdk.IsKind(err, pluginsdk.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	effective, err := mgr.SetConfig(ctx, "acme/tools", map[string]any{"endpoint": "https://api.test"})
	if err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}
	if effective["endpoint"] != "https://api.test" {
		t.Errorf("expected endpoint override, got %v", effective["endpoint"])
	}
	if effective["retries"] != float64(3) {
		t.Errorf("defaults must survive a partial patch, got %v", effective["retries"])
	}

	// Overrides are persisted to the state descriptor.
	data, err := os.ReadFile(filepath.Join(root, "acme--tools", pluginsdk.StateFilename))
	if err != nil {
		t.Fatalf("read persisted state: %v", err)
	}
	persisted, err := pluginsdk.DecodeState(data)
	if err != nil {
		t.Fatalf("decode persisted state: %v", err)
	}
	if persisted.Config["endpoint"] != "https://api.test" {
		t.Errorf("expected persisted endpoint override, got %v", persisted.Config["endpoint"])
	}
}

func TestRecoverRestoresEnabledPlugins(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	manifest := testManifest("acme/tools", "1.0.0")
	transport.publish(manifest, packagePlugin(t, manifest, goodScript))

	root := t.TempDir()
	mgr, err := NewManager(&Config{
		HostVersion: testHostVersion,
		PluginsPath: root,
		Registry:    registry.NewClient(transport),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if _, err := mgr.Install(ctx, "acme/tools", ""); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := mgr.Enable(ctx, "acme/tools"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	mgr.Close()

	// A fresh manager over the same directory restores the enabled plugin.
	mgr2, err := NewManager(&Config{
		HostVersion: testHostVersion,
		PluginsPath: root,
		Registry:    registry.NewClient(transport),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(mgr2.Close)

	if err := mgr2.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	state, err := mgr2.Get("acme/tools")
	if err != nil {
		t.Fatalf("Get() after recover error = %v", err)
	}
	if state.Status != pluginsdk.StatusEnabled {
		t.Errorf("expected enabled after recover, got %s", state.Status)
	}
	if _, err := mgr2.Execute(ctx, "acme/tools", "ping", json.RawMessage(`{"value":"x"}`)); err != nil {
		t.Errorf("Execute() after recover error = %v", err)
	}
}

func TestRecoverIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	good := testManifest("acme/good", "1.0.0")
	bad := testManifest("acme/broken", "1.0.0")
	transport.publish(good, packagePlugin(t, good, goodScript))
	transport.publish(bad, packagePlugin(t, bad, goodScript))

	root := t.TempDir()
	mgr, err := NewManager(&Config{
		HostVersion: testHostVersion,
		PluginsPath: root,
		Registry:    registry.NewClient(transport),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	for _, id := range []string{"acme/good", "acme/broken"} {
		if _, err := mgr.Install(ctx, id, ""); err != nil {
			t.Fatalf("Install(%s) error = %v", id, err)
		}
		if err := mgr.Enable(ctx, id); err != nil {
			t.Fatalf("Enable(%s) error = %v", id, err)
		}
	}
	mgr.Close()

	// Corrupt one plugin's entry script so its sandbox fails to start.
	if err := os.WriteFile(filepath.Join(root, "acme--broken", "main.js"), []byte("syntax error {{{"), 0o644); err != nil {
		t.Fatalf("corrupt entry: %v", err)
	}

	mgr2, err := NewManager(&Config{
		HostVersion: testHostVersion,
		PluginsPath: root,
		Registry:    registry.NewClient(transport),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(mgr2.Close)
	if err := mgr2.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	goodState, err := mgr2.Get("acme/good")
	if err != nil {
		t.Fatalf("Get(good) error = %v", err)
	}
	if goodState.Status != pluginsdk.StatusEnabled {
		t.Errorf("healthy plugin should recover enabled, got %s", goodState.Status)
	}

	badState, err := mgr2.Get("acme/broken")
	if err != nil {
		t.Fatalf("Get(broken) error = %v", err)
	}
	if badState.Status != pluginsdk.StatusError {
		t.Errorf("broken plugin should land in error status, got %s", badState.Status)
	}

	// Enable retries the broken plugin once its script is repaired.
	if err := os.WriteFile(filepath.Join(root, "acme--broken", "main.js"), []byte(goodScript), 0o644); err != nil {
		t.Fatalf("repair entry: %v", err)
	}
	if err := mgr2.Enable(ctx, "acme/broken"); err != nil {
		t.Fatalf("Enable() retry error = %v", err)
	}
	repaired, _ := mgr2.Get("acme/broken")
	if repaired.Status != pluginsdk.StatusEnabled {
		t.Errorf("expected enabled after retry, got %s", repaired.Status)
	}
}

func TestListSortedByID(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	for _, id := range []string{"zeta/tool", "alpha/tool", "mid/tool"} {
		m := testManifest(id, "1.0.0")
		transport.publish(m, packagePlugin(t, m, goodScript))
	}
	mgr, _ := newTestManager(t, transport)
	for _, id := range []string{"zeta/tool", "alpha/tool", "mid/tool"} {
		if _, err := mgr.Install(ctx, id, ""); err != nil {
			t.Fatalf("Install(%s) error = %v", id, err)
		}
	}

	states := mgr.List()
	if len(states) != 3 {
		t.Fatalf("expected 3 plugins, got %d", len(states))
	}
	want := []string{"alpha/tool", "mid/tool", "zeta/tool"}
	for i, id := range want {
		if states[i].ID != id {
			t.Errorf("List()[%d] = %s, want %s", i, states[i].ID, id)
		}
	}
}

func TestSearchRegistryAugmentsInstalled(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	installed := testManifest("acme/installed", "1.2.0")
	other := testManifest("acme/other", "1.0.0")
	transport.publish(installed, packagePlugin(t, installed, goodScript))
	transport.publish(other, packagePlugin(t, other, goodScript))
	mgr, _ := newTestManager(t, transport)

	if _, err := mgr.Install(ctx, "acme/installed", ""); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	results, err := mgr.SearchRegistry(ctx, "", registry.DefaultSearchOptions())
	if err != nil {
		t.Fatalf("SearchRegistry() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		switch r.Entry.ID {
		case "acme/installed":
			if !r.Installed || r.InstalledVersion != "1.2.0" {
				t.Errorf("expected installed=true version=1.2.0, got %v %s", r.Installed, r.InstalledVersion)
			}
		case "acme/other":
			if r.Installed {
				t.Error("expected acme/other to be marked not installed")
			}
		}
	}
}

func TestEnableUnknownPlugin(t *testing.T) {
	mgr, _ := newTestManager(t, newFakeTransport())
	if err := mgr.Enable(context.Background(), "nobody/home"); !pluginsdk.IsKind(err, pluginsdk.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

// Lifecycle transitions on one plugin must not race concurrent reads and
// executions. Run with -race.
func TestConcurrentLifecycleAndExecute(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	transport.publish(testManifest("acme/tools", "1.0.0"), packagePlugin(t, testManifest("acme/tools", "1.0.0"), goodScript))
	mgr, _ := newTestManager(t, transport)

	if _, err := mgr.Install(ctx, "acme/tools", ""); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := mgr.Enable(ctx, "acme/tools"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	const rounds = 50
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if err := mgr.Disable(ctx, "acme/tools"); err != nil {
				t.Errorf("Disable() error = %v", err)
				return
			}
			if err := mgr.Enable(ctx, "acme/tools"); err != nil {
				t.Errorf("Enable() error = %v", err)
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			// Calls landing mid-transition fail with not_available;
			// anything else is a bug.
			_, err := mgr.Execute(ctx, "acme/tools", "ping", json.RawMessage(`{"value":1}`))
			if err != nil && !pluginsdk.IsKind(err, pluginsdk.KindNotAvailable) {
				t.Errorf("Execute() error = %v", err)
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if _, err := mgr.Get("acme/tools"); err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			mgr.List()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if _, err := mgr.SetConfig(ctx, "acme/tools", map[string]any{"n": i}); err != nil {
				t.Errorf("SetConfig() error = %v", err)
				return
			}
		}
	}()

	wg.Wait()

	if err := mgr.Enable(ctx, "acme/tools"); err != nil {
		t.Fatalf("Enable() after churn error = %v", err)
	}
	if _, err := mgr.Execute(ctx, "acme/tools", "ping", json.RawMessage(`{"value":2}`)); err != nil {
		t.Fatalf("Execute() after churn error = %v", err)
	}
}
