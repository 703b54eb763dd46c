package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dop251/goja"
)

// AgentRuntime is the host's agent subsystem, consumed through a narrow
// interface; its implementation lives outside this subsystem.
type AgentRuntime interface {
	CreateAgent(ctx context.Context, spec map[string]any) (string, error)
	ExecuteAgent(ctx context.Context, agentID, input string) (string, error)
	ManageAgent(ctx context.Context, agentID, action string) error
}

// ModelManager runs inference on behalf of plugins.
type ModelManager interface {
	ExecuteModel(ctx context.Context, modelID, prompt string) (string, error)
}

// MemoryEngine is the host's long-term semantic memory store.
type MemoryEngine interface {
	Store(ctx context.Context, key, value string) error
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// UIHost receives UI surface registrations from plugins.
type UIHost interface {
	RegisterCommand(pluginID, commandID string) error
	RegisterMenu(pluginID, menuID string) error
	Notify(pluginID, message string) error
}

// Fetcher performs outbound requests for sandboxed fetch calls.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Collaborators bundles the external subsystems a sandbox forwards into.
// Nil fields fall back to no-op implementations.
type Collaborators struct {
	Agents  AgentRuntime
	Models  ModelManager
	Memory  MemoryEngine
	UI      UIHost
	Fetcher Fetcher
}

func (c Collaborators) withDefaults() Collaborators {
	if c.Agents == nil {
		c.Agents = nopCollaborator{}
	}
	if c.Models == nil {
		c.Models = nopCollaborator{}
	}
	if c.Memory == nil {
		c.Memory = nopCollaborator{}
	}
	if c.UI == nil {
		c.UI = nopCollaborator{}
	}
	if c.Fetcher == nil {
		c.Fetcher = &httpFetcher{client: &http.Client{Timeout: 30 * time.Second}}
	}
	return c
}

// nopCollaborator satisfies every collaborator interface with benign zero
// results, for hosts that do not wire a subsystem.
type nopCollaborator struct{}

func (nopCollaborator) CreateAgent(context.Context, map[string]any) (string, error) {
	return "", nil
}
func (nopCollaborator) ExecuteAgent(context.Context, string, string) (string, error) {
	return "", nil
}
func (nopCollaborator) ManageAgent(context.Context, string, string) error   { return nil }
func (nopCollaborator) ExecuteModel(context.Context, string, string) (string, error) {
	return "", nil
}
func (nopCollaborator) Store(context.Context, string, string) error { return nil }
func (nopCollaborator) Search(context.Context, string, int) ([]string, error) {
	return nil, nil
}
func (nopCollaborator) RegisterCommand(string, string) error { return nil }
func (nopCollaborator) RegisterMenu(string, string) error    { return nil }
func (nopCollaborator) Notify(string, string) error          { return nil }

type httpFetcher struct {
	client *http.Client
}

const maxFetchBytes = 10 * 1024 * 1024

func (f *httpFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
}

// installHostAPI exposes the permission-gated host surface to the plugin as
// a global `quill` object. Every capability call passes through the gate
// before it forwards anywhere.
func (w *worker) installHostAPI(vm *goja.Runtime) error {
	gate := w.gate
	collabs := w.collabs
	pluginID := w.pluginID
	logger := w.logger
	ctx := w.ctx

	host := vm.NewObject()

	if err := host.Set("register", func(name string, fn goja.Callable) {
		w.handlers[name] = fn
	}); err != nil {
		return err
	}

	if err := host.Set("log", func(msg string) {
		logger.Info("plugin log", "plugin", pluginID, "message", msg)
	}); err != nil {
		return err
	}

	if err := host.Set("readFile", func(path string) (string, error) {
		abs, err := gate.CheckRead(path)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return string(data), nil
	}); err != nil {
		return err
	}

	if err := host.Set("writeFile", func(path, data string) error {
		abs, err := gate.CheckWrite(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("create parent directory: %w", err)
		}
		if err := os.WriteFile(abs, []byte(data), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := host.Set("fetch", func(url string) (string, error) {
		if err := gate.CheckFetch(url); err != nil {
			return "", err
		}
		body, err := collabs.Fetcher.Fetch(ctx, url)
		if err != nil {
			return "", err
		}
		return string(body), nil
	}); err != nil {
		return err
	}

	agent := vm.NewObject()
	if err := agent.Set("create", func(spec map[string]any) (string, error) {
		if err := gate.CheckAgent(AgentCreate); err != nil {
			return "", err
		}
		return collabs.Agents.CreateAgent(ctx, spec)
	}); err != nil {
		return err
	}
	if err := agent.Set("execute", func(agentID, input string) (string, error) {
		if err := gate.CheckAgent(AgentExecute); err != nil {
			return "", err
		}
		return collabs.Agents.ExecuteAgent(ctx, agentID, input)
	}); err != nil {
		return err
	}
	if err := agent.Set("manage", func(agentID, action string) error {
		if err := gate.CheckAgent(AgentManage); err != nil {
			return err
		}
		return collabs.Agents.ManageAgent(ctx, agentID, action)
	}); err != nil {
		return err
	}
	if err := host.Set("agent", agent); err != nil {
		return err
	}

	model := vm.NewObject()
	if err := model.Set("execute", func(modelID, prompt string) (string, error) {
		if err := gate.CheckModel(modelID); err != nil {
			return "", err
		}
		return collabs.Models.ExecuteModel(ctx, modelID, prompt)
	}); err != nil {
		return err
	}
	if err := host.Set("model", model); err != nil {
		return err
	}

	memory := vm.NewObject()
	if err := memory.Set("store", func(key, value string) error {
		if err := gate.CheckMemory(MemoryStore); err != nil {
			return err
		}
		return collabs.Memory.Store(ctx, key, value)
	}); err != nil {
		return err
	}
	if err := memory.Set("search", func(query string, limit int) ([]string, error) {
		if err := gate.CheckMemory(MemorySearch); err != nil {
			return nil, err
		}
		return collabs.Memory.Search(ctx, query, limit)
	}); err != nil {
		return err
	}
	if err := host.Set("memory", memory); err != nil {
		return err
	}

	ui := vm.NewObject()
	if err := ui.Set("registerCommand", func(commandID string) error {
		if err := gate.CheckUI(UICommands); err != nil {
			return err
		}
		return collabs.UI.RegisterCommand(pluginID, commandID)
	}); err != nil {
		return err
	}
	if err := ui.Set("registerMenu", func(menuID string) error {
		if err := gate.CheckUI(UIMenus); err != nil {
			return err
		}
		return collabs.UI.RegisterMenu(pluginID, menuID)
	}); err != nil {
		return err
	}
	if err := ui.Set("notify", func(message string) error {
		if err := gate.CheckUI(UIPanels); err != nil {
			return err
		}
		return collabs.UI.Notify(pluginID, message)
	}); err != nil {
		return err
	}
	if err := host.Set("ui", ui); err != nil {
		return err
	}

	return vm.Set("quill", host)
}
