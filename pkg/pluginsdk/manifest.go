// Package pluginsdk provides the shared plugin types for Quill: manifests,
// permission grants, persisted state, and catalog metadata.
package pluginsdk

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/blang/semver/v4"
)

// ManifestFilename is the descriptor file stored in every plugin directory.
const ManifestFilename = "quill.plugin.json"

// PluginType classifies what a plugin contributes to the host.
type PluginType string

const (
	TypeTool        PluginType = "tool"
	TypeAgent       PluginType = "agent"
	TypeUI          PluginType = "ui"
	TypeIntegration PluginType = "integration"
	TypeWorkflow    PluginType = "workflow"
)

var validTypes = map[PluginType]bool{
	TypeTool:        true,
	TypeAgent:       true,
	TypeUI:          true,
	TypeIntegration: true,
	TypeWorkflow:    true,
}

// Manifest describes a plugin's identity, entry points, and requested
// capabilities. Immutable once loaded.
type Manifest struct {
	// ID is the unique plugin identifier (e.g., "org/web-scraper").
	ID string `json:"id"`

	// Name is the human-readable plugin name.
	Name string `json:"name"`

	// Description explains what the plugin does.
	Description string `json:"description,omitempty"`

	// Version is the semantic version of this plugin (e.g., "1.2.3").
	Version string `json:"version"`

	// Type is one of: tool, agent, ui, integration, workflow.
	Type PluginType `json:"type"`

	// Engine is the semver range of host versions this plugin supports
	// (e.g., ">=0.3.0 <1.0.0"). Empty means any host version.
	Engine string `json:"engine,omitempty"`

	// Capabilities are the named abilities the plugin declares it may use
	// (e.g., "fs:read", "agents:execute").
	Capabilities []string `json:"capabilities,omitempty"`

	// Permissions are the host-approved grants actually allowed at runtime.
	// Absence of a grant means denial.
	Permissions Permissions `json:"permissions"`

	// Entry names the plugin's entry points inside its package.
	Entry Entry `json:"entry"`

	// ConfigSchema is the JSON Schema for plugin configuration.
	ConfigSchema json.RawMessage `json:"configSchema,omitempty"`

	// ConfigDefaults are default config values merged under user overrides.
	ConfigDefaults map[string]any `json:"configDefaults,omitempty"`
}

// Entry names the script files a plugin package provides.
type Entry struct {
	// Main is the relative path to the main script (required).
	Main string `json:"main"`

	// Worker is an optional background worker script.
	Worker string `json:"worker,omitempty"`

	// UI is an optional UI surface script.
	UI string `json:"ui,omitempty"`
}

// Permissions are the fine-grained grants approved for a plugin. Every
// optional field defaults to its zero value: an absent permission is a denial.
type Permissions struct {
	Filesystem FilesystemPermissions `json:"filesystem,omitempty"`
	Network    NetworkPermissions    `json:"network,omitempty"`
	Agent      AgentPermissions      `json:"agent,omitempty"`
	Model      ModelPermissions      `json:"model,omitempty"`
	Memory     MemoryPermissions     `json:"memory,omitempty"`
	UI         UIPermissions         `json:"ui,omitempty"`
}

// FilesystemPermissions grant access to paths inside the plugin's private
// directory, expressed as glob patterns relative to that directory.
type FilesystemPermissions struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
}

// NetworkPermissions grant outbound network access.
type NetworkPermissions struct {
	// Domains is the allow-list of hosts; "*.example.com" matches subdomains.
	Domains []string `json:"domains,omitempty"`

	// External must be true for any outbound request to be considered.
	External bool `json:"external,omitempty"`
}

// AgentPermissions grant access to the host's agent runtime.
type AgentPermissions struct {
	Create  bool `json:"create,omitempty"`
	Execute bool `json:"execute,omitempty"`
	Manage  bool `json:"manage,omitempty"`
}

// ModelPermissions grant access to specific models.
type ModelPermissions struct {
	// Access lists the model ids the plugin may address.
	Access []string `json:"access,omitempty"`

	// Execute must be true for the plugin to run inference at all.
	Execute bool `json:"execute,omitempty"`
}

// MemoryPermissions grant access to the host's memory engine.
type MemoryPermissions struct {
	Store  bool `json:"store,omitempty"`
	Search bool `json:"search,omitempty"`
}

// UIPermissions grant access to host UI surfaces.
type UIPermissions struct {
	Panels   bool `json:"panels,omitempty"`
	Menus    bool `json:"menus,omitempty"`
	Commands bool `json:"commands,omitempty"`
}

// DecodeManifest decodes and validates a manifest from raw JSON.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewError(KindValidation, "decode manifest", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeManifestFile reads and decodes a manifest descriptor file.
func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(data)
}

// Validate checks that required fields are present and well-typed.
func (m *Manifest) Validate() error {
	if m == nil {
		return Errorf(KindValidation, "manifest is nil")
	}
	if strings.TrimSpace(m.ID) == "" {
		return Errorf(KindValidation, "manifest id is required")
	}
	if strings.ContainsAny(m.ID, "\\:*?\"<>|") {
		return Errorf(KindValidation, "manifest id contains invalid characters: %q", m.ID)
	}
	if strings.TrimSpace(m.Name) == "" {
		return Errorf(KindValidation, "manifest name is required")
	}
	if _, err := semver.Parse(m.Version); err != nil {
		return NewError(KindValidation, fmt.Sprintf("manifest version %q is not valid semver", m.Version), err)
	}
	if !validTypes[m.Type] {
		return Errorf(KindValidation, "manifest type %q is not one of tool, agent, ui, integration, workflow", m.Type)
	}
	if strings.TrimSpace(m.Entry.Main) == "" {
		return Errorf(KindValidation, "manifest entry.main is required")
	}
	declared := make(map[string]bool, len(m.Capabilities))
	for _, c := range m.Capabilities {
		declared[c] = true
	}
	for _, tag := range m.grantedCapabilities() {
		if !declared[tag] {
			return Errorf(KindValidation, "permission grant requires undeclared capability %q", tag)
		}
	}
	return nil
}

// grantedCapabilities lists the capability tags implied by the manifest's
// permission grants. Each one must appear in Capabilities for the manifest
// to validate: grants are a subset of what the plugin declares.
func (m *Manifest) grantedCapabilities() []string {
	var tags []string
	p := m.Permissions
	if len(p.Filesystem.Read) > 0 {
		tags = append(tags, "fs:read")
	}
	if len(p.Filesystem.Write) > 0 {
		tags = append(tags, "fs:write")
	}
	if p.Network.External || len(p.Network.Domains) > 0 {
		tags = append(tags, "net:fetch")
	}
	if p.Agent.Create {
		tags = append(tags, "agents:create")
	}
	if p.Agent.Execute {
		tags = append(tags, "agents:execute")
	}
	if p.Agent.Manage {
		tags = append(tags, "agents:manage")
	}
	if p.Model.Execute || len(p.Model.Access) > 0 {
		tags = append(tags, "models:execute")
	}
	if p.Memory.Store {
		tags = append(tags, "memory:store")
	}
	if p.Memory.Search {
		tags = append(tags, "memory:search")
	}
	if p.UI.Panels {
		tags = append(tags, "ui:panels")
	}
	if p.UI.Menus {
		tags = append(tags, "ui:menus")
	}
	if p.UI.Commands {
		tags = append(tags, "ui:commands")
	}
	return tags
}

// EngineSupported checks the manifest's engine range against the host
// version. An unparsable range or host version fails closed.
func (m *Manifest) EngineSupported(hostVersion string) error {
	if strings.TrimSpace(m.Engine) == "" {
		return nil
	}
	rng, err := semver.ParseRange(m.Engine)
	if err != nil {
		return NewError(KindValidation, fmt.Sprintf("manifest engine range %q is invalid", m.Engine), err)
	}
	host, err := semver.Parse(hostVersion)
	if err != nil {
		return NewError(KindValidation, fmt.Sprintf("host version %q is not valid semver", hostVersion), err)
	}
	if !rng(host) {
		return Errorf(KindValidation, "plugin requires host %s, host is %s", m.Engine, hostVersion)
	}
	return nil
}
