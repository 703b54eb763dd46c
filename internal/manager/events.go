package manager

import "time"

// EventType identifies a lifecycle transition emitted by the manager.
type EventType string

const (
	EventInstalled     EventType = "plugin.installed"
	EventInstallFailed EventType = "plugin.install_failed"
	EventUninstalled   EventType = "plugin.uninstalled"
	EventEnabled       EventType = "plugin.enabled"
	EventDisabled      EventType = "plugin.disabled"
	EventUpdated       EventType = "plugin.updated"
	EventErrored       EventType = "plugin.errored"
)

// Event describes one lifecycle transition.
type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	PluginID string    `json:"pluginId"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// EventSink receives lifecycle events. Sinks must not block; the manager
// calls them synchronously while holding per-plugin locks.
type EventSink func(Event)
