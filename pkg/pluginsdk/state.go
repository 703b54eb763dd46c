package pluginsdk

import (
	"encoding/json"
	"strings"
	"time"
)

// StateFilename is the persisted state descriptor inside a plugin directory.
const StateFilename = "state.json"

// Status is the lifecycle status of an installed plugin.
type Status string

const (
	StatusInstalled Status = "installed"
	StatusEnabled   Status = "enabled"
	StatusDisabled  Status = "disabled"
	StatusError     Status = "error"
	StatusLoading   Status = "loading"
)

var validStatuses = map[Status]bool{
	StatusInstalled: true,
	StatusEnabled:   true,
	StatusDisabled:  true,
	StatusError:     true,
	StatusLoading:   true,
}

// Metrics tracks per-plugin execution accounting. Persisted with the state.
type Metrics struct {
	// LoadTimeMS is the wall-clock duration of the most recent call.
	LoadTimeMS int64 `json:"loadTimeMs"`

	// MemoryBytes is the last reported worker memory usage, if known.
	MemoryBytes int64 `json:"memoryBytes"`

	ExecutionCount int64 `json:"executionCount"`
	ErrorCount     int64 `json:"errorCount"`
}

// State is the mutable, persisted record for one installed plugin. Owned
// exclusively by the plugin manager; sandboxes never mutate it.
type State struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Version     string     `json:"version"`
	InstalledAt time.Time  `json:"installedAt"`
	EnabledAt   *time.Time `json:"enabledAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`

	// Config holds user overrides merged over the manifest defaults.
	Config map[string]any `json:"config,omitempty"`

	Metrics Metrics `json:"metrics"`
}

// NewState returns the state recorded immediately after a successful install.
func NewState(id, version string) *State {
	return &State{
		ID:          id,
		Status:      StatusInstalled,
		Version:     version,
		InstalledAt: time.Now(),
	}
}

// DecodeState decodes persisted state. An unrecognized status is replaced by
// StatusInstalled rather than failing: corrupted state must never block the
// host from starting.
func DecodeState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, NewError(KindValidation, "decode state", err)
	}
	if !validStatuses[s.Status] {
		s.Status = StatusInstalled
		s.EnabledAt = nil
	}
	return &s, nil
}

// Encode serializes the state for persistence.
func (s *State) Encode() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Validate checks the state references the expected plugin id.
func (s *State) Validate(id string) error {
	if s == nil {
		return Errorf(KindValidation, "state is nil")
	}
	if strings.TrimSpace(s.ID) == "" {
		return Errorf(KindValidation, "state id is required")
	}
	if id != "" && s.ID != id {
		return Errorf(KindValidation, "state id %q does not match plugin %q", s.ID, id)
	}
	return nil
}

// Clone returns a deep copy safe to hand to callers.
func (s *State) Clone() *State {
	out := *s
	if s.EnabledAt != nil {
		at := *s.EnabledAt
		out.EnabledAt = &at
	}
	if s.Config != nil {
		out.Config = make(map[string]any, len(s.Config))
		for k, v := range s.Config {
			out.Config[k] = v
		}
	}
	return &out
}
