// Package sandbox runs one plugin in an isolated execution context and
// brokers every host capability call through a permission gate.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quillhost/quill/pkg/pluginsdk"
)

// DefaultCallTimeout bounds how long an RPC call waits for a response.
const DefaultCallTimeout = 30 * time.Second

// State is the sandbox lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithTimeout sets the per-call RPC timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sandbox) {
		s.logger = logger
	}
}

// WithCollaborators wires the external subsystems exposed to the plugin.
func WithCollaborators(c Collaborators) Option {
	return func(s *Sandbox) {
		s.collabs = c
	}
}

// Sandbox is the host-side handle for one plugin's isolated worker. Runtime
// only; never persisted.
type Sandbox struct {
	pluginID string
	dir      string
	entries  []string
	gate     *Gate
	collabs  Collaborators
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	state  State
	worker *worker
	cancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan *response
}

// New builds a sandbox for a plugin extracted under dir. The permission
// grants are frozen here; later manifest mutations have no effect.
func New(manifest *pluginsdk.Manifest, dir string, opts ...Option) *Sandbox {
	entries := []string{filepath.Join(dir, filepath.FromSlash(manifest.Entry.Main))}
	if manifest.Entry.Worker != "" {
		entries = append(entries, filepath.Join(dir, filepath.FromSlash(manifest.Entry.Worker)))
	}

	s := &Sandbox{
		pluginID: manifest.ID,
		dir:      dir,
		entries:  entries,
		gate:     NewGate(dir, manifest.Permissions),
		timeout:  DefaultCallTimeout,
		logger:   slog.Default().With("component", "sandbox"),
		pending:  make(map[string]chan *response),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Gate returns the sandbox's permission gate.
func (s *Sandbox) Gate() *Gate {
	return s.gate
}

// Initialize spawns the worker and evaluates the plugin's entry points.
// A spawn or evaluation failure terminates the sandbox and has no side
// effects on other plugins.
func (s *Sandbox) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateReady, StateInitializing:
		return pluginsdk.Errorf(pluginsdk.KindSandboxInit, "sandbox for %s already initialized", s.pluginID)
	case StateTerminated:
		return pluginsdk.Errorf(pluginsdk.KindSandboxInit, "sandbox for %s is terminated", s.pluginID)
	}
	s.state = StateInitializing

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := newWorker(workerCtx, s.pluginID, s.entries, s.gate, s.collabs, s.logger)

	if err := w.start(); err != nil {
		cancel()
		s.state = StateTerminated
		return pluginsdk.NewError(pluginsdk.KindSandboxInit, fmt.Sprintf("start worker for %s", s.pluginID), err)
	}

	s.worker = w
	s.cancel = cancel
	go w.serve()
	go s.dispatch(w)
	s.state = StateReady

	s.logger.Debug("sandbox ready", "plugin", s.pluginID)
	return nil
}

// dispatch resolves pending requests as responses arrive from the worker.
// A response whose id has no pending entry (already timed out) is dropped.
func (s *Sandbox) dispatch(w *worker) {
	for {
		select {
		case <-w.done:
			return
		case resp := <-w.respCh:
			s.pendingMu.Lock()
			ch, ok := s.pending[resp.ID]
			if ok {
				delete(s.pending, resp.ID)
			}
			s.pendingMu.Unlock()
			if !ok {
				s.logger.Debug("dropping late response", "plugin", s.pluginID, "id", resp.ID)
				continue
			}
			ch <- resp
		}
	}
}

// Execute performs one RPC call against the plugin. Multiple calls may be
// in flight concurrently; each is correlated by an unguessable id and bounded
// by the sandbox timeout.
func (s *Sandbox) Execute(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return nil, pluginsdk.Errorf(pluginsdk.KindNotAvailable, "sandbox for %s is %s", s.pluginID, state)
	}
	w := s.worker
	s.mu.Unlock()

	id := newCorrelationID()
	ch := make(chan *response, 1)

	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	req := &request{ID: id, Method: method, Args: args}
	select {
	case w.reqCh <- req:
	case <-w.done:
		s.removePending(id)
		return nil, pluginsdk.Errorf(pluginsdk.KindNotAvailable, "sandbox for %s terminated", s.pluginID)
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil || resp.Err != "" {
			return nil, wireError(resp)
		}
		return resp.Result, nil
	case <-timer.C:
		s.removePending(id)
		return nil, pluginsdk.Errorf(pluginsdk.KindTimeout, "call %s on %s timed out after %s", method, s.pluginID, s.timeout)
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	case <-w.done:
		s.removePending(id)
		return nil, pluginsdk.Errorf(pluginsdk.KindNotAvailable, "sandbox for %s terminated", s.pluginID)
	}
}

func (s *Sandbox) removePending(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// PendingCalls reports the number of in-flight RPC requests.
func (s *Sandbox) PendingCalls() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Enable invokes the plugin's enable hook. Plugins without one succeed.
func (s *Sandbox) Enable(ctx context.Context) error {
	_, err := s.Execute(ctx, methodEnable, nil)
	return err
}

// Disable invokes the plugin's disable hook.
func (s *Sandbox) Disable(ctx context.Context) error {
	_, err := s.Execute(ctx, methodDisable, nil)
	return err
}

// NotifyConfig sends the merged config to the plugin's config hook.
func (s *Sandbox) NotifyConfig(ctx context.Context, config map[string]any) error {
	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.Execute(ctx, methodConfigChanged, payload)
	return err
}

// Terminate forcibly tears down the worker and rejects every still-pending
// request. Idempotent.
func (s *Sandbox) Terminate() error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	s.state = StateTerminated
	w := s.worker
	cancel := s.cancel
	s.mu.Unlock()

	if w != nil {
		w.stop()
	}
	if cancel != nil {
		cancel()
	}

	s.pendingMu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- &response{ID: id, Err: string(pluginsdk.KindNotAvailable) + ": sandbox terminated"}
	}
	s.pendingMu.Unlock()

	s.logger.Debug("sandbox terminated", "plugin", s.pluginID)
	return nil
}

// wireKinds are the error kinds that survive the worker boundary. Errors
// cross the boundary as strings, so the kind is recovered from the prefix
// the Error type prints.
var wireKinds = []pluginsdk.ErrorKind{
	pluginsdk.KindPathTraversal,
	pluginsdk.KindPermissionDenied,
	pluginsdk.KindValidation,
	pluginsdk.KindTimeout,
	pluginsdk.KindNotAvailable,
	pluginsdk.KindNotFound,
}

func wireError(resp *response) error {
	if resp == nil {
		return pluginsdk.Errorf(pluginsdk.KindNotAvailable, "no response")
	}
	for _, kind := range wireKinds {
		if strings.Contains(resp.Err, string(kind)+":") {
			return pluginsdk.Errorf(kind, "%s", resp.Err)
		}
	}
	return fmt.Errorf("plugin call failed: %s", resp.Err)
}
