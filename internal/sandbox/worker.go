package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dop251/goja"
)

// worker owns the plugin's goja runtime. The runtime is not goroutine-safe,
// so every operation against it happens on the single goroutine running
// serve(); the host talks to it only through reqCh and respCh.
type worker struct {
	pluginID string
	entries  []string
	gate     *Gate
	collabs  Collaborators
	logger   *slog.Logger
	ctx      context.Context

	vm       *goja.Runtime
	handlers map[string]goja.Callable

	reqCh    chan *request
	respCh   chan *response
	done     chan struct{}
	stopOnce sync.Once
}

func newWorker(ctx context.Context, pluginID string, entries []string, gate *Gate, collabs Collaborators, logger *slog.Logger) *worker {
	return &worker{
		pluginID: pluginID,
		entries:  entries,
		gate:     gate,
		collabs:  collabs.withDefaults(),
		logger:   logger,
		ctx:      ctx,
		handlers: make(map[string]goja.Callable),
		reqCh:    make(chan *request, 16),
		respCh:   make(chan *response, 16),
		done:     make(chan struct{}),
	}
}

// start creates the runtime and evaluates the plugin's entry scripts. It is
// called before serve() so that a malformed entry point surfaces as an
// initialization error instead of a dead worker.
func (w *worker) start() error {
	w.vm = goja.New()
	w.vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	if err := w.installHostAPI(w.vm); err != nil {
		return fmt.Errorf("install host api: %w", err)
	}

	for _, entry := range w.entries {
		src, err := os.ReadFile(entry)
		if err != nil {
			return fmt.Errorf("read entry point: %w", err)
		}
		if _, err := w.vm.RunScript(entry, string(src)); err != nil {
			return fmt.Errorf("evaluate entry point: %w", err)
		}
	}
	return nil
}

// serve processes requests until the worker is stopped. Each call runs to
// completion on this goroutine; concurrency across calls is provided by the
// sandbox's pending table, not by parallel script execution.
func (w *worker) serve() {
	for {
		select {
		case <-w.done:
			return
		case req := <-w.reqCh:
			resp := w.handle(req)
			select {
			case w.respCh <- resp:
			case <-w.done:
				return
			}
		}
	}
}

func (w *worker) handle(req *request) *response {
	result, err := w.invoke(req.Method, req.Args)
	if err != nil {
		return &response{ID: req.ID, Err: err.Error()}
	}
	return &response{ID: req.ID, Result: result}
}

// invoke calls the registered handler with panic recovery; an interrupted or
// throwing script becomes an error response rather than a dead loop.
func (w *worker) invoke(method string, args json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			default:
				err = fmt.Errorf("plugin panic: %v", v)
			}
		}
	}()

	handler, ok := w.handlers[method]
	if !ok {
		// Lifecycle hooks are optional; a plugin without one succeeds.
		if method == methodEnable || method == methodDisable || method == methodConfigChanged {
			return nil, nil
		}
		return nil, fmt.Errorf("method %q not registered", method)
	}

	var arg goja.Value = goja.Undefined()
	if len(args) > 0 {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		arg = w.vm.ToValue(decoded)
	}

	value, err := handler(goja.Undefined(), arg)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("plugin interrupted: %v", interrupted.Value())
		}
		return nil, fmt.Errorf("plugin error: %w", err)
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	encoded, err := json.Marshal(value.Export())
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return encoded, nil
}

// stop interrupts any running script and shuts the serve loop down.
// Safe to call from any goroutine, idempotent.
func (w *worker) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.vm != nil {
			w.vm.Interrupt("sandbox terminated")
		}
		w.logger.Debug("worker stopped", "plugin", w.pluginID)
	})
}
