package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/observability"
)

// ErrClosed reports calls on a closed instance.
var ErrClosed = errors.New("script: instance closed")

// ErrInterrupted reports a handler stopped by its deadline.
var ErrInterrupted = errors.New("script: handler interrupted")

// Instance owns one goja runtime. Calls are serialised because goja runtimes
// are not safe for concurrent use.
type Instance struct {
	module  *Module
	logger  observability.Logger
	timeout time.Duration

	mu      sync.Mutex
	rt      *goja.Runtime
	handler goja.Callable
	closed  bool
}

// NewInstance executes the module in a fresh runtime. console.* calls are
// forwarded to the logger; timeout bounds each handler call (zero disables).
func NewInstance(module *Module, logger observability.Logger, timeout time.Duration) (*Instance, error) {
	if module == nil {
		return nil, fmt.Errorf("script instance: module required")
	}
	if logger == nil {
		logger = observability.Log()
	}
	rt := goja.New()
	exports, err := runModule(rt, module.Program, bindConsole(rt, logger, module.Name))
	if err != nil {
		return nil, fmt.Errorf("script instance: execute %s: %w", module.Path, err)
	}
	handler, ok := goja.AssertFunction(exports.Get(handlerExport))
	if !ok {
		return nil, fmt.Errorf("%w in %s", ErrHandlerMissing, module.Path)
	}
	return &Instance{
		module:  module,
		logger:  logger,
		timeout: timeout,
		rt:      rt,
		handler: handler,
	}, nil
}

// Name returns the module name.
func (i *Instance) Name() string { return i.module.Name }

// OnBar invokes the module's onBar export with the bar and subscription label.
func (i *Instance) OnBar(ctx context.Context, label string, bar schema.Bar) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Interrupt on deadline or cancellation. The watcher exits before
	// ClearInterrupt so a late interrupt cannot leak into the next call.
	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	var timer <-chan time.Time
	if i.timeout > 0 {
		t := time.NewTimer(i.timeout)
		defer t.Stop()
		timer = t.C
	}
	rt := i.rt
	go func() {
		defer close(watcherDone)
		select {
		case <-stop:
		case <-ctx.Done():
			rt.Interrupt("context done")
		case <-timer:
			rt.Interrupt("deadline exceeded")
		}
	}()

	_, err := i.handler(goja.Undefined(), rt.ToValue(barObject(bar)), rt.ToValue(label))
	close(stop)
	<-watcherDone
	rt.ClearInterrupt()

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return fmt.Errorf("%w: %v", ErrInterrupted, interrupted.Value())
		}
		return fmt.Errorf("script %s: %w", i.module.Name, err)
	}
	return nil
}

// Close releases the runtime. Further calls return ErrClosed.
func (i *Instance) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	i.rt = nil
}

func barObject(bar schema.Bar) map[string]any {
	return map[string]any{
		"symbol":   bar.Symbol,
		"exchange": bar.Exchange,
		"interval": string(bar.Interval),
		"time":     bar.Time.UnixMilli(),
		"open":     bar.Open.InexactFloat64(),
		"high":     bar.High.InexactFloat64(),
		"low":      bar.Low.InexactFloat64(),
		"close":    bar.Close.InexactFloat64(),
		"volume":   bar.Volume.InexactFloat64(),
	}
}

func bindConsole(rt *goja.Runtime, logger observability.Logger, name string) *goja.Object {
	console := rt.NewObject()
	emit := func(log func(string, ...observability.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			log(strings.Join(parts, " "), observability.String("script", name))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", emit(logger.Info))
	_ = console.Set("info", emit(logger.Info))
	_ = console.Set("warn", emit(logger.Warn))
	_ = console.Set("error", emit(logger.Error))
	return console
}
