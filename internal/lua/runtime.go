// Package lua runs an optional user script whose hooks are called for
// device events. All Lua execution happens on a single worker goroutine.
package lua

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/dingzd/internal/eventbus"
	"github.com/dokzlo13/dingzd/internal/lua/modules"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = fmt.Errorf("lua runtime closed")

// Hook names looked up as globals in the script.
const (
	HookButton = "on_button"
	HookMotion = "on_motion"
	HookState  = "on_state"
)

// LuaWork represents work to be executed on the Lua VM.
// All Lua execution MUST go through this to ensure thread safety.
type LuaWork func(ctx context.Context)

// Runtime manages the Lua VM with single-threaded execution
type Runtime struct {
	L       *lua.LState
	devices modules.Controller

	workQueue chan LuaWork

	// Closing this channel signals senders to stop.
	closing   chan struct{}
	closeOnce sync.Once
	sub       *eventbus.Subscription
}

// NewRuntime creates a runtime with the log and device modules preloaded.
func NewRuntime(devices modules.Controller) *Runtime {
	r := &Runtime{
		L:         lua.NewState(),
		devices:   devices,
		workQueue: make(chan LuaWork, 100),
		closing:   make(chan struct{}),
	}
	r.L.PreloadModule("log", modules.NewLogModule().Loader)
	r.L.PreloadModule("device", modules.NewDeviceModule(devices).Loader)
	return r
}

// LoadScript executes a script file. Must be called before Run.
func (r *Runtime) LoadScript(path string) error {
	log.Info().Str("path", path).Msg("Loading Lua script")
	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}
	log.Info().Strs("hooks", r.Hooks()).Msg("Lua script loaded successfully")
	return nil
}

// LoadString executes script source. Must be called before Run.
func (r *Runtime) LoadString(src string) error {
	if err := r.L.DoString(src); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}
	return nil
}

// Hooks lists the hooks the loaded script defines.
func (r *Runtime) Hooks() []string {
	var out []string
	for _, name := range []string{HookButton, HookMotion, HookState} {
		if _, ok := r.L.GetGlobal(name).(*lua.LFunction); ok {
			out = append(out, name)
		}
	}
	return out
}

// Subscribe queues a hook call for every bus event that has one.
// Delivery never blocks the publisher; events are dropped when the queue is full.
func (r *Runtime) Subscribe(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.SubscribeAll(func(ev eventbus.Event) {
		hook, ok := hookFor(ev)
		if !ok {
			return
		}
		r.Do(ctx, func(ctx context.Context) {
			r.call(hook, ev)
		})
	})
	r.sub = &sub
}

func hookFor(ev eventbus.Event) (string, bool) {
	switch ev.(type) {
	case eventbus.ButtonPressed:
		return HookButton, true
	case eventbus.MotionPushed:
		return HookMotion, true
	case eventbus.StateUpdated:
		return HookState, true
	}
	return "", false
}

// call runs one hook on the worker goroutine.
func (r *Runtime) call(hook string, ev eventbus.Event) {
	fn, ok := r.L.GetGlobal(hook).(*lua.LFunction)
	if !ok {
		return
	}

	arg := map[string]any{"device": ev.Device(), "kind": ev.Kind().String()}
	switch e := ev.(type) {
	case eventbus.ButtonPressed:
		arg["button"] = e.Button
		arg["action"] = string(e.Action)
	case eventbus.MotionPushed:
		arg["motion"] = e.Motion
	case eventbus.StateUpdated:
		arg["channel"] = e.ChannelID
		if st, ok := r.devices.ChannelState(e.DeviceID, e.ChannelID); ok {
			arg["state"] = modules.StateToMap(st)
		}
	}

	if err := r.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, modules.MapToLuaTable(r.L, arg)); err != nil {
		log.Error().Err(err).Str("hook", hook).Str("device", ev.Device()).Msg("Lua hook failed")
	}
}

// Do queues work to be executed on the Lua VM without blocking.
// Returns false if the runtime is closing, the queue is full, or ctx is done.
func (r *Runtime) Do(ctx context.Context, work LuaWork) bool {
	select {
	case <-r.closing:
		return false
	case <-ctx.Done():
		return false
	default:
	}

	select {
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// DoSync queues work and blocks until it has run.
func (r *Runtime) DoSync(ctx context.Context, work LuaWork) error {
	done := make(chan struct{})
	wrapped := LuaWork(func(c context.Context) {
		defer close(done)
		work(c)
	})

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- wrapped:
	}

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Run is the only goroutine that touches the Lua state. It exits when ctx
// is cancelled or the runtime is closed, after draining queued work.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drainQueue(ctx)
			return
		case <-r.closing:
			return
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		}
	}
}

func (r *Runtime) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		default:
			return
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(ctx context.Context, work LuaWork) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Lua work panicked - worker continuing")
		}
	}()
	r.L.SetContext(ctx)
	work(ctx)
}

// Close stops accepting work and closes the Lua state. Call after Run returned.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
		if r.sub != nil {
			r.sub.Unsubscribe()
		}
		r.L.Close()
	})
}
