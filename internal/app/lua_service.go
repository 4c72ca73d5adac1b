package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dingzd/internal/config"
	"github.com/dokzlo13/dingzd/internal/eventbus"
	luart "github.com/dokzlo13/dingzd/internal/lua"
	"github.com/dokzlo13/dingzd/internal/lua/modules"
)

// LuaService wraps the Lua runtime that runs the optional hook script.
type LuaService struct {
	cfg     *config.Config
	Runtime *luart.Runtime
	done    chan struct{} // closed when the worker exits; nil until started
}

// NewLuaService creates a new LuaService.
func NewLuaService(cfg *config.Config, devices modules.Controller) *LuaService {
	return &LuaService{
		cfg:     cfg,
		Runtime: luart.NewRuntime(devices),
	}
}

// Enabled reports whether a script is configured.
func (s *LuaService) Enabled() bool {
	return s.cfg.Script != ""
}

// LoadScript loads and executes the Lua script.
// Must be called before Start().
func (s *LuaService) LoadScript() error {
	if !s.Enabled() {
		return nil
	}
	return s.Runtime.LoadScript(s.cfg.Script)
}

// Start subscribes the script hooks and begins the Lua worker goroutine.
func (s *LuaService) Start(ctx context.Context, bus *eventbus.Bus) {
	if !s.Enabled() {
		log.Debug().Msg("No Lua script configured")
		return
	}

	s.Runtime.Subscribe(ctx, bus)
	s.done = make(chan struct{})

	// This is the ONLY goroutine that touches Lua
	go func() {
		defer close(s.done)
		s.Runtime.Run(ctx)
	}()
}

// Close closes the Lua runtime once the worker has drained.
// The context passed to Start must already be cancelled.
func (s *LuaService) Close() {
	if s.Runtime == nil {
		return
	}
	if s.done != nil {
		<-s.done
	}
	s.Runtime.Close()
}
