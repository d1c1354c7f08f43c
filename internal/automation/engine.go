//go:build !no_automation

// Package automation runs user Lua scripts that react to alarm lifecycle
// notifications from the event bus.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"devices-manager/internal/events"
	"devices-manager/internal/store"
)

const (
	runTimeout   = 5 * time.Second
	commandQueue = 64
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Groups reports group lifecycle state to scripts.
type Groups interface {
	Status(id string) (store.GroupStatus, error)
}

// AlarmStopper ends the running alarm session.
type AlarmStopper interface {
	StopAlarm()
}

// luaEventHandler is a Lua callback registered with security.on. Empty
// filters match anything.
type luaEventHandler struct {
	msgType string
	group   string
	device  string
	kind    string
	status  string
	fn      *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine manages Lua VMs and dispatches bus messages to scripts.
type Engine struct {
	bus     *events.Bus
	groups  Groups
	alarm   AlarmStopper
	manager *Manager
	logger  *slog.Logger

	systemCfg   SystemConfig
	telegramCfg TelegramConfig

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(bus *events.Bus, groups Groups, alarm AlarmStopper, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig, teleCfg TelegramConfig) *Engine {
	return &Engine{
		bus:         bus,
		groups:      groups,
		alarm:       alarm,
		manager:     mgr,
		logger:      logger.With("component", "automation"),
		systemCfg:   sysCfg,
		telegramCfg: teleCfg,
		vms:         make(map[string]*scriptVM),
	}
}

// Start subscribes to the bus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.bus.OnAll(e.dispatch)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from the bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the running VM of a script, if any, and starts it
// again when the script is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return err
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// Running reports whether a script currently has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM with a short deadline. Handlers
// registered with security.on are invoked once with a synthetic message so
// their actions run. Log output is captured into the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	vm := e.newVM(ctx, cancel)
	L := vm.state
	defer L.Close()
	L.SetContext(ctx)

	var (
		logs  []string
		logMu sync.Mutex
	)
	capture := func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}
	overrideLog(L, "security", func(L *lua.LState) int {
		msg := L.CheckString(1)
		capture(msg)
		e.logger.Info("script run log", "msg", msg)
		return 0
	})
	overrideLog(L, "system", func(L *lua.LState) int {
		capture("[" + L.CheckString(1) + "] " + L.CheckString(2))
		return 0
	})

	fail := func(err error) *RunResult {
		msg := err.Error()
		if strings.Contains(msg, context.DeadlineExceeded.Error()) {
			msg = "timeout (" + runTimeout.String() + ")"
		}
		e.logger.Warn("script run failed", "err", msg)
		return &RunResult{OK: false, Error: msg, Logs: logs, Duration: time.Since(start).String()}
	}

	if err := L.DoString(code); err != nil {
		return fail(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		msg := L.NewTable()
		msg.RawSetString("type", lua.LString(h.msgType))
		for k, v := range map[string]string{"group_id": h.group, "device": h.device, "kind": h.kind, "status": h.status} {
			if v != "" {
				msg.RawSetString(k, lua.LString(v))
			}
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, msg); err != nil {
			return fail(err)
		}
	}

	return &RunResult{OK: true, Logs: logs, Duration: time.Since(start).String()}
}

func overrideLog(L *lua.LState, module string, fn lua.LGFunction) {
	if tbl, ok := L.GetGlobal(module).(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(fn))
	}
}

// newVM creates a sandboxed Lua state with the script modules registered.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerSecurityModule(L, vm, e)
	registerSystemModule(L, e)
	registerTelegramModule(L, e)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel)
	L := vm.state

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatch routes a bus message to every matching Lua handler. The bus
// emits while the group lifecycle lock is held, so this never blocks: a
// full VM queue drops the message.
func (e *Engine) dispatch(msg events.Message) {
	data := messageData(msg)

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		if vm.ctx.Err() != nil {
			continue
		}
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, msg.Type, data) {
				continue
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, msg.Type, data) }:
			default:
				e.logger.Warn("script queue full, dropping message", "type", msg.Type)
			}
		}
	}
}

// messageData flattens a bus message payload into a string-keyed map.
func messageData(msg events.Message) map[string]any {
	switch d := msg.Data.(type) {
	case map[string]any:
		return d
	case events.Event:
		return map[string]any{
			"id":           d.ID,
			"kind":         string(d.Kind),
			"group_id":     d.GroupID,
			"device_name":  d.DeviceName,
			"waiting":      d.Waiting,
			"timestamp":    d.Timestamp,
			"has_evidence": len(d.Evidence) > 0,
		}
	}
	return nil
}

func matchesHandler(h luaEventHandler, msgType string, data map[string]any) bool {
	if h.msgType != msgType {
		return false
	}
	field := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := data[k].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}
	if h.group != "" {
		// group_status carries the group under "id".
		group := field("group_id")
		if msgType == events.TypeGroupStatus {
			group = field("id")
		}
		if group != h.group {
			return false
		}
	}
	if h.device != "" && h.device != field("device", "device_name", "name") {
		return false
	}
	if h.kind != "" && h.kind != field("kind") {
		return false
	}
	if h.status != "" && h.status != field("status") {
		return false
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, msgType string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	tbl := L.NewTable()
	for k, v := range data {
		tbl.RawSetString(k, goToLua(L, v))
	}
	tbl.RawSetString("type", lua.LString(msgType))

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, tbl); err != nil {
		e.logger.Error("lua handler error", "type", msgType, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
