//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerSecurityModule registers the `security` global table in a Lua state.
func registerSecurityModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int { return securityOn(L, vm) }))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int { return securityLog(L, e) }))
	mod.RawSetString("group_status", L.NewFunction(func(L *lua.LState) int { return securityGroupStatus(L, e) }))
	mod.RawSetString("stop_alarm", L.NewFunction(func(L *lua.LState) int { return securityStopAlarm(L, e) }))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int { return securityAfter(L, vm, e) }))
	L.SetGlobal("security", mod)
}

// security.on(type, [filter], callback)
//
// filter may set group, device, kind and status.
func securityOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{msgType: L.CheckString(1)}

	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		get := func(key string) string {
			if v := filter.RawGetString(key); v != lua.LNil {
				return v.String()
			}
			return ""
		}
		h.group = get("group")
		h.device = get("device")
		h.kind = get("kind")
		h.status = get("status")
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// security.log(msg)
func securityLog(L *lua.LState, e *Engine) int {
	e.logger.Info("script log", "msg", L.CheckString(1))
	return 0
}

// security.group_status(id) returns the status string, or nil and an error.
func securityGroupStatus(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	if e.groups == nil {
		L.Push(lua.LNil)
		L.Push(lua.LString("groups unavailable"))
		return 2
	}
	status, err := e.groups.Status(id)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(status))
	return 1
}

// security.stop_alarm()
func securityStopAlarm(_ *lua.LState, e *Engine) int {
	if e.alarm == nil {
		return 0
	}
	e.logger.Info("alarm stopped by script")
	e.alarm.StopAlarm()
	return 0
}

// security.after(seconds, callback)
func securityAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		}
	}()
	return 0
}
