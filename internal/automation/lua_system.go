//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-resty/resty/v2"
	lua "github.com/yuin/gopher-lua"
)

const (
	defaultExecTimeout  = 10 * time.Second
	maxExecOutput       = 64 << 10
	defaultTelegramAPI  = "https://api.telegram.org"
	telegramSendTimeout = 10 * time.Second
)

// SystemConfig holds configuration for the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // absolute paths scripts may run
	ExecTimeout   time.Duration // per command
}

// TelegramConfig holds configuration for the telegram Lua module.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	APIURL   string // defaults to the public Bot API
}

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(systemDatetime))
	mod.RawSetString("time_between", L.NewFunction(systemTimeBetween))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int { return systemLog(L, e) }))
	mod.RawSetString("exec", L.NewFunction(func(L *lua.LState) int { return systemExec(L, e) }))
	L.SetGlobal("system", mod)
}

// registerTelegramModule registers the `telegram` global table in a Lua state.
func registerTelegramModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int { return telegramSend(L, e) }))
	L.SetGlobal("telegram", mod)
}

// system.datetime(component)
func systemDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	now := time.Now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from_hour, to_hour) wraps around midnight when
// from > to.
func systemTimeBetween(L *lua.LState) int {
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// system.log(level, msg)
func systemLog(L *lua.LState, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}

// system.exec(path, args...) runs an allowlisted binary and returns its
// stdout, or "" when blocked or failed.
func systemExec(L *lua.LState, e *Engine) int {
	binary := L.CheckString(1)
	var args []string
	for i := 2; i <= L.GetTop(); i++ {
		args = append(args, L.CheckString(i))
	}

	if !filepath.IsAbs(binary) || !slices.Contains(e.systemCfg.ExecAllowlist, binary) {
		e.logger.Warn("exec blocked", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	out, err := runCommand(context.Background(), timeout, binary, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.logger.Warn("exec timeout", "cmd", binary, "timeout", timeout)
		} else {
			e.logger.Warn("exec failed", "cmd", binary, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}
	if len(out) > maxExecOutput {
		out = out[:maxExecOutput]
	}
	L.Push(lua.LString(out))
	return 1
}

// telegram.send(msg) posts to every configured chat in the background.
func telegramSend(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	cfg := e.telegramCfg

	if cfg.BotToken == "" || len(cfg.ChatIDs) == 0 {
		e.logger.Warn("telegram.send: bot_token or chat_ids not configured")
		return 0
	}
	base := cfg.APIURL
	if base == "" {
		base = defaultTelegramAPI
	}

	client := resty.New().SetBaseURL(base).SetTimeout(telegramSendTimeout)
	for _, chatID := range cfg.ChatIDs {
		go func() {
			resp, err := client.R().
				SetBody(map[string]string{"chat_id": chatID, "text": msg}).
				Post("/bot" + cfg.BotToken + "/sendMessage")
			if err != nil {
				e.logger.Error("telegram send", "chat_id", chatID, "err", err)
				return
			}
			if resp.IsError() {
				e.logger.Warn("telegram send rejected", "chat_id", chatID, "status", resp.StatusCode())
			}
		}()
	}
	return 0
}
