package agent

import (
	"context"
	"fmt"
	"log/slog"

	lua "github.com/yuin/gopher-lua"

	"github.com/mtzanidakis/maestro/internal/manifest"
)

// CodeBackend runs the agent's Lua script in a sandbox. The script sees the
// step input as the global `input` and the context items as the array
// `context`. Its result is the value it returns, or the final value of
// `input` when it returns nothing.
type CodeBackend struct {
	agent *manifest.Agent
}

func NewCodeBackend(a *manifest.Agent) *CodeBackend {
	return &CodeBackend{agent: a}
}

func (b *CodeBackend) Invoke(ctx context.Context, input string, context []string) (string, error) {
	// A fresh state per call: LState is not safe for concurrent use and
	// parallel steps may call the same agent at once.
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(b.luaLog))

	L.SetGlobal("input", lua.LString(input))
	items := L.NewTable()
	for i, c := range context {
		items.RawSetInt(i+1, lua.LString(c))
	}
	L.SetGlobal("context", items)

	fn, err := L.LoadString(b.agent.Spec.Code)
	if err != nil {
		return "", fmt.Errorf("load script: %w", err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return "", fmt.Errorf("run script: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	if ret == lua.LNil {
		ret = L.GetGlobal("input")
	}

	switch v := ret.(type) {
	case lua.LString:
		return string(v), nil
	case lua.LNumber, lua.LBool:
		return v.String(), nil
	default:
		return "", fmt.Errorf("script produced a %s, want a string", ret.Type())
	}
}

func (b *CodeBackend) luaLog(L *lua.LState) int {
	slog.Debug("code agent", "agent", b.agent.Name(), "msg", L.CheckString(1))
	return 0
}

// openSafeLibs loads base, table, string and math without file, OS or
// module access.
func openSafeLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "print"} {
		L.SetGlobal(name, lua.LNil)
	}
	if math, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(math, "random", lua.LNil)
		L.SetField(math, "randomseed", lua.LNil)
	}
}
