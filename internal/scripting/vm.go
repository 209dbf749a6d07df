// Package scripting runs operator-supplied Lua hooks.
package scripting

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// VM wraps a Lua state. It is not safe for concurrent use.
type VM struct {
	L      *lua.LState
	logger *zap.SugaredLogger
}

// NewVM creates a new Lua VM with the standard libraries loaded.
func NewVM(logger *zap.SugaredLogger) *VM {
	L := lua.NewState(lua.Options{
		CallStackSize: 120,
		RegistrySize:  120 * 20,
	})

	return &VM{L: L, logger: logger}
}

// Close shuts down the Lua VM.
func (vm *VM) Close() {
	vm.L.Close()
}

// LoadScript loads and executes a Lua script file. The script may return
// a table of hook functions; it is kept on the stack for lookup.
func (vm *VM) LoadScript(path string) error {
	if err := vm.L.DoFile(path); err != nil {
		return fmt.Errorf("load script %s: %w", path, err)
	}
	return nil
}

// LoadString executes Lua source. Used by tests and inline hooks.
func (vm *VM) LoadString(src string) error {
	if err := vm.L.DoString(src); err != nil {
		return fmt.Errorf("load script: %w", err)
	}
	return nil
}

// Hook finds a hook function either in the table returned by the script
// or as a global.
func (vm *VM) Hook(name string) *lua.LFunction {
	if tbl, ok := vm.L.Get(-1).(*lua.LTable); ok {
		if fn, ok := tbl.RawGetString(name).(*lua.LFunction); ok {
			return fn
		}
	}
	if fn, ok := vm.L.GetGlobal(name).(*lua.LFunction); ok {
		return fn
	}
	return nil
}

// Call invokes fn with args and returns nret results.
func (vm *VM) Call(fn *lua.LFunction, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	top := vm.L.GetTop()
	if err := vm.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    nret,
		Protect: true,
	}, args...); err != nil {
		return nil, err
	}

	out := make([]lua.LValue, nret)
	for i := 0; i < nret; i++ {
		out[i] = vm.L.Get(top + 1 + i)
	}
	vm.L.SetTop(top)
	return out, nil
}

// RegisterModule registers a table of functions as a Lua module.
func (vm *VM) RegisterModule(name string, funcs map[string]lua.LGFunction) {
	mod := vm.L.NewTable()
	for fname, fn := range funcs {
		mod.RawSetString(fname, vm.L.NewFunction(fn))
	}
	vm.L.SetGlobal(name, mod)
}

// LogError logs a Lua error with context.
func (vm *VM) LogError(context string, err error) {
	if err != nil {
		vm.logger.Warnf("Lua error [%s]: %v", context, err)
	}
}
