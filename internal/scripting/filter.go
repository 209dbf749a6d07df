package scripting

import (
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/notepid/twilight_chat/internal/apperror"
	"github.com/notepid/twilight_chat/internal/chat"
)

const filterHook = "filter"

// Filter runs a Lua filter(sender, recipient, content) hook over every
// routed message. The hook returns:
//
//	nil or true      deliver unchanged
//	a string         deliver the string instead
//	false[, reason]  reject
type Filter struct {
	mu  sync.Mutex
	vm  *VM
	fn  *lua.LFunction
	log *zap.SugaredLogger
}

// NewFilter loads the script at path. presence may be nil.
func NewFilter(path string, presence Presence, logger *zap.SugaredLogger) (*Filter, error) {
	vm := NewVM(logger)
	NewChatAPI(presence, logger).Register(vm)
	if err := vm.LoadScript(path); err != nil {
		vm.Close()
		return nil, err
	}
	return newFilter(vm, logger)
}

// NewFilterString loads filter source directly.
func NewFilterString(src string, presence Presence, logger *zap.SugaredLogger) (*Filter, error) {
	vm := NewVM(logger)
	NewChatAPI(presence, logger).Register(vm)
	if err := vm.LoadString(src); err != nil {
		vm.Close()
		return nil, err
	}
	return newFilter(vm, logger)
}

func newFilter(vm *VM, logger *zap.SugaredLogger) (*Filter, error) {
	fn := vm.Hook(filterHook)
	if fn == nil {
		vm.Close()
		return nil, fmt.Errorf("script does not define %s(sender, recipient, content)", filterHook)
	}
	return &Filter{vm: vm, fn: fn, log: logger}, nil
}

// Apply implements chat.Filter. A script error rejects the message.
func (f *Filter) Apply(sender, recipient, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ret, err := f.vm.Call(f.fn, 2,
		lua.LString(sender), lua.LString(recipient), lua.LString(content))
	if err != nil {
		f.vm.LogError(filterHook, err)
		return "", apperror.Route(chat.ErrRejectedContent, "message rejected")
	}

	switch v := ret[0].(type) {
	case *lua.LNilType:
		return content, nil
	case lua.LBool:
		if v {
			return content, nil
		}
		reason := "message rejected"
		if s, ok := ret[1].(lua.LString); ok && s != "" {
			reason = string(s)
		}
		return "", apperror.Route(chat.ErrRejectedContent, reason)
	case lua.LString:
		return string(v), nil
	default:
		f.vm.LogError(filterHook, errors.New("unexpected return type "+v.Type().String()))
		return "", apperror.Route(chat.ErrRejectedContent, "message rejected")
	}
}

// Close releases the Lua state.
func (f *Filter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vm.Close()
}
