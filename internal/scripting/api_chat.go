package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Presence answers who is online. *session.Registry satisfies it.
type Presence interface {
	ListOnline() []string
	IsOnline(username string) bool
}

// ChatAPI exposes read-only chat state to Lua as the global "chat" table.
type ChatAPI struct {
	presence Presence
	logger   *zap.SugaredLogger
}

// NewChatAPI creates a Lua chat API.
func NewChatAPI(presence Presence, logger *zap.SugaredLogger) *ChatAPI {
	return &ChatAPI{presence: presence, logger: logger}
}

// Register installs chat functions in the VM.
func (api *ChatAPI) Register(vm *VM) {
	vm.RegisterModule("chat", map[string]lua.LGFunction{
		"online":    api.luaOnline,
		"is_online": api.luaIsOnline,
		"log":       api.luaLog,
	})
}

func (api *ChatAPI) luaOnline(L *lua.LState) int {
	tbl := L.NewTable()
	if api.presence != nil {
		for _, name := range api.presence.ListOnline() {
			tbl.Append(lua.LString(name))
		}
	}
	L.Push(tbl)
	return 1
}

func (api *ChatAPI) luaIsOnline(L *lua.LState) int {
	name := L.CheckString(1)
	online := api.presence != nil && api.presence.IsOnline(name)
	L.Push(lua.LBool(online))
	return 1
}

func (api *ChatAPI) luaLog(L *lua.LState) int {
	api.logger.Infof("filter: %s", L.CheckString(1))
	return 0
}
