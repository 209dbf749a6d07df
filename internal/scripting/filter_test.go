package scripting

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notepid/twilight_chat/internal/apperror"
	"github.com/notepid/twilight_chat/internal/chat"
)

type staticPresence []string

func (p staticPresence) ListOnline() []string { return p }

func (p staticPresence) IsOnline(name string) bool {
	for _, n := range p {
		if n == name {
			return true
		}
	}
	return false
}

const testFilter = `
function filter(sender, recipient, content)
  if string.find(content, "spam") then
    return false, "no spam please"
  end
  if recipient == "all" and not chat.is_online("alice") then
    return false
  end
  if string.sub(content, 1, 1) == "!" then
    return string.upper(content)
  end
  if content == "boom" then
    error("kaboom")
  end
  return nil
end
`

func newTestFilter(t *testing.T, src string, presence Presence) *Filter {
	t.Helper()
	f, err := NewFilterString(src, presence, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f
}

func TestFilter_Apply(t *testing.T) {
	f := newTestFilter(t, testFilter, staticPresence{"alice", "bob"})

	out, err := f.Apply("bob", "alice", "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", out)

	out, err = f.Apply("bob", "alice", "!shout")
	require.NoError(t, err)
	require.Equal(t, "!SHOUT", out)

	_, err = f.Apply("bob", "alice", "buy spam now")
	require.ErrorIs(t, err, chat.ErrRejectedContent)
	require.Equal(t, "no spam please", apperror.Reason(err))

	_, err = f.Apply("bob", "alice", "boom")
	require.ErrorIs(t, err, chat.ErrRejectedContent)
}

func TestFilter_UsesPresence(t *testing.T) {
	f := newTestFilter(t, testFilter, staticPresence{"bob"})

	_, err := f.Apply("bob", chat.Everyone, "hi")
	require.ErrorIs(t, err, chat.ErrRejectedContent)
	require.Equal(t, "message rejected", apperror.Reason(err))
}

func TestFilter_ReturnedTable(t *testing.T) {
	src := `
local M = {}
function M.filter(sender, recipient, content)
  return sender .. ": " .. content
end
return M
`
	f := newTestFilter(t, src, nil)
	out, err := f.Apply("bob", "alice", "hi")
	require.NoError(t, err)
	require.Equal(t, "bob: hi", out)

	// The stack stays balanced across calls.
	out, err = f.Apply("carol", "alice", "yo")
	require.NoError(t, err)
	require.Equal(t, "carol: yo", out)
}

func TestNewFilter_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.lua")
	require.NoError(t, os.WriteFile(path, []byte(testFilter), 0o644))

	f, err := NewFilter(path, staticPresence{"alice"}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer f.Close()

	_, err = NewFilter(filepath.Join(t.TempDir(), "missing.lua"), nil, zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestNewFilter_MissingHook(t *testing.T) {
	_, err := NewFilterString(`x = 1`, nil, zap.NewNop().Sugar())
	require.Error(t, err)
}
