package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottle_Backoff(t *testing.T) {
	th := newThrottle()
	now := time.Now()
	th.now = func() time.Time { return now }

	for i := 0; i < throttleFree; i++ {
		d, ok := th.allow("10.0.0.1")
		require.True(t, ok)
		require.Zero(t, d)
	}

	d, ok := th.allow("10.0.0.1")
	require.True(t, ok)
	require.Equal(t, throttleStep, d)

	// Other hosts are unaffected.
	d, ok = th.allow("10.0.0.2")
	require.True(t, ok)
	require.Zero(t, d)

	for i := 0; i < throttleMaxCount; i++ {
		th.allow("10.0.0.1")
	}
	_, ok = th.allow("10.0.0.1")
	require.False(t, ok)

	now = now.Add(throttleResetAfter + time.Second)
	d, ok = th.allow("10.0.0.1")
	require.True(t, ok)
	require.Zero(t, d)

	now = now.Add(throttleResetAfter + time.Second)
	th.prune()
	require.Empty(t, th.attempts)
}

func TestHostOf(t *testing.T) {
	require.Equal(t, "127.0.0.1", hostOf("127.0.0.1:5555"))
	require.Equal(t, "::1", hostOf("[::1]:5555"))
	require.Equal(t, "pipe", hostOf("pipe"))
}
