package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDeterministic(t *testing.T) {
	router := NewRouter([]string{"kyn"})

	key1, err := router.Resolve("kyn", "discord", PeerUser, "1001")
	require.NoError(t, err)
	key2, err := router.Resolve("kyn", "discord", PeerUser, "1001")
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
	assert.Equal(t, "kyn:discord:user:1001", key1)

	// Different peer kind yields a different conversation.
	key3, err := router.Resolve("kyn", "discord", PeerChannel, "1001")
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)
}

func TestResolveUnknownAgent(t *testing.T) {
	router := NewRouter([]string{"kyn"})

	_, err := router.Resolve("ghost", "discord", PeerUser, "1001")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRouterTable(t *testing.T) {
	router := NewRouter([]string{"kyn"})

	_, ok := router.Get("k1")
	assert.False(t, ok)

	router.Put(NewState("k1", "acp-1", ""))
	state, ok := router.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "acp-1", state.ACPSessionID)

	snapshot := router.Snapshot()
	require.Len(t, snapshot, 1)

	router.Delete("k1")
	_, ok = router.Get("k1")
	assert.False(t, ok)

	router.Put(NewState("k2", "acp-2", ""))
	router.Clear()
	assert.Empty(t, router.Snapshot())
}
