package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLoadDeleteRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	cp := &Checkpoint{
		SessionID:     "sess-1",
		RestartReason: "planned upgrade",
		WakeContext: WakeContext{
			Prompt:      "We were reviewing the deploy pipeline.",
			PendingWork: "finish the rollout checklist",
		},
	}
	require.NoError(t, store.Write(cp))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, cp.SessionID, loaded.SessionID)
	assert.Equal(t, cp.WakeContext.PendingWork, loaded.WakeContext.PendingWork)

	require.NoError(t, store.Delete())
	loaded, err = store.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Deleting again is fine.
	assert.NoError(t, store.Delete())
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(t.TempDir())
	cp, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestLoadInvalidCheckpointIgnored(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	// Missing required fields.
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName),
		[]byte("session_id: s1\n"), 0o644))
	cp, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)

	// Not YAML at all.
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName),
		[]byte("{{{{"), 0o644))
	cp, err = store.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestWriteRejectsIncomplete(t *testing.T) {
	store := NewStore(t.TempDir())
	err := store.Write(&Checkpoint{SessionID: "s1"})
	assert.Error(t, err)
}

func TestWakePrompt(t *testing.T) {
	cp := &Checkpoint{
		SessionID:     "s1",
		RestartReason: "config change",
		WakeContext: WakeContext{
			Prompt:      "Mid-discussion about backups.",
			PendingWork: "verify last night's snapshot",
		},
	}

	prompt := cp.WakePrompt()
	assert.Contains(t, prompt, "config change")
	assert.Contains(t, prompt, "Mid-discussion about backups.")
	assert.Contains(t, prompt, "verify last night's snapshot")
}
