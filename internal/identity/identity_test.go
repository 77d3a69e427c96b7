package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kynetic/internal/common/logger"
)

func TestLoadPromptMissingFileUsesBase(t *testing.T) {
	prompt := LoadPrompt(filepath.Join(t.TempDir(), "identity.yaml"), logger.NewNop())
	assert.Equal(t, BaseIdentity, prompt)
}

func TestLoadPromptMalformedFileUsesBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml: ["), 0o644))

	prompt := LoadPrompt(path, logger.NewNop())
	assert.Equal(t, BaseIdentity, prompt)
}

func TestLoadPromptEmptyCustomizationUsesBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: \"\"\ntraits: []\n"), 0o644))

	prompt := LoadPrompt(path, logger.NewNop())
	assert.Equal(t, BaseIdentity, prompt)
}

func TestLoadPromptRendersCustomization(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	content := `name: Kyn
role: team infrastructure assistant
traits:
  - dry sense of humor
boundaries:
  - never push to main
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	prompt := LoadPrompt(path, logger.NewNop())
	assert.Contains(t, prompt, BaseIdentity)
	assert.Contains(t, prompt, "Your name is Kyn.")
	assert.Contains(t, prompt, "team infrastructure assistant")
	assert.Contains(t, prompt, "dry sense of humor")
	assert.Contains(t, prompt, "never push to main")
}
