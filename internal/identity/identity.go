// Package identity loads the bot's identity customization and renders the
// identity prompt injected into fresh agent sessions.
package identity

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kynetic/kynetic/internal/common/logger"
)

// BaseIdentity is the prompt used when no customization is present. Custom
// fields extend it, they never replace it.
const BaseIdentity = `You are a persistent general assistant running as a long-lived chat bot.
You have durable memory across conversations and access to tools on your host.
Conversations may resume after restarts; treat continuity as expected.
Be direct and concise in chat; long output will be split across messages for you.`

// Identity is the optional customization set from identity.yaml.
type Identity struct {
	Name       string   `yaml:"name"`
	Role       string   `yaml:"role"`
	Boundaries []string `yaml:"boundaries"`
	Traits     []string `yaml:"traits"`
}

// empty reports whether parsing yielded no customization at all. An empty
// set falls back to the base identity.
func (i *Identity) empty() bool {
	return i.Name == "" && i.Role == "" && len(i.Boundaries) == 0 && len(i.Traits) == 0
}

// LoadPrompt reads the identity file at path and renders the identity
// prompt. A missing file yields the base identity; a malformed file is
// logged and also yields the base identity.
func LoadPrompt(path string, log *logger.Logger) string {
	log = log.WithComponent("identity")

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read identity file", zap.String("path", path), zap.Error(err))
		}
		return BaseIdentity
	}

	var ident Identity
	if err := yaml.Unmarshal(data, &ident); err != nil {
		log.Warn("malformed identity file, using base identity",
			zap.String("path", path), zap.Error(err))
		return BaseIdentity
	}
	if ident.empty() {
		return BaseIdentity
	}

	return Render(&ident)
}

// Render combines the base identity with the customization set.
func Render(ident *Identity) string {
	var b strings.Builder
	b.WriteString(BaseIdentity)

	if ident.Name != "" {
		fmt.Fprintf(&b, "\n\nYour name is %s.", ident.Name)
	}
	if ident.Role != "" {
		fmt.Fprintf(&b, "\nYour role: %s", ident.Role)
	}
	if len(ident.Traits) > 0 {
		b.WriteString("\nTraits:")
		for _, trait := range ident.Traits {
			fmt.Fprintf(&b, "\n- %s", trait)
		}
	}
	if len(ident.Boundaries) > 0 {
		b.WriteString("\nBoundaries you must respect:")
		for _, boundary := range ident.Boundaries {
			fmt.Fprintf(&b, "\n- %s", boundary)
		}
	}
	return b.String()
}
