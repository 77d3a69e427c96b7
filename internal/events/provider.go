package events

import (
	"fmt"
	"strings"

	"github.com/kynetic/kynetic/internal/common/config"
	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/events/bus"
)

// Provide builds the configured event bus implementation. A configured NATS
// URL selects the NATS bus; otherwise events stay in-process.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(bus.NATSConfig{
			URL:           cfg.NATS.URL,
			ClientID:      cfg.NATS.ClientID,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
