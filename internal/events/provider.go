package events

import (
	"fmt"
	"strings"

	"github.com/elementalhq/elemental/internal/common/config"
	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/events/bus"
)

// ProvidedBus is the active bus plus a typed handle on whichever
// implementation backs it.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide selects the bus implementation from config: a NATS URL means NATS,
// otherwise the in-process bus. The returned cleanup tears the bus down.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	url := strings.TrimSpace(cfg.NATS.URL)
	if url == "" {
		memBus := bus.NewMemoryEventBus(log)
		cleanup := func() error {
			memBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: memBus, Memory: memBus}, cleanup, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
	}
	cleanup := func() error {
		natsBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
}
