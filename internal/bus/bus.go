// Package bus carries case-submission and decision events between the
// API, the async worker, and downstream consumers.
package bus

import (
	"fmt"

	"github.com/opensource-health/kestrel/internal/domain"
)

// New creates an event bus from configuration.
// Community tier uses in-process channels; Pro tier uses NATS.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
