package nats

import (
	"github.com/nats-io/nats.go"

	"tallyo/internal/repository"
)

// Bus adapts a NATS connection to the repository.MessageBus seam used by the
// ledger and ingestor for fire-and-forget publishes.
type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) Publish(topic string, data []byte) error {
	return b.nc.Publish(topic, data)
}

var _ repository.MessageBus = (*Bus)(nil)
