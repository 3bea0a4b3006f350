package events

import (
	"github.com/nats-io/nats.go"
)

// Connect returns nil without error when url is empty.
func Connect(url string) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}

	nc, err := nats.Connect(url, nats.Name("creditledger"))
	if err != nil {
		return nil, err
	}

	return nc, nil
}

type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

func (b *Bus) Close() {
	_ = b.nc.Drain()
}
