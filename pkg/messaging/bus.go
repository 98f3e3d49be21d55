package messaging

import "context"

// Message is implemented by every payload that travels on the bus.
type Message interface {
	GetType() MessageType
}

type Handler func(ctx context.Context, message any) error

// Bus delivers protocol messages between participants. Implementations wrap
// an encrypted transport; the engine never assumes ordering beyond what it
// re-derives from snapshot content.
type Bus interface {
	GenerateID() string
	Publish(ctx context.Context, key string, message Message) error
	Handle(messageType MessageType, handler Handler) error
	Subscribe(ctx context.Context) error
	Close() error
}
