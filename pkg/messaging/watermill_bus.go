package messaging

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

var ErrHandlerRegistered = errors.New("handler already registered for message type")

type WatermillBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[MessageType]Handler
}

func NewWatermillBus(pub message.Publisher, sub message.Subscriber) *WatermillBus {
	return &WatermillBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[MessageType]Handler),
	}
}

func (b *WatermillBus) GenerateID() string {
	return watermill.NewULID()
}

func (b *WatermillBus) Publish(_ context.Context, key string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	wm := message.NewMessage("msg-"+b.GenerateID(), payload)
	wm.Metadata.Set(MessageKeyMetadataKey, key)
	wm.Metadata.Set(MessageTypeMetadataKey, string(msg.GetType()))

	return b.publisher.Publish(Topic, wm)
}

func (b *WatermillBus) Handle(messageType MessageType, handler Handler) error {
	if _, exists := b.subscriptions[messageType]; exists {
		return ErrHandlerRegistered
	}

	b.subscriptions[messageType] = handler

	return nil
}

func (b *WatermillBus) Subscribe(ctx context.Context) error {
	messages, err := b.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			var payload any

			messageType := MessageType(msg.Metadata.Get(MessageTypeMetadataKey))

			handler, exists := b.subscriptions[messageType]
			if !exists {
				msg.Ack()

				continue
			}

			switch messageType {
			case FlowInvitationMessage:
				payload = &FlowInvitation{}
			case StepResultsSharedMessage:
				payload = &StepResultsShared{}
			default:
				msg.Nack()

				continue
			}

			if err := json.Unmarshal(msg.Payload, payload); err != nil {
				msg.Nack()

				continue
			}

			if err := handler(ctx, payload); err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (b *WatermillBus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}

	return b.subscriber.Close()
}
