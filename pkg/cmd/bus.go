// Package cmd wires shared infrastructure for the binaries.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/openmined/flowmesh/pkg/messaging"
	"github.com/openmined/flowmesh/pkg/messaging/gochannel"
	"github.com/openmined/flowmesh/pkg/messaging/kafka"
)

func NewBus(provider, serviceName string, logger *slog.Logger) messaging.Bus {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), serviceName)
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return messaging.NewWatermillBus(pub, sub)
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create in-memory pub/sub: %w", err))
		}

		return messaging.NewWatermillBus(pub, sub)
	default:
		panic("Unsupported message bus provider: " + provider)
	}
}
