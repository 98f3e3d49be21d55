// Package runqueue consumes operator commands from a Redis list. It is the
// remote-control surface for manual steps: external tooling pushes a command
// and the agent executes it as if the operator had triggered it locally.
package runqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openmined/flowmesh/pkg/agent"
)

const popTimeout = 5 * time.Second

const (
	ActionRun   = "run"
	ActionShare = "share"
)

var ErrUnknownAction = errors.New("unknown command action")

// Command is one queued operator instruction.
type Command struct {
	SessionID string `json:"session_id"`
	StepID    string `json:"step_id"`
	Action    string `json:"action"`
}

// Consumer pops commands off the list and dispatches them to the agent.
type Consumer struct {
	client *redis.Client
	queue  string
	agent  *agent.Agent
	logger *slog.Logger
}

func NewConsumer(redisURL, queue string, a *agent.Agent, logger *slog.Logger) (*Consumer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return &Consumer{
		client: redis.NewClient(opts),
		queue:  queue,
		agent:  a,
		logger: logger,
	}, nil
}

// Start blocks consuming commands until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Run queue consumer started", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			return c.client.Close()
		default:
		}

		result, err := c.client.BLPop(ctx, popTimeout, c.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}

			if ctx.Err() != nil {
				return c.client.Close()
			}

			c.logger.Warn("Failed to pop command", "error", err)
			time.Sleep(time.Second)

			continue
		}

		if len(result) < 2 {
			continue
		}

		if err := c.dispatch(ctx, []byte(result[1])); err != nil {
			c.logger.Warn("Command rejected", "error", err)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("malformed command: %w", err)
	}

	switch cmd.Action {
	case ActionRun:
		return c.agent.RunStep(ctx, cmd.SessionID, cmd.StepID)
	case ActionShare:
		return c.agent.ShareStep(ctx, cmd.SessionID, cmd.StepID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}
}

// Push enqueues a command; used by tooling and tests.
func Push(ctx context.Context, client *redis.Client, queue string, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	return client.RPush(ctx, queue, payload).Err()
}
