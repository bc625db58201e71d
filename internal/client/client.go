// Package client is the thin caller library the benchmark driver uses to
// publish action messages and await aggregate success. The client does not
// wait for data movement itself; that waiting happens inside the sink,
// whose client-status is therefore the last to arrive for data-moving
// actions.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/benchkit/meister/internal/bus"
	"github.com/benchkit/meister/pkg/protocol"
)

// Client publishes driver actions on the run channel and consumes the
// client-status responses.
type Client struct {
	b        bus.Bus
	channel  string
	expected int
	sub      bus.Subscription
}

// New subscribes the client-status channel. expectedResponders is the
// number of status messages one action produces: one per tool meister plus
// one for the sink.
func New(ctx context.Context, b bus.Bus, channel string, expectedResponders int) (*Client, error) {
	sub, err := b.Subscribe(ctx, protocol.ClientChannel)
	if err != nil {
		return nil, fmt.Errorf("subscribing to client channel: %w", err)
	}
	return &Client{
		b:        b,
		channel:  channel,
		expected: expectedResponders,
		sub:      sub,
	}, nil
}

// Close tears down the client-status subscription.
func (c *Client) Close() error {
	if c.sub == nil {
		return nil
	}
	err := c.sub.Close()
	c.sub = nil
	return err
}

// Publish sends one action and blocks until every responder has reported.
// It returns 0 when all statuses are success, 1 otherwise; per-responder
// errors are only logged.
func (c *Client) Publish(ctx context.Context, group, directory, action string, args any) int {
	if !protocol.AllowedActions[action] || action == protocol.ActionTerminate {
		slog.Warn("attempted to publish illegal action", "action", action)
		return 1
	}
	if err := c.publish(ctx, group, directory, action, args); err != nil {
		slog.Error("failed to publish action", "action", action, "error", err)
		return 1
	}
	return c.awaitStatuses(ctx, action)
}

// Terminate tells the sink and every tool meister to shut down. Responders
// exit without a client-status, so only the publish itself is checked; a
// second terminate is a no-op (nobody is left subscribed to receive it).
func (c *Client) Terminate(ctx context.Context, group string, interrupt bool) int {
	args := protocol.TerminateArgs{Interrupt: interrupt}
	if err := c.publish(ctx, group, "", protocol.ActionTerminate, args); err != nil {
		slog.Error("failed to publish terminate message", "error", err)
		return 1
	}
	return 0
}

func (c *Client) publish(ctx context.Context, group, directory, action string, args any) error {
	var rawArgs json.RawMessage
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encoding args: %w", err)
		}
		rawArgs = raw
	}
	msg := protocol.Action{Action: action, Args: rawArgs}
	if group != "" {
		msg.Group = &group
	}
	if directory != "" {
		msg.Directory = &directory
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	slog.Debug("publishing action", "action", action, "group", group, "directory", directory)
	n, err := c.b.Publish(ctx, c.channel, payload)
	if err != nil {
		return err
	}
	if n != int64(c.expected) {
		slog.Warn("action message received by unexpected subscriber count",
			"action", action, "subscribers", n, "expected", c.expected)
	}
	return nil
}

// awaitStatuses consumes one client-status per expected responder,
// aggregating them into a single success/failure.
func (c *Client) awaitStatuses(ctx context.Context, action string) int {
	retVal := 0
	for seen := 0; seen < c.expected; seen++ {
		payload, err := c.sub.Next(ctx)
		if err != nil {
			slog.Error("lost client status channel", "action", action, "error", err)
			return 1
		}
		status, err := protocol.ParseClientStatus(payload)
		if err != nil {
			slog.Warn("unrecognized client status payload", "error", err)
			retVal = 1
			continue
		}
		if status.Status != protocol.StatusSuccess {
			slog.Warn("responder reported failure",
				"action", action, "kind", status.Kind, "hostname", status.Hostname, "status", status.Status)
			retVal = 1
		}
	}
	return retVal
}
