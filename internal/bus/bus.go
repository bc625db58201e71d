// Package bus abstracts the pub/sub control bus used for state transitions,
// acknowledgments, and parameter staging. The concrete broker is injected so
// tests can substitute an in-memory implementation and drive every state
// machine transition deterministically.
package bus

import (
	"context"
	"errors"
)

// ErrDisconnected reports that the connection to the broker was lost. Tool
// meisters treat it as a fatal shutdown trigger.
var ErrDisconnected = errors.New("bus: connection lost")

// ErrNoKey reports that a Get found no value under the requested key.
var ErrNoKey = errors.New("bus: no such key")

// Subscription is a live channel subscription. The subscribe acknowledgment
// has already been consumed by the time a Subscription is returned, so the
// first Next yields an actual payload.
type Subscription interface {
	// Next blocks for the next payload published on the channel. It returns
	// ErrDisconnected when the broker connection is lost and ctx.Err() when
	// the context ends.
	Next(ctx context.Context) ([]byte, error)

	// Close tears the subscription down. Any blocked Next unblocks.
	Close() error
}

// Bus is the control-plane broker handle shared by every component.
type Bus interface {
	// Subscribe joins the named channel, consuming the broker's subscribe
	// acknowledgment before returning.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Publish sends a payload to every subscriber of the channel, returning
	// the number of subscribers that received it.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)

	// Set stages a value under a well-known key.
	Set(ctx context.Context, key string, value []byte) error

	// Get fetches a staged value, or ErrNoKey.
	Get(ctx context.Context, key string) ([]byte, error)

	Close() error
}
