// Package broadcast defines the port for fanning out lifecycle events to
// live real-time connections.
package broadcast

import "context"

// Broadcaster delivers an event payload to every connection subscribed
// to the topic. Delivery is best-effort and at-most-once per connection;
// a failed send removes only that connection.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, payload any)
}
