// Package broker defines the transport-agnostic plug-in boundary every
// message bus must satisfy to back the dispatcher. The reference
// implementation (package pgnotify) layers this over PostgreSQL LISTEN/NOTIFY;
// nothing above this package may depend on a specific transport.
package broker

import (
	"context"
	"fmt"
	"regexp"
)

// Notification is one inbound (channel, payload) pair delivered by a
// subscription.
type Notification struct {
	Channel string
	Payload string
}

// Broker is the async-flavored plug-in interface: connect, subscribe to a
// set of channels, stream notifications, publish, close.
type Broker interface {
	// Connect establishes (or reuses) the underlying transport connection.
	Connect(ctx context.Context) error

	// Subscribe begins listening on the given channels. It must not return
	// until the subscription is confirmed live — the point after which a
	// Publish to one of these channels is guaranteed to be observed by this
	// Broker's Notifications stream.
	Subscribe(ctx context.Context, channels []string) error

	// Notifications returns a channel of inbound notifications. It is
	// closed when the broker is closed or the subscription ends.
	Notifications() <-chan Notification

	// Publish sends message on channel.
	Publish(ctx context.Context, channel, message string) error

	// Close releases all resources held by this broker.
	Close(ctx context.Context) error
}

// SyncBroker is the synchronous flavor used by the blocking control client
// (spec.md §4.5, §4.6's control_with_reply). connectedCallback is invoked
// once the subscription is confirmed live, exactly at the point a caller
// may safely publish without losing the reply.
type SyncBroker interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, channel, message string) error

	// ProcessNotify subscribes to channels, invokes connectedCallback once
	// live, then yields notifications one at a time via the returned
	// channel until either maxMessages have arrived or timeout elapses.
	// The returned channel is closed when ProcessNotify returns.
	ProcessNotify(ctx context.Context, channels []string, connectedCallback func(), maxMessages int) (<-chan Notification, error)

	Close(ctx context.Context) error
}

// channelNamePattern is the permitted channel-name alphabet from spec.md
// §4.5 and §6: channel names are untrusted by default and must be rejected
// before being spliced into a LISTEN/NOTIFY statement.
var channelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidateChannelName rejects any channel name containing characters
// outside [A-Za-z0-9_], before any network I/O is attempted.
func ValidateChannelName(name string) error {
	if name == "" {
		return fmt.Errorf("broker: channel name must not be empty")
	}
	if !channelNamePattern.MatchString(name) {
		return fmt.Errorf("broker: channel name %q contains characters outside [A-Za-z0-9_]", name)
	}
	return nil
}
