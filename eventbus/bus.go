package eventbus

import "context"

// Handler reacts to a single delivered event. Handlers must be idempotent:
// the bus guarantees at-least-once delivery within a process, never
// exactly-once. A handler may do synchronous work or hand off to its own
// goroutine; either way it should return promptly so as not to stall other
// subscribers on the same channel.
type Handler func(ctx context.Context, evt Event) error

// Bus is the publish/subscribe contract shared by the in-process and
// broker-backed implementations. Delivery is at-least-once and FIFO per
// channel per publisher; no ordering is guaranteed across channels.
type Bus interface {
	// Subscribe registers handler on channel and returns a token usable with
	// Unsubscribe. Handlers registered on the same channel are invoked in
	// registration order for a given publish call.
	Subscribe(channel Channel, handler Handler) (token string, err error)

	// Unsubscribe removes a previously registered handler. Unsubscribing an
	// unknown or already-removed token is a no-op.
	Unsubscribe(token string) error

	// Publish validates evt against channel and hands it to every subscriber
	// registered on channel. A malformed event (Event.Validate or
	// ValidateChannel failure) is rejected before any subscriber is invoked.
	Publish(ctx context.Context, channel Channel, evt Event) error

	// Errors returns a channel of errors raised by asynchronous handlers.
	// Synchronous handler errors are instead returned directly from Publish
	// for the first subscriber that fails; async handler errors cannot be
	// attributed to a single Publish call and are surfaced here instead so a
	// failing handler never kills the publisher goroutine.
	Errors() <-chan HandlerError

	// Close releases bus resources. Subsequent Publish/Subscribe calls
	// return an error.
	Close() error
}

// HandlerError pairs a handler failure with the channel and event that
// produced it, for surfacing on Bus.Errors without killing the publisher.
type HandlerError struct {
	Channel Channel
	Event   Event
	Err     error
}

func (e HandlerError) Error() string {
	return "eventbus: handler error on channel " + string(e.Channel) + ": " + e.Err.Error()
}
