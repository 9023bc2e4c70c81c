package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type subscription struct {
	token   string
	channel Channel
	handler Handler
	async   bool
}

type asyncJob struct {
	ctx  context.Context
	evt  Event
	subs []*subscription
}

// MemBus is an in-process implementation of Bus. Synchronous subscribers are
// invoked directly in the publisher's goroutine, in registration order,
// stopping at the first error (mirrors the teacher's fail-fast hook bus).
// Subscribers registered with SubscribeAsync run on a per-channel worker
// goroutine so ordering is preserved per channel without blocking the
// publisher; their errors surface on Errors() instead of from Publish.
type MemBus struct {
	mu       sync.RWMutex
	subs     map[Channel][]*subscription
	byToken  map[string]Channel
	workers  map[Channel]chan asyncJob
	errCh    chan HandlerError
	closed   bool
	wg       sync.WaitGroup
}

// NewMemBus constructs a ready-to-use in-process bus.
func NewMemBus() *MemBus {
	return &MemBus{
		subs:    make(map[Channel][]*subscription),
		byToken: make(map[string]Channel),
		workers: make(map[Channel]chan asyncJob),
		errCh:   make(chan HandlerError, 256),
	}
}

// Subscribe registers a synchronous handler on channel.
func (b *MemBus) Subscribe(channel Channel, handler Handler) (string, error) {
	return b.subscribe(channel, handler, false)
}

// SubscribeAsync registers a cooperative-async handler on channel. The
// handler runs on a dedicated per-channel worker goroutine so that delivery
// for a single channel remains FIFO even though it happens off the
// publisher's goroutine.
func (b *MemBus) SubscribeAsync(channel Channel, handler Handler) (string, error) {
	return b.subscribe(channel, handler, true)
}

func (b *MemBus) subscribe(channel Channel, handler Handler, async bool) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("eventbus: handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", fmt.Errorf("eventbus: bus is closed")
	}
	sub := &subscription{token: uuid.NewString(), channel: channel, handler: handler, async: async}
	b.subs[channel] = append(b.subs[channel], sub)
	b.byToken[sub.token] = channel
	if async {
		b.ensureWorkerLocked(channel)
	}
	return sub.token, nil
}

func (b *MemBus) ensureWorkerLocked(channel Channel) {
	if _, ok := b.workers[channel]; ok {
		return
	}
	jobs := make(chan asyncJob, 256)
	b.workers[channel] = jobs
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for job := range jobs {
			for _, sub := range job.subs {
				if !sub.async {
					continue
				}
				if err := sub.handler(job.ctx, job.evt); err != nil {
					b.reportError(HandlerError{Channel: job.evt.validatedChannel, Event: job.evt, Err: err})
				}
			}
		}
	}()
}

func (b *MemBus) reportError(he HandlerError) {
	select {
	case b.errCh <- he:
	default:
		// Error channel is full; drop rather than block a worker forever.
	}
}

// Unsubscribe removes a previously registered subscriber.
func (b *MemBus) Unsubscribe(token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	channel, ok := b.byToken[token]
	if !ok {
		return nil
	}
	delete(b.byToken, token)
	list := b.subs[channel]
	for i, sub := range list {
		if sub.token == token {
			b.subs[channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// Publish validates evt and fans it out to every subscriber on channel.
func (b *MemBus) Publish(ctx context.Context, channel Channel, evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if err := ValidateChannel(evt.Kind, channel); err != nil {
		return err
	}
	evt.validatedChannel = channel

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("eventbus: bus is closed")
	}
	subs := make([]*subscription, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	jobs, hasAsync := b.workers[channel]
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.async {
			continue
		}
		if err := sub.handler(ctx, evt); err != nil {
			return fmt.Errorf("eventbus: subscriber on %s failed: %w", channel, err)
		}
	}
	if hasAsync {
		select {
		case jobs <- asyncJob{ctx: ctx, evt: evt, subs: subs}:
		default:
			// Worker queue saturated; surface as an async error rather than
			// block the publisher indefinitely.
			b.reportError(HandlerError{Channel: channel, Event: evt, Err: fmt.Errorf("eventbus: async queue saturated for channel %s", channel)})
		}
	}
	return nil
}

// Errors returns the channel of asynchronous handler failures.
func (b *MemBus) Errors() <-chan HandlerError { return b.errCh }

// Close stops accepting new publishes/subscriptions and drains worker
// goroutines.
func (b *MemBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, jobs := range b.workers {
		close(jobs)
	}
	b.mu.Unlock()
	b.wg.Wait()
	close(b.errCh)
	return nil
}
