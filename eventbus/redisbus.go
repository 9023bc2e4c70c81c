package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"goa.design/clue/log"
)

// wireEvent is the JSON-on-the-wire shape for a Redis Stream entry. Payload
// is carried as a typed field per kind rather than as an interface, since
// Redis Streams only transport string/byte values and Go's encoding/json
// cannot round-trip an interface without a discriminator.
type wireEvent struct {
	Kind          Kind            `json:"kind"`
	WorkflowID    string          `json:"workflow_id"`
	TaskID        string          `json:"task_id"`
	CorrelationID string          `json:"correlation_id"`
	SourceAgentID string          `json:"source_agent_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// RedisBus implements Bus on top of Redis Streams, giving at-least-once
// delivery across processes that share a broker. Each Channel maps to one
// stream; each Subscribe call joins (or creates) a consumer group so
// multiple processes fan out work rather than each receiving every message.
type RedisBus struct {
	client *redis.Client
	group  string

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
	errCh  chan HandlerError
	closed bool
}

// NewRedisBus constructs a broker-backed bus. group names the consumer
// group shared by every Subscribe call made against this instance; pass a
// distinct group per logical orchestrator/agent process pool.
func NewRedisBus(client *redis.Client, group string) *RedisBus {
	if group == "" {
		group = "tradingagent"
	}
	return &RedisBus{
		client: client,
		group:  group,
		cancel: make(map[string]context.CancelFunc),
		errCh:  make(chan HandlerError, 256),
	}
}

// Publish validates evt and XADDs it to the stream named by channel.
func (b *RedisBus) Publish(ctx context.Context, channel Channel, evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if err := ValidateChannel(evt.Kind, channel); err != nil {
		return err
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("eventbus: marshal payload: %w", err)
	}
	we := wireEvent{
		Kind:          evt.Kind,
		WorkflowID:    evt.WorkflowID,
		TaskID:        evt.TaskID,
		CorrelationID: evt.CorrelationID,
		SourceAgentID: evt.SourceAgentID,
		Timestamp:     evt.Timestamp,
		Payload:       payload,
	}
	body, err := json.Marshal(we)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(channel),
		Values: map[string]any{"body": body},
	}).Err()
}

// Subscribe joins the shared consumer group on channel's stream and decodes
// each entry into an Event, including its typed Payload for evt.Kind, before
// invoking handler. Entries whose envelope or payload fails to decode are
// acknowledged and dropped without reaching handler.
func (b *RedisBus) Subscribe(channel Channel, handler Handler) (string, error) {
	return b.subscribe(channel, handler)
}

// SubscribeAsync is identical to Subscribe for RedisBus: consumption already
// happens off the publisher's goroutine via the broker, so there is no
// separate synchronous mode to opt out of.
func (b *RedisBus) SubscribeAsync(channel Channel, handler Handler) (string, error) {
	return b.subscribe(channel, handler)
}

func (b *RedisBus) subscribe(channel Channel, handler Handler) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", fmt.Errorf("eventbus: bus is closed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	consumer := uuid.NewString()
	token := consumer
	b.cancel[token] = cancel
	b.mu.Unlock()

	stream := string(channel)
	if err := b.client.XGroupCreateMkStream(ctx, stream, b.group, "0").Err(); err != nil && !isBusyGroup(err) {
		cancel()
		return "", fmt.Errorf("eventbus: create consumer group: %w", err)
	}

	go b.consumeLoop(ctx, channel, consumer, handler)
	return token, nil
}

func (b *RedisBus) consumeLoop(ctx context.Context, channel Channel, consumer string, handler Handler) {
	stream := string(channel)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf(ctx, "eventbus: redis read error on %s: %v", stream, err)
			time.Sleep(time.Second)
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				b.handleMessage(ctx, channel, consumer, msg, handler)
			}
		}
	}
}

func (b *RedisBus) handleMessage(ctx context.Context, channel Channel, consumer string, msg redis.XMessage, handler Handler) {
	raw, _ := msg.Values["body"].(string)
	var we wireEvent
	if err := json.Unmarshal([]byte(raw), &we); err != nil {
		log.Printf(ctx, "eventbus: dropping malformed message %s on %s: %v", msg.ID, channel, err)
		b.client.XAck(ctx, string(channel), b.group, msg.ID)
		return
	}
	payload, err := decodePayload(we.Kind, we.Payload)
	if err != nil {
		log.Printf(ctx, "eventbus: dropping message %s with undecodable payload: %v", msg.ID, err)
		b.client.XAck(ctx, string(channel), b.group, msg.ID)
		return
	}
	evt := Event{
		Kind:             we.Kind,
		WorkflowID:       we.WorkflowID,
		TaskID:           we.TaskID,
		CorrelationID:    we.CorrelationID,
		SourceAgentID:    we.SourceAgentID,
		Timestamp:        we.Timestamp,
		Payload:          payload,
		validatedChannel: channel,
	}
	if err := handler(ctx, evt); err != nil {
		select {
		case b.errCh <- HandlerError{Channel: channel, Event: evt, Err: err}:
		default:
		}
		// Leave unacked so a redelivery is attempted; a real deployment would
		// pair this with XCLAIM-based reaping of stuck entries.
		return
	}
	b.client.XAck(ctx, string(channel), b.group, msg.ID)
}

// Unsubscribe cancels the consumer goroutine registered under token.
func (b *RedisBus) Unsubscribe(token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.cancel[token]; ok {
		cancel()
		delete(b.cancel, token)
	}
	return nil
}

// Errors returns the channel of handler/consume failures.
func (b *RedisBus) Errors() <-chan HandlerError { return b.errCh }

// Close cancels every active subscription. It does not close the
// underlying *redis.Client, which the caller owns.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, cancel := range b.cancel {
		cancel()
	}
	close(b.errCh)
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
