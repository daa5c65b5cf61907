// Package control implements the client half of the control request/reply
// protocol described in spec.md §4.6, grounded on
// original_source/dispatcher/control.py. A Control is parameterized by a
// target channel and factories for the broker flavors it needs; it never
// talks to a specific transport directly.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ricirt/dispatch/internal/broker"
	"github.com/ricirt/dispatch/internal/message"
	"github.com/ricirt/dispatch/internal/producer"
)

// SyncBrokerFactory builds a fresh broker.SyncBroker for one control call.
// A fresh instance is used per call because each reply queue is unique.
type SyncBrokerFactory func() broker.SyncBroker

// BrokerFactory builds a fresh broker.Broker for one control call.
type BrokerFactory func() broker.Broker

// Control issues control commands against a running dispatcher over its
// broker channel, per spec.md §4.6.
type Control struct {
	channel string // target channel; empty means "broker default"

	syncBrokers SyncBrokerFactory
	brokers     BrokerFactory

	logger *zap.Logger
}

// New constructs a Control. channel is the dispatcher's inbound channel;
// leave it empty to publish with no target channel (broker-default
// routing).
func New(channel string, syncBrokers SyncBrokerFactory, brokers BrokerFactory, logger *zap.Logger) *Control {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Control{channel: channel, syncBrokers: syncBrokers, brokers: brokers, logger: logger}
}

// GenerateReplyQueueName returns a fresh reply_to_<uuid> channel name, with
// dashes replaced by underscores to stay inside the broker's channel-name
// alphabet (see internal/broker.ValidateChannelName).
func GenerateReplyQueueName() string {
	return "reply_to_" + strings.ReplaceAll(uuid.NewString(), "-", "_")
}

func encodeSend(command string, data any) (string, error) {
	msg := message.Message{Control: command}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("control: encode control_data: %w", err)
		}
		msg.ControlData = raw
	}
	return message.Encode(msg)
}

// Control sends a fire-and-forget control command synchronously: connect,
// publish, done. Only appropriate for actions with no reply.
func (c *Control) Control(ctx context.Context, command string, data any) error {
	payload, err := encodeSend(command, data)
	if err != nil {
		return err
	}
	b := c.syncBrokers()
	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("control: connect: %w", err)
	}
	defer b.Close(ctx)
	return b.Publish(ctx, c.channel, payload)
}

// AControl is the asynchronous fire-and-forget variant: it publishes via the
// async broker.Broker instead of the sync one, for callers already running
// inside an event loop driven by a Producer elsewhere.
func (c *Control) AControl(ctx context.Context, command string, data any) error {
	payload, err := encodeSend(command, data)
	if err != nil {
		return err
	}
	b := c.brokers()
	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("control: connect: %w", err)
	}
	defer b.Close(ctx)
	return b.Publish(ctx, c.channel, payload)
}

// ControlWithReply publishes a control command carrying a freshly generated
// reply queue name, then blocks collecting up to expectedReplies decoded
// reply records or until timeout elapses, whichever comes first. A timeout
// is not an error: partial (possibly empty) replies are returned with a
// warning logged. A zero or negative timeout returns an empty list at once,
// without subscribing or publishing.
func (c *Control) ControlWithReply(ctx context.Context, command string, expectedReplies int, timeout time.Duration, data any) ([]map[string]any, error) {
	if timeout <= 0 {
		c.logger.Warn("control-with-reply has no timeout window, nothing published",
			zap.String("command", command), zap.Duration("timeout", timeout))
		return []map[string]any{}, nil
	}

	replyQueue := GenerateReplyQueueName()

	msg := message.Message{Control: command, ReplyTo: replyQueue}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("control: encode control_data: %w", err)
		}
		msg.ControlData = raw
	}
	payload, err := message.Encode(msg)
	if err != nil {
		return nil, err
	}

	b := c.syncBrokers()

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	connected := func() {
		if pubErr := b.Publish(ctx, c.channel, payload); pubErr != nil {
			c.logger.Error("control-with-reply failed to publish", zap.Error(pubErr))
		}
	}

	notifications, err := b.ProcessNotify(callCtx, []string{replyQueue}, connected, expectedReplies)
	if err != nil {
		return nil, fmt.Errorf("control: process_notify: %w", err)
	}
	defer b.Close(ctx)

	var replies []map[string]any
	for n := range notifications {
		var rec map[string]any
		if err := json.Unmarshal([]byte(n.Payload), &rec); err != nil {
			c.logger.Error("control-with-reply got unparsable reply", zap.Error(err))
			continue
		}
		replies = append(replies, rec)
	}

	if len(replies) < expectedReplies {
		c.logger.Warn("did not receive expected replies within timeout",
			zap.Int("expected", expectedReplies), zap.Int("got", len(replies)), zap.Duration("timeout", timeout))
	}
	c.logger.Info("control-with-reply returned", zap.Duration("elapsed", time.Since(start)))

	return replies, nil
}

// replyCollector is the async-flavored producer.Consumer that gathers
// replies and signals exitCh once expectedReplies have arrived, grounded on
// original_source/dispatcher/control.py's ControlCallbacks.
type replyCollector struct {
	expected int

	mu       sync.Mutex
	received []map[string]any

	exitCh   chan struct{}
	exitOnce sync.Once
}

func newReplyCollector(expected int) *replyCollector {
	return &replyCollector{expected: expected, exitCh: make(chan struct{})}
}

func (rc *replyCollector) ProcessMessage(ctx context.Context, payload, channel string) (string, string, bool) {
	var rec map[string]any
	if err := json.Unmarshal([]byte(payload), &rec); err == nil {
		rc.mu.Lock()
		rc.received = append(rc.received, rec)
		n := len(rc.received)
		rc.mu.Unlock()
		if rc.expected > 0 && n >= rc.expected {
			rc.exitOnce.Do(func() { close(rc.exitCh) })
		}
	}
	return "", "", false
}

func (rc *replyCollector) snapshot() []map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]map[string]any, len(rc.received))
	copy(out, rc.received)
	return out
}

var _ producer.Consumer = (*replyCollector)(nil)

// AControlWithReply is the asynchronous analogue of ControlWithReply: it
// drives a producer.Producer over a fresh reply-queue subscription, gated on
// the producer's ready signal before publishing, then waits for either the
// expected reply count or timeout.
func (c *Control) AControlWithReply(ctx context.Context, command string, expectedReplies int, timeout time.Duration, data any) ([]map[string]any, error) {
	replyQueue := GenerateReplyQueueName()
	payload, err := encodeSendWithReply(command, replyQueue, data)
	if err != nil {
		return nil, err
	}

	b := c.brokers()
	rc := newReplyCollector(expectedReplies)
	p := producer.New(b, []string{replyQueue}, true, c.logger)

	if err := p.StartProducing(ctx, rc); err != nil {
		return nil, fmt.Errorf("control: start producing: %w", err)
	}

	select {
	case <-p.Ready():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := b.Publish(ctx, c.channel, payload); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("control: publish: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-rc.exitCh:
	case <-timeoutCtx.Done():
		c.logger.Warn("did not receive expected replies in time",
			zap.Int("expected", expectedReplies), zap.Int("got", len(rc.snapshot())))
	}

	_ = p.Shutdown(ctx)
	return rc.snapshot(), nil
}

func encodeSendWithReply(command, replyQueue string, data any) (string, error) {
	msg := message.Message{Control: command, ReplyTo: replyQueue}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("control: encode control_data: %w", err)
		}
		msg.ControlData = raw
	}
	return message.Encode(msg)
}
