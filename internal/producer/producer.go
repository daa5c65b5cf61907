// Package producer wraps one broker subscription and feeds inbound
// messages to a consumer, publishing any reply the consumer returns. It is
// the adapter layer between internal/broker and internal/dispatcher,
// mirroring the Python dispatcher's BaseProducer/BrokeredProducer split.
package producer

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ricirt/dispatch/internal/broker"
)

// Consumer is satisfied by anything that can process an inbound message and
// optionally produce a reply. It is implemented by dispatcher.Dispatcher in
// the service and by control.replyCollector in the control client.
type Consumer interface {
	ProcessMessage(ctx context.Context, payload string, channel string) (replyChannel, replyPayload string, hasReply bool)
}

// Producer drives a single broker subscription: connect, subscribe,
// deliver each (channel, payload) pair to the consumer in arrival order,
// and publish any reply the consumer returns.
type Producer struct {
	broker      broker.Broker
	channels    []string
	closeOnExit bool
	logger      *zap.Logger

	readyCh chan struct{}
	readyOn sync.Once

	doneCh chan struct{}
	cancel context.CancelFunc
	mu     sync.Mutex

	// FatalErr is a buffered channel for reporting an abnormal end of the
	// delivery goroutine. deliverLoop does not send on it: when the broker's
	// notification stream closes, the goroutine returns without reporting
	// anything, and the dispatcher does not read this channel.
	FatalErr chan error
}

// New constructs a Producer. closeOnExit distinguishes short-lived
// producers (the control client's reply receiver) from long-lived service
// producers, per spec.md §4.4.
func New(b broker.Broker, channels []string, closeOnExit bool, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		broker:      b,
		channels:    channels,
		closeOnExit: closeOnExit,
		logger:      logger,
		readyCh:     make(chan struct{}),
		FatalErr:    make(chan error, 1),
	}
}

// Ready returns a channel that is closed once the subscription is
// confirmed live — the point after which publishing to the subscribed
// channels is guaranteed to reach this producer.
func (p *Producer) Ready() <-chan struct{} {
	return p.readyCh
}

// StartProducing connects (or reuses) the broker, subscribes to the
// configured channels, and begins a background goroutine that delivers
// each inbound message to consumer. If ProcessMessage returns a reply, the
// producer publishes it on the indicated channel using the same broker.
func (p *Producer) StartProducing(ctx context.Context, consumer Consumer) error {
	if err := p.broker.Connect(ctx); err != nil {
		return err
	}
	if err := p.broker.Subscribe(ctx, p.channels); err != nil {
		return err
	}

	p.readyOn.Do(func() { close(p.readyCh) })

	runCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.deliverLoop(runCtx, consumer)
	return nil
}

func (p *Producer) deliverLoop(ctx context.Context, consumer Consumer) {
	defer close(p.doneCh)
	for {
		select {
		case n, ok := <-p.broker.Notifications():
			if !ok {
				return
			}
			replyChannel, replyPayload, hasReply := consumer.ProcessMessage(ctx, n.Payload, n.Channel)
			if hasReply && replyChannel != "" {
				if err := p.broker.Publish(ctx, replyChannel, replyPayload); err != nil {
					p.logger.Error("failed to publish reply", zap.String("channel", replyChannel), zap.Error(err))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the delivery goroutine and closes broker resources if
// CloseOnExit is set.
func (p *Producer) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	done := p.doneCh
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	if p.closeOnExit {
		return p.broker.Close(ctx)
	}
	return nil
}
