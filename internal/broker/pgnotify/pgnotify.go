// Package pgnotify is the reference Broker implementation: PostgreSQL
// LISTEN/NOTIFY. Every psycopg/pgx-specific action lives in this package so
// that nothing above internal/broker needs to import a Postgres driver —
// the same boundary the original dispatcher's pg_notify.py module
// documents in its own module docstring.
package pgnotify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ricirt/dispatch/internal/broker"
)

// Config carries the connection options recognized under
// brokers.<name>.config in spec.md §6.
type Config struct {
	DatabaseURL string
	MaxConns    int32
	MinConns    int32

	// PublishRateLimit caps outbound NOTIFY calls per channel per second.
	// Zero disables rate limiting. Grounded on the teacher's
	// internal/ratelimiter per-channel rate.Limiter map, retargeted from
	// notification channel types to broker publish channels.
	PublishRateLimit int
}

// Broker is a PostgreSQL-backed broker.Broker and broker.SyncBroker.
type Broker struct {
	cfg    Config
	logger *zap.Logger

	pool       *pgxpool.Pool
	listenConn *pgx.Conn

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	notifyCh  chan broker.Notification
	listening bool
	cancel    context.CancelFunc
}

// New constructs a pgnotify broker. Connect must be called before use.
func New(cfg Config, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

var _ broker.Broker = (*Broker)(nil)
var _ broker.SyncBroker = (*Broker)(nil)

// Connect opens the publish-side pool and a dedicated connection reserved
// for LISTEN (a pooled connection cannot be used for long-lived LISTEN
// without starving the pool, so the listen path always gets its own).
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pool != nil {
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(b.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("pgnotify: parse database url: %w", err)
	}
	if b.cfg.MaxConns > 0 {
		poolCfg.MaxConns = b.cfg.MaxConns
	}
	if b.cfg.MinConns > 0 {
		poolCfg.MinConns = b.cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("pgnotify: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pgnotify: ping: %w", err)
	}

	connCfg, err := pgx.ParseConfig(b.cfg.DatabaseURL)
	if err != nil {
		pool.Close()
		return fmt.Errorf("pgnotify: parse database url for listen conn: %w", err)
	}
	listenConn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		pool.Close()
		return fmt.Errorf("pgnotify: connect listen conn: %w", err)
	}

	b.pool = pool
	b.listenConn = listenConn
	b.notifyCh = make(chan broker.Notification, 256)
	return nil
}

func (b *Broker) limiterFor(channel string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.PublishRateLimit <= 0 {
		return nil
	}
	l, ok := b.limiters[channel]
	if !ok {
		l = rate.NewLimiter(rate.Limit(b.cfg.PublishRateLimit), b.cfg.PublishRateLimit)
		b.limiters[channel] = l
	}
	return l
}

// Subscribe issues LISTEN for each channel and starts the goroutine that
// pumps WaitForNotification results into Notifications(). It returns once
// every LISTEN has been acknowledged by the server, matching the
// ready_event guarantee in spec.md §4.4.
func (b *Broker) Subscribe(ctx context.Context, channels []string) error {
	for _, ch := range channels {
		if err := broker.ValidateChannelName(ch); err != nil {
			return err
		}
	}

	for _, ch := range channels {
		if _, err := b.listenConn.Exec(ctx, fmt.Sprintf("LISTEN %s", ch)); err != nil {
			return fmt.Errorf("pgnotify: listen %q: %w", ch, err)
		}
		b.logger.Info("listening on channel", zap.String("channel", ch))
	}

	b.mu.Lock()
	if !b.listening {
		b.listening = true
		loopCtx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		go b.listenLoop(loopCtx)
	}
	b.mu.Unlock()

	return nil
}

func (b *Broker) listenLoop(ctx context.Context) {
	defer close(b.notifyCh)
	for {
		n, err := b.listenConn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("wait for notification failed", zap.Error(err))
			return
		}
		select {
		case b.notifyCh <- broker.Notification{Channel: n.Channel, Payload: n.Payload}:
		case <-ctx.Done():
			return
		}
	}
}

// Notifications implements broker.Broker.
func (b *Broker) Notifications() <-chan broker.Notification {
	return b.notifyCh
}

// Publish executes SELECT pg_notify(channel, message), applying the
// configured per-channel rate limit first.
func (b *Broker) Publish(ctx context.Context, channel, message string) error {
	if err := broker.ValidateChannelName(channel); err != nil {
		return err
	}
	if l := b.limiterFor(channel); l != nil {
		if err := l.Wait(ctx); err != nil {
			return fmt.Errorf("pgnotify: rate limit wait: %w", err)
		}
	}
	_, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, message)
	if err != nil {
		return fmt.Errorf("pgnotify: publish: %w", err)
	}
	return nil
}

// ProcessNotify implements broker.SyncBroker for the blocking control
// client: subscribe, invoke connectedCallback once live, then yield up to
// maxMessages notifications (or stop when ctx's deadline elapses).
func (b *Broker) ProcessNotify(ctx context.Context, channels []string, connectedCallback func(), maxMessages int) (<-chan broker.Notification, error) {
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	if err := b.Subscribe(ctx, channels); err != nil {
		return nil, err
	}

	if connectedCallback != nil {
		connectedCallback()
	}

	out := make(chan broker.Notification)
	go func() {
		defer close(out)
		received := 0
		for {
			if maxMessages > 0 && received >= maxMessages {
				return
			}
			select {
			case n, ok := <-b.notifyCh:
				if !ok {
					return
				}
				received++
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases the listen connection and publish pool.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	var firstErr error
	if b.listenConn != nil {
		if err := b.listenConn.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if b.pool != nil {
		b.pool.Close()
	}
	return firstErr
}

// WithTimeout is a small helper used by callers that want ProcessNotify to
// naturally stop after a fixed wall-clock window (spec.md §5's "hard
// wall-clock timeout" for control_with_reply).
func WithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}
