package labels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// NotifyChannel is the LISTEN/NOTIFY and pub/sub channel label writes are
// announced on.
const NotifyChannel = "label_channel"

// Notifier carries "new labels were written" signals from writers to
// Sequencers, possibly across processes. Signals carry no payload and may be
// coalesced; receivers must re-read the label table.
type Notifier interface {
	Notify(ctx context.Context) error
	// Subscribe returns a channel that receives a value after every Notify.
	// The channel is closed once ctx is done.
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}

// send does a non-blocking send on a 1-slot channel, so a burst of signals
// collapses into one pending wake-up.
func send(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// LocalNotifier fans signals out to subscribers in the same process.
type LocalNotifier struct {
	lk   sync.Mutex
	subs map[chan struct{}]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[chan struct{}]struct{})}
}

func (n *LocalNotifier) Notify(ctx context.Context) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	for ch := range n.subs {
		send(ch)
	}
	return nil
}

func (n *LocalNotifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	n.lk.Lock()
	n.subs[ch] = struct{}{}
	n.lk.Unlock()

	go func() {
		<-ctx.Done()
		n.lk.Lock()
		delete(n.subs, ch)
		n.lk.Unlock()
		close(ch)
	}()
	return ch, nil
}

// PGNotifier uses Postgres NOTIFY on the shared database and a dedicated pgx
// connection for LISTEN.
type PGNotifier struct {
	db     *gorm.DB
	dsn    string
	logger *slog.Logger
}

func NewPGNotifier(db *gorm.DB, dsn string, logger *slog.Logger) *PGNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGNotifier{db: db, dsn: dsn, logger: logger.With("component", "pg-notifier")}
}

func (n *PGNotifier) Notify(ctx context.Context) error {
	return n.db.WithContext(ctx).Exec("SELECT pg_notify(?, '')", NotifyChannel).Error
}

func (n *PGNotifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	conn, err := n.listen(ctx)
	if err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	go n.run(ctx, conn, ch)
	return ch, nil
}

func (n *PGNotifier) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, n.dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("LISTEN %s: %w", NotifyChannel, err)
	}
	return conn, nil
}

func (n *PGNotifier) run(ctx context.Context, conn *pgx.Conn, ch chan struct{}) {
	defer close(ch)
	for {
		_, err := conn.WaitForNotification(ctx)
		if err == nil {
			send(ch)
			continue
		}
		conn.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		n.logger.Warn("label LISTEN connection failed, reconnecting", "err", err)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			conn, err = n.listen(ctx)
			if err == nil {
				break
			}
			n.logger.Warn("failed to re-establish label LISTEN", "err", err)
		}
		// rows may have landed while disconnected
		send(ch)
	}
}

// RedisNotifier uses Redis pub/sub, for deployments where writers and the
// subscribeLabels server do not share a Postgres instance.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context) error {
	return n.client.Publish(ctx, NotifyChannel, "").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	sub := n.client.Subscribe(ctx, NotifyChannel)
	// wait for the subscription confirmation so no notify is missed after return
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", NotifyChannel, err)
	}

	ch := make(chan struct{}, 1)
	msgs := sub.Channel()
	go func() {
		defer close(ch)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				send(ch)
			}
		}
	}()
	return ch, nil
}
