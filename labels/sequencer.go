package labels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/models"
)

const (
	DefaultPollInterval = time.Second
	DefaultPageSize     = 500
)

// Event is one entry of the label stream. Seq is the id of the label row.
type Event struct {
	Seq    int64
	Labels []Label
}

type SequencerOptions struct {
	PollInterval time.Duration
	PageSize     int
	Logger       *slog.Logger
}

// Sequencer turns the label table into an ordered stream. A single poll loop
// reads rows past the last seen id and fans them out to registered outboxes.
type Sequencer struct {
	db       *gorm.DB
	store    *Store
	notifier Notifier
	logger   *slog.Logger

	pollInterval time.Duration
	pageSize     int

	// wakeCh is the one pending-poll slot shared by every wake source.
	wakeCh  chan struct{}
	started atomic.Bool
	polls   atomic.Int64

	// mu covers subs and lastSeen together, so a new subscription observes
	// exactly the events after the cursor it registers at.
	mu       sync.Mutex
	subs     map[*subscription]struct{}
	lastSeen int64
}

type subscription struct {
	ch      chan *Event
	kickCh  chan struct{}
	tooSlow atomic.Bool
}

// NewSequencer builds a Sequencer over db. store is used to re-sign rows
// signed by a rotated key and may be nil. notifier may be nil, in which case
// only the poll interval and Wake drive the loop.
func NewSequencer(db *gorm.DB, store *Store, notifier Notifier, opts SequencerOptions) *Sequencer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sequencer{
		db:           db,
		store:        store,
		notifier:     notifier,
		logger:       opts.Logger.With("component", "label-sequencer"),
		pollInterval: opts.PollInterval,
		pageSize:     opts.PageSize,
		wakeCh:       make(chan struct{}, 1),
		subs:         make(map[*subscription]struct{}),
	}
}

// Start initializes the stream position to the newest label, so only labels
// written afterwards are fanned out live.
func (s *Sequencer) Start(ctx context.Context) error {
	maxID, err := s.MaxSeq(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSeen = maxID
	s.mu.Unlock()
	sequencerLastSeen.Set(float64(maxID))
	s.started.Store(true)
	return nil
}

// Run drives the poll loop until ctx is done. Start must have been called.
func (s *Sequencer) Run(ctx context.Context) error {
	if !s.started.Load() {
		return fmt.Errorf("sequencer not started")
	}

	var notified <-chan struct{}
	if s.notifier != nil {
		ch, err := s.notifier.Subscribe(ctx)
		if err != nil {
			s.logger.Warn("label notifications unavailable, polling only", "err", err)
		} else {
			notified = ch
		}
	}

	go s.forwardWakeups(ctx, notified)

	s.logger.Info("label sequencer started", "lastSeen", s.LastSeen())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("label sequencer stopped", "polls", s.polls.Load())
			return nil
		case <-s.wakeCh:
		}
		s.polls.Add(1)
		sequencerPolls.Inc()
		if err := s.poll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("label sequencer poll failed", "err", err)
		}
	}
}

// forwardWakeups moves ticks and notifications into wakeCh, so a burst from
// any mix of sources leaves at most one poll pending behind the running one.
func (s *Sequencer) forwardWakeups(ctx context.Context, notified <-chan struct{}) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sequencerWakeups.WithLabelValues("tick").Inc()
		case _, ok := <-notified:
			if !ok {
				notified = nil
				continue
			}
			sequencerWakeups.WithLabelValues("notify").Inc()
		}
		send(s.wakeCh)
	}
}

// Wake requests a poll. Wake-ups that arrive while one is pending coalesce.
func (s *Sequencer) Wake() {
	sequencerWakeups.WithLabelValues("wake").Inc()
	send(s.wakeCh)
}

func (s *Sequencer) LastSeen() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// MaxSeq is the newest label id in the database, or 0 for an empty table.
func (s *Sequencer) MaxSeq(ctx context.Context) (int64, error) {
	var maxID int64
	if err := s.db.WithContext(ctx).Model(&models.Label{}).Select("COALESCE(MAX(id), 0)").Scan(&maxID).Error; err != nil {
		return 0, fmt.Errorf("reading newest label id: %w", err)
	}
	return maxID, nil
}

// EarliestSeq is the oldest label id still stored, or 0 for an empty table.
func (s *Sequencer) EarliestSeq(ctx context.Context) (int64, error) {
	var minID int64
	if err := s.db.WithContext(ctx).Model(&models.Label{}).Select("COALESCE(MIN(id), 0)").Scan(&minID).Error; err != nil {
		return 0, fmt.Errorf("reading oldest label id: %w", err)
	}
	return minID, nil
}

// RequestRange returns up to limit events with seq > earliestID, ascending.
func (s *Sequencer) RequestRange(ctx context.Context, earliestID int64, limit int) ([]*Event, error) {
	return s.requestBetween(ctx, earliestID, 0, limit)
}

// requestBetween is RequestRange bounded above by seq <= until. A zero until
// means no bound.
func (s *Sequencer) requestBetween(ctx context.Context, earliestID, until int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	q := s.db.WithContext(ctx).Where("id > ?", earliestID)
	if until > 0 {
		q = q.Where("id <= ?", until)
	}
	var rows []models.Label
	if err := q.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading labels after %d: %w", earliestID, err)
	}
	if s.store != nil {
		if err := s.store.Resign(ctx, s.db, rows); err != nil {
			return nil, err
		}
	}

	evts := make([]*Event, 0, len(rows))
	for i := range rows {
		evts = append(evts, &Event{
			Seq:    rows[i].ID,
			Labels: []Label{FromModel(&rows[i])},
		})
	}
	return evts, nil
}

func (s *Sequencer) poll(ctx context.Context) error {
	cursor := s.LastSeen()
	for {
		evts, err := s.RequestRange(ctx, cursor, s.pageSize)
		if err != nil {
			return err
		}
		if len(evts) == 0 {
			return nil
		}

		s.mu.Lock()
		for _, evt := range evts {
			s.fanout(evt)
		}
		cursor = evts[len(evts)-1].Seq
		s.lastSeen = cursor
		s.mu.Unlock()
		sequencerLastSeen.Set(float64(cursor))

		if len(evts) < s.pageSize {
			return nil
		}
	}
}

// fanout must be called with mu held. A subscriber whose buffer is full is
// kicked rather than allowed to stall the loop.
func (s *Sequencer) fanout(evt *Event) {
	for sub := range s.subs {
		if sub.tooSlow.Load() {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.tooSlow.Store(true)
			close(sub.kickCh)
			slowConsumerDisconnects.Inc()
			s.logger.Warn("kicking slow label consumer", "seq", evt.Seq)
		}
	}
}

// subscribe registers a live subscription and returns the cursor it starts
// after. Events with seq greater than the cursor arrive on the channel.
func (s *Sequencer) subscribe(bufferSize int) (*subscription, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &subscription{
		ch:     make(chan *Event, bufferSize),
		kickCh: make(chan struct{}),
	}
	s.subs[sub] = struct{}{}
	outboxSubscribers.Inc()
	return sub, s.lastSeen
}

func (s *Sequencer) unsubscribe(sub *subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	outboxSubscribers.Dec()
}
