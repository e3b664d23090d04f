package labels

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

const DefaultMaxBufferSize = 500

var (
	ErrConsumerTooSlow = errors.New("stream consumer too slow")
	ErrOutboxReused    = errors.New("outbox already in use")
	ErrFutureCursor    = errors.New("cursor is ahead of the stream")
)

// Outbox delivers one consumer's view of the label stream: history from a
// cursor, then live events, each exactly once and in order.
type Outbox struct {
	seq       *Sequencer
	maxBuffer int
	used      atomic.Bool
}

func NewOutbox(seq *Sequencer, maxBuffer int) *Outbox {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBufferSize
	}
	return &Outbox{seq: seq, maxBuffer: maxBuffer}
}

// Events calls yield for each event after cursor until ctx is done, yield
// fails, or the consumer falls more than the buffer size behind the live
// stream. A nil cursor starts at the live tip.
func (o *Outbox) Events(ctx context.Context, cursor *int64, yield func(*Event) error) error {
	if o.used.Swap(true) {
		return ErrOutboxReused
	}

	var last int64
	if cursor != nil {
		maxID, err := o.seq.MaxSeq(ctx)
		if err != nil {
			return err
		}
		if *cursor > maxID {
			return fmt.Errorf("%w: %d > %d", ErrFutureCursor, *cursor, maxID)
		}
		last = *cursor

		// catch up without holding a live buffer
		for last < o.seq.LastSeen() {
			n, err := o.readPage(ctx, &last, o.seq.LastSeen(), yield)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
		}
	}

	sub, registered := o.seq.subscribe(o.maxBuffer)
	defer o.seq.unsubscribe(sub)

	if cursor == nil {
		last = registered
	}
	// bridge the gap between the backfill and the registration point. Rows
	// past it arrive on the live channel in sequencer order.
	for last < registered {
		n, err := o.readPage(ctx, &last, registered, yield)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}

	for {
		select {
		case <-sub.kickCh:
			return ErrConsumerTooSlow
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.kickCh:
			return ErrConsumerTooSlow
		case evt := <-sub.ch:
			if evt.Seq <= last {
				continue
			}
			if err := yield(evt); err != nil {
				return err
			}
			last = evt.Seq
		}
	}
}

// readPage yields the next page of events after *last and up to until.
func (o *Outbox) readPage(ctx context.Context, last *int64, until int64, yield func(*Event) error) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	evts, err := o.seq.requestBetween(ctx, *last, until, o.seq.pageSize)
	if err != nil {
		return 0, err
	}
	for _, evt := range evts {
		if err := yield(evt); err != nil {
			return 0, err
		}
		*last = evt.Seq
	}
	return len(evts), nil
}
