package chunk

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrOutboxFull = errors.New("outbox full")

// Event is one outgoing application event.
type Event struct {
	Kind    string
	Payload []byte
	// Coalesce marks status-like events: within the debounce window only
	// the latest event of the same kind is sent.
	Coalesce bool
}

// SendFunc delivers one frame over the current transport link.
type SendFunc func(ctx context.Context, frame []byte) error

// Outbox is a single goroutine event loop: events are read in order,
// status events are debounced, and everything is split and handed to send.
type Outbox struct {
	queue    chan Event
	splitter Splitter
	send     SendFunc
	debounce time.Duration
}

func NewOutbox(splitter Splitter, send SendFunc, debounce time.Duration, size int) *Outbox {
	if size <= 0 {
		size = 256
	}
	return &Outbox{
		queue:    make(chan Event, size),
		splitter: splitter,
		send:     send,
		debounce: debounce,
	}
}

// Enqueue never blocks; a full queue drops the event.
func (o *Outbox) Enqueue(ev Event) error {
	select {
	case o.queue <- ev:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Run processes the queue until ctx ends.
func (o *Outbox) Run(ctx context.Context) {
	var (
		pending []Event
		timer   *time.Timer
		fire    <-chan time.Time
	)
	flush := func() {
		for _, ev := range pending {
			o.deliver(ctx, ev)
		}
		pending = pending[:0]
		if timer != nil {
			timer.Stop()
		}
		fire = nil
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-fire:
			flush()
		case ev := <-o.queue:
			if !ev.Coalesce || o.debounce <= 0 {
				flush()
				o.deliver(ctx, ev)
				continue
			}
			replaced := false
			for i := range pending {
				if pending[i].Kind == ev.Kind {
					pending[i] = ev
					replaced = true
					break
				}
			}
			if !replaced {
				pending = append(pending, ev)
			}
			if timer == nil {
				timer = time.NewTimer(o.debounce)
			} else {
				timer.Reset(o.debounce)
			}
			fire = timer.C
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, ev Event) {
	frames, err := o.splitter.Split(ev.Kind, ev.Payload)
	if err != nil {
		log.Error().Err(err).Str("module", "chunk").Str("kind", ev.Kind).Msg("split event")
		return
	}
	for i, f := range frames {
		if err := o.send(ctx, f); err != nil {
			// The rest of a chunked transfer is useless without this frame.
			log.Warn().Err(err).Str("module", "chunk").Str("kind", ev.Kind).
				Int("index", i).Int("total", len(frames)).Msg("send failed, transfer dropped")
			return
		}
	}
}
