// Package events sequences and fans out the facts of one project.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sprintline/internal/domain"
)

var (
	ErrClosed    = errors.New("event stream closed")
	ErrLagged    = errors.New("subscriber fell behind; resubscribe with replay")
	ErrTruncated = errors.New("requested events are no longer retained")
)

const (
	DefaultRingSize = 1024
	DefaultBuffer   = 256
)

// Options configure a Bus.
type Options struct {
	Project  string
	RingSize int
	Buffer   int
	Now      func() time.Time
	// OnPublish runs inside the sequencing critical section and must not block.
	OnPublish func(domain.Event)
}

// Bus assigns strictly increasing sequence numbers and delivers events to
// subscribers in that order.
type Bus struct {
	mu     sync.Mutex
	opts   Options
	seq    uint64
	ring   []domain.Event
	start  int
	count  int
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus builds an empty bus.
func NewBus(opts Options) *Bus {
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{opts: opts, ring: make([]domain.Event, opts.RingSize), subs: map[*Subscription]struct{}{}}
}

// Restore seeds the bus after a restart. tail must be ordered and end at last.
func (b *Bus) Restore(last uint64, tail []domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq = last
	b.start, b.count = 0, 0
	for _, ev := range tail {
		if ev.Sequence > 0 && ev.Sequence <= last {
			b.retainLocked(ev)
		}
	}
}

// Publish sequences and broadcasts one event.
func (b *Bus) Publish(t domain.EventType, p domain.Payload) (domain.Event, error) {
	return b.PublishTx(t, p, nil)
}

// PublishTx assigns the next sequence number and runs commit before the event
// becomes visible. If commit fails the sequence is not consumed and nothing is
// delivered, so the caller's mutation and the event form one unit.
func (b *Bus) PublishTx(t domain.EventType, p domain.Payload, commit func(domain.Event) error) (domain.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.Event{}, ErrClosed
	}
	if p == nil {
		p = domain.Payload{}
	}
	ev := domain.Event{
		ProjectID: b.opts.Project,
		Sequence:  b.seq + 1,
		Type:      t,
		Payload:   p,
		Timestamp: b.opts.Now().UTC(),
	}
	if commit != nil {
		if err := commit(ev); err != nil {
			return domain.Event{}, err
		}
	}
	b.seq = ev.Sequence
	b.retainLocked(ev)
	if b.opts.OnPublish != nil {
		b.opts.OnPublish(ev)
	}
	for sub := range b.subs {
		b.deliverLocked(sub, ev)
	}
	return ev, nil
}

// Notify delivers an event to one session only. It carries sequence 0 and is
// not retained.
func (b *Bus) Notify(sessionID string, t domain.EventType, p domain.Payload) domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := domain.Event{
		ProjectID: b.opts.Project,
		Type:      t,
		Payload:   p,
		Timestamp: b.opts.Now().UTC(),
		Audience:  sessionID,
	}
	if b.closed {
		return ev
	}
	for sub := range b.subs {
		if sub.SessionID == sessionID {
			b.deliverLocked(sub, ev)
		}
	}
	return ev
}

func (b *Bus) retainLocked(ev domain.Event) {
	size := len(b.ring)
	if b.count < size {
		b.ring[(b.start+b.count)%size] = ev
		b.count++
		return
	}
	b.ring[b.start] = ev
	b.start = (b.start + 1) % size
}

func (b *Bus) deliverLocked(sub *Subscription, ev domain.Event) {
	if ev.Private() && ev.Audience != sub.SessionID {
		return
	}
	select {
	case sub.ch <- ev:
	default:
		b.dropLocked(sub, ErrLagged)
	}
}

func (b *Bus) dropLocked(sub *Subscription, err error) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.setErr(err)
	close(sub.ch)
}

func (b *Bus) sinceLocked(after uint64) []domain.Event {
	var out []domain.Event
	size := len(b.ring)
	for i := 0; i < b.count; i++ {
		ev := b.ring[(b.start+i)%size]
		if ev.Sequence > after {
			out = append(out, ev)
		}
	}
	return out
}

// Since returns the retained events with a sequence above after.
func (b *Bus) Since(after uint64) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sinceLocked(after)
}

// LastSequence returns the sequence of the latest published event.
func (b *Bus) LastSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Oldest returns the lowest retained sequence, or 0 when nothing is retained.
func (b *Bus) Oldest() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0
	}
	return b.ring[b.start].Sequence
}

// Subscribe replays retained events after afterSeq and then streams live ones.
// ErrTruncated is returned, together with a usable subscription, when some of
// the requested history has already left the ring.
func (b *Bus) Subscribe(sessionID string, afterSeq uint64) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	replay := b.sinceLocked(afterSeq)
	sub := &Subscription{
		SessionID: sessionID,
		bus:       b,
		ch:        make(chan domain.Event, len(replay)+b.opts.Buffer),
		last:      afterSeq,
		retained:  b.seq + 1,
	}
	if b.count > 0 {
		sub.retained = b.ring[b.start].Sequence
	}
	for _, ev := range replay {
		sub.ch <- ev
	}
	b.subs[sub] = struct{}{}
	var err error
	if b.count > 0 && afterSeq+1 < b.ring[b.start].Sequence {
		err = fmt.Errorf("%w: oldest retained is %d", ErrTruncated, b.ring[b.start].Sequence)
	} else if b.count == 0 && afterSeq < b.seq {
		err = fmt.Errorf("%w: nothing retained", ErrTruncated)
	}
	return sub, err
}

// CloseSession ends every subscription of sessionID. Buffered events stay readable.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.SessionID == sessionID {
			b.dropLocked(sub, ErrClosed)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription and refuses further publications.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		b.dropLocked(sub, ErrClosed)
	}
}

// Subscription is one consumer's ordered view of the stream.
type Subscription struct {
	SessionID string
	bus       *Bus
	ch        chan domain.Event
	last      uint64
	retained  uint64

	errMu sync.Mutex
	err   error
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err reports why the subscription ended, if it has.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Next blocks for the next event. Sequenced events at or below the last one
// seen are skipped. When the stream ends Next returns Err().
func (s *Subscription) Next(ctx context.Context) (domain.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		case ev, ok := <-s.ch:
			if !ok {
				if err := s.Err(); err != nil {
					return domain.Event{}, err
				}
				return domain.Event{}, ErrClosed
			}
			if ev.Sequence != 0 {
				if ev.Sequence <= s.last {
					continue
				}
				s.last = ev.Sequence
			}
			return ev, nil
		}
	}
}

// Last returns the highest sequence delivered through Next.
func (s *Subscription) Last() uint64 { return s.last }

// Retained is the lowest sequence the subscription itself will deliver.
// Anything between the requested position and Retained has to come from the
// persisted log.
func (s *Subscription) Retained() uint64 { return s.retained }

// Advance marks every event up to seq as delivered by other means, so Next
// skips them. It must be called from the goroutine that calls Next.
func (s *Subscription) Advance(seq uint64) {
	if seq > s.last {
		s.last = seq
	}
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.dropLocked(s, ErrClosed)
}
