// Package stream fans step events out to live observers of a publish
// session and replays buffered history to late or reconnecting ones.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"crosspost/internal/progress"
	logx "crosspost/pkg/logx"
)

var (
	// ErrLagged ends a subscription whose pending queue overflowed.
	// Reconnecting replays the buffered history.
	ErrLagged = errors.New("stream: subscriber lagged")
	ErrClosed = errors.New("stream: subscription closed")
)

type Options struct {
	BufferSize      int           // replay events kept per session
	SubscriberQueue int           // pending events per subscriber before it is dropped
	Grace           time.Duration // idle time before an unobserved channel is reclaimed
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 500
	}
	if o.SubscriberQueue <= 0 {
		o.SubscriberQueue = 1024
	}
	if o.Grace <= 0 {
		o.Grace = 60 * time.Second
	}
	return o
}

// Broker owns one channel per session. The map lock only guards lookup,
// creation and removal; event traffic takes the per-session lock.
type Broker struct {
	log logx.Logger
	now func() time.Time

	mu       sync.Mutex
	opts     Options
	channels map[string]*channel

	seq atomic.Uint64
}

type channel struct {
	id string

	mu           sync.Mutex
	buf          []progress.Event
	evicted      int
	subs         map[uint64]*Subscription
	complete     bool
	removed      bool
	lastActivity time.Time
}

func New(opts Options, log logx.Logger) *Broker {
	return &Broker{
		log:      log,
		now:      time.Now,
		opts:     opts.withDefaults(),
		channels: map[string]*channel{},
	}
}

// Apply swaps options at runtime. Buffer size applies to channels created afterwards.
func (b *Broker) Apply(opts Options) {
	b.mu.Lock()
	b.opts = opts.withDefaults()
	b.mu.Unlock()
}

func (b *Broker) options() Options {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opts
}

// lock returns the live channel for id with its lock held, creating it on first use.
func (b *Broker) lock(id string) (*channel, Options) {
	for {
		b.mu.Lock()
		ch := b.channels[id]
		if ch == nil {
			ch = &channel{id: id, subs: map[uint64]*Subscription{}, lastActivity: b.now()}
			b.channels[id] = ch
		}
		opts := b.opts
		b.mu.Unlock()

		ch.mu.Lock()
		if !ch.removed {
			return ch, opts
		}
		// Reclaimed between lookup and lock; look again.
		ch.mu.Unlock()
	}
}

// Publish appends e to its session's replay buffer and hands it to every
// current subscriber. It never blocks.
func (b *Broker) Publish(e progress.Event) {
	if e.SessionID == "" {
		return
	}
	ch, opts := b.lock(e.SessionID)
	defer ch.mu.Unlock()

	ch.buf = append(ch.buf, e)
	if over := len(ch.buf) - opts.BufferSize; over > 0 {
		ch.buf = append(ch.buf[:0:0], ch.buf[over:]...)
		ch.evicted += over
	}
	ch.lastActivity = b.now()

	for id, sub := range ch.subs {
		if !sub.push(e) {
			delete(ch.subs, id)
			b.log.Warn("stream subscriber lagged; dropped",
				logx.String("session_id", ch.id), logx.Int("queue_cap", sub.max))
		}
	}
}

// Subscribe attaches a new observer. The subscription yields a connected
// acknowledgment, then the buffered history in emission order, then live
// events. Both steps happen under the session lock, so nothing is duplicated
// or skipped relative to concurrent Publish calls.
func (b *Broker) Subscribe(sessionID string) *Subscription {
	ch, opts := b.lock(sessionID)
	defer ch.mu.Unlock()

	sub := &Subscription{
		id:     b.seq.Add(1),
		broker: b,
		ch:     ch,
		max:    opts.SubscriberQueue + len(ch.buf) + 1,
		signal: make(chan struct{}, 1),
		done:   ch.complete,
	}
	sub.queue = make([]progress.Event, 0, len(ch.buf)+1)
	sub.queue = append(sub.queue, progress.NewConnected(sessionID, b.now()))
	sub.queue = append(sub.queue, ch.buf...)
	sub.Skipped = ch.evicted

	ch.subs[sub.id] = sub
	ch.lastActivity = b.now()
	sub.notify()
	return sub
}

// MarkComplete records that no more events will be published for the
// session. Subscribers end with io.EOF once they drain, and the grace
// period for reclaiming the channel starts now.
func (b *Broker) MarkComplete(sessionID string) {
	ch, _ := b.lock(sessionID)
	defer ch.mu.Unlock()

	ch.complete = true
	ch.lastActivity = b.now()
	for _, sub := range ch.subs {
		sub.finish()
	}
}

// Sweep reclaims channels with no subscribers that have been idle for the
// grace period. Running channels that still hold events are kept until the
// session completes. It returns the number of channels removed.
func (b *Broker) Sweep() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, ch := range b.channels {
		ch.mu.Lock()
		idle := len(ch.subs) == 0 && now.Sub(ch.lastActivity) >= b.opts.Grace
		if idle && (ch.complete || len(ch.buf) == 0) {
			ch.removed = true
			delete(b.channels, id)
			n++
		}
		ch.mu.Unlock()
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (b *Broker) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 15 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := b.Sweep(); n > 0 {
				b.log.Debug("stream channels reclaimed", logx.Int("count", n))
			}
		}
	}
}

type Stats struct {
	Channels    int `json:"channels"`
	Subscribers int `json:"subscribers"`
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	chs := make([]*channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chs = append(chs, ch)
	}
	b.mu.Unlock()

	st := Stats{Channels: len(chs)}
	for _, ch := range chs {
		ch.mu.Lock()
		st.Subscribers += len(ch.subs)
		ch.mu.Unlock()
	}
	return st
}

// Subscription is one observer's view of a session stream.
type Subscription struct {
	id     uint64
	broker *Broker
	ch     *channel
	max    int

	// Skipped is how many early events had already been evicted from the
	// replay buffer when the subscription started.
	Skipped int

	mu     sync.Mutex
	queue  []progress.Event
	signal chan struct{}
	done   bool
	err    error
}

// Next returns the next event. It returns io.EOF after the session completed
// and everything was delivered, ErrLagged if the subscriber fell behind, and
// ctx.Err() if ctx ends first.
func (s *Subscription) Next(ctx context.Context) (progress.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = progress.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, nil
		}
		err := s.err
		if err == nil && s.done {
			err = io.EOF
		}
		s.mu.Unlock()
		if err != nil {
			return progress.Event{}, err
		}

		select {
		case <-ctx.Done():
			return progress.Event{}, ctx.Err()
		case <-s.signal:
		}
	}
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.ch.mu.Lock()
	if _, ok := s.ch.subs[s.id]; ok {
		delete(s.ch.subs, s.id)
		s.ch.lastActivity = s.broker.now()
	}
	s.ch.mu.Unlock()

	s.mu.Lock()
	if s.err == nil {
		s.err = ErrClosed
	}
	s.queue = nil
	s.mu.Unlock()
	s.notify()
}

// push runs under the channel lock. It reports false when the subscriber
// overflowed and must be detached.
func (s *Subscription) push(e progress.Event) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.max {
		s.err = ErrLagged
		s.queue = nil
		s.mu.Unlock()
		s.notify()
		return false
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
