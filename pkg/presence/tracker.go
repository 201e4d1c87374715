// Package presence maintains per-channel active-member sets derived from
// transport membership events. Membership is modeled as a multiset of
// connections collapsed to a set of identities: an identity is active iff its
// connection count is at least one, so a user with two tabs open stays online
// until the last tab leaves.
package presence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Identity is an opaque user identifier plus a display handle. Owned by the
// auth collaborator; this package only reads it.
type Identity struct {
	ID     string `json:"id"`
	Handle string `json:"handle,omitempty"`
}

// EventKind is the lifecycle action carried by a membership event.
type EventKind string

const (
	EventJoined EventKind = "joined"
	EventLeft   EventKind = "left"
)

// MembershipEvent is one membership delta delivered by the transport.
// Events for the same channel are folded strictly in arrival order; no
// ordering is assumed across channels.
type MembershipEvent struct {
	Channel  string    `json:"channel"`
	Identity Identity  `json:"identity"`
	Kind     EventKind `json:"kind"`
}

// UpdateKind discriminates the updates a subscriber stream receives.
type UpdateKind int

const (
	// UpdateSnapshot carries the full active set. Sent once on subscribe and
	// again whenever the tracker resyncs or a subscriber falls behind.
	UpdateSnapshot UpdateKind = iota
	// UpdateJoined marks an identity turning active (connection count 0 -> 1).
	UpdateJoined
	// UpdateLeft marks an identity turning inactive (connection count 1 -> 0).
	UpdateLeft
)

// Update is one element of a subscriber stream.
type Update struct {
	Kind    UpdateKind
	Channel string
	Members []Identity // snapshot updates only, sorted by ID
	Member  Identity   // delta updates only
}

// ErrNotSubscribed is returned for reads and unsubscribes targeting a channel
// with no local tracking state. Treated as a caller bug rather than silently
// fabricating an empty set.
var ErrNotSubscribed = errors.New("channel not subscribed")

// ResyncFunc is invoked when a channel's delta queue overflows and the
// tracker wants a fresh snapshot. A full snapshot is always safe to apply, so
// dropping queued deltas and forcing one is the backpressure strategy.
type ResyncFunc func(channel string)

// Options configures a Tracker. Zero values pick reasonable defaults.
type Options struct {
	// QueueLen bounds the per-channel delta queue. Default 256.
	QueueLen int
	// SubscriberBuffer bounds each subscriber stream. Default 16.
	SubscriberBuffer int
	// Resync, if set, is called (on its own goroutine) each time a channel's
	// queue overflows.
	Resync ResyncFunc
}

// Tracker is an explicit per-process registry of channel active sets. Tests
// and services construct isolated instances; there is no ambient global.
type Tracker struct {
	mu       sync.RWMutex
	channels map[string]*channelState

	queueLen int
	subBuf   int
	resync   ResyncFunc
}

// NewTracker creates an empty tracker.
func NewTracker(opts Options) *Tracker {
	if opts.QueueLen <= 0 {
		opts.QueueLen = 256
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 16
	}
	return &Tracker{
		channels: make(map[string]*channelState),
		queueLen: opts.QueueLen,
		subBuf:   opts.SubscriberBuffer,
		resync:   opts.Resync,
	}
}

// channelState holds one channel's derived state. Deltas are applied by a
// single goroutine per channel, so no two deltas for the same channel are
// ever folded concurrently; reads take the state mutex and never observe a
// half-applied delta.
type channelState struct {
	name  string
	queue chan item
	done  chan struct{}

	mu       sync.Mutex
	released bool
	counts   map[string]int    // identity ID -> connection count
	handles  map[string]string // identity ID -> last seen display handle
	subs     map[uint64]*Subscription
	nextSub  uint64
}

type item struct {
	snapshot bool
	members  []Identity
	evt      MembershipEvent
}

// Subscription is one consumer stream over a channel's active set. The first
// update is always a full snapshot, followed by ordered join/leave deltas.
type Subscription struct {
	Channel string
	C       <-chan Update

	ch       chan Update
	id       uint64
	st       *channelState
	needSnap bool // guarded by st.mu
	closed   bool // guarded by st.mu
}

// Close detaches this consumer stream. The channel's tracking state stays
// alive until Unsubscribe. Safe to call more than once.
func (s *Subscription) Close() {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.st.subs, s.id)
	close(s.ch)
}

// Subscribe begins (or joins) tracking for a channel and returns a stream
// that starts with a full snapshot of the current active set.
func (t *Tracker) Subscribe(channel string) (*Subscription, error) {
	if channel == "" {
		return nil, fmt.Errorf("subscribe: empty channel name")
	}

	t.mu.Lock()
	st, ok := t.channels[channel]
	if !ok {
		st = &channelState{
			name:    channel,
			queue:   make(chan item, t.queueLen),
			done:    make(chan struct{}),
			counts:  make(map[string]int),
			handles: make(map[string]string),
			subs:    make(map[uint64]*Subscription),
		}
		t.channels[channel] = st
		go st.run()
	}
	t.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.released {
		// Lost a race with Unsubscribe; retry against fresh state.
		return t.Subscribe(channel)
	}
	sub := &Subscription{
		Channel: channel,
		ch:      make(chan Update, t.subBuf),
		id:      st.nextSub,
		st:      st,
	}
	sub.C = sub.ch
	st.subs[sub.id] = sub
	st.nextSub++

	// Initial snapshot goes straight into the empty buffer.
	sub.ch <- Update{Kind: UpdateSnapshot, Channel: channel, Members: st.membersLocked()}
	return sub, nil
}

// Unsubscribe releases all tracking state for a channel. Consumer streams are
// closed and deltas racing the release are dropped. Returns ErrNotSubscribed
// when no tracking state exists.
func (t *Tracker) Unsubscribe(channel string) error {
	t.mu.Lock()
	st, ok := t.channels[channel]
	if ok {
		delete(t.channels, channel)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unsubscribe %q: %w", channel, ErrNotSubscribed)
	}

	close(st.done)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.released = true
	for id, sub := range st.subs {
		sub.closed = true
		close(sub.ch)
		delete(st.subs, id)
	}
	st.counts = make(map[string]int)
	st.handles = make(map[string]string)
	return nil
}

// CurrentMembers returns the channel's active identities sorted by ID. Safe
// to call from any goroutine while the delta loop is running.
func (t *Tracker) CurrentMembers(channel string) ([]Identity, error) {
	t.mu.RLock()
	st, ok := t.channels[channel]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("members %q: %w", channel, ErrNotSubscribed)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.membersLocked(), nil
}

// Channels returns the names of all currently tracked channels.
func (t *Tracker) Channels() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.channels))
	for name := range t.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Feed enqueues one membership delta onto its channel's queue. Events for
// untracked channels are dropped.
func (t *Tracker) Feed(evt MembershipEvent) {
	t.mu.RLock()
	st, ok := t.channels[evt.Channel]
	t.mu.RUnlock()
	if !ok {
		return
	}
	t.enqueue(st, item{evt: evt})
}

// ApplySnapshot enqueues a full overwrite of a channel's active set, e.g.
// after a resubscribe following a dropped transport connection. Prior
// connection counts are discarded; each listed identity counts as one
// connection, since snapshots report identities, not connections.
func (t *Tracker) ApplySnapshot(channel string, members []Identity) {
	t.mu.RLock()
	st, ok := t.channels[channel]
	t.mu.RUnlock()
	if !ok {
		return
	}
	t.enqueue(st, item{snapshot: true, members: members})
}

func (t *Tracker) enqueue(st *channelState, it item) {
	select {
	case st.queue <- it:
		return
	default:
	}
	// Consumer is behind: drop the oldest queued item to make room and ask
	// for a resync. A full snapshot repairs whatever the drop lost.
	select {
	case <-st.queue:
	default:
	}
	select {
	case st.queue <- it:
	default:
	}
	if t.resync != nil {
		go t.resync(st.name)
	}
}

// Close releases every tracked channel. Used on service shutdown.
func (t *Tracker) Close() {
	for _, name := range t.Channels() {
		t.Unsubscribe(name)
	}
}

func (st *channelState) run() {
	for {
		select {
		case <-st.done:
			return
		case it := <-st.queue:
			st.apply(it)
		}
	}
}

func (st *channelState) apply(it item) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.released {
		return
	}

	if it.snapshot {
		st.counts = make(map[string]int, len(it.members))
		st.handles = make(map[string]string, len(it.members))
		for _, m := range it.members {
			if m.ID == "" {
				continue
			}
			st.counts[m.ID] = 1
			if m.Handle != "" {
				st.handles[m.ID] = m.Handle
			}
		}
		st.broadcastLocked(Update{Kind: UpdateSnapshot, Channel: st.name, Members: st.membersLocked()})
		return
	}

	id := it.evt.Identity.ID
	if id == "" {
		return
	}
	switch it.evt.Kind {
	case EventJoined:
		st.counts[id]++
		if it.evt.Identity.Handle != "" {
			st.handles[id] = it.evt.Identity.Handle
		}
		if st.counts[id] == 1 {
			st.broadcastLocked(Update{Kind: UpdateJoined, Channel: st.name, Member: st.identityLocked(id)})
		}
	case EventLeft:
		n, ok := st.counts[id]
		if !ok {
			// Stale leave after a resync, already consistent.
			return
		}
		if n > 1 {
			st.counts[id] = n - 1
			return
		}
		member := st.identityLocked(id)
		delete(st.counts, id)
		delete(st.handles, id)
		st.broadcastLocked(Update{Kind: UpdateLeft, Channel: st.name, Member: member})
	}
}

func (st *channelState) identityLocked(id string) Identity {
	return Identity{ID: id, Handle: st.handles[id]}
}

func (st *channelState) membersLocked() []Identity {
	members := make([]Identity, 0, len(st.counts))
	for id := range st.counts {
		members = append(members, st.identityLocked(id))
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

// broadcastLocked fans an update out to all subscriber streams without ever
// blocking the delta loop. A subscriber whose buffer is full has the delta
// dropped and is marked to receive a fresh snapshot instead.
func (st *channelState) broadcastLocked(u Update) {
	for _, sub := range st.subs {
		if sub.needSnap {
			snap := Update{Kind: UpdateSnapshot, Channel: st.name, Members: st.membersLocked()}
			select {
			case sub.ch <- snap:
				sub.needSnap = false
			default:
			}
			continue
		}
		select {
		case sub.ch <- u:
		default:
			sub.needSnap = true
		}
	}
}
