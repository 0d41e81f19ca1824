package eas

import "sync"

// Change reports that a user's collection gained or lost items.
type Change struct {
	UserID       int64
	CollectionID string
}

// Bus is the process-wide change multiplexer between mail delivery
// and suspended Ping handlers. Publishing never blocks; a subscriber
// that already has a wake-up queued misses nothing by dropping the
// extra event.
type Bus struct {
	mu   sync.Mutex
	subs map[int64]map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int64]map[*Subscription]struct{})}
}

// Notify publishes a change to every matching subscriber.
func (b *Bus) Notify(userID int64, collectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[userID] {
		if len(sub.filter) > 0 && !sub.filter[collectionID] {
			continue
		}
		select {
		case sub.c <- Change{UserID: userID, CollectionID: collectionID}:
		default:
		}
	}
}

// Subscribe registers interest in changes to the given collections
// of one user. An empty collection list matches all of them. The
// caller must Cancel the subscription when done.
func (b *Bus) Subscribe(userID int64, collectionIDs []string) *Subscription {
	sub := &Subscription{
		bus:    b,
		userID: userID,
		filter: make(map[string]bool, len(collectionIDs)),
		c:      make(chan Change, 16),
	}
	for _, id := range collectionIDs {
		sub.filter[id] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[userID]
	if m == nil {
		m = make(map[*Subscription]struct{})
		b.subs[userID] = m
	}
	m[sub] = struct{}{}
	return sub
}

type Subscription struct {
	bus    *Bus
	userID int64
	filter map[string]bool
	c      chan Change

	once sync.Once
}

// C yields change events. The channel is never closed; receive with
// a select against the handler's deadline and context.
func (s *Subscription) C() <-chan Change { return s.c }

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		m := s.bus.subs[s.userID]
		delete(m, s)
		if len(m) == 0 {
			delete(s.bus.subs, s.userID)
		}
	})
}
