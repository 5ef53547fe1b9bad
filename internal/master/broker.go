package master

import "sync"

const brokerSubscriberBufferCap = 16

// broker fans a single Snapshot topic out to any number of subscribers,
// replaying the latest snapshot to each new subscriber immediately —
// the single-topic specialization of internal/watch's subscriber-map
// shape, since the master exports exactly one topic (the program tree).
type broker struct {
	mu       sync.Mutex
	subs     map[uint64]chan Snapshot
	nextID   uint64
	latest   Snapshot
	hasLatest bool
}

func newBroker() *broker {
	return &broker{subs: make(map[uint64]chan Snapshot)}
}

// subscribe registers a new subscriber and returns its channel, primed
// with the latest snapshot if one has already been published. unsub
// must be called exactly once when the caller is done.
func (b *broker) subscribe() (ch chan Snapshot, unsub func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch = make(chan Snapshot, brokerSubscriberBufferCap)
	b.subs[id] = ch
	if b.hasLatest {
		ch <- b.latest
	}
	b.mu.Unlock()

	var once sync.Once
	unsub = func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

func (b *broker) publish(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest = snap
	b.hasLatest = true
	for _, sub := range b.subs {
		select {
		case sub <- snap:
		default:
		}
	}
}
