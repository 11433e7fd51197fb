package transcript

import "sync"

type subscriber struct {
	ch   chan Snapshot
	once sync.Once
}

// Subscribe returns a channel that always holds the most recent snapshot.
// Slow readers skip intermediate states rather than block the aggregator.
// The current snapshot is delivered immediately. cancel closes the channel.
func (a *Aggregator) Subscribe() (<-chan Snapshot, func()) {
	s := &subscriber{ch: make(chan Snapshot, 1)}

	a.mu.Lock()
	a.subs[s] = struct{}{}
	s.ch <- a.snapshotLocked()
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		delete(a.subs, s)
		a.mu.Unlock()
		s.once.Do(func() { close(s.ch) })
	}
	return s.ch, cancel
}

// publishLocked replaces any undelivered snapshot with snap. Holding the
// lock keeps delivery in event order and away from a concurrent cancel.
func (a *Aggregator) publishLocked(snap Snapshot) {
	for s := range a.subs {
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snap:
		default:
		}
	}
}
