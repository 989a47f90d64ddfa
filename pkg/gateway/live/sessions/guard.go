package sessions

import "sync"

// Guard enforces at most one in-flight conversation per channel.
//
// A channel is busy from a successful TryAcquire until the matching Release.
// Channels are independent of each other, so one client's conversation never
// blocks another's.
type Guard struct {
	mu   sync.Mutex
	busy map[string]*Lease
}

// Lease is the scoped ownership of a busy channel returned by TryAcquire.
// Only the first Release has an effect, and a lease never frees a channel that
// has since been acquired by a newer lease.
type Lease struct {
	guard     *Guard
	channelID string
	once      sync.Once
}

func NewGuard() *Guard {
	return &Guard{busy: make(map[string]*Lease)}
}

// TryAcquire marks channelID busy and returns its lease. If the channel is
// already busy it returns (nil, false) and leaves the state untouched.
func (g *Guard) TryAcquire(channelID string) (*Lease, bool) {
	if g == nil {
		return nil, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy == nil {
		g.busy = make(map[string]*Lease)
	}
	if _, ok := g.busy[channelID]; ok {
		return nil, false
	}
	l := &Lease{guard: g, channelID: channelID}
	g.busy[channelID] = l
	return l, true
}

// Release marks channelID free regardless of which lease holds it. It is
// idempotent.
func (g *Guard) Release(channelID string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.busy, channelID)
	g.mu.Unlock()
}

// Busy reports whether a conversation is in flight on channelID.
func (g *Guard) Busy(channelID string) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.busy[channelID]
	return ok
}

// Len returns the number of busy channels.
func (g *Guard) Len() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.busy)
}

func (l *Lease) ChannelID() string {
	if l == nil {
		return ""
	}
	return l.channelID
}

func (l *Lease) Release() {
	if l == nil || l.guard == nil {
		return
	}
	l.once.Do(func() {
		g := l.guard
		g.mu.Lock()
		if g.busy[l.channelID] == l {
			delete(g.busy, l.channelID)
		}
		g.mu.Unlock()
	})
}
