package sessions

import (
	"context"
	"sync"
)

// Handle lets the tracker reach a live connection during shutdown.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

// Tracker registers live client connections so the process can warn, wait for,
// and finally cancel them while draining.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
	draining bool
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds a connection. It returns ok=false without registering when the
// tracker is draining; callers should refuse the connection in that case.
func (t *Tracker) Register(channelID string, h Handle) (unregister func(), ok bool) {
	if t == nil {
		return func() {}, true
	}
	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return func() {}, false
	}
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[channelID]
	t.sessions[channelID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(channelID, old)
	}

	return func() { t.unregister(channelID, entry) }, true
}

func (t *Tracker) unregister(channelID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[channelID] == entry {
			delete(t.sessions, channelID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) SetDraining(draining bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.draining = draining
	t.mu.Unlock()
}

func (t *Tracker) Draining() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draining
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// WarnAll sends a best-effort warning to every registered connection.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	for _, h := range t.snapshot() {
		if h.Warn == nil {
			continue
		}
		_ = h.Warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	for _, h := range t.snapshot() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

func (t *Tracker) snapshot() []Handle {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.sessions))
	for _, entry := range t.sessions {
		if entry == nil {
			continue
		}
		out = append(out, entry.handle)
	}
	return out
}

// Wait blocks until every registered connection has unregistered or ctx ends.
// It reports whether all connections finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
