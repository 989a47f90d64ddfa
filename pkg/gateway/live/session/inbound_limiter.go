package session

import "time"

// inboundLimiter is a per-connection token bucket on client frames. It only
// runs on the serve goroutine, so it is not locked.
type inboundLimiter struct {
	now        func() time.Time
	rate       int64
	burst      int64
	tokens     int64
	lastRefill time.Time
}

// newInboundLimiter returns nil, meaning unlimited, when perSecond is not
// positive.
func newInboundLimiter(now func() time.Time, perSecond, burstSeconds int) *inboundLimiter {
	if perSecond <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	burst := int64(perSecond) * int64(burstSeconds)
	return &inboundLimiter{
		now:        now,
		rate:       int64(perSecond),
		burst:      burst,
		tokens:     burst,
		lastRefill: now(),
	}
}

func (l *inboundLimiter) Allow() bool {
	if l == nil {
		return true
	}
	l.refill()
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

func (l *inboundLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	add := (elapsed.Nanoseconds() * l.rate) / int64(time.Second)
	if add <= 0 {
		return
	}
	l.tokens += add
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	// Advance only by the time that produced whole tokens.
	l.lastRefill = l.lastRefill.Add(time.Duration(add * int64(time.Second) / l.rate))
}
