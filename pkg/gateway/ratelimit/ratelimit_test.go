package ratelimit

import (
	"testing"
	"time"
)

func TestAcquireConnection_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrentConnections: 1})
	now := time.Now()

	first := l.AcquireConnection("c1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.AcquireConnection("c1", now)
	if second.Allowed {
		t.Fatalf("second should be denied")
	}
	if other := l.AcquireConnection("c2", now); !other.Allowed {
		t.Fatalf("other client should be allowed")
	}

	first.Permit.Release()
	first.Permit.Release()
	third := l.AcquireConnection("c1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAcquireConnection_Unlimited(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 10; i++ {
		if d := l.AcquireConnection("c1", time.Now()); !d.Allowed {
			t.Fatalf("attempt %d denied", i)
		}
	}
}

func TestAcquireRequest_TokenBucket(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Now()

	if !l.AcquireRequest("c1", now).Allowed || !l.AcquireRequest("c1", now).Allowed {
		t.Fatalf("burst should allow two requests")
	}
	dec := l.AcquireRequest("c1", now)
	if dec.Allowed {
		t.Fatalf("third request should be limited")
	}
	if dec.RetryAfter < 1 {
		t.Fatalf("retry_after=%d", dec.RetryAfter)
	}
	if !l.AcquireRequest("c1", now.Add(1100*time.Millisecond)).Allowed {
		t.Fatalf("token should refill after a second")
	}
}

func TestLimiter_GCKeepsEntriesWithOpenConnections(t *testing.T) {
	l := New(Config{MaxConcurrentConnections: 1, MaxEntries: 1, EntryTTL: time.Minute})
	now := time.Now()

	held := l.AcquireConnection("c1", now)
	if !held.Allowed {
		t.Fatalf("first connection denied")
	}
	later := now.Add(time.Hour)
	l.AcquireConnection("c2", later)
	if d := l.AcquireConnection("c1", later); d.Allowed {
		t.Fatalf("held permit was forgotten by gc")
	}
}

func TestKeyFromIP(t *testing.T) {
	a, b := KeyFromIP("203.0.113.7"), KeyFromIP("203.0.113.8")
	if a == b || a == "" {
		t.Fatalf("keys=%q %q", a, b)
	}
	if KeyFromIP("203.0.113.7") != a {
		t.Fatalf("key not stable")
	}
}
