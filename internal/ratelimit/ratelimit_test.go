package ratelimit

import (
	"testing"
	"time"
)

func TestIncrCountsPerIP(t *testing.T) {
	l := NewLimiter(time.Minute)
	if n := l.Incr("1.2.3.4"); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	if n := l.Incr("1.2.3.4"); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if n := l.Incr("5.6.7.8"); n != 1 {
		t.Fatalf("expected independent counter, got %d", n)
	}
}

func TestTightenCapsRequests(t *testing.T) {
	l := NewLimiter(time.Minute)
	l.Tighten("1.2.3.4", 3, time.Hour)
	for i := 0; i < 3; i++ {
		if !l.Allowed("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allowed("1.2.3.4") {
		t.Fatalf("4th request should be denied")
	}
	if !l.Allowed("5.6.7.8") {
		t.Fatalf("uncapped IP must stay allowed")
	}
}

func TestTightenNeverLoosens(t *testing.T) {
	l := NewLimiter(time.Minute)
	l.Tighten("1.2.3.4", 5, time.Hour)
	l.Tighten("1.2.3.4", 50, time.Hour)
	max, ok := l.Limit("1.2.3.4")
	if !ok || max != 5 {
		t.Fatalf("expected cap to stay at 5, got %d (%v)", max, ok)
	}
}

func TestLimitExpires(t *testing.T) {
	l := NewLimiter(time.Minute)
	l.Tighten("1.2.3.4", 5, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, ok := l.Limit("1.2.3.4"); ok {
		t.Fatalf("expected expired cap")
	}
}

func TestMonitorTTL(t *testing.T) {
	l := NewLimiter(time.Minute)
	l.Monitor("1.2.3.4", time.Hour)
	if !l.Monitored("1.2.3.4") {
		t.Fatalf("expected monitored")
	}
	if l.Monitored("5.6.7.8") {
		t.Fatalf("unexpected monitoring")
	}
	l.Monitor("9.9.9.9", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if l.Monitored("9.9.9.9") {
		t.Fatalf("expected monitor entry to expire")
	}
}
