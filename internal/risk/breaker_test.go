package risk

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, FailureWindow: time.Minute, Cooldown: time.Minute})

	b.RecordFailure("uniswap_v3")
	b.RecordFailure("uniswap_v3")
	if b.Suspended("uniswap_v3") {
		t.Fatal("breaker opened below threshold")
	}
	b.RecordFailure("uniswap_v3")
	if !b.Suspended("uniswap_v3") {
		t.Fatal("breaker did not open at threshold")
	}
	if b.Suspended("curve") {
		t.Error("unrelated venue suspended")
	}
}

func TestBreakerCooldownExpires(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 50 * time.Millisecond})
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure("uniswap_v3")
	if !b.Suspended("uniswap_v3") {
		t.Fatal("breaker did not open")
	}
	now = now.Add(60 * time.Millisecond)
	if b.Suspended("uniswap_v3") {
		t.Error("suspension survived past cooldown")
	}
}

func TestBreakerWindowDiscardsStaleFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, FailureWindow: 100 * time.Millisecond, Cooldown: time.Minute})
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure("uniswap_v3")
	now = now.Add(200 * time.Millisecond)
	b.RecordFailure("uniswap_v3")
	if b.Suspended("uniswap_v3") {
		t.Error("stale failure counted toward threshold")
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, FailureWindow: time.Minute, Cooldown: time.Minute})

	b.RecordFailure("uniswap_v3")
	b.RecordSuccess("uniswap_v3")
	b.RecordFailure("uniswap_v3")
	if b.Suspended("uniswap_v3") {
		t.Error("success did not reset failure count")
	}
}
