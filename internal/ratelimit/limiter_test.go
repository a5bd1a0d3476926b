package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNilLimiterAllowsEverything(t *testing.T) {
	ctx := context.Background()

	var l *Limiter
	for i := 0; i < RuleSend.Limit*3; i++ {
		if !l.Allow(ctx, "u1", RuleSend) {
			t.Fatalf("nil limiter denied request %d", i)
		}
	}
	if got := l.RetryAfter(ctx, "u1", RuleSend); got != 0 {
		t.Errorf("nil limiter RetryAfter = %v, want 0", got)
	}
}

func TestLimiterWithoutClientAllowsEverything(t *testing.T) {
	ctx := context.Background()

	l := NewLimiter(nil)
	for i := 0; i < RuleConnect.Limit*3; i++ {
		if !l.Allow(ctx, "u1", RuleConnect) {
			t.Fatalf("clientless limiter denied request %d", i)
		}
	}
	if got := l.RetryAfter(ctx, "u1", RuleConnect); got != 0 {
		t.Errorf("clientless limiter RetryAfter = %v, want 0", got)
	}
}

func TestRuleShapes(t *testing.T) {
	if RuleSend.Limit <= 0 || RuleSend.Window <= 0 {
		t.Errorf("RuleSend has no budget: %+v", RuleSend)
	}
	if RuleConnect.Limit <= 0 || RuleConnect.Window <= 0 {
		t.Errorf("RuleConnect has no budget: %+v", RuleConnect)
	}
	if RuleSend.Key == RuleConnect.Key {
		t.Error("send and connect rules share a key prefix, windows would collide")
	}
	if RuleSend.Window >= time.Minute {
		t.Errorf("send window %v too coarse for interactive messaging", RuleSend.Window)
	}
}
