package instagram

import (
	"testing"
	"time"
)

func TestBackoffPolicy_Delay_DoublesWithoutJitter(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Max: time.Minute, Rand: func() float64 { return 0 }}

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, time.Minute, time.Minute}
	for attempt, w := range want {
		if got := p.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestBackoffPolicy_Delay_MonotoneWithMaxJitter(t *testing.T) {
	// ジッタが最大でも次の試行の最小値を超えない
	high := BackoffPolicy{Base: 2 * time.Second, Max: 5 * time.Minute, JitterFraction: 0.9, Rand: func() float64 { return 0.9999 }}
	low := BackoffPolicy{Base: 2 * time.Second, Max: 5 * time.Minute, JitterFraction: 0.9, Rand: func() float64 { return 0 }}

	for attempt := 0; attempt < 20; attempt++ {
		if high.Delay(attempt) > low.Delay(attempt+1) {
			t.Errorf("attempt=%d: 最大ジッタ %v > 次の最小値 %v", attempt, high.Delay(attempt), low.Delay(attempt+1))
		}
	}
}

func TestBackoffPolicy_Delay_NeverExceedsMax(t *testing.T) {
	p := BackoffPolicy{Base: 3 * time.Second, Max: 40 * time.Second, JitterFraction: 0.5, Rand: func() float64 { return 0.99 }}
	for attempt := 0; attempt < 64; attempt++ {
		d := p.Delay(attempt)
		if d > 40*time.Second {
			t.Errorf("Delay(%d) = %v, 上限 40s を超えた", attempt, d)
		}
		if d <= 0 {
			t.Errorf("Delay(%d) = %v, 正の値であるべき", attempt, d)
		}
	}
}

func TestBackoffPolicy_Delay_DefaultsAndClamps(t *testing.T) {
	var p BackoffPolicy
	p.Rand = func() float64 { return 0 }
	if got := p.Delay(-3); got != defaultBaseDelay {
		t.Errorf("ゼロ値ポリシーの Delay(-3) = %v, want %v", got, defaultBaseDelay)
	}

	// JitterFraction >= 1 は 0.99 に丸める
	q := BackoffPolicy{Base: time.Second, Max: time.Hour, JitterFraction: 5, Rand: func() float64 { return 0.5 }}
	if got := q.Delay(0); got >= 2*time.Second {
		t.Errorf("Delay(0) = %v, 2s 未満であるべき", got)
	}

	// 範囲外の乱数は0として扱う
	r := BackoffPolicy{Base: time.Second, Max: time.Hour, JitterFraction: 0.5, Rand: func() float64 { return 1.5 }}
	if got := r.Delay(0); got != time.Second {
		t.Errorf("範囲外乱数の Delay(0) = %v, want 1s", got)
	}
}

func TestDefaultBackoffPolicy(t *testing.T) {
	p := DefaultBackoffPolicy()
	if p.Base != 2*time.Second {
		t.Errorf("Base = %v, want 2s", p.Base)
	}
	if p.Max != 5*time.Minute {
		t.Errorf("Max = %v, want 5m", p.Max)
	}
	if p.JitterFraction <= 0 || p.JitterFraction >= 1 {
		t.Errorf("JitterFraction = %v, (0,1) の範囲であるべき", p.JitterFraction)
	}
}
