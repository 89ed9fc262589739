package instagram

import (
	"math/rand/v2"
	"time"
)

const (
	// defaultBaseDelay は指数バックオフの初回遅延。
	defaultBaseDelay = 2 * time.Second
	// defaultMaxDelay は指数バックオフの最大遅延。
	defaultMaxDelay = 5 * time.Minute
	// defaultJitterFraction はジッタの最大割合。
	defaultJitterFraction = 0.2
)

// BackoffPolicy は指数バックオフとジッタの設定。
// 遅延は min(Base×2^attempt + jitter, Max) で、jitterは Base×2^attempt×JitterFraction 未満。
// JitterFractionを1未満に保つことで、試行回数に対して遅延が単調非減少になる。
type BackoffPolicy struct {
	Base           time.Duration
	Max            time.Duration
	JitterFraction float64
	// Rand は[0,1)の乱数を返す。nilの場合はmath/rand/v2を使用する。
	Rand func() float64
}

// DefaultBackoffPolicy はデフォルトのバックオフ設定を返す。
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:           defaultBaseDelay,
		Max:            defaultMaxDelay,
		JitterFraction: defaultJitterFraction,
	}
}

// Delay は試行回数（0始まり）に対するバックオフ遅延を計算する。
// 戻り値は常に正の値。
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxDelay := p.Max
	if maxDelay < base {
		maxDelay = base
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}

	fraction := p.JitterFraction
	if fraction < 0 {
		fraction = 0
	}
	if fraction >= 1 {
		fraction = 0.99
	}
	r := p.random()
	delay += time.Duration(float64(delay) * fraction * r)

	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (p BackoffPolicy) random() float64 {
	var r float64
	if p.Rand != nil {
		r = p.Rand()
	} else {
		r = rand.Float64()
	}
	if r < 0 || r >= 1 {
		return 0
	}
	return r
}
