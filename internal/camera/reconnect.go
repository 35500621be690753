package camera

import (
	"math"
	"math/rand/v2"
	"time"
)

// ReconnectConfig はデバイス再接続のバックオフ設定
type ReconnectConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int     // 連続失敗の上限。超えるとワーカーは終了する
	Jitter     float64 // 0.2 なら ±20%
}

// DefaultReconnectConfig はデフォルト設定を返す
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		MaxRetries: 5,
		Jitter:     0.2,
	}
}

// Backoff は attempt 回目（1始まり）の待ち時間を返す
// base * 2^(attempt-1) を上限で切り詰め、ジッターを加える
func (c ReconnectConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// MaxDelay が0以下なら上限なし（オーバーフローだけ避ける）
	delay := c.BaseDelay
	for i := 1; i < attempt && delay > 0 && delay <= math.MaxInt64/2; i++ {
		if c.MaxDelay > 0 && delay >= c.MaxDelay {
			break
		}
		delay *= 2
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	if c.Jitter > 0 {
		factor := 1 + c.Jitter*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}
