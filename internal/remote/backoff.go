package remote

import "time"

// ReconnectDelay はイベントストリームの再接続までの待機時間を返す。
// base * 2^attempt で増加し、maxを上限とする。
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	return delay
}
