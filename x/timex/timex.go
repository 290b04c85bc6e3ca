package timex

import (
	"time"

	"github.com/benbjohnson/clock"
)

// NowMs returns Unix milliseconds from c, or from the wall clock when c is nil.
func NowMs(c clock.Clock) int64 {
	if c == nil {
		return time.Now().UnixMilli()
	}
	return c.Now().UnixMilli()
}

// OrDefault returns d when it is positive, else def.
func OrDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
