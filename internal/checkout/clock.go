package checkout

import (
	"time"

	"github.com/zoobzio/clockz"
)

// Clock is the part of clockz.Clock the checkout components use.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

func clockOrDefault(c Clock) Clock {
	if c == nil {
		return clockz.RealClock
	}
	return c
}
