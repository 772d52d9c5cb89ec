package remote

import (
	"sync"
	"time"
)

// commandClock stamps commands with strictly increasing UnixNano values.
// A stamp is never earlier than the operation's queue time, so a device clock
// stepped back after going offline cannot sort a replayed command behind the
// ones it was queued after.
type commandClock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func newCommandClock() *commandClock {
	return &commandClock{now: time.Now}
}

func (c *commandClock) stamp(queuedAt time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixNano()
	if !queuedAt.IsZero() {
		if q := queuedAt.UnixNano(); q > ts {
			ts = q
		}
	}
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
