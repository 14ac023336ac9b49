package ramutex

type Timestamp int64

// Clock is a scalar Lamport clock. ObservedTS is the highest timestamp seen
// in any incoming message; TS is the timestamp of the current (or last)
// request issued by the local site.
type Clock struct {
	TS         Timestamp
	ObservedTS Timestamp
}

func (c *Clock) Observe(ts Timestamp) {
	if ts > c.ObservedTS {
		c.ObservedTS = ts
	}
}

func (c *Clock) BeginRequest() Timestamp {
	c.TS = c.ObservedTS + 1
	return c.TS
}
