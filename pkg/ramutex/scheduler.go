package ramutex

import "time"

// Scheduler arms timers on behalf of a site. When a timer expires, the
// owner of the site must call Site.OnTimer with the kind of the timer, from
// the goroutine handling the site.
type Scheduler interface {
	After(time.Duration, TimerKind)
}
