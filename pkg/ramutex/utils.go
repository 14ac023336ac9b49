package ramutex

import (
	"bytes"
	"fmt"
	"math/rand"
	"runtime"
	"time"
)

func Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

func RecoverValueString(value interface{}) (msg string) {
	switch v := value.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%#v", v)
	}

	return
}

func StackTrace(depth int) string {
	pc := make([]uintptr, depth)

	// Skip runtime.Callers and StackTrace itself
	nbFrames := runtime.Callers(2, pc)
	pc = pc[:nbFrames]

	var buf bytes.Buffer

	frames := runtime.CallersFrames(pc)
	for {
		frame, more := frames.Next()

		fmt.Fprintf(&buf, "%s\n", frame.Function)
		fmt.Fprintf(&buf, "  %s:%d\n", frame.File, frame.Line)

		if !more {
			break
		}
	}

	return buf.String()
}

// RandomDuration returns a duration in [min, max], with a millisecond
// granularity.
func RandomDuration(r *rand.Rand, min, max time.Duration) time.Duration {
	minMs := min.Milliseconds()
	maxMs := max.Milliseconds()

	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}

	jitter := r.Int63n(maxMs - minMs + 1)
	return time.Duration(minMs+jitter) * time.Millisecond
}
