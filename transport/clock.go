package transport

import "time"

// Clock yields the millisecond timestamp stamped on outgoing messages.
type Clock interface {
	NowMs() uint32
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint32

func (f ClockFunc) NowMs() uint32 { return f() }

type monotonicClock struct{ start time.Time }

// NewMonotonicClock counts milliseconds from its creation. The value wraps
// after about 49.7 days, same as the 32-bit field it fills.
func NewMonotonicClock() Clock { return monotonicClock{start: time.Now()} }

func (c monotonicClock) NowMs() uint32 { return uint32(time.Since(c.start).Milliseconds()) }
