package platform

import "sync/atomic"

// Flag is the advisory "flashing in progress" indicator. It is written by
// the session loop and read by other loops without further coordination;
// readers must treat it as a hint.
type Flag struct {
	v atomic.Bool
}

func (f *Flag) Set(busy bool) {
	f.v.Store(busy)
}

func (f *Flag) Busy() bool {
	return f.v.Load()
}
