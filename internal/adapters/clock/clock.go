// Package clock supplies the timestamps stamped on MQTT envelopes.
package clock

import "time"

// Clock reads the system clock.
type Clock struct{}

// NowUnix returns current unix seconds.
func (Clock) NowUnix() int64 {
	return time.Now().Unix()
}

// Fixed is a clock stopped at a unix second.
type Fixed int64

// NowUnix returns the fixed instant.
func (f Fixed) NowUnix() int64 {
	return int64(f)
}
