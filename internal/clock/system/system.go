// Package system adapts the wall clock to the scan.Clock interface.
package system

import "time"

// Clock reads the real wall clock. Timestamps are normalized to UTC so
// persisted results compare consistently across hosts.
type Clock struct{}

// New returns a wall-clock backed Clock. The zero value is equally usable;
// New exists for symmetry with the other provider packages.
func New() Clock {
	return Clock{}
}

// Now reports the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
