// Package hw provides the rack hardware behind the probe interfaces.
// The Linux rig drives GPIO character device lines and reads a serial ADC
// front end. The simulated rig models trucks for tests and bench runs.
package hw

import (
	"time"

	"github.com/sweeney/rack-monitor/internal/probe"
)

// Pins maps rack outputs and inputs to GPIO line offsets (BCM numbering).
type Pins struct {
	Chip        string
	Drive       [probe.NumChannels]int
	HighCurrent [probe.NumChannels]int
	JumpStart   int
	DiagPulse   int
	Permit      int
	// SkipShortJumper is the bench jumper that disables the active short
	// audit. It reads active-low.
	SkipShortJumper int
}

// DefaultPins returns the line assignment of the rack controller board.
func DefaultPins() Pins {
	return Pins{
		Chip:            "gpiochip0",
		Drive:           [probe.NumChannels]int{4, 17, 27, 22, 5, 6, 13, 19},
		HighCurrent:     [probe.NumChannels]int{18, 23, 24, 25, 12, 16, 20, 21},
		JumpStart:       26,
		DiagPulse:       7,
		Permit:          8,
		SkipShortJumper: 9,
	}
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }
