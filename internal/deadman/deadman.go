// Package deadman times the operator's deadman switch against configured
// open and closed limits. Its state is independent of truck presence and
// persists across sessions.
package deadman

import (
	"fmt"

	"github.com/sweeney/rack-monitor/internal/probe"
)

// Threshold is the loop voltage at or above which the switch reads closed.
const Threshold probe.Millivolts = 2000

// Mode selects which limits are enforced.
type Mode string

const (
	// Disabled ignores the switch entirely.
	Disabled Mode = "disabled"
	// Standard enforces the maximum open time only.
	Standard Mode = "standard"
	// Active also requires the operator to release and re-press the switch
	// before MaxClose, with a warning flash ahead of the limit.
	Active Mode = "active"
)

// ParseMode converts a flag value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Disabled, Standard, Active:
		return m, nil
	}
	return "", fmt.Errorf("unknown deadman mode %q", s)
}

// Config holds the limits, in monitor ticks.
type Config struct {
	Mode      Mode
	MaxOpen   int
	MaxClose  int
	WarnClose int
	// FastLead is how many ticks before MaxClose the fast flash starts.
	FastLead int
}

// DefaultConfig returns the limits used at 250 ms ticks.
func DefaultConfig() Config {
	return Config{
		Mode:      Disabled,
		MaxOpen:   76,
		MaxClose:  480,
		WarnClose: 360,
		FastLead:  40,
	}
}

// Switch is the observed switch position.
type Switch string

const (
	SwitchUnknown Switch = "UNKNOWN"
	SwitchOpen    Switch = "OPEN"
	SwitchClosed  Switch = "CLOSED"
)

// Flash is the operator warning lamp rate.
type Flash string

const (
	FlashOff  Flash = "OFF"
	FlashSlow Flash = "SLOW"
	FlashFast Flash = "FAST"
)

// Status is the monitor state after a tick.
type Status struct {
	Switch     Switch
	OpenTicks  int
	CloseTicks int
	Flash      Flash
	Fault      bool
}

// Monitor is the deadman timing state machine. It is not safe for
// concurrent use.
type Monitor struct {
	cfg Config
	st  Status
}

// New creates a monitor with the switch in an unknown position.
func New(cfg Config) *Monitor {
	return &Monitor{cfg: cfg, st: Status{Switch: SwitchUnknown, Flash: FlashOff}}
}

// Config returns the monitor configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Status returns the state after the last tick.
func (m *Monitor) Status() Status { return m.st }

// Step folds one reading of the switch loop into the monitor.
//
// The first reading and every change of position count as tick 1 of the
// new position. The switch faults once it has been open for more than
// MaxOpen ticks. In Active mode it also faults once it has been closed for
// MaxClose ticks, or when it is released while the fast flash is showing.
// A fault holds until the switch is closed again.
func (m *Monitor) Step(v probe.Millivolts) Status {
	if m.cfg.Mode == Disabled || m.cfg.Mode == "" {
		return m.st
	}

	pos := SwitchOpen
	if v >= Threshold {
		pos = SwitchClosed
	}

	if pos != m.st.Switch {
		wasFast := m.st.Flash == FlashFast
		m.st.Switch = pos
		m.st.Flash = FlashOff
		if pos == SwitchClosed {
			m.st.CloseTicks, m.st.OpenTicks = 1, 0
			m.st.Fault = false
		} else {
			m.st.OpenTicks, m.st.CloseTicks = 1, 0
			if m.cfg.Mode == Active && wasFast {
				m.st.Fault = true
			}
		}
	} else if pos == SwitchClosed {
		m.st.CloseTicks++
	} else {
		m.st.OpenTicks++
	}

	switch pos {
	case SwitchOpen:
		if m.st.OpenTicks > m.cfg.MaxOpen {
			m.st.Fault = true
		}
	case SwitchClosed:
		if m.cfg.Mode != Active {
			break
		}
		switch {
		case m.st.CloseTicks >= m.cfg.MaxClose-m.cfg.FastLead:
			m.st.Flash = FlashFast
		case m.st.CloseTicks >= m.cfg.WarnClose && m.st.Flash != FlashFast:
			m.st.Flash = FlashSlow
		}
		if m.st.CloseTicks >= m.cfg.MaxClose {
			m.st.Fault = true
		}
	}
	return m.st
}
