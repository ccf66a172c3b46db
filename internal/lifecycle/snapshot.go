package lifecycle

import (
	"time"

	"github.com/sweeney/rack-monitor/internal/deadman"
	"github.com/sweeney/rack-monitor/internal/probe"
)

// Snapshot is the read-only host view of the controller.
type Snapshot struct {
	Time         time.Time
	Main         MainState
	Session      string
	SessionStart time.Time

	Truck    probe.TruckState
	Tank     probe.TankState
	Acquire  probe.AcquireState
	TwoWire  probe.TwoWireState
	FiveWire probe.FiveWireState

	Compartments probe.CompartmentCount
	Probes       [probe.NumChannels]probe.ProbeState
	FiveWireHint int

	Permit     bool
	Authorized bool
	Serial     string
	Deadman    deadman.Status

	SmartProbe  bool
	Maintenance bool
	JumpStart   bool
	Bolt        bool
	TIM         bool
	AcqFault    bool
	DiagFault   string
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	s := Snapshot{
		Time:         c.now(),
		Main:         c.main,
		Session:      c.sessionID(),
		Truck:        c.sess.Truck(),
		Tank:         c.sess.Tank(),
		Acquire:      c.sess.AcquireState(),
		TwoWire:      c.sess.TwoWireState(),
		FiveWire:     c.sess.FiveWireState(),
		Compartments: c.st.Config.Compartments,
		Probes:       c.sess.Probes(),
		FiveWireHint: c.sess.FiveWireHint(),
		Permit:       c.permit,
		Authorized:   c.authorized,
		Serial:       c.serial,
		Deadman:      c.dm.Status(),
		SmartProbe:   c.st.SmartProbe(),
		Maintenance:  c.sess.Maintenance(),
		JumpStart:    c.sess.JumpStart(),
		Bolt:         c.st.BoltContact(),
		TIM:          c.st.TIMPresent(),
		AcqFault:     c.acqFault,
		DiagFault:    c.diagFault,
	}
	if s.Session != "" {
		s.SessionStart = c.sess.Started
	}
	return s
}
