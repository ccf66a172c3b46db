package probe

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Note is a session occurrence worth recording by the caller.
type Note struct {
	Kind   string
	Detail string
}

// Note kinds.
const (
	NoteDomeOut     = "DOME_OUT"
	NoteShortLatch  = "SHORT_LATCH"
	NoteMaintenance = "MAINTENANCE"
	NoteJumpStart   = "JUMP_START"
	NoteFiveWireTry = "FIVE_WIRE_FALLTHROUGH"
)

// Session is the per-truck state. It is created when a truck is first
// sensed and discarded once the truck has left.
type Session struct {
	ID      uuid.UUID
	Started time.Time

	st *Station

	truck  TruckState
	tank   TankState
	probes [NumChannels]ProbeState

	chans       [NumChannels]channel
	thermalMode bool
	opticMask   Mask
	thermMask   Mask
	wetLatch    bool
	oscMask     Mask
	jumpStart   bool
	jumpResetAt time.Time
	maintenance bool

	cls  classifier
	two  twoWire
	five fiveWire
	pres presence

	fiveHint int
	diagMin  Millivolts

	notes []Note
}

// NewSession starts a session on the station with every channel energized
// at nominal drive.
func NewSession(st *Station) *Session {
	now := st.Rig.Clock.Now()
	s := &Session{
		ID:      uuid.New(),
		Started: now,
		st:      st,
		truck:   TruckUnknown,
		tank:    TankInit,
		diagMin: dynamicFloor(st.Params.Calibration),
	}
	s.cls.reset(now)
	s.two.reset()
	s.five.reset()
	s.pres.reset(now, st.pulses)
	s.st.Rig.Drive.SetChannelDrive(DriveAll)
	s.setJumpStart(false)
	return s
}

// BeginAcquire applies jump-start drive ahead of classification.
func (s *Session) BeginAcquire() {
	now := s.now()
	s.cls.reset(now)
	s.pres.reset(now, s.st.pulses)
	s.setJumpStart(true)
}

// Truck returns the detected truck type.
func (s *Session) Truck() TruckState { return s.truck }

// Tank returns the permit gate state.
func (s *Session) Tank() TankState { return s.tank }

// Probes returns a copy of the per-channel states.
func (s *Session) Probes() [NumChannels]ProbeState { return s.probes }

// Probe returns the state of one channel.
func (s *Session) Probe(ch int) ProbeState { return s.probes[ch] }

// AcquireState returns the classifier branch.
func (s *Session) AcquireState() AcquireState { return s.cls.state }

// TwoWireState returns the two-wire monitor sub-state.
func (s *Session) TwoWireState() TwoWireState { return s.two.state }

// FiveWireState returns the five-wire monitor sub-state.
func (s *Session) FiveWireState() FiveWireState { return s.five.state }

// Maintenance reports whether tank sizing hit an ambiguous level.
func (s *Session) Maintenance() bool { return s.maintenance }

// FiveWireHint returns the wet compartment inferred when the five-wire
// attempt fell through, or 0.
func (s *Session) FiveWireHint() int { return s.fiveHint }

// JumpStart reports whether jump-start drive is applied.
func (s *Session) JumpStart() bool { return s.jumpStart }

// Station returns the shared station state.
func (s *Session) Station() *Station { return s.st }

// AnyLatched reports whether any channel holds a sticky fault.
func (s *Session) AnyLatched() bool {
	for _, p := range s.probes {
		if p.Latched() {
			return true
		}
	}
	return false
}

// PermitReady reports whether the probe side allows loading: the tank is
// dry and no channel is latched.
func (s *Session) PermitReady() bool {
	return s.tank == TankDry && !s.AnyLatched()
}

// DrainNotes returns and clears the pending notes.
func (s *Session) DrainNotes() []Note {
	n := s.notes
	s.notes = nil
	return n
}

func (s *Session) note(kind, format string, args ...any) {
	s.notes = append(s.notes, Note{Kind: kind, Detail: fmt.Sprintf(format, args...)})
}

func (s *Session) now() time.Time { return s.st.Rig.Clock.Now() }

// Sample takes one acquisition tick and records it into the oscillation
// history.
func (s *Session) Sample() error {
	if err := s.acquire(); err != nil {
		return err
	}
	s.RecordTick()
	return nil
}

// acquire samples without touching the oscillation history. Busy-wait
// loops use it so their own drive toggling is never seen as truck pulsing.
func (s *Session) acquire() error {
	if err := s.st.Rig.Acq.Sample(); err != nil {
		return fmt.Errorf("%w: %v", ErrAcquisition, err)
	}
	return nil
}

func (s *Session) volt(input int) Millivolts { return s.st.Rig.Acq.Voltage(input) }

// openCircuit returns the no-load voltage for ch at the current drive level.
func (s *Session) openCircuit(ch int) Millivolts {
	row := 0
	if s.jumpStart {
		row = 1
	}
	return s.st.Params.OpenCircuit[row][ch]
}

func (s *Session) setJumpStart(on bool) {
	s.jumpStart = on
	s.st.Rig.Drive.SetJumpStart(on)
}

// setProbe updates a channel verdict. Latched faults are never replaced by
// a lesser state.
func (s *Session) setProbe(ch int, p ProbeState) {
	cur := s.probes[ch]
	if cur.Latched() && p <= cur {
		return
	}
	s.probes[ch] = p
}

// setTank updates the permit gate. A latched channel overrides any request
// with the tank state its fault maps to.
func (s *Session) setTank(t TankState) {
	var worst ProbeState
	for _, p := range s.probes {
		if p.Latched() && p > worst {
			worst = p
		}
	}
	if worst.Latched() {
		s.tank = tankForFault(worst)
		return
	}
	s.tank = t
}

// Reclassify clears the classification so the truck can be acquired again
// without dropping latched channel faults.
func (s *Session) Reclassify() {
	now := s.now()
	s.truck = TruckUnknown
	s.setTank(TankInit)
	s.thermalMode = false
	s.cls.reset(now)
	s.two.reset()
	s.five.reset()
	s.st.Rig.Drive.SetChannelDrive(DriveAll)
	s.BeginAcquire()
}

// Resume restores a truck type after a departure turned out to be a wiring
// adapter signature.
func (s *Session) Resume(t TruckState) {
	s.truck = t
	s.two.reset()
	s.five.reset()
	s.pres.reset(s.now(), s.st.pulses)
	s.st.Rig.Drive.SetChannelDrive(DriveAll)
}

// Close de-energizes the probe-specific outputs at the end of a session.
func (s *Session) Close() {
	s.setJumpStart(false)
	for ch := 0; ch < NumChannels; ch++ {
		s.st.Rig.Drive.SetHighCurrent(ch, false)
	}
	s.st.Rig.Drive.SetDiagPulse(false)
	s.st.Rig.Drive.SetChannelDrive(DriveAll)
	s.tank = TankInit
}

// Active runs the monitor matching the truck type once. It is a no-op
// before classification or after departure.
func (s *Session) Active() error {
	switch {
	case s.truck.TwoWire():
		return s.ActiveTwoWire()
	case s.truck == TruckOpticFive:
		return s.ActiveFiveWire()
	}
	return nil
}

// waitUntil samples until cond holds or timeout elapses.
func (s *Session) waitUntil(timeout time.Duration, cond func() bool) (bool, error) {
	start := s.now()
	for {
		if err := s.acquire(); err != nil {
			return false, err
		}
		if cond() {
			return true, nil
		}
		if s.now().Sub(start) >= timeout {
			return false, nil
		}
	}
}

// holdFor samples for d and reports whether cond held on every sample.
func (s *Session) holdFor(d time.Duration, cond func() bool) (bool, error) {
	start := s.now()
	for s.now().Sub(start) < d {
		if err := s.acquire(); err != nil {
			return false, err
		}
		if !cond() {
			return false, nil
		}
	}
	return true, nil
}
