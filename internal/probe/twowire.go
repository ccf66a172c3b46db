package probe

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Two-wire monitor cadence and counts.
const (
	NoTestInterval     = 250 * time.Millisecond
	ShortCheckInterval = 100 * time.Millisecond
	ShortFailInterval  = 200 * time.Millisecond
	PulsingInterval    = 30 * time.Millisecond
	AuditInterval      = 125 * time.Millisecond

	NShortFails  = 10
	DryTicks     = 12
	WetTicks     = 5  // wet declared after more than this
	RecheckTicks = 10 // short/open recheck after more than this
	DomeOutTicks = 20
	GoneTicks    = 67
)

// Thermistor channel levels used to name a wet thermistor's fault.
const (
	ThermOpenBias  Millivolts = 300
	ThermColdLevel Millivolts = 9600
	ThermHotLevel  Millivolts = 2000
)

type twoWire struct {
	state      TwoWireState
	next       time.Time
	dry        int
	wet        int
	gone       int
	shortFails int
	shorts     ShortsResult
	domeOut    bool
	rechecked  bool
	auditCh    int
	nextAudit  time.Time
}

func (t *twoWire) reset() {
	*t = twoWire{state: TwoWireNoTest}
}

func (t *twoWire) enter(st TwoWireState, now time.Time) {
	t.state = st
	t.next = now
}

// ActiveTwoWire runs the two-wire monitor once if its interval is due.
//
// NoTest clears the pass counters and runs a static short test with the
// truck connected. ShortCheck moves to Pulsing on a clean test or to
// ShortFail otherwise. ShortFail holds the tank in Short and re-tests up to
// NShortFails times before latching the shorted channels. Pulsing judges
// oscillation: DryTicks dry passes declare the tank dry and start the
// round-robin active short audit; more than WetTicks wet passes declare it
// wet. Both fault and pulsing states watch for the truck leaving and
// declare GoneTwo after GoneTicks consecutive gone checks.
func (s *Session) ActiveTwoWire() error {
	t := &s.two
	now := s.now()
	if now.Before(t.next) {
		return nil
	}

	switch t.state {
	case TwoWireNoTest:
		t.dry, t.wet, t.gone, t.shortFails = 0, 0, 0, 0
		t.domeOut, t.rechecked = false, false
		res, err := s.StaticShortTest(true)
		if errors.Is(err, ErrShortTestDeferred) {
			t.next = now.Add(NoTestInterval)
			return nil
		}
		if err != nil {
			t.next = now.Add(NoTestInterval)
			return err
		}
		t.shorts = res
		t.enter(TwoWireShortCheck, now.Add(NoTestInterval))

	case TwoWireShortCheck:
		if t.shorts.OK() {
			t.enter(TwoWirePulsing, now.Add(ShortCheckInterval))
			return nil
		}
		s.setTank(TankShort)
		t.enter(TwoWireShortFail, now.Add(ShortCheckInterval))

	case TwoWireShortFail:
		t.next = now.Add(ShortFailInterval)
		s.setTank(TankShort)
		if t.shortFails < NShortFails {
			res, err := s.StaticShortTest(true)
			switch {
			case errors.Is(err, ErrShortTestDeferred):
			case err != nil:
				return err
			case res.OK() && !s.AnyLatched():
				t.shorts = res
				t.dry, t.wet = 0, 0
				t.enter(TwoWirePulsing, now.Add(ShortFailInterval))
				return nil
			default:
				t.shorts = res
				t.shortFails++
				if t.shortFails >= NShortFails {
					s.latchShorts(res)
				}
			}
		}
		return s.watchGone()

	case TwoWirePulsing:
		t.next = now.Add(PulsingInterval)
		if s.AllOscillating() {
			if err := s.twoWireDry(now); err != nil {
				return err
			}
		} else if err := s.twoWireWet(); err != nil {
			return err
		}
		if t.state != TwoWirePulsing {
			return nil
		}
		return s.watchGone()
	}
	return nil
}

func (s *Session) twoWireDry(now time.Time) error {
	t := &s.two
	t.dry++
	t.wet = 0
	t.domeOut, t.rechecked = false, false
	if t.dry < DryTicks {
		return nil
	}
	if t.dry == DryTicks {
		active := s.st.Active()
		for ch := 0; ch < NumChannels; ch++ {
			if active.Has(ch) {
				s.setProbe(ch, ProbeDry)
			}
		}
		s.setTank(TankDry)
		s.jumpResetAt = now
		if s.jumpStart {
			s.setJumpStart(false)
		}
		t.auditCh = s.st.Config.Compartments.StartPoint()
		t.nextAudit = now
	}
	if s.tank != TankDry || now.Before(t.nextAudit) {
		return nil
	}
	t.nextAudit = now.Add(AuditInterval)
	ch := t.auditCh
	t.auditCh++
	if t.auditCh >= NumChannels {
		t.auditCh = s.st.Config.Compartments.StartPoint()
	}
	_, err := s.ActiveShortTest(MaskOf(ch))
	return err
}

func (s *Session) twoWireWet() error {
	t := &s.two
	t.wet++
	t.dry = 0
	if t.wet <= WetTicks {
		return nil
	}

	active := s.st.Active()
	for ch := 0; ch < NumChannels; ch++ {
		if !active.Has(ch) {
			continue
		}
		if s.oscMask.Has(ch) {
			s.setProbe(ch, ProbeDry)
			continue
		}
		s.setProbe(ch, s.wetVerdict(ch))
	}
	s.setTank(TankWet)

	if t.wet >= DomeOutTicks && !t.domeOut {
		t.domeOut = true
		s.note(NoteDomeOut, "%s", s.domeOutSnapshot())
	}

	if t.wet > RecheckTicks && !t.rechecked {
		t.rechecked = true
		res, err := s.StaticShortTest(true)
		switch {
		case errors.Is(err, ErrShortTestDeferred):
			t.rechecked = false
		case err != nil:
			return err
		case !res.OK():
			t.shorts = res
			s.setTank(TankShort)
			t.enter(TwoWireShortFail, s.now().Add(ShortFailInterval))
			return nil
		}
		if s.truck == TruckOpticTwo && s.thermMask == 0 && !s.jumpStart {
			// Mixed optic and thermistor loads need the extra drive.
			s.setJumpStart(true)
			s.note(NoteJumpStart, "re-enabled after %d wet ticks", t.wet)
		}
	}
	return nil
}

// wetVerdict names the state of a non-oscillating channel. Thermistor
// channels can also be identified as open, cold or hot from their level.
func (s *Session) wetVerdict(ch int) ProbeState {
	if s.truck != TruckThermalTwo {
		return ProbeWet
	}
	v := s.chans[ch].volt
	switch {
	case v >= s.openCircuit(ch)-ThermOpenBias:
		return ProbeOpen
	case v >= ThermColdLevel:
		return ProbeCold
	case v < ThermHotLevel:
		return ProbeHot
	}
	return ProbeWet
}

// latchShorts makes a confirmed static short test result permanent for the
// session.
func (s *Session) latchShorts(res ShortsResult) {
	for ch := 0; ch < NumChannels; ch++ {
		switch {
		case res.Shorts.Has(ch):
			s.setProbe(ch, ProbeShort)
		case res.Grounds.Has(ch):
			s.setProbe(ch, ProbeGround)
		}
	}
	s.setTank(TankShort)
	s.note(NoteShortLatch, "shorts=%08b grounds=%08b", res.Shorts, res.Grounds)
}

// watchGone counts consecutive gone checks and declares GoneTwo after
// GoneTicks.
func (s *Session) watchGone() error {
	t := &s.two
	gone, err := s.CheckTruckGone()
	if err != nil {
		return err
	}
	if !gone {
		t.gone = 0
		return nil
	}
	t.gone++
	if t.gone >= GoneTicks {
		s.truck = TruckGoneTwo
	}
	return nil
}

func (s *Session) domeOutSnapshot() string {
	var b strings.Builder
	active := s.st.Active()
	for ch := 0; ch < NumChannels; ch++ {
		if !active.Has(ch) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "c%d=%s/%dmV/%d", ch+1, s.probes[ch], s.chans[ch].volt, s.chans[ch].hist.count(OscWindow))
	}
	return b.String()
}
