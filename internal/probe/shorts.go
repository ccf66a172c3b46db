package probe

import (
	"errors"
	"fmt"
	"time"
)

// ErrShortTestDeferred is returned when a static short test in a different
// mode ran less than ShortTestInterval ago. The caller retries later.
var ErrShortTestDeferred = errors.New("static short test deferred")

// Short and open test thresholds and waits.
const (
	GroundThreshold      Millivolts = 500
	PowerThreshold       Millivolts = 3000
	ActiveShortThreshold Millivolts = 1500

	AllDecayTimeout   = 300 * time.Millisecond
	HoldDown          = 20 * time.Millisecond
	EnergizeTimeout   = 300 * time.Millisecond
	DecayTimeout      = 300 * time.Millisecond
	ShortTestInterval = time.Second
	ActiveShortWindow = 10 * time.Millisecond
	ShortCount        = 2
)

// Signature identifies a smart-probe wiring adapter pattern.
type Signature string

const (
	SignatureNone Signature = ""
	Signature6    Signature = "ADAPTER_6"
	Signature8    Signature = "ADAPTER_8"
)

// ShortsResult is the outcome of a static short test.
type ShortsResult struct {
	// Shorts are channels tied to another channel or fed from outside.
	Shorts Mask
	// Grounds are channels that never came up when energized alone.
	Grounds Mask
	// Pattern[ch] holds the other channels found powered while only ch
	// was driven.
	Pattern   [NumChannels]Mask
	Signature Signature
}

// OK reports whether no short or ground was found.
func (r ShortsResult) OK() bool { return r.Shorts == 0 && r.Grounds == 0 }

// adapterGroups are the channel groups a smart-probe bridge ties together.
// The 8 compartment adapter links 3&8 and 4,6,7; the 6 compartment adapter
// links 6 to 4 and 5 to 3 (channel numbers 1-based).
var adapterGroups = map[Signature][][]int{
	Signature8: {{2, 7}, {3, 5, 6}},
	Signature6: {{5, 3}, {4, 2}},
}

// signaturePattern expands channel groups into a raw drive pattern.
func signaturePattern(groups [][]int) [NumChannels]Mask {
	var p [NumChannels]Mask
	for _, g := range groups {
		for _, a := range g {
			for _, b := range g {
				if a != b {
					p[a] = p[a].With(b)
				}
			}
		}
	}
	return p
}

// matchSignature compares a raw pattern against the adapter signatures on
// the active channels only.
func matchSignature(pattern [NumChannels]Mask, active Mask, count CompartmentCount) Signature {
	want := Signature8
	if count == Compartments6 {
		want = Signature6
	}
	sig := signaturePattern(adapterGroups[want])
	for ch := 0; ch < NumChannels; ch++ {
		if !active.Has(ch) {
			continue
		}
		if pattern[ch]&active != sig[ch]&active {
			return SignatureNone
		}
	}
	return want
}

// StaticShortTest checks every active channel for shorts to its
// neighbours and to ground. All drivers are released and the rack must
// decay below GroundThreshold; then each channel is energized alone, must
// come up within EnergizeTimeout with no other channel following it, and
// must decay again within DecayTimeout.
//
// The test toggles the drive outputs, which an independent watchdog can
// mistake for truck pulsing, so it runs at most once per
// ShortTestInterval; a call inside the interval returns the previous
// result, or ErrShortTestDeferred if that result was taken in the other
// mode.
func (s *Session) StaticShortTest(withTruck bool) (ShortsResult, error) {
	res, _, err := s.staticShortTest(withTruck)
	return res, err
}

func (s *Session) staticShortTest(withTruck bool) (ShortsResult, bool, error) {
	st := s.st
	now := s.now()
	if !st.lastShortTest.IsZero() && now.Sub(st.lastShortTest) < ShortTestInterval {
		if st.haveShorts && st.lastWithTruck == withTruck {
			return st.lastShorts, false, nil
		}
		return ShortsResult{}, false, ErrShortTestDeferred
	}
	st.lastShortTest = now
	st.lastWithTruck = withTruck

	res, err := s.runShortTest(withTruck)
	st.Rig.Drive.SetChannelDrive(DriveAll)
	if err != nil {
		st.haveShorts = false
		return ShortsResult{}, true, fmt.Errorf("static short test: %w", err)
	}
	st.lastShorts = res
	st.haveShorts = true
	return res, true, nil
}

func (s *Session) runShortTest(withTruck bool) (ShortsResult, error) {
	var res ShortsResult
	active := s.st.Active()
	drive := s.st.Rig.Drive

	below := func(ch int) bool { return s.volt(ch) < GroundThreshold }
	allBelow := func() bool {
		for ch := 0; ch < NumChannels; ch++ {
			if active.Has(ch) && !below(ch) {
				return false
			}
		}
		return true
	}

	drive.SetChannelDrive(DriveOff)
	ok, err := s.waitUntil(AllDecayTimeout, allBelow)
	if err != nil {
		return res, err
	}
	if ok {
		ok, err = s.holdFor(HoldDown, allBelow)
		if err != nil {
			return res, err
		}
	}
	if !ok {
		// Something outside the rack is feeding these channels.
		for ch := 0; ch < NumChannels; ch++ {
			if active.Has(ch) && !below(ch) {
				res.Shorts = res.Shorts.With(ch)
			}
		}
	}

	for ch := 0; ch < NumChannels; ch++ {
		if !active.Has(ch) || res.Shorts.Has(ch) {
			continue
		}
		// A loaded channel only has to reach power level; an empty rack
		// must come all the way up to its open-circuit voltage.
		level := PowerThreshold
		if !withTruck {
			level = s.openCircuit(ch) - GoneBias
		}
		drive.SetChannelDrive(DriveOnly(ch))
		up, err := s.waitUntil(EnergizeTimeout, func() bool { return s.volt(ch) >= level })
		if err != nil {
			return res, err
		}
		if !up {
			res.Grounds = res.Grounds.With(ch)
		}
		for o := 0; o < NumChannels; o++ {
			if o != ch && active.Has(o) && !res.Shorts.Has(o) && s.volt(o) >= PowerThreshold {
				res.Pattern[ch] = res.Pattern[ch].With(o)
			}
		}

		drive.SetChannelDrive(DriveOff)
		down, err := s.waitUntil(DecayTimeout, func() bool { return below(ch) })
		if err != nil {
			return res, err
		}
		if !down {
			res.Shorts = res.Shorts.With(ch)
		}
	}

	for ch := 0; ch < NumChannels; ch++ {
		if res.Pattern[ch] != 0 {
			res.Shorts |= res.Pattern[ch].With(ch)
		}
	}
	if sig := matchSignature(res.Pattern, active, s.st.Config.Compartments); sig != SignatureNone {
		// The smart-probe bridge ties these lines on purpose.
		res.Signature = sig
		var tied Mask
		for ch := 0; ch < NumChannels; ch++ {
			if res.Pattern[ch] != 0 {
				tied = tied.With(ch) | res.Pattern[ch]
			}
		}
		res.Shorts &^= tied
	}
	return res, nil
}

// ShortSignature runs the short pattern scan and reports whether the smart
// probe adapter signature has been seen on ShortCount consecutive fresh
// scans. The station smart-probe flag follows the result.
func (s *Session) ShortSignature() (bool, error) {
	present, _, err := s.ScanSignature()
	return present, err
}

// ScanSignature is ShortSignature that also reports whether a fresh scan
// was taken. A deferred or cached scan leaves the flag unchanged.
func (s *Session) ScanSignature() (present, fresh bool, err error) {
	st := s.st
	res, fresh, err := s.staticShortTest(false)
	if errors.Is(err, ErrShortTestDeferred) {
		return st.smartProbe, false, nil
	}
	if err != nil {
		return st.smartProbe, false, err
	}
	if !fresh {
		return st.smartProbe, false, nil
	}
	if res.Signature != SignatureNone {
		st.sigCount++
	} else {
		st.sigCount = 0
	}
	st.smartProbe = st.sigCount >= ShortCount
	return st.smartProbe, true, nil
}

// ActiveShortTest audits channels in mask while a truck is permitting:
// each channel is released for at most ActiveShortWindow and must drop
// below ActiveShortThreshold. A channel that stays up is fed by another
// source, so it latches Short and forces the two-wire monitor into
// ShortFail. Optic channels are skipped because releasing them disturbs
// the probe, and the whole audit is skipped under the debug jumper.
func (s *Session) ActiveShortTest(mask Mask) (bool, error) {
	if s.st.Config.Debug.SkipActiveShort {
		return true, nil
	}
	active := s.st.Active()
	drive := s.st.Rig.Drive
	pass := true
	for ch := 0; ch < NumChannels; ch++ {
		if !mask.Has(ch) || !active.Has(ch) {
			continue
		}
		if s.truck == TruckOpticTwo || s.opticMask.Has(ch) {
			continue
		}
		drive.SetChannelDrive(DriveAllBut(ch))
		dropped, err := s.waitUntil(ActiveShortWindow, func() bool { return s.volt(ch) < ActiveShortThreshold })
		drive.SetChannelDrive(DriveAll)
		if err != nil {
			return false, err
		}
		if !dropped {
			pass = false
			s.setProbe(ch, ProbeShort)
			s.note(NoteShortLatch, "channel=%d active short", ch+1)
		}
	}
	if !pass {
		s.setTank(TankShort)
		s.two.enter(TwoWireShortFail, s.now())
	}
	return pass, nil
}
