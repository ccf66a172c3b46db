package probe

// Oscillation history and level tracking.
const (
	MaxArray  = 200 // history depth in samples
	OscWindow = 143 // trailing window judged by AllOscillating
	OscMin    = 1   // exclusive lower transition count
	OscMax    = 120 // exclusive upper transition count

	// PulseWindow is the trailing window CheckAllPulses looks at.
	PulseWindow = 40

	OpticThreshold  Millivolts = 5000
	OpticHysteresis Millivolts = 700
	ThermThreshold  Millivolts = 7000
	ThermHysteresis Millivolts = 300

	// A rising edge that starts below OpticSwingLow and finishes above
	// OpticRiseLevel is a full optic swing; anything shallower is a
	// thermistor ripple.
	OpticSwingLow  Millivolts = 3500
	OpticRiseLevel Millivolts = 6000
	OpticRiseCount            = 3
	ThermRiseCount            = 4
)

// history is a circular buffer of per-tick transition flags.
type history struct {
	bits [MaxArray]bool
	head int
	n    int
}

func (h *history) push(b bool) {
	h.bits[h.head] = b
	h.head = (h.head + 1) % MaxArray
	if h.n < MaxArray {
		h.n++
	}
}

// count returns the number of transitions in the trailing w samples.
func (h *history) count(w int) int {
	if w > h.n {
		w = h.n
	}
	c := 0
	for i := 1; i <= w; i++ {
		if h.bits[(h.head-i+MaxArray)%MaxArray] {
			c++
		}
	}
	return c
}

func (h *history) clear() { *h = history{} }

// channel holds the level-tracking state of one input.
type channel struct {
	volt, prev Millivolts
	high       bool
	primed     bool
	toggled    bool
	hist       history
	low        Millivolts // lowest reading since the last rising edge
	opticRises int
	thermRises int
}

// Oscillating reports whether count transitions over the window is the
// signature of a pulsing dry probe.
func Oscillating(count int) bool { return count > OscMin && count < OscMax }

func (s *Session) threshold(ch int) (Millivolts, Millivolts) {
	if s.thermalMode || s.truck == TruckThermalTwo || s.thermMask.Has(ch) {
		return ThermThreshold, ThermHysteresis
	}
	return OpticThreshold, OpticHysteresis
}

// RecordTick folds the latest sample into every channel's level tracker
// and transition history, and updates the per-channel optic/thermistor
// hints from the shape of each rising edge.
func (s *Session) RecordTick() {
	for ch := 0; ch < NumChannels; ch++ {
		c := &s.chans[ch]
		v := s.volt(ch)
		c.prev = c.volt
		c.volt = v
		thr, hyst := s.threshold(ch)

		if !c.primed {
			c.primed = true
			c.high = v >= thr
			c.low = v
			c.toggled = false
			c.hist.push(false)
			continue
		}

		was := c.high
		switch {
		case v >= thr+hyst:
			c.high = true
		case v <= thr-hyst:
			c.high = false
		}
		c.toggled = c.high != was
		c.hist.push(c.toggled)
		if c.toggled {
			s.st.pulses++
		}

		if !c.high && v < c.low {
			c.low = v
		}
		if c.toggled && c.high {
			s.classifyRise(ch, c)
			c.low = v
		}
	}
}

func (s *Session) classifyRise(ch int, c *channel) {
	if c.low < OpticSwingLow && c.volt > OpticRiseLevel {
		c.opticRises++
		c.thermRises = 0
	} else {
		c.thermRises++
		c.opticRises = 0
	}
	switch {
	case c.opticRises >= OpticRiseCount && !s.opticMask.Has(ch):
		s.opticMask = s.opticMask.With(ch)
		s.thermMask &^= MaskOf(ch)
	case c.thermRises >= ThermRiseCount && !s.thermMask.Has(ch) && !s.opticMask.Has(ch):
		s.thermMask = s.thermMask.With(ch)
	}
}

// OpticHint returns channels whose rising edges look like optic pulses.
func (s *Session) OpticHint() Mask { return s.opticMask }

// ThermalHint returns channels whose rising edges look like thermistor
// ripple.
func (s *Session) ThermalHint() Mask { return s.thermMask }

// TransitionCount returns the transitions of ch in the trailing window.
func (s *Session) TransitionCount(ch, window int) int {
	return s.chans[ch].hist.count(window)
}

// resetHistory forgets every channel's transition history.
func (s *Session) resetHistory() {
	for ch := range s.chans {
		s.chans[ch].hist.clear()
		s.chans[ch].primed = false
	}
}

// AllOscillating judges every active channel over the trailing OscWindow.
// The first time any channel stops oscillating the dry/wet latch flips to
// wet and all channels are switched to high drive current, which exposes
// shorts that hide under reduced drive.
func (s *Session) AllOscillating() bool {
	var osc Mask
	active := s.st.Active()
	for ch := 0; ch < NumChannels; ch++ {
		if !active.Has(ch) {
			continue
		}
		if Oscillating(s.chans[ch].hist.count(OscWindow)) {
			osc = osc.With(ch)
		}
	}
	s.oscMask = osc
	all := osc == active

	if !all && !s.wetLatch {
		s.wetLatch = true
		for ch := 0; ch < NumChannels; ch++ {
			if active.Has(ch) {
				s.st.Rig.Drive.SetHighCurrent(ch, true)
			}
		}
	}
	if all && s.wetLatch {
		s.wetLatch = false
		for ch := 0; ch < NumChannels; ch++ {
			s.st.Rig.Drive.SetHighCurrent(ch, false)
		}
	}
	return all
}

// OscillatingMask returns the channels found oscillating by the last
// AllOscillating call.
func (s *Session) OscillatingMask() Mask { return s.oscMask }

// allPulsing reports whether every active channel toggled at least twice
// in the trailing PulseWindow.
func (s *Session) allPulsing() bool {
	active := s.st.Active()
	for ch := 0; ch < NumChannels; ch++ {
		if active.Has(ch) && s.chans[ch].hist.count(PulseWindow) < 2 {
			return false
		}
	}
	return true
}
