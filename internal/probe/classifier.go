package probe

import "time"

// Classifier budgets.
const (
	FiveWireWindow = 2500 * time.Millisecond
	FiveWireTries  = 5
	FiveWireRetry  = 95 * time.Millisecond

	OpticPulseDebounce = 8
	ThermPulseDebounce = 7
	// OpticCnt is how many consecutive divider readings are needed before
	// the pattern is trusted over a non-permitting five-wire probe.
	OpticCnt = 12

	OpticTwoWindow = 3 * time.Second
	ThermalWindow  = 3 * time.Second

	// ClassifierFailsafe is the cycle budget after which a truck that
	// resolved to nothing is treated as thermistor.
	ClassifierFailsafe = 65000
)

// Thermistor voltage bands.
const (
	ThermHighBandLow  Millivolts = 6000
	ThermHighBandHigh Millivolts = 8000
	ThermLowBandLow   Millivolts = 3000
	ThermLowBandHigh  Millivolts = 4000
	ThermBandSamples             = 2

	// OpticLowLevel is the floor a divider-loaded optic channel sits under.
	OpticLowLevel Millivolts = 3500
)

type classifier struct {
	state       AcquireState
	cycles      int
	branchStart time.Time
	lastTry     time.Time
	fiveTries   int
	pulses      int
	opticCount  int
	thermBand   int
	sigTried    bool
}

func (c *classifier) reset(now time.Time) {
	*c = classifier{state: AcquireIdle, branchStart: now}
}

func (c *classifier) enter(st AcquireState, now time.Time) {
	c.state = st
	c.branchStart = now
	c.pulses = 0
	c.opticCount = 0
	c.thermBand = 0
}

// Abandon marks the acquisition as given up; the truck left mid-way.
func (s *Session) Abandon() {
	s.cls.state = AcquireGoneNow
}

// Classify runs one classifier cycle on the latest sample. It returns the
// resolved truck type, or TruckUnknown while classification continues.
// Branches are tried in the order OpticFive, OpticTwo, Thermal, each for a
// bounded time; a truck that resolves to nothing within
// ClassifierFailsafe cycles is treated as thermistor.
func (s *Session) Classify() (TruckState, error) {
	c := &s.cls
	now := s.now()
	c.cycles++
	if c.cycles >= ClassifierFailsafe {
		return s.resolve(TruckThermalTwo), nil
	}

	switch c.state {
	case AcquireIdle:
		if s.st.Config.FiveWire {
			c.enter(AcquireOpticFive, now)
		} else {
			c.enter(AcquireOpticTwo, now)
		}
		return TruckUnknown, nil

	case AcquireOpticFive:
		return s.classifyFiveWire(now)

	case AcquireOpticTwo:
		return s.classifyOpticTwo(now)

	case AcquireThermal:
		return s.classifyThermal(now)
	}
	return TruckUnknown, nil
}

func (s *Session) classifyFiveWire(now time.Time) (TruckState, error) {
	c := &s.cls
	if s.opticMask != 0 {
		// Full-swing pulses on a probe line: this is a two-wire optic.
		c.enter(AcquireOpticTwo, now)
		return TruckUnknown, nil
	}
	if c.fiveTries > 0 && now.Sub(c.lastTry) < FiveWireRetry {
		return TruckUnknown, nil
	}
	c.lastTry = now
	c.fiveTries++
	ok, err := s.TryFiveWire()
	if err != nil {
		return TruckUnknown, err
	}
	if ok {
		return s.resolve(TruckOpticFive), nil
	}
	if c.fiveTries >= FiveWireTries || s.now().Sub(c.branchStart) >= FiveWireWindow {
		// The hint is advisory; a failed diag read leaves it at zero.
		n, err := s.CalcTank()
		if err != nil {
			n = 0
		}
		s.fiveHint = n
		s.note(NoteFiveWireTry, "tries=%d wet_hint=%d", c.fiveTries, n)
		c.enter(AcquireOpticTwo, s.now())
	}
	return TruckUnknown, nil
}

func (s *Session) classifyOpticTwo(now time.Time) (TruckState, error) {
	c := &s.cls
	if s.CheckAllPulses(&c.pulses, OpticPulseDebounce) {
		return s.resolve(TruckOpticTwo), nil
	}
	if s.OpticPresent() {
		c.opticCount++
		if c.opticCount >= OpticCnt {
			return s.resolve(TruckOpticTwo), nil
		}
	} else {
		c.opticCount = 0
	}
	if !c.sigTried {
		c.sigTried = true
		sig := s.st.smartProbe
		if !sig {
			var err error
			if sig, err = s.ShortSignature(); err != nil {
				return TruckUnknown, err
			}
		}
		if sig {
			return s.resolve(TruckOpticTwo), nil
		}
	}
	if now.Sub(c.branchStart) >= OpticTwoWindow {
		s.thermalMode = true
		c.enter(AcquireThermal, now)
	}
	return TruckUnknown, nil
}

func (s *Session) classifyThermal(now time.Time) (TruckState, error) {
	c := &s.cls
	if s.CheckAllPulses(&c.pulses, ThermPulseDebounce) {
		return s.resolve(TruckThermalTwo), nil
	}
	if s.ThermistorPresent() {
		return s.resolve(TruckThermalTwo), nil
	}
	if now.Sub(c.branchStart) >= ThermalWindow {
		// Start the hypotheses over; the failsafe bounds the whole search.
		s.thermalMode = false
		c.fiveTries = 0
		if s.st.Config.FiveWire {
			c.enter(AcquireOpticFive, now)
		} else {
			c.enter(AcquireOpticTwo, now)
		}
	}
	return TruckUnknown, nil
}

// resolve records the truck type and points the matching monitor at its
// first state.
func (s *Session) resolve(t TruckState) TruckState {
	s.truck = t
	switch t {
	case TruckOpticTwo:
		s.cls.state = AcquireOpticTwo
	case TruckThermalTwo:
		s.cls.state = AcquireThermal
		s.thermalMode = true
	case TruckOpticFive:
		s.cls.state = AcquireOpticFive
	}
	s.two.reset()
	s.five.reset()
	s.pres.reset(s.now(), s.st.pulses)
	return t
}

// CheckAllPulses counts consecutive cycles on which every active channel
// is pulsing and reports true once the count reaches debounce.
func (s *Session) CheckAllPulses(count *int, debounce int) bool {
	if s.allPulsing() {
		*count++
	} else {
		*count = 0
	}
	return *count >= debounce
}

// OpticPresent reports the voltage-divider signature of a two-wire optic
// truck on the latest sample: at least one active channel pulled under
// OpticLowLevel and at least one still near open circuit.
func (s *Session) OpticPresent() bool {
	active := s.st.Active()
	low, high := 0, 0
	for ch := 0; ch < NumChannels; ch++ {
		if !active.Has(ch) {
			continue
		}
		v := s.volt(ch)
		switch {
		case v < OpticLowLevel:
			low++
		case v >= s.openCircuit(ch)-GoneBias:
			high++
		}
	}
	return low >= 1 && high >= 1
}

// ThermistorPresent reports a sustained partial drop: at least two
// channels in the 6-8 V band or two in the 3-4 V band on ThermBandSamples
// consecutive calls.
func (s *Session) ThermistorPresent() bool {
	active := s.st.Active()
	hi, lo := 0, 0
	for ch := 0; ch < NumChannels; ch++ {
		if !active.Has(ch) {
			continue
		}
		v := s.volt(ch)
		switch {
		case v >= ThermHighBandLow && v <= ThermHighBandHigh:
			hi++
		case v >= ThermLowBandLow && v <= ThermLowBandHigh:
			lo++
		}
	}
	if hi >= 2 || lo >= 2 {
		s.cls.thermBand++
	} else {
		s.cls.thermBand = 0
	}
	return s.cls.thermBand >= ThermBandSamples
}
