package probe

import "time"

// Presence thresholds.
const (
	// GoneBias is how close to open circuit a channel must recover before
	// it counts as unloaded.
	GoneBias Millivolts = 600
	// OpticDropMargin is the single-channel drop that marks a connection.
	OpticDropMargin Millivolts = 4000
	// ThermalDropMargin is the drop two channels must show together.
	ThermalDropMargin Millivolts = 2500

	PulseQuiet      = 50 * time.Millisecond
	PulseStale      = 5 * time.Second
	RecoverySamples = 3
)

// presence tracks the pulse heartbeat of the connected truck.
type presence struct {
	seen      uint32
	changedAt time.Time
	pulsing   bool
	stale     bool
}

func (p *presence) reset(now time.Time, pulses uint32) {
	*p = presence{seen: pulses, changedAt: now, pulsing: true}
}

// IsTruckPulsing follows the station pulse counter. The truck stops
// counting as pulsing once the counter has not moved for PulseQuiet. After
// PulseStale without movement every channel is re-driven and re-sampled,
// and if no voltage drop, adapter signature, ground bolt or identity module
// remains, forceGone is returned. The verdict holds until the counter
// moves or a later stale check finds the truck, so every caller in the
// same step sees it.
func (s *Session) IsTruckPulsing() (pulsing, forceGone bool, err error) {
	p := &s.pres
	now := s.now()
	if s.st.pulses != p.seen {
		p.seen = s.st.pulses
		p.changedAt = now
		p.pulsing = true
		p.stale = false
		return true, false, nil
	}
	quiet := now.Sub(p.changedAt)
	if quiet > PulseQuiet {
		p.pulsing = false
	}
	if quiet > PulseStale {
		p.changedAt = now
		s.st.Rig.Drive.SetChannelDrive(DriveAll)
		if err := s.acquire(); err != nil {
			return false, false, err
		}
		present := s.VoltageDrop() || s.st.smartProbe || s.st.BoltContact() || s.st.TIMPresent()
		p.stale = !present
	}
	return p.pulsing, p.stale, nil
}

// VoltageDrop reports whether the latest sample shows a truck load: one
// channel OpticDropMargin below open circuit or two channels
// ThermalDropMargin below it.
func (s *Session) VoltageDrop() bool {
	return HasDrop(s.st, s.jumpStart)
}

// HasDrop evaluates the connection drop rule on the station's latest
// sample.
func HasDrop(st *Station, jump bool) bool {
	row := 0
	if jump {
		row = 1
	}
	active := st.Active()
	thermal := 0
	for ch := 0; ch < NumChannels; ch++ {
		if !active.Has(ch) {
			continue
		}
		oc := st.Params.OpenCircuit[row][ch]
		v := st.Rig.Acq.Voltage(ch)
		if v < oc-OpticDropMargin {
			return true
		}
		if v < oc-ThermalDropMargin {
			thermal++
		}
	}
	return thermal >= 2
}

// recovered reports whether every active channel sits within GoneBias of
// open circuit on the latest sample.
func (s *Session) recovered() bool {
	active := s.st.Active()
	for ch := 0; ch < NumChannels; ch++ {
		if active.Has(ch) && s.volt(ch) < s.openCircuit(ch)-GoneBias {
			return false
		}
	}
	return true
}

// checkChannels re-samples RecoverySamples times and requires every sample
// to show full rail recovery.
func (s *Session) checkChannels() (bool, error) {
	s.st.Rig.Drive.SetChannelDrive(DriveAll)
	for i := 0; i < RecoverySamples; i++ {
		if err := s.acquire(); err != nil {
			return false, err
		}
		if !s.recovered() {
			return false, nil
		}
	}
	return true, nil
}

// CheckTruckGone is true only when every corroborating check agrees the
// truck has left: no pulsing, all channels back at open circuit, no
// adapter signature, no ground bolt or identity module, and a final rail
// recovery re-check. Any single positive indicator keeps the truck present.
func (s *Session) CheckTruckGone() (bool, error) {
	pulsing, _, err := s.IsTruckPulsing()
	if err != nil {
		return false, err
	}
	if pulsing {
		return false, nil
	}
	if !s.recovered() {
		return false, nil
	}
	if s.st.smartProbe {
		return false, nil
	}
	if s.st.BoltContact() || s.st.TIMPresent() {
		return false, nil
	}
	return s.checkChannels()
}

// Recovered reports whether the rack shows no residual load: channels at
// open circuit, bolt released and no identity module.
func (s *Session) Recovered() bool {
	return s.recovered() && !s.st.BoltContact() && !s.st.TIMPresent()
}
