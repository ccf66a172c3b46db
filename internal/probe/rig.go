package probe

import (
	"errors"
	"time"
)

// ErrAcquisition wraps any failure of the sampling service. Callers assume
// the worst case and retry on the next tick.
var ErrAcquisition = errors.New("acquisition fault")

// Acquisition is the periodic sampling service that fills the per-input
// millivolt array.
type Acquisition interface {
	Start()
	Stop()
	// Sample refreshes every input once.
	Sample() error
	// Voltage returns the last sampled value of an input.
	Voltage(input int) Millivolts
}

// Driver sets the hardware drive outputs.
type Driver interface {
	SetChannelDrive(p DrivePattern)
	SetJumpStart(on bool)
	SetHighCurrent(ch int, on bool)
	// SetDiagPulse drives the five-wire diagnostic line.
	SetDiagPulse(on bool)
}

// Clock is the monotonic time source.
type Clock interface {
	Now() time.Time
}

// IdentitySensor reports whether a truck identity module is on the bus.
type IdentitySensor interface {
	Present() bool
}

// Rig bundles the hardware collaborators.
type Rig struct {
	Acq   Acquisition
	Drive Driver
	Clock Clock
	// TIM may be nil when no identity reader is fitted.
	TIM IdentitySensor
}

// Station is the long-lived state shared by every session on one rack.
type Station struct {
	Rig    Rig
	Config Config
	Params Params

	// short test toggling guard
	lastShortTest time.Time
	lastShorts    ShortsResult
	lastWithTruck bool
	haveShorts    bool

	sigCount   int
	smartProbe bool
	pulses     uint32
}

// NewStation creates the shared station state.
func NewStation(rig Rig, cfg Config, params Params) *Station {
	if cfg.Compartments == 0 {
		cfg.Compartments = Compartments8
	}
	return &Station{Rig: rig, Config: cfg, Params: params}
}

// SmartProbe reports whether the smart-probe adapter signature is present.
func (st *Station) SmartProbe() bool { return st.smartProbe }

// Pulses returns the running count of recorded channel transitions.
func (st *Station) Pulses() uint32 { return st.pulses }

// Active returns the channels in service.
func (st *Station) Active() Mask { return st.Config.Compartments.Active() }

// BoltContact reports whether the ground bolt sense input is pulled up by a
// connected truck.
func (st *Station) BoltContact() bool {
	return st.Rig.Acq.Voltage(InputBolt) >= BoltThreshold
}

// TIMPresent reports whether a truck identity module is detected.
func (st *Station) TIMPresent() bool {
	return st.Rig.TIM != nil && st.Rig.TIM.Present()
}

// BoltThreshold is the ground bolt contact level.
const BoltThreshold Millivolts = 2000

// DefaultParams returns parameters suitable for a freshly built rack: a
// 10.6 V open circuit on every channel and an evenly spaced 16 level
// five-wire table.
func DefaultParams() Params {
	var p Params
	for ch := 0; ch < NumChannels; ch++ {
		p.OpenCircuit[0][ch] = 10600
		p.OpenCircuit[1][ch] = 11000
	}
	p.Calibration = Calibration{
		RefNominal: 2500,
		DiagOpen:   10000,
		Band:       200,
	}
	for i := 0; i < TankLevels; i++ {
		p.Calibration.Table[i] = Millivolts(9400 - 550*i)
	}
	return p
}
