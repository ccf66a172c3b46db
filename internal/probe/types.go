// Package probe contains the decision engine for truck-mounted overfill
// probes: probe-type classification, oscillation and short analysis, the
// two-wire and five-wire active monitors, tank sizing and departure
// detection.
//
// This package has NO direct hardware dependencies. Sampling, drive outputs
// and time are reached through the interfaces in rig.go so every busy-wait
// loop can be driven deterministically by a simulated rig.
package probe

import "math/bits"

// Millivolts is an ADC reading after scaling.
type Millivolts int32

// NumChannels is the number of probe channels.
const NumChannels = 8

// Analog input indices. Inputs 0..7 are the probe channels.
const (
	InputDiag    = NumChannels + iota // five-wire diagnostic line
	InputEcho                         // five-wire echo return
	InputDeadman                      // deadman switch loop
	InputBolt                         // ground bolt sense
	InputRef                          // ADC reference
	NumInputs
)

// Mask is a per-channel bit set, bit n = channel n.
type Mask uint8

// Has reports whether channel ch is set.
func (m Mask) Has(ch int) bool { return m&(1<<uint(ch)) != 0 }

// With returns m with channel ch set.
func (m Mask) With(ch int) Mask { return m | 1<<uint(ch) }

// Count returns the number of set channels.
func (m Mask) Count() int { return bits.OnesCount8(uint8(m)) }

// MaskOf builds a mask from channel indices.
func MaskOf(chs ...int) Mask {
	var m Mask
	for _, ch := range chs {
		m = m.With(ch)
	}
	return m
}

// DrivePattern selects which channel drivers are energized.
type DrivePattern uint8

const (
	DriveOff DrivePattern = 0
	DriveAll DrivePattern = 0xFF
)

// DriveOnly energizes a single channel.
func DriveOnly(ch int) DrivePattern { return DrivePattern(1 << uint(ch)) }

// DriveAllBut energizes every channel except ch.
func DriveAllBut(ch int) DrivePattern { return DriveAll &^ DriveOnly(ch) }

// Energized reports whether channel ch is driven by the pattern.
func (p DrivePattern) Energized(ch int) bool { return p&(1<<uint(ch)) != 0 }

// ProbeState is the per-channel verdict. Values at or above ProbeCold are
// faults and latch for the rest of the session.
type ProbeState uint8

const (
	ProbeUnknown ProbeState = iota
	ProbeDry
	ProbeWet
	ProbeCold
	ProbeHot
	ProbeOpen
	ProbeGround
	ProbeShort
)

const probeFaultThreshold = ProbeCold

// Latched reports whether the state is a sticky fault.
func (p ProbeState) Latched() bool { return p >= probeFaultThreshold }

func (p ProbeState) String() string {
	switch p {
	case ProbeDry:
		return "DRY"
	case ProbeWet:
		return "WET"
	case ProbeCold:
		return "COLD"
	case ProbeHot:
		return "HOT"
	case ProbeOpen:
		return "OPEN"
	case ProbeGround:
		return "GROUND"
	case ProbeShort:
		return "SHORT"
	}
	return "UNKNOWN"
}

// TruckState is the probe family detected for the connected truck.
type TruckState string

const (
	TruckUnknown    TruckState = "UNKNOWN"
	TruckThermalTwo TruckState = "THERMAL_TWO"
	TruckOpticTwo   TruckState = "OPTIC_TWO"
	TruckOpticFive  TruckState = "OPTIC_FIVE"
	TruckDeparted   TruckState = "DEPARTED"
	TruckGoneTwo    TruckState = "GONE_TWO"
)

// TwoWire reports whether the truck is served by the two-wire monitor.
func (t TruckState) TwoWire() bool {
	return t == TruckThermalTwo || t == TruckOpticTwo
}

// Gone reports whether a monitor has declared the truck departed.
func (t TruckState) Gone() bool {
	return t == TruckDeparted || t == TruckGoneTwo
}

// TankState is the global permit gate.
type TankState string

const (
	TankInit  TankState = "INIT"
	TankDry   TankState = "DRY"
	TankWet   TankState = "WET"
	TankShort TankState = "SHORT"
	TankOpen  TankState = "OPEN"
	TankCold  TankState = "COLD"
	TankHot   TankState = "HOT"
)

// tankForFault maps a latched probe fault to the tank state it forces.
func tankForFault(p ProbeState) TankState {
	switch p {
	case ProbeShort, ProbeGround:
		return TankShort
	case ProbeOpen:
		return TankOpen
	case ProbeCold:
		return TankCold
	case ProbeHot:
		return TankHot
	}
	return TankWet
}

// AcquireState is the classifier branch currently running.
type AcquireState string

const (
	AcquireIdle      AcquireState = "IDLE"
	AcquireOpticFive AcquireState = "OPTIC_FIVE"
	AcquireOpticTwo  AcquireState = "OPTIC_TWO"
	AcquireThermal   AcquireState = "THERMAL"
	AcquireGoneNow   AcquireState = "GONE_NOW"
)

// TwoWireState is the two-wire active monitor sub-state.
type TwoWireState string

const (
	TwoWireNoTest     TwoWireState = "NO_TEST"
	TwoWireShortCheck TwoWireState = "SHORT_CHECK"
	TwoWireShortFail  TwoWireState = "SHORT_FAIL"
	TwoWirePulsing    TwoWireState = "PULSING"
)

// FiveWireState is the five-wire active monitor sub-state.
type FiveWireState string

const (
	FiveWireNoTest FiveWireState = "NO_TEST"
	FiveWirePulsed FiveWireState = "PULSED"
	FiveWireEchoed FiveWireState = "ECHOED"
	FiveWireDiag   FiveWireState = "DIAG"
)

// CompartmentCount is the number of compartments the rack serves.
// Active channels are the top N of the eight.
type CompartmentCount int

const (
	Compartments6 CompartmentCount = 6
	Compartments8 CompartmentCount = 8
)

// StartPoint returns the first active channel index.
func (c CompartmentCount) StartPoint() int {
	if c <= 0 || int(c) > NumChannels {
		return 0
	}
	return NumChannels - int(c)
}

// Active returns the mask of channels in service.
func (c CompartmentCount) Active() Mask {
	var m Mask
	for ch := c.StartPoint(); ch < NumChannels; ch++ {
		m = m.With(ch)
	}
	return m
}

// GroundMode selects how grounding is verified.
type GroundMode string

const (
	GroundNone GroundMode = "none"
	GroundBolt GroundMode = "bolt"
)

// TankTableMode selects the five-wire tank sizing formula.
type TankTableMode string

const (
	TableFixed   TankTableMode = "fixed"
	TableDynamic TankTableMode = "dynamic"
)

// DebugOverrides are bench-only jumpers read at startup.
type DebugOverrides struct {
	SkipActiveShort bool
}

// Config is the station configuration that does not change per truck.
type Config struct {
	Compartments CompartmentCount
	FiveWire     bool
	Ground       GroundMode
	TankTable    TankTableMode
	Debug        DebugOverrides
}

// DefaultConfig returns an eight compartment rack with five-wire support.
func DefaultConfig() Config {
	return Config{
		Compartments: Compartments8,
		FiveWire:     true,
		Ground:       GroundNone,
		TankTable:    TableFixed,
	}
}

// TankLevels is the number of entries in a five-wire sizing table.
const TankLevels = 16

// Calibration holds the persisted five-wire calibration.
type Calibration struct {
	// RefNominal is the reference input reading at calibration time.
	RefNominal Millivolts
	// DiagOpen is the diag line level with no wet compartment.
	DiagOpen Millivolts
	// Table holds the diag level for compartment 1..16 wet, descending.
	Table [TankLevels]Millivolts
	// Band is the tolerance around each table level.
	Band Millivolts
}

// Params are the persisted station parameters.
type Params struct {
	// OpenCircuit holds the no-load voltage per channel; row 0 at nominal
	// drive, row 1 with jump-start applied.
	OpenCircuit [2][NumChannels]Millivolts
	Calibration Calibration
}
