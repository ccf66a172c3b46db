package hw

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/rack-monitor/internal/probe"
)

// ErrSimFault is returned by Sample while a sampling failure is injected.
var ErrSimFault = errors.New("simulated sampling fault")

// ErrRelayFault is returned by CheckRelay while a relay fault is injected.
var ErrRelayFault = errors.New("simulated relay fault")

// Load shapes a powered channel's voltage. t is the simulated time since
// the load was attached and oc the unloaded level at the current drive.
type Load func(t time.Duration, oc probe.Millivolts) probe.Millivolts

// Level holds the channel at a fixed voltage.
func Level(v probe.Millivolts) Load {
	return func(time.Duration, probe.Millivolts) probe.Millivolts { return v }
}

// Square pulls the channel down to low for the first half of every period
// and releases it to open circuit for the second half, as a dry optic
// probe does.
func Square(period time.Duration, low probe.Millivolts) Load {
	return func(t time.Duration, oc probe.Millivolts) probe.Millivolts {
		if t%period < period/2 {
			return low
		}
		return oc
	}
}

// Ripple swings the channel between lo and hi, as a dry thermistor does.
func Ripple(period time.Duration, lo, hi probe.Millivolts) Load {
	return func(t time.Duration, _ probe.Millivolts) probe.Millivolts {
		if t%period < period/2 {
			return lo
		}
		return hi
	}
}

// Echo timing of a simulated five-wire probe relative to the diag pulse.
const (
	SimEchoDelay = time.Millisecond
	SimEchoWidth = 2 * time.Millisecond
)

// SimRig is a simulated rack. Every Sample advances its clock by one tick,
// so busy-wait loops in the probe engine run deterministically against it.
// It implements probe.Acquisition, probe.Driver, probe.Clock and
// probe.IdentitySensor, and the lifecycle relay.
type SimRig struct {
	mu sync.Mutex

	now  time.Time
	tick time.Duration
	oc   [2]probe.Millivolts

	running bool
	samples int
	failing int

	drive  probe.DrivePattern
	jump   bool
	high   probe.Mask
	diag   bool
	diagAt time.Time
	permit bool

	loads    [probe.NumChannels]Load
	loadAt   [probe.NumChannels]time.Time
	fed      probe.Mask
	grounded probe.Mask
	groups   [][]int

	echo       bool
	diagLevel  probe.Millivolts
	ref        probe.Millivolts
	deadman    bool
	bolt       bool
	tim        bool
	relayFault bool

	v [probe.NumInputs]probe.Millivolts
}

// NewSim creates an empty rack whose open-circuit levels and calibration
// match probe.DefaultParams.
func NewSim(start time.Time) *SimRig {
	p := probe.DefaultParams()
	return &SimRig{
		now:       start,
		tick:      time.Millisecond,
		oc:        [2]probe.Millivolts{p.OpenCircuit[0][0], p.OpenCircuit[1][0]},
		drive:     probe.DriveAll,
		diagLevel: p.Calibration.DiagOpen,
		ref:       p.Calibration.RefNominal,
	}
}

// Rig returns the rig bundle for a probe station.
func (r *SimRig) Rig() probe.Rig {
	return probe.Rig{Acq: r, Drive: r, Clock: r, TIM: r}
}

// Start marks sampling as running.
func (r *SimRig) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
}

// Stop marks sampling as stopped.
func (r *SimRig) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
}

// Running reports whether Start was called without a later Stop.
func (r *SimRig) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Sample advances the clock one tick and recomputes every input.
func (r *SimRig) Sample() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = r.now.Add(r.tick)
	r.samples++
	if r.failing > 0 {
		r.failing--
		return ErrSimFault
	}
	r.compute()
	return nil
}

func (r *SimRig) compute() {
	oc := r.oc[0]
	if r.jump {
		oc = r.oc[1]
	}
	for ch := 0; ch < probe.NumChannels; ch++ {
		var v probe.Millivolts
		if r.powered(ch) && !r.grounded.Has(ch) {
			v = oc
			if load := r.loads[ch]; load != nil {
				v = load(r.now.Sub(r.loadAt[ch]), oc)
			}
		}
		r.v[ch] = v
	}

	r.v[probe.InputEcho] = 0
	if r.echo && !r.diagAt.IsZero() {
		since := r.now.Sub(r.diagAt)
		if since >= SimEchoDelay && since < SimEchoDelay+SimEchoWidth {
			r.v[probe.InputEcho] = 5000
		}
	}
	r.v[probe.InputDiag] = r.diagLevel
	r.v[probe.InputRef] = r.ref
	r.v[probe.InputDeadman] = level(r.deadman)
	r.v[probe.InputBolt] = level(r.bolt)
}

// powered reports whether ch is energized by its own driver, fed from
// outside, or tied to an energized channel.
func (r *SimRig) powered(ch int) bool {
	if r.drive.Energized(ch) || r.fed.Has(ch) {
		return true
	}
	for _, g := range r.groups {
		if !contains(g, ch) {
			continue
		}
		for _, o := range g {
			if o != ch && r.drive.Energized(o) {
				return true
			}
		}
	}
	return false
}

// Voltage returns the last sampled value of an input.
func (r *SimRig) Voltage(input int) probe.Millivolts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.v[input]
}

// Samples returns the number of Sample calls so far.
func (r *SimRig) Samples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples
}

// Now returns the simulated time.
func (r *SimRig) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

// Advance moves the clock forward without sampling.
func (r *SimRig) Advance(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = r.now.Add(d)
}

// SetChannelDrive energizes the channels in the pattern.
func (r *SimRig) SetChannelDrive(p probe.DrivePattern) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drive = p
}

// DrivePattern returns the current drive pattern.
func (r *SimRig) DrivePattern() probe.DrivePattern {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drive
}

// SetJumpStart switches the elevated drive supply.
func (r *SimRig) SetJumpStart(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jump = on
}

// JumpStart reports whether jump-start is applied.
func (r *SimRig) JumpStart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jump
}

// SetHighCurrent switches the high drive current of one channel.
func (r *SimRig) SetHighCurrent(ch int, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.high = r.high.With(ch)
	} else {
		r.high &^= probe.MaskOf(ch)
	}
}

// HighCurrent returns the channels at high drive current.
func (r *SimRig) HighCurrent() probe.Mask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.high
}

// SetDiagPulse drives the five-wire diagnostic line. A rising edge starts
// the echo timer.
func (r *SimRig) SetDiagPulse(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on && !r.diag {
		r.diagAt = r.now
	}
	r.diag = on
}

// SetPermit closes or opens the permit relay.
func (r *SimRig) SetPermit(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permit = on
}

// Permit reports the relay state.
func (r *SimRig) Permit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permit
}

// CheckRelay fails while a relay fault is injected.
func (r *SimRig) CheckRelay() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.relayFault {
		return ErrRelayFault
	}
	return nil
}

// Present reports whether a truck identity module is on the bus.
func (r *SimRig) Present() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tim
}

// SetLoad attaches a load to ch. A nil load leaves the channel open.
func (r *SimRig) SetLoad(ch int, l Load) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads[ch] = l
	r.loadAt[ch] = r.now
}

// SetLoads attaches the same load to every channel in mask.
func (r *SimRig) SetLoads(mask probe.Mask, l Load) {
	for ch := 0; ch < probe.NumChannels; ch++ {
		if mask.Has(ch) {
			r.SetLoad(ch, l)
		}
	}
}

// SetFed marks channels that stay powered from outside the rack.
func (r *SimRig) SetFed(m probe.Mask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fed = m
}

// SetGrounded marks channels shorted to ground.
func (r *SimRig) SetGrounded(m probe.Mask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grounded = m
}

// SetGroups ties channel groups together (0-based channel indices).
func (r *SimRig) SetGroups(groups ...[]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = groups
}

// SetEcho makes a five-wire probe answer diag pulses.
func (r *SimRig) SetEcho(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.echo = on
}

// SetDiagLevel sets the diag line voltage.
func (r *SimRig) SetDiagLevel(v probe.Millivolts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diagLevel = v
}

// SetRef sets the reference input voltage.
func (r *SimRig) SetRef(v probe.Millivolts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ref = v
}

// SetDeadman closes or opens the deadman switch.
func (r *SimRig) SetDeadman(closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadman = closed
}

// SetBolt makes or breaks ground bolt contact.
func (r *SimRig) SetBolt(contact bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bolt = contact
}

// SetTIM plugs or unplugs the identity module.
func (r *SimRig) SetTIM(present bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tim = present
}

// SetRelayFault injects a relay readback fault.
func (r *SimRig) SetRelayFault(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayFault = on
}

// FailSamples makes the next n samples fail.
func (r *SimRig) FailSamples(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = n
}

// TruckModel names a simulated truck.
type TruckModel string

const (
	TruckNone      TruckModel = "none"
	TruckOptic     TruckModel = "optic"
	TruckThermal   TruckModel = "thermal"
	TruckFiveWire  TruckModel = "fivewire"
	TruckAdapter   TruckModel = "adapter"
	TruckShortPair TruckModel = "short"
)

// Simulated probe waveforms.
const (
	OpticPeriod                       = 10 * time.Millisecond
	OpticLow         probe.Millivolts = 2500
	OpticWet         probe.Millivolts = 6000
	ThermalPeriod                     = 12 * time.Millisecond
	ThermalLow       probe.Millivolts = 6500
	ThermalHigh      probe.Millivolts = 7600
	ThermalWet       probe.Millivolts = 7000
	FiveWireLevel    probe.Millivolts = 5200
	FiveWireDiagOpen probe.Millivolts = 10000
)

// Connect replaces whatever is on the rack with a dry truck of the given
// model on the active channels of a rack with count compartments.
func (r *SimRig) Connect(model TruckModel, count probe.CompartmentCount) error {
	active := count.Active()
	r.Disconnect()
	switch model {
	case TruckNone:
	case TruckOptic:
		r.SetLoads(active, Square(OpticPeriod, OpticLow))
	case TruckThermal:
		r.SetLoads(active, Ripple(ThermalPeriod, ThermalLow, ThermalHigh))
	case TruckFiveWire:
		r.SetLoads(active, Level(FiveWireLevel))
		r.SetEcho(true)
	case TruckAdapter:
		if count == probe.Compartments6 {
			r.SetGroups([]int{5, 3}, []int{4, 2})
		} else {
			r.SetGroups([]int{2, 7}, []int{3, 5, 6})
		}
	case TruckShortPair:
		r.SetLoads(active, Square(OpticPeriod, OpticLow))
		start := count.StartPoint()
		r.SetGroups([]int{start, start + 1})
	default:
		return fmt.Errorf("unknown truck model %q", model)
	}
	return nil
}

// Disconnect removes every load, tie and fault from the channels.
func (r *SimRig) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads = [probe.NumChannels]Load{}
	r.fed, r.grounded = 0, 0
	r.groups = nil
	r.echo = false
	r.diagLevel = FiveWireDiagOpen
}

func level(on bool) probe.Millivolts {
	if on {
		return 5000
	}
	return 0
}

func contains(g []int, ch int) bool {
	for _, c := range g {
		if c == ch {
			return true
		}
	}
	return false
}
