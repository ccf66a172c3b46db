package probe

import "time"

// benchRig is a minimal rig for white-box tests: fixed voltages and a
// clock that advances one millisecond per sample.
type benchRig struct {
	now   time.Time
	v     [NumInputs]Millivolts
	drive DrivePattern
	jump  bool
	high  Mask
}

func newBenchRig() *benchRig {
	r := &benchRig{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	for ch := 0; ch < NumChannels; ch++ {
		r.v[ch] = 10600
	}
	r.v[InputRef] = 2500
	r.v[InputDiag] = 10000
	return r
}

func (r *benchRig) Start() {}
func (r *benchRig) Stop()  {}
func (r *benchRig) Sample() error {
	r.now = r.now.Add(time.Millisecond)
	return nil
}
func (r *benchRig) Voltage(input int) Millivolts   { return r.v[input] }
func (r *benchRig) SetChannelDrive(p DrivePattern) { r.drive = p }
func (r *benchRig) SetJumpStart(on bool)           { r.jump = on }
func (r *benchRig) SetDiagPulse(on bool)           {}
func (r *benchRig) Now() time.Time                 { return r.now }
func (r *benchRig) SetHighCurrent(ch int, on bool) {
	if on {
		r.high = r.high.With(ch)
	} else {
		r.high &^= MaskOf(ch)
	}
}

func newBenchSession(cfg Config) (*benchRig, *Session) {
	r := newBenchRig()
	st := NewStation(Rig{Acq: r, Drive: r, Clock: r}, cfg, DefaultParams())
	return r, NewSession(st)
}
