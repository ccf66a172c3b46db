//go:build linux

package hw

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"github.com/sweeney/rack-monitor/internal/probe"
)

// LinuxRig drives the rack outputs through the Linux GPIO character device.
// Output failures are recorded and reported by Err, since the probe driver
// interface has no error path.
type LinuxRig struct {
	mu sync.Mutex

	chip   *gpiocdev.Chip
	drive  *gpiocdev.Lines
	high   *gpiocdev.Lines
	jump   *gpiocdev.Line
	diag   *gpiocdev.Line
	permit *gpiocdev.Line
	jumper *gpiocdev.Line

	driveVals []int
	highVals  []int
	permitOn  bool
	err       error
}

// NewLinuxRig requests every rack line. Outputs start de-energized with
// the permit relay open.
func NewLinuxRig(p Pins) (*LinuxRig, error) {
	chip, err := gpiocdev.NewChip(p.Chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	r := &LinuxRig{
		chip:      chip,
		driveVals: make([]int, probe.NumChannels),
		highVals:  make([]int, probe.NumChannels),
	}

	if r.drive, err = chip.RequestLines(p.Drive[:], gpiocdev.AsOutput(r.driveVals...)); err != nil {
		r.Close()
		return nil, fmt.Errorf("request drive lines: %w", err)
	}
	if r.high, err = chip.RequestLines(p.HighCurrent[:], gpiocdev.AsOutput(r.highVals...)); err != nil {
		r.Close()
		return nil, fmt.Errorf("request high current lines: %w", err)
	}
	if r.jump, err = chip.RequestLine(p.JumpStart, gpiocdev.AsOutput(0)); err != nil {
		r.Close()
		return nil, fmt.Errorf("request jump-start pin %d: %w", p.JumpStart, err)
	}
	if r.diag, err = chip.RequestLine(p.DiagPulse, gpiocdev.AsOutput(0)); err != nil {
		r.Close()
		return nil, fmt.Errorf("request diag pin %d: %w", p.DiagPulse, err)
	}
	if r.permit, err = chip.RequestLine(p.Permit, gpiocdev.AsOutput(0)); err != nil {
		r.Close()
		return nil, fmt.Errorf("request permit pin %d: %w", p.Permit, err)
	}
	if r.jumper, err = chip.RequestLine(p.SkipShortJumper, gpiocdev.AsInput, gpiocdev.WithPullUp); err != nil {
		r.Close()
		return nil, fmt.Errorf("request jumper pin %d: %w", p.SkipShortJumper, err)
	}
	return r, nil
}

func (r *LinuxRig) record(err error) {
	if err != nil && r.err == nil {
		r.err = err
	}
}

// Err returns and clears the first output error since the last call.
func (r *LinuxRig) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.err
	r.err = nil
	return err
}

// SetChannelDrive energizes the channels in the pattern.
func (r *LinuxRig) SetChannelDrive(p probe.DrivePattern) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.driveVals {
		r.driveVals[ch] = 0
		if p.Energized(ch) {
			r.driveVals[ch] = 1
		}
	}
	if err := r.drive.SetValues(r.driveVals); err != nil {
		r.record(fmt.Errorf("set drive: %w", err))
	}
}

// SetJumpStart switches the elevated drive supply.
func (r *LinuxRig) SetJumpStart(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.jump.SetValue(bit(on)); err != nil {
		r.record(fmt.Errorf("set jump-start: %w", err))
	}
}

// SetHighCurrent switches the high drive current of one channel.
func (r *LinuxRig) SetHighCurrent(ch int, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.highVals[ch] = bit(on)
	if err := r.high.SetValues(r.highVals); err != nil {
		r.record(fmt.Errorf("set high current ch%d: %w", ch+1, err))
	}
}

// SetDiagPulse drives the five-wire diagnostic line.
func (r *LinuxRig) SetDiagPulse(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.diag.SetValue(bit(on)); err != nil {
		r.record(fmt.Errorf("set diag pulse: %w", err))
	}
}

// SetPermit closes or opens the loading permit relay.
func (r *LinuxRig) SetPermit(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permitOn = on
	if err := r.permit.SetValue(bit(on)); err != nil {
		r.record(fmt.Errorf("set permit: %w", err))
	}
}

// CheckRelay reads the permit line back and compares it with the
// commanded state.
func (r *LinuxRig) CheckRelay() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.permit.Value()
	if err != nil {
		return fmt.Errorf("read permit pin: %w", err)
	}
	if (v == 1) != r.permitOn {
		return fmt.Errorf("permit relay reads %d, commanded %v", v, r.permitOn)
	}
	return nil
}

// SkipActiveShort reports whether the bench jumper is fitted.
func (r *LinuxRig) SkipActiveShort() (bool, error) {
	v, err := r.jumper.Value()
	if err != nil {
		return false, fmt.Errorf("read jumper pin: %w", err)
	}
	return v == 0, nil
}

// Close releases every line. Outputs are reconfigured as inputs with
// pull-down first so the rack is de-energized while the daemon is down.
func (r *LinuxRig) Close() error {
	var errs []error

	for name, l := range map[string]*gpiocdev.Lines{"drive": r.drive, "high current": r.high} {
		if l == nil {
			continue
		}
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s lines: %w", name, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s lines: %w", name, err))
		}
	}
	for name, l := range map[string]*gpiocdev.Line{"jump-start": r.jump, "diag": r.diag, "permit": r.permit} {
		if l == nil {
			continue
		}
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s pin: %w", name, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", name, err))
		}
	}
	if r.jumper != nil {
		if err := r.jumper.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close jumper pin: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func bit(on bool) int {
	if on {
		return 1
	}
	return 0
}
