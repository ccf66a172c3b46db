//go:build !linux

package hw

import (
	"errors"

	"github.com/sweeney/rack-monitor/internal/probe"
)

var errUnsupported = errors.New("hw: not supported on this platform (requires Linux)")

// LinuxRig is not available on non-Linux platforms.
type LinuxRig struct{}

// NewLinuxRig returns an error on non-Linux platforms.
func NewLinuxRig(p Pins) (*LinuxRig, error) {
	return nil, errUnsupported
}

func (r *LinuxRig) Err() error                          { return errUnsupported }
func (r *LinuxRig) SetChannelDrive(p probe.DrivePattern) {}
func (r *LinuxRig) SetJumpStart(on bool)                 {}
func (r *LinuxRig) SetHighCurrent(ch int, on bool)       {}
func (r *LinuxRig) SetDiagPulse(on bool)                 {}
func (r *LinuxRig) SetPermit(on bool)                    {}
func (r *LinuxRig) CheckRelay() error                    { return errUnsupported }
func (r *LinuxRig) SkipActiveShort() (bool, error)       { return false, errUnsupported }
func (r *LinuxRig) Close() error                         { return nil }
