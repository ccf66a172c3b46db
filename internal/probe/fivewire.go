package probe

import "time"

// Five-wire pulse and echo timing.
const (
	EchoThreshold Millivolts = 3000

	DiagPulseWidth = 800 * time.Microsecond
	EchoMaxDelay   = 6 * time.Millisecond
	EchoMinWidth   = 500 * time.Microsecond
	EchoMaxWidth   = 12 * time.Millisecond
	EchoWindow     = 15 * time.Millisecond

	FiveWirePoll  = 95 * time.Millisecond
	DiagPoll      = 250 * time.Millisecond
	WetPasses     = 2 // diag entered after more than this
	DiagGoneTicks = 8
)

// pollTrim shortens the next poll after the first and second missed echo.
var pollTrim = [...]time.Duration{0, 15 * time.Millisecond, 25 * time.Millisecond}

type fiveWire struct {
	state     FiveWireState
	next      time.Time
	wetPass   int
	diagTicks int
}

func (f *fiveWire) reset() {
	*f = fiveWire{state: FiveWireNoTest}
}

// TryFiveWire pulses the diagnostic line and waits for the probe's echo.
// The echo must start within EchoMaxDelay of the pulse, be between
// EchoMinWidth and EchoMaxWidth wide and finish inside EchoWindow.
func (s *Session) TryFiveWire() (bool, error) {
	drive := s.st.Rig.Drive
	start := s.now()
	drive.SetDiagPulse(true)
	pulsing := true
	defer func() {
		if pulsing {
			drive.SetDiagPulse(false)
		}
	}()

	var rise time.Time
	for {
		if err := s.acquire(); err != nil {
			return false, err
		}
		now := s.now()
		elapsed := now.Sub(start)
		if pulsing && elapsed >= DiagPulseWidth {
			drive.SetDiagPulse(false)
			pulsing = false
		}

		high := s.volt(InputEcho) > EchoThreshold
		switch {
		case rise.IsZero() && high:
			if elapsed > EchoMaxDelay {
				return false, nil
			}
			rise = now
		case !rise.IsZero() && !high:
			w := now.Sub(rise)
			return w >= EchoMinWidth && w <= EchoMaxWidth, nil
		}

		if elapsed >= EchoWindow {
			return false, nil
		}
		if rise.IsZero() && elapsed > EchoMaxDelay {
			return false, nil
		}
	}
}

// ActiveFiveWire runs the five-wire monitor once if its poll is due. An
// echo declares every compartment dry. More than WetPasses missed echoes in
// a row enter Diag, where the wet compartment is sized from the diag line
// every DiagPoll and departure is confirmed every DiagGoneTicks polls.
func (s *Session) ActiveFiveWire() error {
	f := &s.five
	now := s.now()
	if now.Before(f.next) {
		return nil
	}

	if f.state != FiveWireDiag {
		f.state = FiveWirePulsed
	}
	echoed, err := s.TryFiveWire()
	if err != nil {
		f.next = now.Add(FiveWirePoll)
		return err
	}
	if echoed {
		f.state = FiveWireEchoed
		f.wetPass, f.diagTicks = 0, 0
		active := s.st.Active()
		for ch := 0; ch < NumChannels; ch++ {
			if active.Has(ch) {
				s.setProbe(ch, ProbeDry)
			}
		}
		s.setTank(TankDry)
		s.st.Rig.Drive.SetChannelDrive(DriveAll)
		f.next = now.Add(FiveWirePoll)
		return nil
	}

	if f.state == FiveWireDiag {
		return s.fiveWireDiag(now)
	}

	f.wetPass++
	if f.wetPass > WetPasses {
		f.state = FiveWireDiag
		f.diagTicks = 0
		s.setTank(TankWet)
		return s.fiveWireDiag(now)
	}
	f.next = now.Add(FiveWirePoll - pollTrim[f.wetPass])
	return nil
}

func (s *Session) fiveWireDiag(now time.Time) error {
	f := &s.five
	f.next = now.Add(DiagPoll)
	s.setTank(TankWet)
	if _, err := s.CheckDiag(); err != nil {
		return err
	}
	f.diagTicks++
	if f.diagTicks < DiagGoneTicks {
		return nil
	}
	f.diagTicks = 0
	gone, err := s.CheckTruckGone()
	if err != nil {
		return err
	}
	if gone {
		s.truck = TruckDeparted
	}
	return nil
}
