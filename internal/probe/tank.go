package probe

import "fmt"

// Trials is the number of diag samples averaged per tank calculation.
const Trials = 10

// minDynamicStep keeps the dynamic table usable before a low reading has
// been seen.
const minDynamicStep Millivolts = 250

// TankNumber maps a scaled diag voltage onto the fixed table. The result is
// the compartment whose level is nearest, 0 when the voltage sits above the
// first level's band (nothing wet). ambiguous is set when the voltage falls
// in the gap between two bands.
func TankNumber(v Millivolts, cal Calibration) (n int, ambiguous bool) {
	if v > cal.Table[0]+cal.Band {
		return 0, false
	}
	best := 0
	bestDist := abs(v - cal.Table[0])
	for i := 1; i < TankLevels; i++ {
		d := abs(v - cal.Table[i])
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best + 1, bestDist > cal.Band
}

// dynamicFloor is the starting low level for the dynamic table: the
// lowest calibrated level, or TankLevels minimum steps below the open
// level when the table is unusable.
func dynamicFloor(cal Calibration) Millivolts {
	low := cal.Table[TankLevels-1]
	if low <= 0 || low >= cal.DiagOpen {
		low = cal.DiagOpen - TankLevels*minDynamicStep
	}
	return low
}

// DynamicTankNumber divides the span between the open diag level and the
// lowest level seen this session into TankLevels equal steps, offset by
// half a step so each level sits in the middle of its bin.
func DynamicTankNumber(v, open, low Millivolts) (n int, ambiguous bool) {
	step := (open - low) / TankLevels
	if step < minDynamicStep {
		step = minDynamicStep
	}
	drop := open - v
	if drop < step/2 {
		return 0, false
	}
	n = int((drop + step/2) / step)
	if n > TankLevels {
		return TankLevels, true
	}
	if n < 1 {
		n = 1
	}
	// Readings within an eighth of a step of a bin edge cannot be placed.
	rem := (drop + step/2) % step
	return n, rem < step/8 || rem > step-step/8
}

// CalcTank averages Trials samples of the diag line, scales them by the
// reference drift since calibration and maps the result onto the
// configured sizing table. It returns the wet compartment number, 0 when
// none is indicated.
func (s *Session) CalcTank() (int, error) {
	var sumDiag, sumRef int64
	for i := 0; i < Trials; i++ {
		if err := s.acquire(); err != nil {
			return 0, err
		}
		sumDiag += int64(s.volt(InputDiag))
		sumRef += int64(s.volt(InputRef))
	}
	cal := s.st.Params.Calibration
	ref := sumRef / Trials
	if ref <= 0 {
		return 0, fmt.Errorf("%w: reference input reads %d mV", ErrAcquisition, ref)
	}
	v := Millivolts(sumDiag / Trials)
	if cal.RefNominal > 0 {
		v = Millivolts(int64(v) * int64(cal.RefNominal) / ref)
	}

	var (
		n         int
		ambiguous bool
	)
	switch s.st.Config.TankTable {
	case TableDynamic:
		n, ambiguous = DynamicTankNumber(v, cal.DiagOpen, s.diagMin)
		// The floor only learns from readings already sized.
		if v < s.diagMin {
			s.diagMin = v
		}
	default:
		n, ambiguous = TankNumber(v, cal)
	}
	if ambiguous && !s.maintenance {
		s.maintenance = true
		s.note(NoteMaintenance, "diag=%dmV tank=%d ambiguous", v, n)
	}
	return n, nil
}

// CheckDiag recomputes the wet compartment and marks the compartments
// below it dry, the wet one wet and the rest unknown.
func (s *Session) CheckDiag() (int, error) {
	n, err := s.CalcTank()
	if err != nil {
		return 0, err
	}
	start := s.st.Config.Compartments.StartPoint()
	for ch := start; ch < NumChannels; ch++ {
		comp := ch - start + 1
		switch {
		case n == 0:
			s.setProbe(ch, ProbeUnknown)
		case comp < n:
			s.setProbe(ch, ProbeDry)
		case comp == n:
			s.setProbe(ch, ProbeWet)
		default:
			s.setProbe(ch, ProbeUnknown)
		}
	}
	return n, nil
}

func abs(v Millivolts) Millivolts {
	if v < 0 {
		return -v
	}
	return v
}
