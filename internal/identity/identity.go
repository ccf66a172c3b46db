// Package identity reads the truck identity module (TIM) and decides
// whether the connected truck is authorized to load.
package identity

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoTIM is returned when no identity module is on the bus.
	ErrNoTIM = errors.New("no identity module")
	// ErrNotAuthorized is returned when a module is present but rejected.
	ErrNotAuthorized = errors.New("truck not authorized")
)

// Credential is what a TIM carries.
type Credential struct {
	Serial string
	// DateStamp is the last day the truck's inspection is valid; zero when
	// the module carries none.
	DateStamp time.Time
}

// Reader reads the identity module currently on the bus.
type Reader interface {
	Read() (Credential, error)
}

// Mode selects the authorization rule.
type Mode string

const (
	// ModeNone authorizes every truck.
	ModeNone Mode = "none"
	// ModeTIM requires a module, and an allowlisted serial when an
	// allowlist is configured.
	ModeTIM Mode = "tim"
	// ModeDateStamp is ModeTIM plus an unexpired inspection date.
	ModeDateStamp Mode = "datestamp"
)

// ParseMode converts a flag value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeNone, ModeTIM, ModeDateStamp:
		return m, nil
	}
	return "", fmt.Errorf("unknown auth mode %q", s)
}

// Authorizer applies a Mode to the credentials a Reader returns.
type Authorizer struct {
	mode   Mode
	reader Reader
	now    func() time.Time
	allow  map[string]bool
}

// NewAuthorizer creates an authorizer. reader may be nil in ModeNone. An
// empty allow list accepts any serial.
func NewAuthorizer(mode Mode, reader Reader, now func() time.Time, allow []string) *Authorizer {
	a := &Authorizer{mode: mode, reader: reader, now: now}
	if len(allow) > 0 {
		a.allow = make(map[string]bool, len(allow))
		for _, s := range allow {
			a.allow[s] = true
		}
	}
	return a
}

// Mode returns the configured mode.
func (a *Authorizer) Mode() Mode { return a.mode }

// Present reports whether an identity module can be read.
func (a *Authorizer) Present() bool {
	if a.reader == nil {
		return false
	}
	_, err := a.reader.Read()
	return err == nil
}

// Authorize reads the module and checks it against the mode.
func (a *Authorizer) Authorize() (Credential, error) {
	if a.mode == ModeNone || a.mode == "" {
		if a.reader == nil {
			return Credential{}, nil
		}
		// Report the serial when there is one, but never refuse.
		c, _ := a.reader.Read()
		return c, nil
	}
	if a.reader == nil {
		return Credential{}, ErrNoTIM
	}

	c, err := a.reader.Read()
	if err != nil {
		return Credential{}, fmt.Errorf("read TIM: %w", err)
	}
	if a.allow != nil && !a.allow[c.Serial] {
		return c, fmt.Errorf("%w: serial %s not on allow list", ErrNotAuthorized, c.Serial)
	}
	if a.mode == ModeDateStamp {
		if c.DateStamp.IsZero() {
			return c, fmt.Errorf("%w: serial %s has no date stamp", ErrNotAuthorized, c.Serial)
		}
		if !a.now().Before(c.DateStamp.AddDate(0, 0, 1)) {
			return c, fmt.Errorf("%w: serial %s expired %s", ErrNotAuthorized, c.Serial, c.DateStamp.Format(dateLayout))
		}
	}
	return c, nil
}
