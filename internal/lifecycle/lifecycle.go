// Package lifecycle sequences a truck visit: Idle, Acquire, Active, Gone
// and Fini. It owns the main state, drives the probe engine and the
// deadman monitor, runs the idle diagnostics rotation and decides the
// loading permit.
//
// This package has NO hardware dependencies and does not log. Step returns
// the events produced by each iteration for the caller to publish.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/rack-monitor/internal/deadman"
	"github.com/sweeney/rack-monitor/internal/identity"
	"github.com/sweeney/rack-monitor/internal/probe"
)

// MainState is the top-level lifecycle state.
type MainState string

const (
	Idle    MainState = "IDLE"
	Acquire MainState = "ACQUIRE"
	Active  MainState = "ACTIVE"
	Gone    MainState = "GONE"
	Fini    MainState = "FINI"
)

// Lifecycle timing.
const (
	IdlePoll        = 100 * time.Millisecond
	IdleSustain     = 3 // polls with a load seen before acquiring
	AcquireTimeout  = 2 * time.Minute
	DeadmanInterval = 250 * time.Millisecond
	AuthInterval    = 10 * time.Second
	GonePoll        = 500 * time.Millisecond
	GoneConfirm     = 3 // polls agreeing on drop or on departure
	FiniTimeout     = time.Minute
	AcqFaultLimit   = 10
	DiagRetry       = time.Second
)

// Relay switches the loading permit output.
type Relay interface {
	SetPermit(on bool)
}

// Authorizer validates the connected truck.
type Authorizer interface {
	Authorize() (identity.Credential, error)
}

// Check is one diagnostic in the idle rotation.
type Check struct {
	Name string
	Run  func() error
	// Gone includes the check in the reduced set run while a departure is
	// being confirmed.
	Gone bool
	// Idle keeps the check off a connected truck because it drives the
	// probe channels. Other checks that failed are retried every
	// DiagRetry during a visit.
	Idle bool
}

// Deps are the controller's collaborators and configuration.
type Deps struct {
	Rig     probe.Rig
	Relay   Relay
	Config  probe.Config
	Params  probe.Params
	Deadman deadman.Config
	// Auth may be nil, in which case every truck is authorized.
	Auth Authorizer
	// Checks are board diagnostics added to the rotation.
	Checks []Check
}

// Controller is the truck lifecycle state machine. It is not safe for
// concurrent use; Snapshot copies are safe to share.
type Controller struct {
	st    *probe.Station
	sess  *probe.Session
	relay Relay
	auth  Authorizer
	dm    *deadman.Monitor

	rotation []Check
	reduced  []Check

	main      MainState
	enteredAt time.Time
	next      time.Time
	wall      time.Time

	idleHits int
	dropSeen bool

	activeTruck probe.TruckState
	goneDrop    int
	goneClean   int

	nextDeadman time.Time
	nextRetry   time.Time
	nextAuth    time.Time
	authChecked bool
	authorized  bool
	serial      string

	acqFails int
	acqFault bool

	diagIdx    int
	diagFault  string
	idleShorts probe.ShortsResult

	permit    bool
	lastTruck probe.TruckState
	lastTank  probe.TankState
	smart     bool
	dmFault   bool

	events []Event
}

// New creates a controller in Idle, starts sampling and opens the permit
// relay.
func New(d Deps) *Controller {
	st := probe.NewStation(d.Rig, d.Config, d.Params)
	c := &Controller{
		st:          st,
		relay:       d.Relay,
		auth:        d.Auth,
		dm:          deadman.New(d.Deadman),
		main:        Idle,
		activeTruck: probe.TruckUnknown,
	}
	now := st.Rig.Clock.Now()
	c.enteredAt, c.next, c.wall = now, now, now

	c.rotation = []Check{
		{Name: "short_pattern", Run: c.checkShortPattern, Idle: true},
		{Name: "static_short", Run: c.checkStaticShort, Idle: true},
		{Name: "self_test", Run: c.selfTest, Gone: true},
	}
	c.rotation = append(c.rotation, d.Checks...)
	c.rotation = append(c.rotation, Check{Name: "clock", Run: c.refreshClock})
	for _, chk := range c.rotation {
		if chk.Gone {
			c.reduced = append(c.reduced, chk)
		}
	}

	c.sess = probe.NewSession(st)
	c.lastTruck, c.lastTank = c.sess.Truck(), c.sess.Tank()
	st.Rig.Acq.Start()
	if c.relay != nil {
		c.relay.SetPermit(false)
	}
	return c
}

// Close opens the permit relay, de-energizes the probe outputs and stops
// sampling.
func (c *Controller) Close() {
	if c.relay != nil {
		c.relay.SetPermit(false)
	}
	c.sess.Close()
	c.st.Rig.Acq.Stop()
}

// Main returns the lifecycle state.
func (c *Controller) Main() MainState { return c.main }

// Station returns the shared probe station.
func (c *Controller) Station() *probe.Station { return c.st }

// Step runs one main loop iteration: one acquisition sample, then the
// handler for the current state. It returns the events produced.
func (c *Controller) Step() []Event {
	c.events = nil
	err := c.sess.Sample()
	now := c.now()
	if err != nil {
		c.acquisitionFailed(now, err)
		c.updatePermit(now)
		return c.events
	}
	c.acquisitionOK(now)

	switch c.main {
	case Idle:
		c.stepIdle(now)
	case Acquire:
		c.stepAcquire(now)
	case Active:
		c.stepActive(now)
	case Gone:
		c.stepGone(now)
	case Fini:
		c.stepFini(now)
	}

	c.observe(now)
	c.updatePermit(now)
	return c.events
}

func (c *Controller) now() time.Time { return c.st.Rig.Clock.Now() }

func (c *Controller) emit(now time.Time, kind EventKind, from, to, detail string) {
	c.events = append(c.events, Event{
		Time:    now,
		Kind:    kind,
		Session: c.sessionID(),
		From:    from,
		To:      to,
		Detail:  detail,
	})
}

func (c *Controller) sessionID() string {
	if c.main == Idle {
		return ""
	}
	return c.sess.ID.String()
}

func (c *Controller) setMain(now time.Time, m MainState) {
	from := c.main
	c.main = m
	c.enteredAt = now
	c.emit(now, EventMain, string(from), string(m), "")
}

func (c *Controller) stepIdle(now time.Time) {
	if probe.HasDrop(c.st, false) {
		c.dropSeen = true
	}
	if now.Before(c.next) {
		return
	}
	c.next = now.Add(IdlePoll)

	if c.dropSeen || c.st.TIMPresent() || c.st.BoltContact() || c.st.SmartProbe() {
		c.idleHits++
	} else {
		c.idleHits = 0
	}
	c.dropSeen = false
	if c.idleHits >= IdleSustain {
		c.enterAcquire(now)
		return
	}
	c.rotate(now)
}

// rotate runs the next diagnostic. A failure restarts the rotation so the
// remaining checks are skipped; a complete clean pass clears the fault.
func (c *Controller) rotate(now time.Time) {
	chk := c.rotation[c.diagIdx]
	if err := chk.Run(); err != nil {
		c.diagIdx = 0
		c.checkFailed(now, chk.Name, err)
		return
	}
	c.diagIdx++
	if c.diagIdx == len(c.rotation) {
		c.diagIdx = 0
		if c.diagFault != "" {
			c.emit(now, EventDiagnostic, c.diagFault, "OK", "")
			c.diagFault = ""
		}
	}
}

// retryFault re-runs the check that set the diagnostic fault and clears
// the fault when it passes.
func (c *Controller) retryFault(now time.Time) {
	for _, chk := range c.rotation {
		if chk.Name != c.diagFault || chk.Idle {
			continue
		}
		if err := chk.Run(); err != nil {
			if errors.Is(err, probe.ErrAcquisition) {
				c.acquisitionFailed(now, err)
			}
			return
		}
		c.emit(now, EventDiagnostic, c.diagFault, "OK", "")
		c.diagFault = ""
		return
	}
}

// runReduced runs the Gone diagnostics in order, stopping at the first
// failure.
func (c *Controller) runReduced(now time.Time) bool {
	for _, chk := range c.reduced {
		if err := chk.Run(); err != nil {
			c.checkFailed(now, chk.Name, err)
			return false
		}
	}
	return true
}

func (c *Controller) checkFailed(now time.Time, name string, err error) {
	if errors.Is(err, probe.ErrAcquisition) {
		c.acquisitionFailed(now, err)
		return
	}
	if c.diagFault != name {
		c.emit(now, EventDiagnostic, c.diagFault, name, err.Error())
		c.diagFault = name
	}
}

func (c *Controller) checkShortPattern() error {
	_, err := c.sess.ShortSignature()
	return err
}

// checkStaticShort reports shorts found on an empty rack. They do not
// block the permit; the truck's own short test decides that.
func (c *Controller) checkStaticShort() error {
	res, err := c.sess.StaticShortTest(false)
	if errors.Is(err, probe.ErrShortTestDeferred) {
		return nil
	}
	if err != nil {
		return err
	}
	if res.Signature == probe.SignatureNone && (res.Shorts != c.idleShorts.Shorts || res.Grounds != c.idleShorts.Grounds) {
		if !res.OK() {
			c.emit(c.now(), EventDiagnostic, "", "IDLE_SHORT",
				fmt.Sprintf("shorts=%08b grounds=%08b", res.Shorts, res.Grounds))
		}
		c.idleShorts = res
	}
	return nil
}

// selfTest checks the ADC reference against its calibrated level.
func (c *Controller) selfTest() error {
	nominal := c.st.Params.Calibration.RefNominal
	if nominal <= 0 {
		return nil
	}
	ref := c.st.Rig.Acq.Voltage(probe.InputRef)
	if d := ref - nominal; d > nominal/5 || d < -nominal/5 {
		return fmt.Errorf("reference reads %d mV, calibrated %d mV", ref, nominal)
	}
	return nil
}

// refreshClock catches the time source stepping backwards, which would
// stretch every interval the engine measures.
func (c *Controller) refreshClock() error {
	now := c.now()
	if now.Before(c.wall) {
		c.wall = now
		return fmt.Errorf("clock stepped back to %s", now.Format(time.RFC3339))
	}
	c.wall = now
	return nil
}

func (c *Controller) enterAcquire(now time.Time) {
	c.sess = probe.NewSession(c.st)
	c.sess.BeginAcquire()
	c.idleHits = 0
	c.authChecked, c.authorized, c.serial = false, false, ""
	c.activeTruck = probe.TruckUnknown
	c.setMain(now, Acquire)
}

func (c *Controller) stepAcquire(now time.Time) {
	if now.Sub(c.enteredAt) >= AcquireTimeout {
		c.sess.Abandon()
		c.emit(now, EventDiagnostic, "", "ACQUIRE_TIMEOUT", "truck not classified")
		c.enterGone(now)
		return
	}
	t, err := c.sess.Classify()
	if err != nil {
		c.stepError(now, err)
		return
	}
	if t != probe.TruckUnknown {
		c.enterActive(now, t)
	}
}

func (c *Controller) enterActive(now time.Time, t probe.TruckState) {
	c.activeTruck = t
	c.nextDeadman, c.nextAuth, c.nextRetry = now, now, now
	c.setMain(now, Active)
}

func (c *Controller) stepActive(now time.Time) {
	if err := c.sess.Active(); err != nil {
		c.stepError(now, err)
	}
	if !now.Before(c.nextDeadman) {
		c.nextDeadman = now.Add(DeadmanInterval)
		c.stepDeadman(now)
	}
	if !now.Before(c.nextAuth) {
		c.nextAuth = now.Add(AuthInterval)
		c.authorize(now)
	}
	if c.diagFault != "" && !now.Before(c.nextRetry) {
		c.nextRetry = now.Add(DiagRetry)
		c.retryFault(now)
	}
	if c.sess.Truck().Gone() {
		c.enterGone(now)
		return
	}
	_, force, err := c.sess.IsTruckPulsing()
	if err != nil {
		c.stepError(now, err)
		return
	}
	if force {
		c.emit(now, EventDiagnostic, "", "PULSE_STALE", "no load, signature, bolt or TIM")
		c.enterGone(now)
	}
}

func (c *Controller) stepDeadman(now time.Time) {
	st := c.dm.Step(c.st.Rig.Acq.Voltage(probe.InputDeadman))
	if st.Fault == c.dmFault {
		return
	}
	c.dmFault = st.Fault
	if st.Fault {
		c.emit(now, EventDeadman, "OK", "FAULT",
			fmt.Sprintf("switch=%s open=%d closed=%d", st.Switch, st.OpenTicks, st.CloseTicks))
	} else {
		c.emit(now, EventDeadman, "FAULT", "OK", "")
	}
}

func (c *Controller) authorize(now time.Time) {
	if c.auth == nil {
		c.authorized = true
		return
	}
	cred, err := c.auth.Authorize()
	ok := err == nil
	if !c.authChecked || ok != c.authorized || cred.Serial != c.serial {
		to, detail := "DENIED", ""
		if ok {
			to = "OK"
		} else {
			detail = err.Error()
		}
		c.emit(now, EventAuth, cred.Serial, to, detail)
	}
	c.authChecked = true
	c.authorized, c.serial = ok, cred.Serial
}

func (c *Controller) enterGone(now time.Time) {
	c.goneDrop, c.goneClean = 0, 0
	c.next = now.Add(GonePoll)
	c.setMain(now, Gone)
}

// stepGone decides what a lost truck really was: a smart-probe adapter
// (resume), a load that is still there (reclassify) or a departure.
func (c *Controller) stepGone(now time.Time) {
	if now.Before(c.next) {
		return
	}
	c.next = now.Add(GonePoll)
	if !c.runReduced(now) {
		return
	}

	drop := c.sess.VoltageDrop()
	clean := c.sess.Recovered()
	present, fresh, err := c.sess.ScanSignature()
	if err != nil {
		c.stepError(now, err)
		return
	}
	if !fresh {
		return
	}

	switch {
	case present && c.activeTruck != probe.TruckUnknown:
		c.sess.Resume(c.activeTruck)
		c.nextDeadman = now
		c.setMain(now, Active)
	case drop:
		c.goneClean = 0
		c.goneDrop++
		if c.goneDrop >= GoneConfirm {
			c.sess.Reclassify()
			c.setMain(now, Acquire)
		}
	case clean:
		c.goneDrop = 0
		c.goneClean++
		if c.goneClean >= GoneConfirm {
			c.enterFini(now)
		}
	default:
		c.goneDrop, c.goneClean = 0, 0
	}
}

func (c *Controller) enterFini(now time.Time) {
	c.sess.Close()
	c.setMain(now, Fini)
}

func (c *Controller) stepFini(now time.Time) {
	if c.sess.Recovered() {
		c.enterIdle(now)
		return
	}
	if now.Sub(c.enteredAt) >= FiniTimeout {
		c.emit(now, EventDiagnostic, "", "FINI_TIMEOUT", "residual load did not clear")
		c.enterIdle(now)
	}
}

func (c *Controller) enterIdle(now time.Time) {
	c.setMain(now, Idle)
	c.sess = probe.NewSession(c.st)
	c.next = now
	c.idleHits = 0
	c.dropSeen = false
	c.authChecked, c.authorized, c.serial = false, false, ""
	c.activeTruck = probe.TruckUnknown
}

func (c *Controller) stepError(now time.Time, err error) {
	if errors.Is(err, probe.ErrAcquisition) {
		c.acquisitionFailed(now, err)
		return
	}
	c.emit(now, EventDiagnostic, "", "ERROR", err.Error())
}

func (c *Controller) acquisitionFailed(now time.Time, err error) {
	c.acqFails++
	if c.acqFails < AcqFaultLimit || c.acqFault {
		return
	}
	c.acqFault = true
	c.emit(now, EventAcqFault, "OK", "FAULT", err.Error())
	if c.main == Acquire || c.main == Active {
		c.enterGone(now)
	}
}

func (c *Controller) acquisitionOK(now time.Time) {
	c.acqFails = 0
	if c.acqFault {
		c.acqFault = false
		c.emit(now, EventAcqFault, "FAULT", "OK", "")
	}
}

// observe turns session changes into events.
func (c *Controller) observe(now time.Time) {
	if t := c.sess.Truck(); t != c.lastTruck {
		c.emit(now, EventTruck, string(c.lastTruck), string(t), "")
		c.lastTruck = t
	}
	if t := c.sess.Tank(); t != c.lastTank {
		c.emit(now, EventTank, string(c.lastTank), string(t), "")
		c.lastTank = t
	}
	for _, n := range c.sess.DrainNotes() {
		c.emit(now, EventKind(n.Kind), "", "", n.Detail)
	}
	if sp := c.st.SmartProbe(); sp != c.smart {
		c.smart = sp
		c.emit(now, EventSmartProbe, onOff(!sp), onOff(sp), "")
	}
}

// permitAllowed is the permit gate. Every condition must hold.
func (c *Controller) permitAllowed() bool {
	if c.main != Active || !c.sess.PermitReady() {
		return false
	}
	if c.dmFault || !c.authorized || c.acqFault || c.diagFault != "" {
		return false
	}
	if c.st.Config.Ground == probe.GroundBolt && !c.st.BoltContact() {
		return false
	}
	return true
}

func (c *Controller) updatePermit(now time.Time) {
	p := c.permitAllowed()
	if p == c.permit {
		return
	}
	c.permit = p
	if c.relay != nil {
		c.relay.SetPermit(p)
	}
	c.emit(now, EventPermit, onOff(!p), onOff(p), "")
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
