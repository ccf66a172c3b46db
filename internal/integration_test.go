package internal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/rack-monitor/internal/hw"
	"github.com/sweeney/rack-monitor/internal/lifecycle"
	"github.com/sweeney/rack-monitor/internal/mqtt"
	"github.com/sweeney/rack-monitor/internal/probe"
	"github.com/sweeney/rack-monitor/internal/status"
	"github.com/sweeney/rack-monitor/internal/store"
)

var startTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// rack wires the simulated rig to the controller and every consumer of
// its events, the way the daemon's main loop does.
type rack struct {
	t       *testing.T
	rig     *hw.SimRig
	ctrl    *lifecycle.Controller
	pub     *mqtt.FakePublisher
	log     store.Store
	tracker *status.Tracker
}

func newRack(t *testing.T, cfg probe.Config) *rack {
	t.Helper()
	rig := hw.NewSim(startTime)
	r := &rack{
		t:       t,
		rig:     rig,
		pub:     mqtt.NewFakePublisher(),
		log:     store.NewMemory(store.LogCapacity),
		tracker: status.NewTracker(startTime, status.Config{Compartments: int(cfg.Compartments)}),
	}
	params, seeded, err := store.LoadOrSeed(context.Background(), r.log)
	if err != nil || !seeded {
		t.Fatalf("LoadOrSeed: seeded=%v err=%v", seeded, err)
	}
	r.ctrl = lifecycle.New(lifecycle.Deps{
		Rig:    rig.Rig(),
		Relay:  rig,
		Config: cfg,
		Params: params,
	})
	t.Cleanup(r.ctrl.Close)
	return r
}

func (r *rack) step() {
	events := r.ctrl.Step()
	for _, e := range events {
		if err := r.log.Append(context.Background(), e.Record()); err != nil {
			r.t.Fatalf("append: %v", err)
		}
		if err := r.pub.Publish(e); err != nil {
			r.t.Fatalf("publish: %v", err)
		}
	}
	r.tracker.Record(events)
	r.tracker.Update(r.ctrl.Snapshot())
}

func (r *rack) runUntil(limit time.Duration, what string, cond func(lifecycle.Snapshot) bool) {
	r.t.Helper()
	end := r.rig.Now().Add(limit)
	for r.rig.Now().Before(end) {
		r.step()
		if cond(r.ctrl.Snapshot()) {
			return
		}
	}
	r.t.Fatalf("%s not reached within %v", what, limit)
}

func (r *rack) runFor(d time.Duration) {
	end := r.rig.Now().Add(d)
	for r.rig.Now().Before(end) {
		r.step()
	}
}

func twoWire() probe.Config {
	cfg := probe.DefaultConfig()
	cfg.FiveWire = false
	return cfg
}

func decodeStatus(t *testing.T, data []byte) status.StatusInner {
	t.Helper()
	var s status.StatusJSON
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("invalid status JSON: %v\n%s", err, data)
	}
	return s.Status
}

// TestIntegrationFullVisit runs an optic truck from arrival to departure
// and checks every consumer saw the same story.
func TestIntegrationFullVisit(t *testing.T) {
	r := newRack(t, twoWire())
	r.runFor(time.Second)
	for _, e := range r.pub.Events {
		if e.Kind == lifecycle.EventMain || e.Kind == lifecycle.EventPermit {
			t.Fatalf("unexpected %s event on an empty rack", e.Kind)
		}
	}

	if err := r.rig.Connect(hw.TruckOptic, probe.Compartments8); err != nil {
		t.Fatal(err)
	}
	r.runUntil(5*time.Second, "permit", func(s lifecycle.Snapshot) bool { return s.Permit })

	// Compartment 3 overfills.
	r.rig.SetLoad(2, hw.Level(hw.OpticWet))
	r.runUntil(3*time.Second, "wet", func(s lifecycle.Snapshot) bool { return s.Tank == probe.TankWet })
	if r.rig.Permit() {
		t.Error("relay should open on a wet probe")
	}

	r.rig.Disconnect()
	r.runUntil(15*time.Second, "idle", func(s lifecycle.Snapshot) bool { return s.Main == lifecycle.Idle })

	// MQTT payloads are valid JSON and carry one session.
	var session string
	var permitOn, permitOff bool
	for i, p := range r.pub.Payloads {
		var payload mqtt.Payload
		if err := json.Unmarshal(p, &payload); err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		ev := payload.Rack
		if _, err := time.Parse(time.RFC3339, ev.Timestamp); err != nil {
			t.Errorf("payload %d: bad timestamp %q", i, ev.Timestamp)
		}
		if ev.Session != "" {
			if session == "" {
				session = ev.Session
			} else if ev.Session != session {
				t.Errorf("payload %d: session %q, want %q", i, ev.Session, session)
			}
		}
		if ev.Event == "PERMIT" && ev.To == "ON" {
			permitOn = true
		}
		if ev.Event == "PERMIT" && ev.To == "OFF" && permitOn {
			permitOff = true
		}
	}
	if session == "" {
		t.Error("expected events to carry a session")
	}
	if !permitOn || !permitOff {
		t.Errorf("expected PERMIT ON then OFF, got %v", r.pub.Kinds())
	}

	// The event log holds the same events, newest first.
	recs, err := r.log.Recent(context.Background(), store.LogCapacity)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != len(r.pub.Events) {
		t.Fatalf("log has %d records, published %d events", len(recs), len(r.pub.Events))
	}
	last := r.pub.Events[len(r.pub.Events)-1]
	if recs[0].Kind != string(last.Kind) || recs[0].To != last.To {
		t.Errorf("newest record %+v does not match last event %+v", recs[0], last)
	}

	// The status view agrees.
	snap := r.tracker.Snapshot()
	if snap.Counts.Visits != 1 || snap.Counts.PermitsOn != 1 {
		t.Errorf("counts: got %+v", snap.Counts)
	}
	inner := decodeStatus(t, status.FormatJSON(snap))
	if inner.Rack.Main != "IDLE" || inner.Rack.Permit {
		t.Errorf("status rack: main=%s permit=%v", inner.Rack.Main, inner.Rack.Permit)
	}
	if inner.Counts.Visits != 1 {
		t.Errorf("status counts: got %+v", inner.Counts)
	}
}

func TestIntegrationStatusDuringLoad(t *testing.T) {
	r := newRack(t, twoWire())
	if err := r.rig.Connect(hw.TruckOptic, probe.Compartments8); err != nil {
		t.Fatal(err)
	}
	r.runUntil(5*time.Second, "permit", func(s lifecycle.Snapshot) bool { return s.Permit })

	inner := decodeStatus(t, status.FormatStatusEvent(r.tracker.Snapshot(), "HEARTBEAT", ""))
	if inner.Event != "HEARTBEAT" {
		t.Errorf("event: got %q", inner.Event)
	}
	if inner.Rack.Main != "ACTIVE" || !inner.Rack.Permit || inner.Rack.Session == "" {
		t.Errorf("rack: %+v", inner.Rack)
	}
	if inner.Rack.Truck != string(probe.TruckOpticTwo) {
		t.Errorf("truck: got %q", inner.Rack.Truck)
	}
	if len(inner.Rack.Compartments) != 8 {
		t.Fatalf("expected 8 compartments, got %d", len(inner.Rack.Compartments))
	}
	for _, c := range inner.Rack.Compartments {
		if c.State != probe.ProbeDry.String() {
			t.Errorf("compartment %d: got %s, want DRY", c.Compartment, c.State)
		}
	}
}

func TestIntegrationAcquisitionFault(t *testing.T) {
	r := newRack(t, twoWire())
	if err := r.rig.Connect(hw.TruckOptic, probe.Compartments8); err != nil {
		t.Fatal(err)
	}
	r.runUntil(5*time.Second, "permit", func(s lifecycle.Snapshot) bool { return s.Permit })

	r.rig.FailSamples(lifecycle.AcqFaultLimit)
	r.runUntil(time.Second, "acquisition fault", func(s lifecycle.Snapshot) bool { return s.AcqFault })

	found := false
	for _, e := range r.pub.Events {
		if e.Kind == lifecycle.EventAcqFault && e.To == "FAULT" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ACQ_FAULT to be published, got %v", r.pub.Kinds())
	}
	if r.tracker.Snapshot().Counts.AcqFaults != 1 {
		t.Errorf("acq faults: got %d", r.tracker.Snapshot().Counts.AcqFaults)
	}
	if r.rig.Permit() {
		t.Error("relay must stay open")
	}
}

func TestIntegrationPublishFailureDoesNotStopTheRack(t *testing.T) {
	r := newRack(t, twoWire())
	r.pub.PublishError = errors.New("broker unavailable")

	if err := r.rig.Connect(hw.TruckOptic, probe.Compartments8); err != nil {
		t.Fatal(err)
	}
	end := r.rig.Now().Add(5 * time.Second)
	for r.rig.Now().Before(end) && !r.ctrl.Snapshot().Permit {
		for _, e := range r.ctrl.Step() {
			_ = r.pub.Publish(e)
			_ = r.log.Append(context.Background(), e.Record())
		}
	}
	if !r.ctrl.Snapshot().Permit {
		t.Fatal("permit should not depend on the broker")
	}
	recs, _ := r.log.Recent(context.Background(), 10)
	if len(recs) == 0 {
		t.Error("events should still be logged")
	}
}

