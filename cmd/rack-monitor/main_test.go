package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/rack-monitor/internal/deadman"
	"github.com/sweeney/rack-monitor/internal/hw"
	"github.com/sweeney/rack-monitor/internal/identity"
	"github.com/sweeney/rack-monitor/internal/lifecycle"
	"github.com/sweeney/rack-monitor/internal/mqtt"
	"github.com/sweeney/rack-monitor/internal/probe"
	"github.com/sweeney/rack-monitor/internal/status"
	"github.com/sweeney/rack-monitor/internal/store"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "ethernet")
	t.Setenv(envNetworkIP, "10.0.4.21")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "10.0.4.1")
	t.Setenv(envNetworkWifiStatus, "disabled")
	t.Setenv(envNetworkWifiSSID, "RackNet")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}
	want := status.NetworkInfo{
		Type:       "ethernet",
		IP:         "10.0.4.21",
		Status:     "connected",
		Gateway:    "10.0.4.1",
		WifiStatus: "disabled",
		SSID:       "RackNet",
	}
	if *info != want {
		t.Errorf("got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	if info := readNetworkInfo(); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo when NETWORK_STATUS is set")
	}
	if info.Status != "connected" {
		t.Errorf("Status: got %q, want %q", info.Status, "connected")
	}
	if info.IP != "" {
		t.Errorf("IP: got %q, want empty", info.IP)
	}
}

func TestStationConfig(t *testing.T) {
	base := options{
		compartments: 8,
		fiveWire:     true,
		ground:       "none",
		tankTable:    "fixed",
		deadmanMode:  "disabled",
		maxOpen:      76,
		maxClose:     480,
		warnClose:    360,
		authMode:     "none",
	}

	cfg, dm, auth, err := stationConfig(base)
	if err != nil {
		t.Fatalf("default options: %v", err)
	}
	if cfg.Compartments != probe.Compartments8 || !cfg.FiveWire || cfg.Ground != probe.GroundNone {
		t.Errorf("unexpected probe config %+v", cfg)
	}
	if dm.Mode != deadman.Disabled || dm.MaxOpen != 76 {
		t.Errorf("unexpected deadman config %+v", dm)
	}
	if auth != identity.ModeNone {
		t.Errorf("auth: got %q, want none", auth)
	}

	six := base
	six.compartments = 6
	six.ground = "bolt"
	six.tankTable = "dynamic"
	six.deadmanMode = "active"
	six.authMode = "datestamp"
	cfg, dm, auth, err = stationConfig(six)
	if err != nil {
		t.Fatalf("six compartment options: %v", err)
	}
	if cfg.Compartments != probe.Compartments6 || cfg.Ground != probe.GroundBolt || cfg.TankTable != probe.TableDynamic {
		t.Errorf("unexpected probe config %+v", cfg)
	}
	if dm.Mode != deadman.Active {
		t.Errorf("deadman mode: got %q", dm.Mode)
	}
	if auth != identity.ModeDateStamp {
		t.Errorf("auth: got %q", auth)
	}

	tests := []struct {
		name string
		mod  func(*options)
	}{
		{"compartments", func(o *options) { o.compartments = 7 }},
		{"ground", func(o *options) { o.ground = "strap" }},
		{"tank table", func(o *options) { o.tankTable = "auto" }},
		{"deadman mode", func(o *options) { o.deadmanMode = "lazy" }},
		{"deadman warn", func(o *options) { o.deadmanMode = "active"; o.warnClose = 480 }},
		{"auth mode", func(o *options) { o.authMode = "badge" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base
			tt.mod(&o)
			if _, _, _, err := stationConfig(o); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" 2D00A1, ,2d00b2 ")
	if len(got) != 2 || got[0] != "2d00a1" || got[1] != "2d00b2" {
		t.Errorf("got %q", got)
	}
	if got := splitList(""); got != nil {
		t.Errorf("empty list: got %q", got)
	}
}

func TestStoreName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "memory"},
		{"memory", "memory"},
		{"redis://localhost:6379/0", "redis://localhost:6379/0"},
		{"redis://:secret@cache:6379/1", "redis://***@cache:6379/1"},
	}
	for _, tt := range tests {
		if got := storeName(tt.in); got != tt.want {
			t.Errorf("storeName(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --- runLoop tests ---

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Not safe for concurrent use (only called from runLoop's goroutine).
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

var t0 = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

// scriptedController returns a fixed batch of events per Step and a
// snapshot following the last MAIN and PERMIT events.
type scriptedController struct {
	steps [][]lifecycle.Event
	call  int
	snap  lifecycle.Snapshot
}

func newScripted(steps ...[]lifecycle.Event) *scriptedController {
	return &scriptedController{
		steps: steps,
		snap:  lifecycle.Snapshot{Main: lifecycle.Idle, Compartments: probe.Compartments8},
	}
}

func (c *scriptedController) Step() []lifecycle.Event {
	i := c.call
	c.call++
	if i >= len(c.steps) {
		return nil
	}
	for _, e := range c.steps[i] {
		switch e.Kind {
		case lifecycle.EventMain:
			c.snap.Main = lifecycle.MainState(e.To)
			c.snap.Session = e.Session
		case lifecycle.EventPermit:
			c.snap.Permit = e.To == "ON"
		}
	}
	return c.steps[i]
}

func (c *scriptedController) Snapshot() lifecycle.Snapshot { return c.snap }

// visitScript is a truck arriving and being given the permit.
func visitScript() [][]lifecycle.Event {
	return [][]lifecycle.Event{
		nil,
		{{Time: t0, Kind: lifecycle.EventMain, Session: "s1", From: "IDLE", To: "ACQUIRE"}},
		{{Time: t0, Kind: lifecycle.EventTruck, Session: "s1", From: "UNKNOWN", To: "OPTIC_TWO"}},
		{
			{Time: t0, Kind: lifecycle.EventMain, Session: "s1", From: "ACQUIRE", To: "ACTIVE"},
			{Time: t0, Kind: lifecycle.EventPermit, Session: "s1", From: "OFF", To: "ON"},
		},
	}
}

type brokenLog struct{ calls int }

func (b *brokenLog) Append(ctx context.Context, r store.Record) error {
	b.calls++
	return errors.New("store offline")
}

// runRunLoop drives runLoop for nTicks then sends signal, returning its
// error.
func runRunLoop(t *testing.T, ctrl controller, events eventLog, pub *mqtt.FakePublisher, tracker *status.Tracker, heartbeat time.Duration, clock func() time.Time, nTicks int, signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(ctrl, events, pub, pub, tracker, heartbeat, clock, tick, sig)
	}()

	for i := 0; i < nTicks; i++ {
		tick <- time.Time{}
	}
	sig <- signal

	return <-errCh
}

func TestRunLoopNoEventsWhileIdle(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	log := store.NewMemory(store.LogCapacity)

	err := runRunLoop(t, newScripted(), log, pub, nil, 0, fakeClock(t0, 100*time.Millisecond), 4, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.Events) != 0 {
		t.Errorf("expected 0 rack events, got %d", len(pub.Events))
	}
	if len(pub.SystemEvents) != 1 || pub.SystemEvents[0].Event != "SHUTDOWN" {
		t.Fatalf("expected a single SHUTDOWN, got %v", pub.SystemNames())
	}
	recs, _ := log.Recent(context.Background(), 10)
	if len(recs) != 0 {
		t.Errorf("expected empty event log, got %d records", len(recs))
	}
}

func TestRunLoopVisitPublishedAndLogged(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	log := store.NewMemory(store.LogCapacity)
	tracker := status.NewTracker(t0, status.Config{})
	script := visitScript()

	err := runRunLoop(t, newScripted(script...), log, pub, tracker, 0, fakeClock(t0, 100*time.Millisecond), len(script), syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	want := []lifecycle.EventKind{lifecycle.EventMain, lifecycle.EventTruck, lifecycle.EventMain, lifecycle.EventPermit}
	got := pub.Kinds()
	if len(got) != len(want) {
		t.Fatalf("published kinds: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, got[i], want[i])
		}
	}

	recs, err := log.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("expected 4 logged records, got %d", len(recs))
	}
	if recs[0].Kind != "PERMIT" || recs[0].To != "ON" {
		t.Errorf("newest record: got %+v", recs[0])
	}
	if recs[3].Kind != "MAIN" || recs[3].To != "ACQUIRE" {
		t.Errorf("oldest record: got %+v", recs[3])
	}

	snap := tracker.Snapshot()
	if !snap.Ready {
		t.Error("tracker should be ready after the first tick")
	}
	if snap.Counts.Visits != 1 || snap.Counts.PermitsOn != 1 {
		t.Errorf("counts: got %+v", snap.Counts)
	}
	if snap.Rack.Main != lifecycle.Active || !snap.Rack.Permit {
		t.Errorf("rack: main=%s permit=%v", snap.Rack.Main, snap.Rack.Permit)
	}
	if snap.LastEvent == nil || snap.LastEvent.Kind != lifecycle.EventPermit {
		t.Errorf("last event: got %+v", snap.LastEvent)
	}

	shutdown := pub.SystemEvents[len(pub.SystemEvents)-1]
	if !strings.Contains(string(shutdown.RawPayload), `"main":"ACTIVE"`) {
		t.Errorf("shutdown payload should carry the rack state: %s", shutdown.RawPayload)
	}
}

func TestRunLoopPublishError(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.PublishError = errors.New("broker unavailable")
	log := store.NewMemory(store.LogCapacity)
	script := visitScript()

	err := runRunLoop(t, newScripted(script...), log, pub, nil, 0, fakeClock(t0, 100*time.Millisecond), len(script), syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop should not fail on publish errors, got: %v", err)
	}
	if len(pub.Events) != 0 {
		t.Errorf("expected 0 recorded events, got %d", len(pub.Events))
	}
	recs, _ := log.Recent(context.Background(), 10)
	if len(recs) != 4 {
		t.Errorf("events should still reach the log, got %d", len(recs))
	}
	if len(pub.SystemEvents) != 1 {
		t.Errorf("expected SHUTDOWN to be published, got %v", pub.SystemNames())
	}
}

func TestRunLoopEventLogError(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	log := &brokenLog{}
	script := visitScript()

	err := runRunLoop(t, newScripted(script...), log, pub, nil, 0, fakeClock(t0, 100*time.Millisecond), len(script), syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop should not fail on log errors, got: %v", err)
	}
	if log.calls != 4 {
		t.Errorf("Append calls: got %d, want 4", log.calls)
	}
	if len(pub.Events) != 4 {
		t.Errorf("events should still be published, got %d", len(pub.Events))
	}
}

func TestRunLoopWithoutEventLog(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	script := visitScript()

	err := runRunLoop(t, newScripted(script...), nil, pub, nil, 0, fakeClock(t0, 100*time.Millisecond), len(script), syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.Events) != 4 {
		t.Errorf("expected 4 events, got %d", len(pub.Events))
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	tracker := status.NewTracker(t0, status.Config{HeartbeatMs: 1000})

	// Clock calls: start, 4 ticks, shutdown. Beats fall at +1.0s and +2.0s.
	err := runRunLoop(t, newScripted(), nil, pub, tracker, time.Second, fakeClock(t0, 500*time.Millisecond), 4, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	names := pub.SystemNames()
	want := []string{"HEARTBEAT", "HEARTBEAT", "SHUTDOWN"}
	if len(names) != len(want) {
		t.Fatalf("system events: got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("system event %d: got %s, want %s", i, names[i], want[i])
		}
	}

	hb := pub.SystemEvents[0]
	if !hb.Timestamp.Equal(t0.Add(time.Second)) {
		t.Errorf("heartbeat timestamp: got %v", hb.Timestamp)
	}
	if !strings.Contains(string(hb.RawPayload), `"event":"HEARTBEAT"`) {
		t.Errorf("heartbeat payload: %s", hb.RawPayload)
	}
}

func TestRunLoopHeartbeatDisabled(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	err := runRunLoop(t, newScripted(), nil, pub, nil, 0, fakeClock(t0, time.Hour), 5, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if names := pub.SystemNames(); len(names) != 1 || names[0] != "SHUTDOWN" {
		t.Errorf("expected only SHUTDOWN, got %v", names)
	}
}

func TestRunLoopHeartbeatIncludesNetworkInfo(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "10.0.4.22")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "10.0.4.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "RackNet")

	pub := mqtt.NewFakePublisher()
	tracker := status.NewTracker(t0, status.Config{})

	err := runRunLoop(t, newScripted(), nil, pub, tracker, time.Second, fakeClock(t0, time.Second), 1, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.SystemEvents) < 1 || pub.SystemEvents[0].Event != "HEARTBEAT" {
		t.Fatalf("expected a heartbeat first, got %v", pub.SystemNames())
	}
	payload := string(pub.SystemEvents[0].RawPayload)
	for _, want := range []string{`"ssid":"RackNet"`, `"ip":"10.0.4.22"`} {
		if !strings.Contains(payload, want) {
			t.Errorf("heartbeat payload missing %s: %s", want, payload)
		}
	}
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	err := runRunLoop(t, newScripted(), nil, pub, nil, 0, fakeClock(t0, time.Millisecond), 0, syscall.SIGINT)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
	}
	ev := pub.SystemEvents[0]
	if ev.Event != "SHUTDOWN" || ev.Reason != "SIGINT" || !ev.Retained {
		t.Errorf("got %+v", ev)
	}
}

func TestRunLoopShutdownSIGTERM(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	tracker := status.NewTracker(t0, status.Config{})
	err := runRunLoop(t, newScripted(), nil, pub, tracker, 0, fakeClock(t0, time.Millisecond), 2, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	ev := pub.SystemEvents[0]
	if ev.Reason != "SIGTERM" {
		t.Errorf("reason: got %q, want SIGTERM", ev.Reason)
	}
	if !strings.Contains(string(ev.RawPayload), `"reason":"SIGTERM"`) {
		t.Errorf("shutdown payload: %s", ev.RawPayload)
	}
}

func TestRunLoopShutdownPublishError(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.PublishSystemError = errors.New("broker unavailable")
	err := runRunLoop(t, newScripted(), nil, pub, nil, 0, fakeClock(t0, time.Millisecond), 1, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop should exit cleanly, got: %v", err)
	}
}

func TestRunLoopTracksMQTTConnection(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.SetConnected(true)
	tracker := status.NewTracker(t0, status.Config{})

	err := runRunLoop(t, newScripted(), nil, pub, tracker, 0, fakeClock(t0, time.Millisecond), 1, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if !tracker.Snapshot().MQTTConnected {
		t.Error("tracker should report MQTT connected")
	}
}

// --- simulated visits ---

func TestNewSimVisitsValidates(t *testing.T) {
	rig := hw.NewSim(t0)
	if _, err := newSimVisits(rig, "tanker", probe.Compartments8, time.Second, time.Second); err == nil {
		t.Error("expected error for unknown truck model")
	}
	if _, err := newSimVisits(rig, hw.TruckOptic, probe.Compartments8, 0, time.Second); err == nil {
		t.Error("expected error for zero visit")
	}
}

func TestSimVisitDrivesLifecycle(t *testing.T) {
	rig := hw.NewSim(t0)
	cfg := probe.DefaultConfig()
	cfg.FiveWire = false

	visits, err := newSimVisits(rig, hw.TruckOptic, cfg.Compartments, 20*time.Second, 5*time.Second)
	if err != nil {
		t.Fatalf("newSimVisits: %v", err)
	}
	ctrl := lifecycle.New(lifecycle.Deps{
		Rig:    rig.Rig(),
		Relay:  rig,
		Config: cfg,
		Params: probe.DefaultParams(),
	})
	defer ctrl.Close()
	c := visits.wrap(ctrl)

	var events []lifecycle.Event
	until := func(limit time.Duration, what string, cond func(lifecycle.Snapshot) bool) {
		t.Helper()
		end := rig.Now().Add(limit)
		for rig.Now().Before(end) {
			events = append(events, c.Step()...)
			if cond(c.Snapshot()) {
				return
			}
		}
		t.Fatalf("%s not reached within %v, last snapshot %+v", what, limit, c.Snapshot())
	}

	until(12*time.Second, "permit", func(s lifecycle.Snapshot) bool { return s.Permit })
	if visits.trucks != 1 || !visits.connected {
		t.Errorf("expected one connected truck, got trucks=%d connected=%v", visits.trucks, visits.connected)
	}
	if !rig.Permit() {
		t.Error("relay should be closed while the permit is on")
	}

	until(30*time.Second, "departure", func(s lifecycle.Snapshot) bool { return !s.Permit && s.Main != lifecycle.Active })
	if visits.connected {
		t.Error("truck should have left")
	}

	var acquired bool
	for _, e := range events {
		if e.Kind == lifecycle.EventMain && e.To == string(lifecycle.Acquire) {
			acquired = true
		}
	}
	if !acquired {
		t.Error("expected a MAIN ACQUIRE event")
	}
}
