// Package status provides a thread-safe status tracker for the rack-monitor daemon.
// It is read by the HTTP handlers, the websocket feed and the MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/rack-monitor/internal/lifecycle"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	PollMs       int64
	HeartbeatMs  int64
	Broker       string
	HTTPAddr     string
	Store        string
	Compartments int
	FiveWire     bool
	Ground       string
	TankTable    string
	DeadmanMode  string
	AuthMode     string
	Sim          bool
}

// EventCounts tallies lifecycle events since startup.
type EventCounts struct {
	Visits        int
	PermitsOn     int
	DeadmanFaults int
	ShortLatches  int
	DomeOuts      int
	AcqFaults     int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Rack          lifecycle.Snapshot
	Ready         bool
	Counts        EventCounts
	LastEvent     *lifecycle.Event
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	subs map[chan struct{}]struct{}
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		subs: make(map[chan struct{}]struct{}),
	}
}

// Update stores the controller snapshot. Called from runLoop on every tick.
func (t *Tracker) Update(rack lifecycle.Snapshot) {
	t.mu.Lock()
	changed := !t.snap.Ready || rack.Main != t.snap.Rack.Main ||
		rack.Truck != t.snap.Rack.Truck || rack.Tank != t.snap.Rack.Tank ||
		rack.Permit != t.snap.Rack.Permit || rack.Probes != t.snap.Rack.Probes ||
		rack.Deadman != t.snap.Rack.Deadman
	t.snap.Rack = rack
	t.snap.Ready = true
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

// Record folds the events of one tick into the counters.
func (t *Tracker) Record(events []lifecycle.Event) {
	if len(events) == 0 {
		return
	}
	t.mu.Lock()
	for _, e := range events {
		switch e.Kind {
		case lifecycle.EventMain:
			if e.To == string(lifecycle.Acquire) {
				t.snap.Counts.Visits++
			}
		case lifecycle.EventPermit:
			if e.To == "ON" {
				t.snap.Counts.PermitsOn++
			}
		case lifecycle.EventDeadman:
			if e.To == "FAULT" {
				t.snap.Counts.DeadmanFaults++
			}
		case lifecycle.EventShortLatch:
			t.snap.Counts.ShortLatches++
		case lifecycle.EventDomeOut:
			t.snap.Counts.DomeOuts++
		case lifecycle.EventAcqFault:
			if e.To == "FAULT" {
				t.snap.Counts.AcqFaults++
			}
		}
	}
	last := events[len(events)-1]
	t.snap.LastEvent = &last
	t.mu.Unlock()
	t.notify()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}

// Subscribe returns a channel that receives a value whenever the rack
// state changes. Notifications coalesce; a slow reader sees one pending
// signal. Call the returned function to unsubscribe.
func (t *Tracker) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	return ch, func() {
		t.mu.Lock()
		delete(t.subs, ch)
		t.mu.Unlock()
	}
}

func (t *Tracker) notify() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for ch := range t.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
