package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/rack-monitor/internal/probe"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Rack          RackJSON     `json:"rack"`
	Ready         bool         `json:"ready"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"event_counts"`
	LastEvent     *EventJSON   `json:"last_event,omitempty"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// RackJSON is the controller view.
type RackJSON struct {
	Main         string            `json:"main"`
	Session      string            `json:"session,omitempty"`
	SessionStart string            `json:"session_start,omitempty"`
	Truck        string            `json:"truck"`
	Tank         string            `json:"tank"`
	Acquire      string            `json:"acquire"`
	TwoWire      string            `json:"two_wire"`
	FiveWire     string            `json:"five_wire"`
	Permit       bool              `json:"permit"`
	Authorized   bool              `json:"authorized"`
	Serial       string            `json:"serial,omitempty"`
	Compartments []CompartmentJSON `json:"compartments"`
	FiveWireHint int               `json:"five_wire_hint,omitempty"`
	Deadman      DeadmanJSON       `json:"deadman"`
	Flags        FlagsJSON         `json:"flags"`
	DiagFault    string            `json:"diag_fault,omitempty"`
}

// CompartmentJSON is one active probe channel. Compartment numbers start
// at 1 on the first channel in service.
type CompartmentJSON struct {
	Compartment int    `json:"compartment"`
	Channel     int    `json:"channel"`
	State       string `json:"state"`
}

// DeadmanJSON reports the deadman switch monitor.
type DeadmanJSON struct {
	Switch     string `json:"switch"`
	OpenTicks  int    `json:"open_ticks"`
	CloseTicks int    `json:"close_ticks"`
	Flash      string `json:"flash"`
	Fault      bool   `json:"fault"`
}

// FlagsJSON carries the boolean station flags.
type FlagsJSON struct {
	SmartProbe  bool `json:"smart_probe"`
	Maintenance bool `json:"maintenance"`
	JumpStart   bool `json:"jump_start"`
	Bolt        bool `json:"bolt"`
	TIM         bool `json:"tim"`
	AcqFault    bool `json:"acq_fault"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Visits        int `json:"visits"`
	PermitsOn     int `json:"permits_on"`
	DeadmanFaults int `json:"deadman_faults"`
	ShortLatches  int `json:"short_latches"`
	DomeOuts      int `json:"dome_outs"`
	AcqFaults     int `json:"acq_faults"`
}

// EventJSON is the most recent lifecycle event.
type EventJSON struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs       int64  `json:"poll_ms"`
	HeartbeatMs  int64  `json:"heartbeat_ms"`
	Broker       string `json:"broker"`
	HTTPAddr     string `json:"http_addr"`
	Store        string `json:"store"`
	Compartments int    `json:"compartments"`
	FiveWire     bool   `json:"five_wire"`
	Ground       string `json:"ground"`
	TankTable    string `json:"tank_table"`
	DeadmanMode  string `json:"deadman_mode"`
	AuthMode     string `json:"auth_mode"`
	Sim          bool   `json:"sim,omitempty"`
}

func orUnknown(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}

// Compartments lists the active channels of a rack snapshot.
func Compartments(count probe.CompartmentCount, probes [probe.NumChannels]probe.ProbeState) []CompartmentJSON {
	start := count.StartPoint()
	out := make([]CompartmentJSON, 0, probe.NumChannels-start)
	for ch := start; ch < probe.NumChannels; ch++ {
		out = append(out, CompartmentJSON{
			Compartment: ch - start + 1,
			Channel:     ch + 1,
			State:       probes[ch].String(),
		})
	}
	return out
}

func buildRack(snap Snapshot) RackJSON {
	r := snap.Rack
	rack := RackJSON{
		Main:         orUnknown(string(r.Main)),
		Session:      r.Session,
		Truck:        orUnknown(string(r.Truck)),
		Tank:         orUnknown(string(r.Tank)),
		Acquire:      orUnknown(string(r.Acquire)),
		TwoWire:      orUnknown(string(r.TwoWire)),
		FiveWire:     orUnknown(string(r.FiveWire)),
		Permit:       r.Permit,
		Authorized:   r.Authorized,
		Serial:       r.Serial,
		Compartments: Compartments(r.Compartments, r.Probes),
		FiveWireHint: r.FiveWireHint,
		Deadman: DeadmanJSON{
			Switch:     orUnknown(string(r.Deadman.Switch)),
			OpenTicks:  r.Deadman.OpenTicks,
			CloseTicks: r.Deadman.CloseTicks,
			Flash:      orUnknown(string(r.Deadman.Flash)),
			Fault:      r.Deadman.Fault,
		},
		Flags: FlagsJSON{
			SmartProbe:  r.SmartProbe,
			Maintenance: r.Maintenance,
			JumpStart:   r.JumpStart,
			Bolt:        r.Bolt,
			TIM:         r.TIM,
			AcqFault:    r.AcqFault,
		},
		DiagFault: r.DiagFault,
	}
	if !r.SessionStart.IsZero() {
		rack.SessionStart = r.SessionStart.UTC().Format(time.RFC3339)
	}
	return rack
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Rack:          buildRack(snap),
		Ready:         snap.Ready,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Visits:        snap.Counts.Visits,
			PermitsOn:     snap.Counts.PermitsOn,
			DeadmanFaults: snap.Counts.DeadmanFaults,
			ShortLatches:  snap.Counts.ShortLatches,
			DomeOuts:      snap.Counts.DomeOuts,
			AcqFaults:     snap.Counts.AcqFaults,
		},
		Config: ConfigJSON{
			PollMs:       snap.Config.PollMs,
			HeartbeatMs:  snap.Config.HeartbeatMs,
			Broker:       snap.Config.Broker,
			HTTPAddr:     snap.Config.HTTPAddr,
			Store:        snap.Config.Store,
			Compartments: snap.Config.Compartments,
			FiveWire:     snap.Config.FiveWire,
			Ground:       snap.Config.Ground,
			TankTable:    snap.Config.TankTable,
			DeadmanMode:  snap.Config.DeadmanMode,
			AuthMode:     snap.Config.AuthMode,
			Sim:          snap.Config.Sim,
		},
	}
	if e := snap.LastEvent; e != nil {
		inner.LastEvent = &EventJSON{
			Timestamp: e.Time.UTC().Format(time.RFC3339Nano),
			Kind:      string(e.Kind),
			From:      e.From,
			To:        e.To,
			Detail:    e.Detail,
		}
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatCompact returns the status as a single line, for the websocket feed.
func FormatCompact(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
