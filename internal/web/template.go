package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/rack-monitor/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateClass": func(v any) string {
		switch fmt.Sprint(v) {
		case "DRY", "ON", "OK", "CLOSED", "IDLE", "ACTIVE":
			return "ok"
		case "", "UNKNOWN", "INIT":
			return "unknown"
		}
		return "bad"
	},
	"onOff": func(b bool) string {
		if b {
			return "ON"
		}
		return "OFF"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Rack Monitor</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.ok { color: green; font-weight: bold; }
.bad { color: red; font-weight: bold; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Rack Monitor<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Rack</h2>
<table>
<tr><th>State</th><td id="main" class="{{stateClass .Rack.Main}}">{{.Rack.Main}}</td></tr>
<tr><th>Truck</th><td id="truck">{{.Rack.Truck}}</td></tr>
<tr><th>Tank</th><td id="tank" class="{{stateClass .Rack.Tank}}">{{.Rack.Tank}}</td></tr>
<tr><th>Permit</th><td id="permit" class="{{stateClass (onOff .Rack.Permit)}}">{{onOff .Rack.Permit}}</td></tr>
<tr><th>Deadman</th><td id="deadman" class="{{if .Rack.Deadman.Fault}}bad{{else}}{{stateClass .Rack.Deadman.Switch}}{{end}}">{{.Rack.Deadman.Switch}}{{if .Rack.Deadman.Fault}} FAULT{{end}}</td></tr>
{{if .Rack.Session}}<tr><th>Session</th><td id="session">{{.Rack.Session}}</td></tr>{{end}}
{{if .Rack.Serial}}<tr><th>TIM</th><td>{{.Rack.Serial}}{{if not .Rack.Authorized}} (denied){{end}}</td></tr>{{end}}
{{if .Rack.SmartProbe}}<tr><th>Smart probe</th><td>yes</td></tr>{{end}}
{{if .Rack.Maintenance}}<tr><th>Maintenance</th><td class="bad">required</td></tr>{{end}}
{{if .Rack.DiagFault}}<tr><th>Diagnostic</th><td class="bad">{{.Rack.DiagFault}}</td></tr>{{end}}
{{if .Rack.AcqFault}}<tr><th>Acquisition</th><td class="bad">FAULT</td></tr>{{end}}
</table>

<h2>Compartments</h2>
<table id="compartments">
{{range .Compartments}}<tr><th>{{.Compartment}} (ch {{.Channel}})</th><td class="{{stateClass .State}}">{{.State}}</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Visits</th><td>{{.Counts.Visits}}</td></tr>
<tr><th>Permits</th><td>{{.Counts.PermitsOn}}</td></tr>
<tr><th>Dome outs</th><td>{{.Counts.DomeOuts}}</td></tr>
<tr><th>Short latches</th><td>{{.Counts.ShortLatches}}</td></tr>
<tr><th>Deadman faults</th><td>{{.Counts.DeadmanFaults}}</td></tr>
<tr><th>Acquisition faults</th><td>{{.Counts.AcqFaults}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Compartments</th><td>{{.Config.Compartments}}{{if .Config.FiveWire}}, five-wire{{end}}</td></tr>
<tr><th>Ground</th><td>{{.Config.Ground}}</td></tr>
<tr><th>Deadman mode</th><td>{{.Config.DeadmanMode}}</td></tr>
<tr><th>Auth</th><td>{{.Config.AuthMode}}</td></tr>
<tr><th>Store</th><td>{{.Config.Store}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
{{if .Config.Sim}}<tr><th>Rig</th><td class="unknown">simulated</td></tr>{{end}}
</table>

<p><a href="/index.json">JSON</a> <a href="/events.json">Events</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }
  function cls(s) {
    if (["DRY", "ON", "CLOSED", "IDLE", "ACTIVE"].indexOf(s) >= 0) return "ok";
    if (!s || s === "UNKNOWN" || s === "INIT") return "unknown";
    return "bad";
  }
  function set(id, text) {
    var el = document.getElementById(id);
    if (el) { el.textContent = text; el.className = cls(text); }
  }
  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() { setDot("err", "offline"); setTimeout(connect, 5000); };
    ws.onmessage = function(ev) {
      try {
        var r = JSON.parse(ev.data).status.rack;
        set("main", r.main);
        document.getElementById("truck").textContent = r.truck;
        set("tank", r.tank);
        set("permit", r.permit ? "ON" : "OFF");
        set("deadman", r.deadman.switch + (r.deadman.fault ? " FAULT" : ""));
        if (r.deadman.fault) document.getElementById("deadman").className = "bad";
        var rows = document.getElementById("compartments").rows;
        for (var i = 0; i < r.compartments.length && i < rows.length; i++) {
          var td = rows[i].cells[1];
          td.textContent = r.compartments[i].state;
          td.className = cls(r.compartments[i].state);
        }
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime       time.Duration
		Compartments []status.CompartmentJSON
	}{
		Snapshot:     snap,
		Uptime:       snap.Uptime(),
		Compartments: status.Compartments(snap.Rack.Compartments, snap.Rack.Probes),
	}
	indexTmpl.Execute(w, data)
}
