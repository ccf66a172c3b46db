package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/sweeney/rack-monitor/internal/lifecycle"
	"github.com/sweeney/rack-monitor/internal/probe"
	"github.com/sweeney/rack-monitor/internal/status"
	"github.com/sweeney/rack-monitor/internal/store"
)

var testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newServer(events EventLog) (*Server, *status.Tracker) {
	cfg := status.Config{
		PollMs:       1,
		HeartbeatMs:  900000,
		Broker:       "tcp://192.168.1.200:1883",
		HTTPAddr:     ":80",
		Store:        "memory",
		Compartments: 8,
		Ground:       "none",
		DeadmanMode:  "none",
		AuthMode:     "none",
	}
	tr := status.NewTracker(testStart, cfg)
	return New(":0", tr, events), tr
}

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker) {
	t.Helper()
	srv, tr := newServer(nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, tr
}

func idleRack() lifecycle.Snapshot {
	r := lifecycle.Snapshot{
		Main:         lifecycle.Idle,
		Truck:        probe.TruckUnknown,
		Tank:         probe.TankInit,
		Compartments: probe.Compartments8,
	}
	return r
}

func permittingRack() lifecycle.Snapshot {
	r := idleRack()
	r.Main = lifecycle.Active
	r.Session = "5b0f1e0e-8a51-4a44-9f5e-0e3c8f1d2a77"
	r.Truck = probe.TruckOpticTwo
	r.Tank = probe.TankDry
	r.Permit = true
	for ch := range r.Probes {
		r.Probes[ch] = probe.ProbeDry
	}
	return r
}

func getStatus(t *testing.T, url string) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(url + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()
	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(permittingRack())
	tr.Record([]lifecycle.Event{{Kind: lifecycle.EventMain, From: "IDLE", To: "ACQUIRE"}})
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}

	if sj.Status.Rack.Main != "ACTIVE" {
		t.Errorf("Main: got %q, want ACTIVE", sj.Status.Rack.Main)
	}
	if !sj.Status.Rack.Permit {
		t.Error("expected Permit=true")
	}
	if len(sj.Status.Rack.Compartments) != 8 {
		t.Errorf("Compartments: got %d, want 8", len(sj.Status.Rack.Compartments))
	}
	if !sj.Status.Ready {
		t.Error("expected Ready=true")
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.MQTT.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("MQTT.Broker: got %q, want tcp://192.168.1.200:1883", sj.Status.MQTT.Broker)
	}
	if sj.Status.Counts.Visits != 1 {
		t.Errorf("Counts.Visits: got %d, want 1", sj.Status.Counts.Visits)
	}
	if sj.Status.Config.Compartments != 8 {
		t.Errorf("Config.Compartments: got %d, want 8", sj.Status.Config.Compartments)
	}
}

func TestJSONUnknownStateBeforeFirstTick(t *testing.T) {
	ts, _ := newTestServer(t)

	sj := getStatus(t, ts.URL)
	if sj.Status.Rack.Main != "UNKNOWN" {
		t.Errorf("Main before first tick: got %q, want UNKNOWN", sj.Status.Rack.Main)
	}
	if sj.Status.Ready {
		t.Error("expected Ready=false before first tick")
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "MyNet",
	})

	sj := getStatus(t, ts.URL)
	if sj.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Status.Network.IP)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr := newTestServer(t)
	r := permittingRack()
	r.Probes[7] = probe.ProbeWet
	tr.Update(r)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	page := body.String()
	for _, want := range []string{
		`<td id="main" class="ok">ACTIVE</td>`,
		`<td id="tank" class="ok">DRY</td>`,
		`<td id="permit" class="ok">ON</td>`,
		`<th>8 (ch 8)</th><td class="bad">WET</td>`,
		r.Session,
	} {
		if !strings.Contains(page, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/index.json", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t)

	if sj := getStatus(t, ts.URL); sj.Status.Ready {
		t.Error("expected Ready=false initially")
	}

	tr.Update(idleRack())
	tr.SetMQTTConnected(true)

	sj := getStatus(t, ts.URL)
	if !sj.Status.Ready {
		t.Error("expected Ready=true after update")
	}
	if sj.Status.Rack.Main != "IDLE" {
		t.Errorf("Main: got %q, want IDLE", sj.Status.Rack.Main)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT connected after update")
	}
}

func TestEventsEndpoint(t *testing.T) {
	log := store.NewMemory(store.LogCapacity)
	ctx := context.Background()
	for i, kind := range []string{"MAIN", "TRUCK", "PERMIT"} {
		if err := log.Append(ctx, store.Record{Time: testStart.Add(time.Duration(i) * time.Second), Kind: kind}); err != nil {
			t.Fatal(err)
		}
	}
	srv, _ := newServer(log)
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	tests := []struct {
		query string
		code  int
		kinds []string
	}{
		{"", 200, []string{"PERMIT", "TRUCK", "MAIN"}},
		{"?n=2", 200, []string{"PERMIT", "TRUCK"}},
		{"?n=100000", 200, []string{"PERMIT", "TRUCK", "MAIN"}},
		{"?n=0", 400, nil},
		{"?n=abc", 400, nil},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + "/events.json" + tt.query)
		if err != nil {
			t.Fatalf("GET /events.json%s: %v", tt.query, err)
		}
		if resp.StatusCode != tt.code {
			t.Errorf("%q: status %d, want %d", tt.query, resp.StatusCode, tt.code)
		}
		if tt.code == 200 {
			var ej EventsJSON
			if err := json.NewDecoder(resp.Body).Decode(&ej); err != nil {
				t.Fatalf("decode: %v", err)
			}
			var got []string
			for _, r := range ej.Events {
				got = append(got, r.Kind)
			}
			if strings.Join(got, ",") != strings.Join(tt.kinds, ",") {
				t.Errorf("%q: kinds %v, want %v", tt.query, got, tt.kinds)
			}
		}
		resp.Body.Close()
	}
}

func TestEventsEndpointWithoutLog(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/events.json")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var raw map[string][]store.Record
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatal(err)
	}
	if evs, ok := raw["events"]; !ok || evs == nil || len(evs) != 0 {
		t.Errorf("events: got %v, want an empty list", raw)
	}
}

type brokenLog struct{}

func (brokenLog) Recent(ctx context.Context, n int) ([]store.Record, error) {
	return nil, errors.New("connection refused")
}

func TestEventsEndpointLogError(t *testing.T) {
	srv, _ := newServer(brokenLog{})
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events.json")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", resp.StatusCode)
	}
}

func dialFeed(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) status.StatusJSON {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var sj status.StatusJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return sj
}

func TestWebsocketFeed(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, tr := newServer(nil)
	tr.Update(idleRack())
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	conn := dialFeed(t, ts)
	defer conn.Close()

	if sj := readStatus(t, conn); sj.Status.Rack.Main != "IDLE" {
		t.Errorf("initial push: Main %q, want IDLE", sj.Status.Rack.Main)
	}

	tr.Update(permittingRack())
	sj := readStatus(t, conn)
	if sj.Status.Rack.Main != "ACTIVE" || !sj.Status.Rack.Permit {
		t.Errorf("update push: Main %q permit %v", sj.Status.Rack.Main, sj.Status.Rack.Permit)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestWebsocketClosedOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, tr := newServer(nil)
	tr.Update(idleRack())
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	conn := dialFeed(t, ts)
	defer conn.Close()
	readStatus(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown: got %v, want going away", err)
	}

	// Shutdown is idempotent and refuses new feeds.
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestWebsocketClientDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, tr := newServer(nil)
	tr.Update(idleRack())
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	conn := dialFeed(t, ts)
	readStatus(t, conn)
	conn.Close()

	// The feed notices the closed socket and unregisters.
	done := make(chan struct{})
	go func() {
		srv.feeds.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not exit after the client went away")
	}
}
