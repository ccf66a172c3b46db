// Command rack-monitor runs the overfill and grounding controller for a
// loading rack: it drives the probe channels, decides the loading permit
// and publishes lifecycle events to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sweeney/rack-monitor/internal/deadman"
	"github.com/sweeney/rack-monitor/internal/hw"
	"github.com/sweeney/rack-monitor/internal/identity"
	"github.com/sweeney/rack-monitor/internal/lifecycle"
	"github.com/sweeney/rack-monitor/internal/mqtt"
	"github.com/sweeney/rack-monitor/internal/probe"
	"github.com/sweeney/rack-monitor/internal/status"
	"github.com/sweeney/rack-monitor/internal/store"
	"github.com/sweeney/rack-monitor/internal/web"
)

// options holds the parsed command line.
type options struct {
	poll      time.Duration
	heartbeat time.Duration
	broker    string
	clientID  string
	httpAddr  string
	storeURL  string

	serialDev string
	baud      int
	gpioChip  string
	w1Root    string

	compartments    int
	fiveWire        bool
	ground          string
	tankTable       string
	skipActiveShort bool

	deadmanMode string
	maxOpen     int
	maxClose    int
	warnClose   int

	authMode string
	allow    string

	sim      bool
	simTruck string
	simVisit time.Duration
	simGap   time.Duration
}

func main() {
	dm := deadman.DefaultConfig()
	var o options
	flag.DurationVar(&o.poll, "poll", time.Millisecond, "Main loop interval (one acquisition sample per tick)")
	flag.DurationVar(&o.heartbeat, "heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	flag.StringVar(&o.broker, "broker", "tcp://192.168.1.200:1883", "MQTT broker address")
	flag.StringVar(&o.clientID, "client-id", "rack-monitor", "MQTT client ID")
	flag.StringVar(&o.httpAddr, "http", ":80", "HTTP status address (empty to disable)")
	flag.StringVar(&o.storeURL, "store", "memory", `Parameter and event log store ("memory" or a redis:// URL)`)
	flag.StringVar(&o.serialDev, "serial", "/dev/ttyAMA0", "Serial device of the ADC front end")
	flag.IntVar(&o.baud, "baud", 460800, "ADC serial baud rate")
	flag.StringVar(&o.gpioChip, "gpio-chip", hw.DefaultPins().Chip, "GPIO character device")
	flag.StringVar(&o.w1Root, "w1-root", identity.DefaultW1Root, "w1 sysfs directory for the TIM reader")
	flag.IntVar(&o.compartments, "compartments", int(probe.Compartments8), "Compartments served by the rack (6 or 8)")
	flag.BoolVar(&o.fiveWire, "fivewire", true, "Accept five-wire optic trucks")
	flag.StringVar(&o.ground, "ground", string(probe.GroundNone), `Ground verification ("none" or "bolt")`)
	flag.StringVar(&o.tankTable, "tank-table", string(probe.TableFixed), `Five-wire tank sizing ("fixed" or "dynamic")`)
	flag.BoolVar(&o.skipActiveShort, "skip-active-short", false, "Disable the active short audit (bench only; the board jumper also sets this)")
	flag.StringVar(&o.deadmanMode, "deadman", string(dm.Mode), `Deadman mode ("disabled", "standard" or "active")`)
	flag.IntVar(&o.maxOpen, "deadman-max-open", dm.MaxOpen, "Deadman ticks the switch may stay open")
	flag.IntVar(&o.maxClose, "deadman-max-close", dm.MaxClose, "Deadman ticks the switch may stay closed (active mode)")
	flag.IntVar(&o.warnClose, "deadman-warn", dm.WarnClose, "Deadman closed ticks before the warning flash (active mode)")
	flag.StringVar(&o.authMode, "auth", string(identity.ModeNone), `Truck authorization ("none", "tim" or "datestamp")`)
	flag.StringVar(&o.allow, "allow", "", "Comma separated TIM serials allowed to load (empty allows any)")
	flag.BoolVar(&o.sim, "sim", false, "Run against the simulated rack instead of hardware")
	flag.StringVar(&o.simTruck, "sim-truck", string(hw.TruckOptic), "Simulated truck model")
	flag.DurationVar(&o.simVisit, "sim-visit", time.Minute, "Simulated time a truck stays connected")
	flag.DurationVar(&o.simGap, "sim-gap", 20*time.Second, "Simulated time between trucks")

	flag.Parse()

	if err := run(o); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// stationConfig validates the rack configuration flags.
func stationConfig(o options) (probe.Config, deadman.Config, identity.Mode, error) {
	cfg := probe.DefaultConfig()
	switch c := probe.CompartmentCount(o.compartments); c {
	case probe.Compartments6, probe.Compartments8:
		cfg.Compartments = c
	default:
		return cfg, deadman.Config{}, "", fmt.Errorf("compartments must be 6 or 8, got %d", o.compartments)
	}
	cfg.FiveWire = o.fiveWire
	switch g := probe.GroundMode(o.ground); g {
	case probe.GroundNone, probe.GroundBolt:
		cfg.Ground = g
	default:
		return cfg, deadman.Config{}, "", fmt.Errorf("unknown ground mode %q", o.ground)
	}
	switch m := probe.TankTableMode(o.tankTable); m {
	case probe.TableFixed, probe.TableDynamic:
		cfg.TankTable = m
	default:
		return cfg, deadman.Config{}, "", fmt.Errorf("unknown tank table %q", o.tankTable)
	}
	cfg.Debug.SkipActiveShort = o.skipActiveShort

	dm := deadman.DefaultConfig()
	mode, err := deadman.ParseMode(o.deadmanMode)
	if err != nil {
		return cfg, dm, "", err
	}
	dm.Mode = mode
	dm.MaxOpen, dm.MaxClose, dm.WarnClose = o.maxOpen, o.maxClose, o.warnClose
	if dm.Mode == deadman.Active && dm.WarnClose >= dm.MaxClose {
		return cfg, dm, "", fmt.Errorf("deadman warn (%d) must be below max close (%d)", dm.WarnClose, dm.MaxClose)
	}

	auth, err := identity.ParseMode(o.authMode)
	if err != nil {
		return cfg, dm, "", err
	}
	return cfg, dm, auth, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, strings.ToLower(f))
		}
	}
	return out
}

func run(o options) error {
	cfg, dmCfg, authMode, err := stationConfig(o)
	if err != nil {
		return err
	}

	// Persistent parameters and the event log
	st, err := store.Open(o.storeURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	params, seeded, err := store.LoadOrSeed(context.Background(), st)
	if err != nil {
		return fmt.Errorf("load parameters: %w", err)
	}
	if seeded {
		log.Printf("store: seeded default parameters")
	}

	deps := lifecycle.Deps{
		Config:  cfg,
		Params:  params,
		Deadman: dmCfg,
	}
	var visits *simVisits

	if o.sim {
		rig := hw.NewSim(time.Now())
		visits, err = newSimVisits(rig, hw.TruckModel(o.simTruck), cfg.Compartments, o.simVisit, o.simGap)
		if err != nil {
			return err
		}
		deps.Rig = rig.Rig()
		deps.Relay = rig
		deps.Checks = []lifecycle.Check{{Name: "relay", Run: rig.CheckRelay, Gone: true}}
		if authMode != identity.ModeNone {
			reader := &identity.FakeReader{Cred: identity.Credential{Serial: "sim0001", DateStamp: time.Now().AddDate(1, 0, 0)}}
			deps.Auth = identity.NewAuthorizer(authMode, reader, rig.Now, splitList(o.allow))
		}
		log.Printf("sim: %s trucks, %v on the rack, %v apart", o.simTruck, o.simVisit, o.simGap)
	} else {
		pins := hw.DefaultPins()
		pins.Chip = o.gpioChip
		rig, err := hw.NewLinuxRig(pins)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer rig.Close()

		if jumper, err := rig.SkipActiveShort(); err != nil {
			log.Printf("debug jumper: %v", err)
		} else if jumper {
			log.Printf("debug jumper fitted: active short audit disabled")
			deps.Config.Debug.SkipActiveShort = true
		}

		adc, err := hw.OpenSerialADC(o.serialDev, o.baud)
		if err != nil {
			return fmt.Errorf("init adc: %w", err)
		}
		defer adc.Close()

		auth := identity.NewAuthorizer(authMode, identity.W1Reader{Root: o.w1Root}, time.Now, splitList(o.allow))
		deps.Rig = probe.Rig{Acq: adc, Drive: rig, Clock: hw.SystemClock{}, TIM: auth}
		deps.Relay = rig
		deps.Auth = auth
		deps.Checks = []lifecycle.Check{
			{Name: "relay", Run: rig.CheckRelay, Gone: true},
			{Name: "outputs", Run: rig.Err},
		}
		if exe, err := os.Executable(); err == nil {
			crc := hw.NewFirmwareCRC(exe, 0)
			deps.Checks = append(deps.Checks, lifecycle.Check{Name: "firmware", Run: crc.Step})
		} else {
			log.Printf("firmware check disabled: %v", err)
		}
	}

	ctrl := lifecycle.New(deps)
	defer ctrl.Close()

	// Initialize MQTT
	publisher := mqtt.NewRealPublisher(o.broker, o.clientID)
	defer publisher.Close()

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		PollMs:       o.poll.Milliseconds(),
		HeartbeatMs:  o.heartbeat.Milliseconds(),
		Broker:       o.broker,
		HTTPAddr:     o.httpAddr,
		Store:        storeName(o.storeURL),
		Compartments: int(cfg.Compartments),
		FiveWire:     cfg.FiveWire,
		Ground:       string(cfg.Ground),
		TankTable:    string(cfg.TankTable),
		DeadmanMode:  string(dmCfg.Mode),
		AuthMode:     string(authMode),
		Sim:          o.sim,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	tracker.Update(ctrl.Snapshot())

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	// Start HTTP status server
	if o.httpAddr != "" {
		srv := web.New(o.httpAddr, tracker, st)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http server error: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		log.Printf("http status server listening on %s", o.httpAddr)
	}

	log.Printf("started: compartments=%d fivewire=%v ground=%s deadman=%s auth=%s broker=%s heartbeat=%v",
		cfg.Compartments, cfg.FiveWire, cfg.Ground, dmCfg.Mode, authMode, o.broker, o.heartbeat)

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var c controller = ctrl
	if visits != nil {
		c = visits.wrap(ctrl)
	}
	return runLoop(c, st, publisher, publisher, tracker, o.heartbeat, time.Now, ticker.C, sigCh)
}

// controller is the part of the lifecycle controller the main loop drives.
type controller interface {
	Step() []lifecycle.Event
	Snapshot() lifecycle.Snapshot
}

// eventLog is the write side of the persistent event log.
type eventLog interface {
	Append(ctx context.Context, r store.Record) error
}

// appendTimeout bounds one event log write.
const appendTimeout = 200 * time.Millisecond

func runLoop(ctrl controller, events eventLog, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	lastBeat := now()
	logFailing := false

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case <-tick:
			t := now()
			evs := ctrl.Step()

			for _, e := range evs {
				logEvent(e)
				if events != nil {
					ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
					err := events.Append(ctx, e.Record())
					cancel()
					if err != nil && !logFailing {
						log.Printf("event log error: %v", err)
					}
					logFailing = err != nil
				}
				if err := publisher.Publish(e); err != nil {
					log.Printf("publish error: %v", err)
					// Don't stop the rack on publish failure
				}
			}

			// Update status tracker for HTTP and heartbeat consumers
			if tracker != nil {
				tracker.Record(evs)
				tracker.Update(ctrl.Snapshot())
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
			}

			if heartbeat > 0 && t.Sub(lastBeat) >= heartbeat {
				lastBeat = t
				hbEvent := mqtt.SystemEvent{
					Timestamp: t,
					Event:     "HEARTBEAT",
				}
				if tracker != nil {
					// Refresh network info for heartbeat
					if net := readNetworkInfo(); net != nil {
						tracker.SetNetwork(net)
					}
					snap := tracker.Snapshot()
					log.Printf("heartbeat: uptime=%v main=%s visits=%d permits=%d",
						snap.Uptime().Truncate(time.Second), snap.Rack.Main, snap.Counts.Visits, snap.Counts.PermitsOn)
					hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
				}
				if err := publisher.PublishSystem(hbEvent); err != nil {
					log.Printf("heartbeat publish error: %v", err)
				}
			}
		}
	}
}

func logEvent(e lifecycle.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s", e.Kind)
	if e.From != "" || e.To != "" {
		fmt.Fprintf(&b, " %s->%s", e.From, e.To)
	}
	if e.Session != "" {
		fmt.Fprintf(&b, " session=%s", e.Session)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, " %s", e.Detail)
	}
	log.Print(b.String())
}

// storeName hides credentials in a redis URL for display.
func storeName(backend string) string {
	if i := strings.Index(backend, "@"); i >= 0 {
		if j := strings.Index(backend, "://"); j >= 0 && j < i {
			return backend[:j+3] + "***" + backend[i:]
		}
	}
	if backend == "" {
		return "memory"
	}
	return backend
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
