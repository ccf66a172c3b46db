package main

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sweeney/rack-monitor/internal/hw"
	"github.com/sweeney/rack-monitor/internal/lifecycle"
	"github.com/sweeney/rack-monitor/internal/probe"
)

// simVisits plays a stream of trucks against the simulated rack, timed on
// the rig clock: each truck is connected, bolted and on the deadman for
// visit, then leaves for gap.
type simVisits struct {
	rig       *hw.SimRig
	model     hw.TruckModel
	count     probe.CompartmentCount
	visit     time.Duration
	gap       time.Duration
	connected bool
	next      time.Time
	trucks    int
}

func newSimVisits(rig *hw.SimRig, model hw.TruckModel, count probe.CompartmentCount, visit, gap time.Duration) (*simVisits, error) {
	switch model {
	case hw.TruckNone, hw.TruckOptic, hw.TruckThermal, hw.TruckFiveWire, hw.TruckAdapter, hw.TruckShortPair:
	default:
		return nil, fmt.Errorf("unknown sim truck %q", model)
	}
	if visit <= 0 || gap <= 0 {
		return nil, errors.New("sim visit and gap must be positive")
	}
	return &simVisits{
		rig:   rig,
		model: model,
		count: count,
		visit: visit,
		gap:   gap,
		next:  rig.Now().Add(gap),
	}, nil
}

// Step connects or removes the truck when its time comes.
func (v *simVisits) Step() {
	if v.rig.Now().Before(v.next) {
		return
	}
	if v.connected {
		v.rig.Disconnect()
		v.setTruckSignals(false)
		v.connected = false
		v.next = v.rig.Now().Add(v.gap)
		return
	}
	if err := v.rig.Connect(v.model, v.count); err != nil {
		log.Printf("sim: %v", err)
	}
	v.setTruckSignals(true)
	v.connected = true
	v.trucks++
	v.next = v.rig.Now().Add(v.visit)
}

func (v *simVisits) setTruckSignals(on bool) {
	v.rig.SetBolt(on)
	v.rig.SetDeadman(on)
	v.rig.SetTIM(on)
}

// wrap returns a controller that advances the visits before every step.
func (v *simVisits) wrap(c controller) controller {
	return simController{controller: c, visits: v}
}

type simController struct {
	controller
	visits *simVisits
}

func (s simController) Step() []lifecycle.Event {
	s.visits.Step()
	return s.controller.Step()
}
