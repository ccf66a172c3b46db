package lifecycle

import (
	"time"

	"github.com/sweeney/rack-monitor/internal/store"
)

// EventKind classifies a lifecycle event.
type EventKind string

const (
	EventMain        EventKind = "MAIN"
	EventTruck       EventKind = "TRUCK"
	EventTank        EventKind = "TANK"
	EventPermit      EventKind = "PERMIT"
	EventDeadman     EventKind = "DEADMAN"
	EventSmartProbe  EventKind = "SMART_PROBE"
	EventAuth        EventKind = "AUTH"
	EventDiagnostic  EventKind = "DIAGNOSTIC"
	EventAcqFault    EventKind = "ACQ_FAULT"
	EventDomeOut     EventKind = "DOME_OUT"
	EventShortLatch  EventKind = "SHORT_LATCH"
	EventMaintenance EventKind = "MAINTENANCE"
	EventJumpStart   EventKind = "JUMP_START"
	EventFiveWire    EventKind = "FIVE_WIRE_FALLTHROUGH"
)

// Event is a state change or occurrence produced by Step.
type Event struct {
	Time    time.Time
	Kind    EventKind
	Session string
	From    string
	To      string
	Detail  string
}

// Record converts the event for the persistent event log.
func (e Event) Record() store.Record {
	return store.Record{
		Time:    e.Time,
		Kind:    string(e.Kind),
		Session: e.Session,
		From:    e.From,
		To:      e.To,
		Detail:  e.Detail,
	}
}
