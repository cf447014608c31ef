package tracking

import "time"

// EventType names what happened to a batch.
type EventType string

const (
	EventSubmitted      EventType = "batch.submitted"
	EventResubmitted    EventType = "batch.resubmitted"
	EventExecProgress   EventType = "batch.exec_progress"
	EventExecConfirmed  EventType = "batch.exec_confirmed"
	EventAnchorProgress EventType = "batch.anchor_progress"
	EventSettled        EventType = "batch.settled"
	EventFailed         EventType = "batch.failed"
	EventTimedOut       EventType = "batch.timed_out"
)

// Event is a structured observation of tracker activity.
type Event struct {
	Type        EventType
	BatchID     string
	Stage       Stage
	Units       []string
	ExecDepth   uint64
	AnchorDepth uint64
	Attempt     int
	Err         error
	At          time.Time
}

// NewEvent builds an event from the current progress.
func NewEvent(typ EventType, p Progress, units []string, at time.Time) Event {
	return Event{
		Type:        typ,
		BatchID:     p.BatchID,
		Stage:       p.Stage,
		Units:       units,
		ExecDepth:   p.ExecDepth,
		AnchorDepth: p.AnchorDepth,
		Attempt:     p.Attempts,
		At:          at,
	}
}

// WithErr returns a copy of the event carrying err.
func (e Event) WithErr(err error) Event {
	e.Err = err
	return e
}
