package orchestrator

import "time"

type EventKind string

const (
	EventState     EventKind = "state"
	EventSlot      EventKind = "slot"
	EventClaimed   EventKind = "claimed"
	EventOutput    EventKind = "output"
	EventMerge     EventKind = "merge"
	EventReleased  EventKind = "released"
	EventHeartbeat EventKind = "heartbeat_lost"
	EventError     EventKind = "error"
)

// Event is a progress notification. Delivery is best effort: events are
// dropped when nobody drains the channel.
type Event struct {
	Time      time.Time `json:"time"`
	Kind      EventKind `json:"kind"`
	WorkerID  string    `json:"worker_id,omitempty"`
	FeatureID int64     `json:"feature_id,omitempty"`
	Message   string    `json:"message"`
}

// Events returns the event channel. It is never closed.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

func (o *Orchestrator) emit(kind EventKind, workerID string, featureID int64, msg string) {
	ev := Event{Time: o.now(), Kind: kind, WorkerID: workerID, FeatureID: featureID, Message: msg}
	select {
	case o.events <- ev:
	default:
	}
}

// outputWriter forwards agent output of one slot as events.
type outputWriter struct {
	o         *Orchestrator
	workerID  string
	featureID int64
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.o.emit(EventOutput, w.workerID, w.featureID, string(p))
	return len(p), nil
}
