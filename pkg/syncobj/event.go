package syncobj

import "time"

// EventOp is what happened to an object.
type EventOp uint8

const (
	OpCreated EventOp = iota + 1
	OpOpened
	OpDestroyed
)

func (op EventOp) String() string {
	switch op {
	case OpCreated:
		return "created"
	case OpOpened:
		return "opened"
	case OpDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Event describes one registry transition.
type Event struct {
	Op   EventOp
	Name string
	Kind Kind
	Slot uint32
	Time time.Time
}

// Observer receives registry events. Observe must not block.
type Observer interface {
	Observe(Event)
}
