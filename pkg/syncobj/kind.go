package syncobj

import "strconv"

// Kind is the object type. The state encoding of a kind's two slot words
// belongs to whoever creates objects of that kind.
type Kind uint8

const (
	// KindNone marks objects that live in the namespace without a slot.
	KindNone Kind = iota
	KindSemaphore
	KindAutoEvent
	KindManualEvent
	KindMutex
	KindAutoServer
	KindManualServer
	KindQueue
	kindCount
)

var kindNames = [...]string{
	KindNone:         "none",
	KindSemaphore:    "semaphore",
	KindAutoEvent:    "auto-event",
	KindManualEvent:  "manual-event",
	KindMutex:        "mutex",
	KindAutoServer:   "auto-server",
	KindManualServer: "manual-server",
	KindQueue:        "queue",
}

// Eligible reports whether objects of kind k carry a slot.
func (k Kind) Eligible() bool {
	return k > KindNone && k < kindCount
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}
