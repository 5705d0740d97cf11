package pipesock

// EventType classifies the entries delivered by a ReceivePipe.
type EventType int

const (
	// Connected is delivered once when a connection becomes usable.
	Connected EventType = iota
	// Data carries one received message.
	Data
	// Disconnected is delivered once when a connection is gone, including a failed connect.
	Disconnected
)

func (t EventType) String() string {
	switch t {
	case Connected:
		return "connected"
	case Data:
		return "data"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one entry pulled from a Client or Server.
// Payload is empty for Connected and Disconnected.
type Event struct {
	ConnID  int
	Type    EventType
	Payload []byte
}
