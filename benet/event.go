package benet

// EventKind is the kind of an Event.
type EventKind int

const (
	// EventConnect: a connection with Peer completed. Data is the value the
	// remote side passed to Connect.
	EventConnect EventKind = iota + 1
	// EventDisconnect: Peer disconnected or timed out. Data is the value the
	// remote side passed to Disconnect, or 0 on timeout. The peer's data stays
	// readable until the next call on the host.
	EventDisconnect
	// EventReceive: Packet arrived from Peer. The receiver owns the packet.
	EventReceive
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReceive:
		return "receive"
	default:
		return "none"
	}
}

// Event is produced by Host.Service and Host.CheckEvents.
type Event[T any] struct {
	Peer   *Peer[T]
	Kind   EventKind
	Data   uint32
	Packet *Packet
}
