package enet

// PacketFlag is a bitset of delivery options.
type PacketFlag uint32

const (
	// PacketFlagReliable: must be received by the target peer, resent until delivered.
	PacketFlagReliable PacketFlag = 1 << 0
	// PacketFlagUnsequenced: not sequenced with other packets. Not supported for reliable packets.
	PacketFlagUnsequenced PacketFlag = 1 << 1
	// PacketFlagNoAllocate: the packet references the caller's buffer instead of copying it.
	PacketFlagNoAllocate PacketFlag = 1 << 2
	// PacketFlagUnreliableFragment: fragmented with unreliable sends when it exceeds the MTU.
	PacketFlagUnreliableFragment PacketFlag = 1 << 3
	// PacketFlagSent is set by the engine once every fragment has been sent.
	PacketFlagSent PacketFlag = 1 << 8
)

// Packet is an engine packet.
//
// FreeCallback, when set, runs exactly once from Destroy while Data still
// references the packet's buffer. UserData is never touched by the engine.
type Packet struct {
	Data         []byte
	Flags        PacketFlag
	FreeCallback func(*Packet)
	UserData     any

	refs  int
	freed bool
}

// NewPacket allocates a packet. Data is copied unless PacketFlagNoAllocate is set,
// in which case the packet aliases data.
func NewPacket(data []byte, flags PacketFlag) (*Packet, error) {
	if !Initialized() {
		return nil, ErrNotInitialized
	}
	if len(data) > HostDefaultMaximumPacketSize {
		return nil, ErrPacketTooLarge
	}

	p := &Packet{Flags: flags}
	switch {
	case flags&PacketFlagNoAllocate != 0:
		p.Data = data
	case len(data) == 0:
		p.Data = []byte{}
	default:
		p.Data = append(make([]byte, 0, len(data)), data...)
	}
	livePackets.Add(1)
	return p, nil
}

func newIncomingPacket(data []byte, size int, flags PacketFlag) *Packet {
	p := &Packet{Flags: flags, Data: make([]byte, size)}
	copy(p.Data, data)
	livePackets.Add(1)
	return p
}

// Destroy frees the packet. Destroying a packet twice panics.
func (p *Packet) Destroy() {
	if p == nil {
		return
	}
	if p.freed {
		panic("enet: packet destroyed twice")
	}
	if !Initialized() {
		panic("enet: packet destroyed after deinitialize")
	}
	p.freed = true
	if p.FreeCallback != nil {
		p.FreeCallback(p)
	}
	p.Data = nil
	livePackets.Add(-1)
}

// Refs returns the number of queued commands referencing the packet.
func (p *Packet) Refs() int { return p.refs }

func (p *Packet) retain() { p.refs++ }

// release drops one engine reference and destroys the packet when none remain.
func (p *Packet) release(sent bool) {
	p.refs--
	if p.refs > 0 {
		return
	}
	if sent {
		p.Flags |= PacketFlagSent
	}
	p.Destroy()
}
