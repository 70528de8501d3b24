package benet

import (
	"fmt"
	"math/bits"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/TheusHen/benet/benet/internal/enet"
)

// PacketFlags selects the delivery guarantees of a packet.
type PacketFlags uint32

// Unreliable is the zero value: sequenced, unreliable delivery.
const Unreliable PacketFlags = 0

// Reliable returns flags for a packet that is resent until the peer receives it.
func Reliable() PacketFlags { return Unreliable.Reliable() }

// Unsequenced returns flags for a packet that is not sequenced with other packets.
func Unsequenced() PacketFlags { return Unreliable.Unsequenced() }

// UnreliableFragment returns flags for a packet fragmented with unreliable sends
// when it exceeds the MTU.
func UnreliableFragment() PacketFlags { return Unreliable.UnreliableFragment() }

// Reliable adds reliable delivery. It panics if f is unsequenced.
func (f PacketFlags) Reliable() PacketFlags {
	if f.IsUnsequenced() {
		panic("benet: reliable and unsequenced flags cannot be combined")
	}
	return f | PacketFlags(enet.PacketFlagReliable)
}

// Unsequenced disables sequencing. It panics if f is reliable.
func (f PacketFlags) Unsequenced() PacketFlags {
	if f.IsReliable() {
		panic("benet: reliable and unsequenced flags cannot be combined")
	}
	return f | PacketFlags(enet.PacketFlagUnsequenced)
}

// UnreliableFragment fragments oversized packets with unreliable sends.
func (f PacketFlags) UnreliableFragment() PacketFlags {
	return f | PacketFlags(enet.PacketFlagUnreliableFragment)
}

func (f PacketFlags) IsReliable() bool    { return f&PacketFlags(enet.PacketFlagReliable) != 0 }
func (f PacketFlags) IsUnsequenced() bool { return f&PacketFlags(enet.PacketFlagUnsequenced) != 0 }
func (f PacketFlags) IsUnreliableFragment() bool {
	return f&PacketFlags(enet.PacketFlagUnreliableFragment) != 0
}

func (f PacketFlags) String() string {
	var parts []string
	if f.IsReliable() {
		parts = append(parts, "reliable")
	}
	if f.IsUnsequenced() {
		parts = append(parts, "unsequenced")
	}
	if f.IsUnreliableFragment() {
		parts = append(parts, "unreliable_fragment")
	}
	if len(parts) == 0 {
		return "unreliable"
	}
	return strings.Join(parts, "|")
}

// userFlags masks the engine-internal bits out of a packet's flags.
const userFlags = enet.PacketFlagReliable | enet.PacketFlagUnsequenced | enet.PacketFlagUnreliableFragment

func (f PacketFlags) valid() bool {
	if f&^PacketFlags(userFlags) != 0 {
		return false
	}
	return !(f.IsReliable() && f.IsUnsequenced())
}

// Packet is a unit of data sent to or received from a peer.
//
// A Packet is consumed by Peer.Send or Host.Broadcast; otherwise it must be
// released with Destroy.
type Packet struct {
	raw       *enet.Packet
	channelID uint8
	guard     *initGuard
}

// outstandingBuffers counts caller buffers handed to the engine and not yet reclaimed.
var outstandingBuffers atomic.Int64

// NewPacket creates a packet for channelID without copying data. The packet
// takes ownership of data: the caller must not use it afterwards.
//
// Flags combining reliable and unsequenced delivery, or carrying unknown bits,
// are rejected with ErrInvalidArgument.
func NewPacket(data []byte, channelID uint8, flags PacketFlags) (*Packet, error) {
	if !flags.valid() {
		return nil, ErrInvalidArgument
	}
	guard, err := acquireInit()
	if err != nil {
		return nil, err
	}

	raw, err := enet.NewPacket(data, enet.PacketFlag(flags)|enet.PacketFlagNoAllocate)
	if err != nil {
		guard.release()
		return nil, engineError(err)
	}
	raw.UserData = cap(data)
	raw.FreeCallback = reclaimBuffer
	outstandingBuffers.Add(1)

	return &Packet{raw: raw, channelID: channelID, guard: guard}, nil
}

// reclaimBuffer rebuilds the caller's buffer from the engine record and the
// capacity tag, and returns it to the buffer pool.
func reclaimBuffer(p *enet.Packet) {
	capacity, ok := p.UserData.(int)
	if !ok || cap(p.Data) != capacity {
		panic(fmt.Sprintf("benet: packet buffer capacity mismatch (tag %v, buffer %d)", p.UserData, cap(p.Data)))
	}
	outstandingBuffers.Add(-1)
	putBuffer(p.Data[:0:capacity])
}

// wrapPacket takes ownership of a packet produced by the engine.
func wrapPacket(raw *enet.Packet, channelID uint8, guard *initGuard) *Packet {
	return &Packet{raw: raw, channelID: channelID, guard: guard.clone()}
}

// Data returns the packet payload. It is empty, never nil, for an empty or consumed packet.
func (p *Packet) Data() []byte {
	if p.raw == nil || len(p.raw.Data) == 0 {
		return []byte{}
	}
	return p.raw.Data
}

// Flags returns the flags the packet was created or received with.
func (p *Packet) Flags() PacketFlags {
	if p.raw == nil {
		return Unreliable
	}
	return PacketFlags(p.raw.Flags & userFlags)
}

// ChannelID returns the channel the packet is sent on or was received on.
func (p *Packet) ChannelID() uint8 { return p.channelID }

// Destroy releases the packet. It is a no-op on a consumed or destroyed packet.
func (p *Packet) Destroy() {
	if p == nil || p.raw == nil {
		return
	}
	raw := p.raw
	p.raw = nil
	raw.Destroy()
	p.guard.release()
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet{channel: %d, flags: %s, len: %d}", p.channelID, p.Flags(), len(p.Data()))
}

// detach hands the engine packet over to the engine.
func (p *Packet) detach() *enet.Packet {
	raw := p.raw
	p.raw = nil
	p.guard.release()
	return raw
}

const (
	minPooledShift = 6
	maxPooledShift = 16
)

// bufferPools recycles payload buffers by power of two capacity.
var bufferPools [maxPooledShift - minPooledShift + 1]sync.Pool

// AllocBuffer returns a buffer of length n for building a packet. Buffers of
// packets freed by the engine are recycled.
func AllocBuffer(n int) []byte {
	shift := max(bits.Len(uint(max(n, 1)-1)), minPooledShift)
	if shift > maxPooledShift {
		return make([]byte, n)
	}
	if b, ok := bufferPools[shift-minPooledShift].Get().(*[]byte); ok {
		return (*b)[:n]
	}
	return make([]byte, n, 1<<shift)
}

func putBuffer(b []byte) {
	c := cap(b)
	if c == 0 || c&(c-1) != 0 {
		return
	}
	shift := bits.TrailingZeros(uint(c))
	if shift < minPooledShift || shift > maxPooledShift {
		return
	}
	bufferPools[shift-minPooledShift].Put(&b)
}
