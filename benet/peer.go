package benet

import (
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/benet/benet/internal/enet"
)

// PeerState is the lifecycle state of a peer slot.
type PeerState int

const (
	PeerUnused PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnecting
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnecting:
		return "disconnecting"
	default:
		return "unused"
	}
}

func peerState(s enet.PeerState) PeerState {
	switch s {
	case enet.PeerStateConnecting, enet.PeerStateAcknowledgingConnect,
		enet.PeerStateConnectionPending, enet.PeerStateConnectionSucceeded:
		return PeerConnecting
	case enet.PeerStateConnected:
		return PeerConnected
	case enet.PeerStateDisconnectLater, enet.PeerStateDisconnecting,
		enet.PeerStateAcknowledgingDisconnect, enet.PeerStateZombie:
		return PeerDisconnecting
	default:
		return PeerUnused
	}
}

// DataReleaser is implemented by peer data that holds resources. Release is
// called exactly once, when the peer's slot returns to unused.
type DataReleaser interface {
	Release()
}

// PeerInfo is a snapshot of a peer's connection parameters.
type PeerInfo struct {
	Addr              netip.AddrPort
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
	// PacketLoss is the mean loss of reliable packets relative to PacketLossScale.
	PacketLoss    uint32
	RoundTripTime time.Duration
}

func (i PeerInfo) String() string {
	return fmt.Sprintf("%s (rtt %s, loss %.2f%%)", i.Addr, i.RoundTripTime,
		float64(i.PacketLoss)*100/PacketLossScale)
}

func peerInfo(raw *enet.Peer) PeerInfo {
	return PeerInfo{
		Addr:              raw.Address,
		IncomingBandwidth: raw.IncomingBandwidth,
		OutgoingBandwidth: raw.OutgoingBandwidth,
		PacketLoss:        raw.PacketLoss,
		RoundTripTime:     time.Duration(raw.RoundTripTime) * time.Millisecond,
	}
}

// peerSlot is the data attached to an engine peer for one connection. A new
// slot is installed for every connection, so handles compare slot pointers to
// detect that the engine peer has since been reused.
type peerSlot[T any] struct {
	value T
	conn  uint64
}

func slotOf[T any](raw *enet.Peer) *peerSlot[T] {
	s, _ := raw.Data.(*peerSlot[T])
	return s
}

// releaseData clears the slot's data and runs its releaser.
func releaseData[T any](raw *enet.Peer) {
	s := slotOf[T](raw)
	raw.Data = nil
	if s == nil {
		return
	}
	if r, ok := any(&s.value).(DataReleaser); ok {
		r.Release()
	}
}

// PeerView is a read-only handle on one connection of a peer slot. Once the
// connection's data is released the view reports an unused peer.
type PeerView[T any] struct {
	raw  *enet.Peer
	slot *peerSlot[T]
}

func (v PeerView[T]) live() bool { return v.slot != nil && slotOf[T](v.raw) == v.slot }

// Data returns a copy of the peer's data.
func (v PeerView[T]) Data() T {
	if v.live() {
		return v.slot.value
	}
	var zero T
	return zero
}

func (v PeerView[T]) Info() PeerInfo {
	if !v.live() {
		return PeerInfo{}
	}
	return peerInfo(v.raw)
}

func (v PeerView[T]) State() PeerState {
	if !v.live() {
		return PeerUnused
	}
	return peerState(v.raw.State)
}

func (v PeerView[T]) ID() int { return v.raw.ID() }

// Peer is a mutable handle on one connection of a peer slot, valid while its
// host is open.
//
// Disconnect, DisconnectLater, DisconnectNow and Reset consume the handle;
// later calls on it do nothing. A handle also goes stale once the
// connection's data is released, so it never acts on a later connection
// reusing the same slot.
type Peer[T any] struct {
	host     *Host[T]
	raw      *enet.Peer
	slot     *peerSlot[T]
	consumed bool
}

func (p *Peer[T]) String() string {
	return fmt.Sprintf("Peer{id: %d, addr: %s, state: %s}", p.raw.ID(), p.raw.Address, p.State())
}

// live reports whether the handle still refers to the slot's current connection.
func (p *Peer[T]) live() bool {
	return !p.host.closed && p.slot != nil && slotOf[T](p.raw) == p.slot
}

// ID returns the index of the peer's slot.
func (p *Peer[T]) ID() int { return p.raw.ID() }

// Data returns the peer's data. It is nil once the data has been released.
func (p *Peer[T]) Data() *T {
	if !p.live() {
		return nil
	}
	return &p.slot.value
}

func (p *Peer[T]) Info() PeerInfo   { return p.View().Info() }
func (p *Peer[T]) State() PeerState { return p.View().State() }

// View returns a read-only handle on the same connection.
func (p *Peer[T]) View() PeerView[T] { return PeerView[T]{raw: p.raw, slot: p.slot} }

// Send queues packet on its channel. The packet is consumed whether or not the
// send succeeds; a rejected send returns ErrUnknown, and a send on a consumed
// or stale handle returns ErrInvalidArgument.
func (p *Peer[T]) Send(packet *Packet) error {
	if p.consumed || !p.live() {
		packet.Destroy()
		return ErrInvalidArgument
	}
	if packet.raw == nil {
		return ErrInvalidArgument
	}
	channelID := packet.ChannelID()
	if err := p.raw.Send(channelID, packet.raw); err != nil {
		p.host.logger.Debug("send rejected",
			zap.Int("peer", p.raw.ID()),
			zap.Uint8("channel", channelID),
			zap.Int("size", len(packet.raw.Data)),
			zap.Error(err))
		packet.Destroy()
		return engineError(err)
	}
	packet.detach()
	return nil
}

// Receive pops the next packet delivered to the peer, if any.
func (p *Peer[T]) Receive() (*Packet, bool) {
	if !p.live() {
		return nil, false
	}
	raw, channelID, ok := p.raw.Receive()
	if !ok {
		return nil, false
	}
	return wrapPacket(raw, channelID, p.host.guard), true
}

// Ping queues a ping. Pings are also sent automatically to idle peers.
func (p *Peer[T]) Ping() {
	if p.consumed || !p.live() {
		return
	}
	p.raw.Ping()
}

// ConfigureThrottle sets the unreliable packet throttle. Acceleration and
// deceleration are relative to PacketThrottleScale.
func (p *Peer[T]) ConfigureThrottle(interval time.Duration, acceleration, deceleration uint32) {
	if p.consumed || !p.live() {
		return
	}
	p.raw.ThrottleConfigure(uint32(interval.Milliseconds()), acceleration, deceleration)
}

// SetTimeout sets the retransmission limit and the minimum and maximum time
// before an unresponsive peer is dropped. A zero value keeps the default.
func (p *Peer[T]) SetTimeout(limit, minimum, maximum time.Duration) {
	if p.consumed || !p.live() {
		return
	}
	p.raw.Timeout(timeoutMillis(limit), timeoutMillis(minimum), timeoutMillis(maximum))
}

func timeoutMillis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(max(d.Milliseconds(), 1))
}

// Disconnect requests a disconnection; a disconnect event carrying the
// peer's data follows.
func (p *Peer[T]) Disconnect(data uint32) {
	p.finish(func() { p.raw.Disconnect(data) })
}

// DisconnectLater disconnects once all queued packets have been sent.
func (p *Peer[T]) DisconnectLater(data uint32) {
	p.finish(func() { p.raw.DisconnectLater(data) })
}

// DisconnectNow notifies the remote side and drops the peer at once. No
// disconnect event is generated and the peer's data is released.
func (p *Peer[T]) DisconnectNow(data uint32) {
	p.finish(func() { p.raw.DisconnectNow(data) })
}

// Reset drops the peer without notifying the remote side and releases its data.
func (p *Peer[T]) Reset() {
	p.finish(p.raw.Reset)
}

func (p *Peer[T]) finish(op func()) {
	if p.consumed {
		return
	}
	p.consumed = true
	p.host.retire()
	if !p.live() {
		return
	}

	op()
	if p.raw.State == enet.PeerStateDisconnected {
		releaseData[T](p.raw)
	}
	p.host.logger.Debug("peer disconnecting", zap.Int("peer", p.raw.ID()), zap.Stringer("state", p.State()))
	p.host.rethrow()
}
