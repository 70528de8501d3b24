package benet

import (
	"context"
	"iter"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/benet/benet/internal/enet"
)

// Stats are cumulative traffic counters of a host.
type Stats struct {
	SentData        uint64
	SentPackets     uint64
	ReceivedData    uint64
	ReceivedPackets uint64
}

// Host is a local endpoint exchanging packets with a fixed number of peers
// over one UDP socket. T is the type of the data attached to every peer.
//
// A Host must be used from one goroutine at a time. Stats is the exception.
type Host[T any] struct {
	raw        *enet.Host
	guard      *initGuard
	compressor *compressorContext
	logger     *zap.Logger
	newData    func() T

	// connections counts the peer slots installed so far.
	connections uint64

	// peers whose disconnect event was handed out; their data is released on
	// the next call on the host.
	retired []*enet.Peer
	closed  bool
}

// retire releases the data of peers reported disconnected by the previous event.
func (h *Host[T]) retire() {
	for i, raw := range h.retired {
		if raw.State == enet.PeerStateDisconnected {
			releaseData[T](raw)
		}
		h.retired[i] = nil
	}
	h.retired = h.retired[:0]
}

// rethrow re-raises a panic captured from the compressor during the last engine call.
func (h *Host[T]) rethrow() {
	if v, ok := h.compressor.take(); ok {
		panic(v)
	}
}

func (h *Host[T]) installData(raw *enet.Peer) {
	if raw.Data != nil {
		return
	}
	h.connections++
	s := &peerSlot[T]{conn: h.connections}
	if h.newData != nil {
		s.value = h.newData()
	}
	raw.Data = s
}

func (h *Host[T]) peer(raw *enet.Peer) *Peer[T] {
	return &Peer[T]{host: h, raw: raw, slot: slotOf[T](raw)}
}

// Service sends queued packets, receives datagrams and returns the next event,
// waiting up to timeout for one. It returns nil, nil when the timeout expires.
//
// A panic raised by the host's compressor during the call is re-raised once
// the call has finished its work.
func (h *Host[T]) Service(timeout time.Duration) (*Event[T], error) {
	if h.closed {
		return nil, ErrInvalidArgument
	}
	h.retire()

	var (
		ev        enet.Event
		ok        bool
		err       error
		remaining = max(timeout, 0)
	)
	for {
		wait := min(remaining, enet.MaxServiceTimeout)
		ok, err = h.raw.Service(&ev, wait)
		if ok || err != nil || h.compressor.panicked || remaining == wait {
			break
		}
		remaining -= wait
	}
	return h.event(&ev, ok, err)
}

// CheckEvents returns an already queued event without touching the network.
func (h *Host[T]) CheckEvents() (*Event[T], error) {
	if h.closed {
		return nil, ErrInvalidArgument
	}
	h.retire()

	var ev enet.Event
	ok := h.raw.CheckEvents(&ev)
	return h.event(&ev, ok, nil)
}

func (h *Host[T]) event(ev *enet.Event, ok bool, err error) (*Event[T], error) {
	var out *Event[T]
	if ok {
		out = h.translate(ev)
	}
	if v, panicked := h.compressor.take(); panicked {
		if out != nil {
			out.Packet.Destroy()
		}
		panic(v)
	}
	if err != nil {
		return nil, engineError(err)
	}
	return out, nil
}

func (h *Host[T]) translate(ev *enet.Event) *Event[T] {
	switch ev.Type {
	case enet.EventConnect:
		h.installData(ev.Peer)
		h.logger.Debug("peer connected",
			zap.Int("peer", ev.Peer.ID()),
			zap.Uint64("conn", slotOf[T](ev.Peer).conn),
			zap.Stringer("addr", ev.Peer.Address))
		return &Event[T]{Peer: h.peer(ev.Peer), Kind: EventConnect, Data: ev.Data}

	case enet.EventDisconnect:
		h.installData(ev.Peer)
		h.retired = append(h.retired, ev.Peer)
		h.logger.Debug("peer disconnected", zap.Int("peer", ev.Peer.ID()), zap.Uint32("data", ev.Data))
		return &Event[T]{Peer: h.peer(ev.Peer), Kind: EventDisconnect, Data: ev.Data}

	case enet.EventReceive:
		h.installData(ev.Peer)
		return &Event[T]{
			Peer:   h.peer(ev.Peer),
			Kind:   EventReceive,
			Packet: wrapPacket(ev.Packet, ev.ChannelID, h.guard),
		}
	}
	return nil
}

// Connect starts a connection to addr ("host:port", IPv4 only) with
// channelCount channels. data is passed to the remote side's connect event.
// The connection completes when Service returns the connect event.
func (h *Host[T]) Connect(addr string, channelCount int, data uint32) (*Peer[T], error) {
	if h.closed || channelCount < 1 || channelCount > MaximumChannelCount {
		return nil, ErrInvalidArgument
	}
	h.retire()

	ap, err := resolve(addr)
	if err != nil {
		return nil, err
	}
	raw, err := h.raw.Connect(ap, channelCount, data)
	if err != nil {
		return nil, engineError(err)
	}
	releaseData[T](raw)
	h.installData(raw)
	return h.peer(raw), nil
}

// resolve maps "host:port" to an IPv4 socket address.
func resolve(addr string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		if !ap.Addr().Unmap().Is4() {
			return netip.AddrPort{}, ioError(&net.AddrError{Err: "not an IPv4 address", Addr: addr})
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return netip.AddrPort{}, ioError(err)
	}
	port, err := net.LookupPort("udp", portStr)
	if err != nil {
		return netip.AddrPort{}, ioError(err)
	}
	if host == "" {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(port)), nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip4", host)
	if err != nil {
		return netip.AddrPort{}, ioError(err)
	}
	for _, ip := range ips {
		if ip = ip.Unmap(); ip.Is4() {
			return netip.AddrPortFrom(ip, uint16(port)), nil
		}
	}
	return netip.AddrPort{}, ioError(&net.AddrError{Err: "no IPv4 address", Addr: host})
}

// Broadcast queues packet to every connected peer. The packet is consumed.
func (h *Host[T]) Broadcast(packet *Packet) {
	if h.closed {
		packet.Destroy()
		return
	}
	h.retire()

	channelID := packet.ChannelID()
	if raw := packet.detach(); raw != nil {
		h.raw.Broadcast(channelID, raw)
	}
	h.rethrow()
}

// Flush sends all queued packets without receiving or dispatching anything.
func (h *Host[T]) Flush() {
	if h.closed {
		return
	}
	h.retire()

	if err := h.raw.Flush(); err != nil {
		h.logger.Warn("flush failed", zap.Error(err))
	}
	h.rethrow()
}

// Peers iterates over the peers that are not unused.
func (h *Host[T]) Peers() iter.Seq[PeerView[T]] {
	return func(yield func(PeerView[T]) bool) {
		if h.closed {
			return
		}
		for i := range h.raw.Peers {
			raw := &h.raw.Peers[i]
			if raw.Data == nil {
				continue
			}
			if !yield(PeerView[T]{raw: raw, slot: slotOf[T](raw)}) {
				return
			}
		}
	}
}

// PeersMut iterates over mutable handles on the peers that are not unused.
func (h *Host[T]) PeersMut() iter.Seq[*Peer[T]] {
	return func(yield func(*Peer[T]) bool) {
		if h.closed {
			return
		}
		for i := range h.raw.Peers {
			raw := &h.raw.Peers[i]
			if raw.Data == nil {
				continue
			}
			if !yield(h.peer(raw)) {
				return
			}
		}
	}
}

// SetCompressor replaces the datagram compressor. Both ends must use the same one.
func (h *Host[T]) SetCompressor(kind CompressorKind) error {
	if h.closed {
		return ErrInvalidArgument
	}
	h.raw.Compress(nil)
	h.compressor.compressor = nil

	switch kind.mode {
	case modeRangeCoder:
		if err := h.raw.CompressWithRangeCoder(); err != nil {
			return engineError(err)
		}
	case modeCustom:
		h.compressor.compressor = kind.custom
		h.raw.Compress(h.compressor.engineCompressor())
	}
	h.logger.Debug("compressor installed", zap.Stringer("kind", kind))
	return nil
}

// SetChannelLimit caps the channel count of future incoming connections.
func (h *Host[T]) SetChannelLimit(limit int) error {
	if h.closed || limit < 1 || limit > MaximumChannelCount {
		return ErrInvalidArgument
	}
	h.raw.ChannelLimit(limit)
	return nil
}

// SetBandwidthLimit sets the host's bandwidth in bytes per second; 0 means
// unlimited. Connected peers are notified.
func (h *Host[T]) SetBandwidthLimit(incoming, outgoing uint32) {
	if h.closed {
		return
	}
	h.raw.BandwidthLimit(incoming, outgoing)
}

// Address returns the bound socket address.
func (h *Host[T]) Address() netip.AddrPort { return h.raw.Address() }

// PeerCount returns the capacity of the peer table.
func (h *Host[T]) PeerCount() int { return len(h.raw.Peers) }

// ConnectedPeers returns the number of connected peers.
func (h *Host[T]) ConnectedPeers() int { return h.raw.ConnectedPeers() }

// Stats returns the traffic counters. It may be called from any goroutine.
func (h *Host[T]) Stats() Stats {
	s := h.raw.Stats()
	return Stats{
		SentData:        s.SentData,
		SentPackets:     s.SentPackets,
		ReceivedData:    s.ReceivedData,
		ReceivedPackets: s.ReceivedPackets,
	}
}

// Close releases the data of every peer, destroys the host and closes its socket.
// Close is idempotent.
func (h *Host[T]) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.retired = nil

	for i := range h.raw.Peers {
		releaseData[T](&h.raw.Peers[i])
	}
	if err := h.raw.Destroy(); err != nil {
		h.logger.Error("destroying host", zap.Error(err))
	}
	h.guard.release()
	h.compressor.take()
}
