package enet

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Config holds the parameters of NewHost.
type Config struct {
	// Address to bind; nil binds an ephemeral port on all interfaces.
	Address *netip.AddrPort
	// PeerCount is the fixed size of the peer array.
	PeerCount int
	// ChannelLimit caps the channels of incoming connections; 0 means the protocol maximum.
	ChannelLimit int
	// Bandwidths in bytes per second; 0 means unlimited.
	IncomingBandwidth uint32
	OutgoingBandwidth uint32

	Clock  clock.Clock
	Logger *zap.Logger
}

// EventType is the kind of an Event.
type EventType int

const (
	EventNone EventType = iota
	EventConnect
	EventDisconnect
	EventReceive
)

// Event is produced by Service and CheckEvents.
type Event struct {
	Type      EventType
	Peer      *Peer
	ChannelID uint8
	Data      uint32
	Packet    *Packet
}

// Stats are cumulative traffic counters of a host.
type Stats struct {
	SentData        uint64
	SentPackets     uint64
	ReceivedData    uint64
	ReceivedPackets uint64
}

// Host is a local endpoint managing a fixed array of peers over one UDP socket.
// A Host is not safe for concurrent use, except for Stats.
type Host struct {
	Peers []Peer

	sock   *socket
	clock  clock.Clock
	epoch  time.Time
	logger *zap.Logger

	channelLimit       int
	incomingBandwidth  uint32
	outgoingBandwidth  uint32
	mtu                uint32
	maximumPacketSize  int
	maximumWaitingData int

	compressor *Compressor
	checksum   ChecksumFunc

	serviceTime     uint32
	dispatchQueue   []*Peer
	connectedPeers  int
	continueSending bool
	destroyed       bool

	// per datagram scratch
	headerFlags  uint16
	commandCount int
	packetSize   int
	buffers      []Buffer
	commandBuf   []byte
	commandUsed  int
	sentUnrel    []*outgoingCommand
	headerBuf    [protocolHeaderSize + checksumSize]byte
	sendBuf      []byte
	compressBuf  []byte
	receiveBuf   []byte
	decompressed []byte

	sentData        atomic.Uint64
	sentPackets     atomic.Uint64
	receivedData    atomic.Uint64
	receivedPackets atomic.Uint64
}

// NewHost binds a socket and allocates the peer array.
func NewHost(cfg Config) (*Host, error) {
	if !Initialized() {
		return nil, ErrNotInitialized
	}
	if cfg.PeerCount < 1 || cfg.PeerCount > ProtocolMaximumPeerID {
		return nil, ErrInvalidArgument
	}

	var addr netip.AddrPort
	if cfg.Address != nil {
		addr = *cfg.Address
	} else {
		addr = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	sock, err := listenUDP(addr)
	if err != nil {
		return nil, err
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Host{
		Peers:              make([]Peer, cfg.PeerCount),
		sock:               sock,
		clock:              clk,
		epoch:              clk.Now(),
		logger:             logger,
		incomingBandwidth:  cfg.IncomingBandwidth,
		outgoingBandwidth:  cfg.OutgoingBandwidth,
		mtu:                HostDefaultMTU,
		maximumPacketSize:  HostDefaultMaximumPacketSize,
		maximumWaitingData: HostDefaultMaximumWaitingData,
		buffers:            make([]Buffer, 0, 1+2*ProtocolMaximumPacketCommands),
		commandBuf:         make([]byte, ProtocolMaximumPacketCommands*maxCommandSize),
		sendBuf:            make([]byte, 0, ProtocolMaximumMTU),
		compressBuf:        make([]byte, ProtocolMaximumMTU),
		receiveBuf:         make([]byte, ProtocolMaximumMTU),
		decompressed:       make([]byte, ProtocolMaximumMTU),
	}
	h.ChannelLimit(cfg.ChannelLimit)

	for i := range h.Peers {
		p := &h.Peers[i]
		p.Host = h
		p.incomingPeerID = uint16(i)
		p.Reset()
	}

	logger.Debug("host created",
		zap.Stringer("address", sock.localAddr()),
		zap.Int("peers", cfg.PeerCount),
		zap.Int("channel_limit", h.channelLimit))
	return h, nil
}

// Destroy resets every peer and closes the socket. The host cannot be used afterwards.
func (h *Host) Destroy() error {
	if h.destroyed {
		return ErrHostDestroyed
	}
	h.destroyed = true

	for i := range h.Peers {
		h.Peers[i].Reset()
	}
	h.dispatchQueue = nil
	if h.compressor != nil && h.compressor.Destroy != nil {
		h.compressor.Destroy(h.compressor.Context)
	}
	h.compressor = nil
	return h.sock.close()
}

// Address returns the bound socket address.
func (h *Host) Address() netip.AddrPort { return h.sock.localAddr() }

// ConnectedPeers returns the number of peers in a connected state.
func (h *Host) ConnectedPeers() int { return h.connectedPeers }

// Stats returns the traffic counters. It may be called from any goroutine.
func (h *Host) Stats() Stats {
	return Stats{
		SentData:        h.sentData.Load(),
		SentPackets:     h.sentPackets.Load(),
		ReceivedData:    h.receivedData.Load(),
		ReceivedPackets: h.receivedPackets.Load(),
	}
}

// Connect starts a connection to addr and returns the peer slot, which stays in
// PeerStateConnecting until a connect event is produced.
func (h *Host) Connect(addr netip.AddrPort, channelCount int, data uint32) (*Peer, error) {
	if h.destroyed {
		return nil, ErrHostDestroyed
	}
	channelCount = int(clamp(uint32(max(channelCount, 0)), ProtocolMinimumChannelCount, ProtocolMaximumChannelCount))

	var p *Peer
	for i := range h.Peers {
		if h.Peers[i].State == PeerStateDisconnected {
			p = &h.Peers[i]
			break
		}
	}
	if p == nil {
		return nil, ErrNoAvailablePeers
	}

	p.setupChannels(channelCount)
	p.State = PeerStateConnecting
	p.Address = addr
	p.connectID = nextConnectID()

	if h.outgoingBandwidth == 0 {
		p.windowSize = ProtocolMaximumWindowSize
	} else {
		p.windowSize = h.outgoingBandwidth / PeerWindowSizeScale * ProtocolMinimumWindowSize
	}
	p.windowSize = clamp(p.windowSize, ProtocolMinimumWindowSize, ProtocolMaximumWindowSize)

	p.queueOutgoingCommand(command{
		typ:                  CommandConnect,
		flags:                commandFlagAcknowledge,
		channelID:            controlChannelID,
		outgoingPeerID:       p.incomingPeerID,
		mtu:                  p.mtu,
		windowSize:           p.windowSize,
		channelCount:         uint32(channelCount),
		incomingBandwidth:    h.incomingBandwidth,
		outgoingBandwidth:    h.outgoingBandwidth,
		throttleInterval:     p.packetThrottleInterval,
		throttleAcceleration: p.packetThrottleAcceleration,
		throttleDeceleration: p.packetThrottleDeceleration,
		connectID:            p.connectID,
		data:                 data,
	}, nil, 0, 0)

	h.logger.Debug("connecting", zap.Stringer("addr", addr), zap.Int("peer", p.ID()))
	return p, nil
}

// Broadcast queues packet on channelID to every connected peer. A packet that
// no peer accepted is destroyed.
func (h *Host) Broadcast(channelID uint8, packet *Packet) {
	for i := range h.Peers {
		p := &h.Peers[i]
		if p.State != PeerStateConnected {
			continue
		}
		_ = p.Send(channelID, packet)
	}
	if packet.refs == 0 {
		packet.Destroy()
	}
}

// Flush sends every queued command without receiving or dispatching.
func (h *Host) Flush() error {
	if h.destroyed {
		return ErrHostDestroyed
	}
	h.serviceTime = h.now()
	return h.sendOutgoingCommands(false)
}

// Compress installs c as the datagram compressor; nil disables compression.
// The previous compressor's Destroy is called.
func (h *Host) Compress(c *Compressor) {
	if h.compressor != nil && h.compressor.Destroy != nil {
		h.compressor.Destroy(h.compressor.Context)
	}
	h.compressor = c
}

// CompressWithRangeCoder installs the built-in range coder.
func (h *Host) CompressWithRangeCoder() error {
	if h.destroyed {
		return ErrHostDestroyed
	}
	h.Compress(newRangeCoderCompressor())
	return nil
}

// SetChecksum installs a datagram checksum; nil disables checksums.
// Both ends must agree.
func (h *Host) SetChecksum(fn ChecksumFunc) { h.checksum = fn }

// ChannelLimit caps the channel count of future incoming connections.
func (h *Host) ChannelLimit(limit int) {
	if limit <= 0 || limit > ProtocolMaximumChannelCount {
		limit = ProtocolMaximumChannelCount
	}
	h.channelLimit = limit
}

// BandwidthLimit updates the host bandwidths and announces them to connected peers.
func (h *Host) BandwidthLimit(incoming, outgoing uint32) {
	h.incomingBandwidth = incoming
	h.outgoingBandwidth = outgoing

	for i := range h.Peers {
		p := &h.Peers[i]
		if !p.active() {
			continue
		}
		p.queueOutgoingCommand(command{
			typ:               CommandBandwidthLimit,
			flags:             commandFlagAcknowledge,
			channelID:         controlChannelID,
			incomingBandwidth: incoming,
			outgoingBandwidth: outgoing,
		}, nil, 0, 0)
	}
}

func (h *Host) now() uint32 {
	return uint32(h.clock.Now().Sub(h.epoch)/time.Millisecond) + 1
}

func (h *Host) headerSize() int {
	if h.checksum != nil {
		return protocolHeaderSize + checksumSize
	}
	return protocolHeaderSize
}

func (h *Host) queueDispatch(p *Peer) {
	if p.needsDispatch {
		return
	}
	p.needsDispatch = true
	h.dispatchQueue = append(h.dispatchQueue, p)
}

func (h *Host) removeDispatch(p *Peer) {
	p.needsDispatch = false
	for i, q := range h.dispatchQueue {
		if q == p {
			h.dispatchQueue = append(h.dispatchQueue[:i], h.dispatchQueue[i+1:]...)
			return
		}
	}
}
