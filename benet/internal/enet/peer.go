package enet

import (
	"net/netip"
)

// PeerState is the protocol state of a peer slot.
type PeerState int

const (
	PeerStateDisconnected PeerState = iota
	PeerStateConnecting
	PeerStateAcknowledgingConnect
	PeerStateConnectionPending
	PeerStateConnectionSucceeded
	PeerStateConnected
	PeerStateDisconnectLater
	PeerStateDisconnecting
	PeerStateAcknowledgingDisconnect
	PeerStateZombie
)

func (s PeerState) String() string {
	switch s {
	case PeerStateDisconnected:
		return "disconnected"
	case PeerStateConnecting:
		return "connecting"
	case PeerStateAcknowledgingConnect:
		return "acknowledging_connect"
	case PeerStateConnectionPending:
		return "connection_pending"
	case PeerStateConnectionSucceeded:
		return "connection_succeeded"
	case PeerStateConnected:
		return "connected"
	case PeerStateDisconnectLater:
		return "disconnect_later"
	case PeerStateDisconnecting:
		return "disconnecting"
	case PeerStateAcknowledgingDisconnect:
		return "acknowledging_disconnect"
	case PeerStateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

type channel struct {
	outgoingReliableSeq   uint16
	outgoingUnreliableSeq uint16
	incomingReliableSeq   uint16
	incomingUnreliableSeq uint16
	usedReliableWindows   uint16
	reliableWindows       [PeerReliableWindows]uint16
	incomingReliable      []*incomingCommand
	incomingUnreliable    []*incomingCommand
}

type outgoingCommand struct {
	cmd                   command
	reliableSeq           uint16
	unreliableSeq         uint16
	sentTime              uint32
	roundTripTimeout      uint32
	roundTripTimeoutLimit uint32
	fragmentOffset        uint32
	fragmentLength        uint16
	sendAttempts          uint16
	packet                *Packet
}

func (oc *outgoingCommand) reliable() bool { return oc.cmd.flags&commandFlagAcknowledge != 0 }

type incomingCommand struct {
	typ                CommandType
	reliableSeq        uint16
	unreliableSeq      uint16
	fragmentCount      uint32
	fragmentsRemaining uint32
	fragments          []uint32
	channelID          uint8
	packet             *Packet
}

type acknowledgement struct {
	reliableSeq uint16
	channelID   uint8
	sentTime    uint16
	commandType CommandType
}

// Peer is one slot of a host's peer array.
type Peer struct {
	Host *Host
	// Data is the caller's slot; the engine never reads or clears it.
	Data any

	State   PeerState
	Address netip.AddrPort

	IncomingBandwidth uint32
	OutgoingBandwidth uint32
	// PacketLoss is the mean packet loss of reliable packets, relative to PeerPacketLossScale.
	PacketLoss    uint32
	RoundTripTime uint32

	incomingPeerID uint16
	outgoingPeerID uint16
	connectID      uint32
	channels       []channel

	lastSendTime    uint32
	lastReceiveTime uint32
	nextTimeout     uint32
	earliestTimeout uint32

	packetLossEpoch    uint32
	packetsSent        uint32
	packetsLost        uint32
	packetLossVariance uint32

	packetThrottle             uint32
	packetThrottleLimit        uint32
	packetThrottleCounter      uint32
	packetThrottleEpoch        uint32
	packetThrottleAcceleration uint32
	packetThrottleDeceleration uint32
	packetThrottleInterval     uint32

	pingInterval   uint32
	timeoutLimit   uint32
	timeoutMinimum uint32
	timeoutMaximum uint32

	lastRoundTripTime            uint32
	lowestRoundTripTime          uint32
	lastRoundTripTimeVariance    uint32
	highestRoundTripTimeVariance uint32
	roundTripTimeVariance        uint32

	mtu                   uint32
	windowSize            uint32
	reliableDataInTransit uint32
	outgoingReliableSeq   uint16

	acknowledgements     []acknowledgement
	sentReliableCommands []*outgoingCommand
	outgoingCommands     []*outgoingCommand
	dispatchedCommands   []*incomingCommand
	needsDispatch        bool

	incomingUnsequencedGroup uint16
	outgoingUnsequencedGroup uint16
	unsequencedWindow        [PeerUnsequencedWindowSize / 32]uint32

	eventData        uint32
	totalWaitingData int
}

// ID returns the peer's index in the host's peer array.
func (p *Peer) ID() int { return int(p.incomingPeerID) }

// ChannelCount returns the number of channels negotiated with the peer.
func (p *Peer) ChannelCount() int { return len(p.channels) }

func (p *Peer) active() bool {
	return p.State == PeerStateConnected || p.State == PeerStateDisconnectLater
}

func (p *Peer) changeState(state PeerState) {
	if state == PeerStateConnected || state == PeerStateDisconnectLater {
		p.onConnect()
	} else {
		p.onDisconnect()
	}
	p.State = state
}

func (p *Peer) onConnect() {
	if !p.active() {
		p.Host.connectedPeers++
	}
}

func (p *Peer) onDisconnect() {
	if p.active() {
		p.Host.connectedPeers--
	}
}

func (p *Peer) dispatchState(state PeerState) {
	p.changeState(state)
	p.Host.queueDispatch(p)
}

func (p *Peer) setupChannels(count int) {
	p.channels = make([]channel, count)
}

// Send queues a packet to be sent on channelID. On success the engine owns the packet.
// On failure the packet is left untouched.
func (p *Peer) Send(channelID uint8, packet *Packet) error {
	h := p.Host
	if p.State != PeerStateConnected || int(channelID) >= len(p.channels) ||
		len(packet.Data) > h.maximumPacketSize {
		return ErrSendRejected
	}

	ch := &p.channels[channelID]
	fragmentLength := int(p.mtu) - h.headerSize() - commandSizes[CommandSendFragment]

	if len(packet.Data) > fragmentLength {
		fragmentCount := (len(packet.Data) + fragmentLength - 1) / fragmentLength
		if fragmentCount > ProtocolMaximumFragmentCount {
			return ErrSendRejected
		}

		var (
			typ      CommandType
			flags    uint8
			startSeq uint16
		)
		if packet.Flags&(PacketFlagReliable|PacketFlagUnreliableFragment) == PacketFlagUnreliableFragment &&
			ch.outgoingUnreliableSeq < 0xFFFF {
			typ = CommandSendUnreliableFragment
			startSeq = ch.outgoingUnreliableSeq + 1
		} else {
			typ = CommandSendFragment
			flags = commandFlagAcknowledge
			startSeq = ch.outgoingReliableSeq + 1
		}

		for n, offset := 0, 0; offset < len(packet.Data); n, offset = n+1, offset+fragmentLength {
			length := min(fragmentLength, len(packet.Data)-offset)
			oc := &outgoingCommand{
				cmd: command{
					typ:            typ,
					flags:          flags,
					channelID:      channelID,
					startSeq:       startSeq,
					dataLength:     uint16(length),
					fragmentCount:  uint32(fragmentCount),
					fragmentNumber: uint32(n),
					totalLength:    uint32(len(packet.Data)),
					fragmentOffset: uint32(offset),
				},
				fragmentOffset: uint32(offset),
				fragmentLength: uint16(length),
				packet:         packet,
			}
			p.setupOutgoingCommand(oc)
		}
		return nil
	}

	var c command
	c.channelID = channelID
	switch {
	case packet.Flags&(PacketFlagReliable|PacketFlagUnsequenced) == PacketFlagUnsequenced:
		c.typ = CommandSendUnsequenced
		c.flags = commandFlagUnsequenced
	case packet.Flags&PacketFlagReliable != 0 || ch.outgoingUnreliableSeq >= 0xFFFF:
		c.typ = CommandSendReliable
		c.flags = commandFlagAcknowledge
	default:
		c.typ = CommandSendUnreliable
	}
	c.dataLength = uint16(len(packet.Data))
	p.queueOutgoingCommand(c, packet, 0, uint16(len(packet.Data)))
	return nil
}

// Receive pops the next packet delivered to this peer. The caller owns the packet.
func (p *Peer) Receive() (*Packet, uint8, bool) {
	if len(p.dispatchedCommands) == 0 {
		return nil, 0, false
	}
	ic := p.dispatchedCommands[0]
	p.dispatchedCommands[0] = nil
	p.dispatchedCommands = p.dispatchedCommands[1:]

	packet := ic.packet
	packet.refs--
	p.totalWaitingData -= len(packet.Data)
	return packet, ic.channelID, true
}

// Ping queues a ping request; pings feed the round trip time estimate.
func (p *Peer) Ping() {
	if p.State != PeerStateConnected {
		return
	}
	p.queueOutgoingCommand(command{
		typ:       CommandPing,
		flags:     commandFlagAcknowledge,
		channelID: controlChannelID,
	}, nil, 0, 0)
}

// PingInterval sets the interval at which pings are sent to an idle peer (0 = default).
func (p *Peer) PingInterval(interval uint32) {
	if interval == 0 {
		interval = PeerPingInterval
	}
	p.pingInterval = interval
}

// Timeout configures the timeout parameters; 0 selects the default for a field.
func (p *Peer) Timeout(limit, minimum, maximum uint32) {
	p.timeoutLimit = orDefault(limit, PeerTimeoutLimit)
	p.timeoutMinimum = orDefault(minimum, PeerTimeoutMinimum)
	p.timeoutMaximum = orDefault(maximum, PeerTimeoutMaximum)
}

// ThrottleConfigure sets the unreliable packet throttle and tells the remote side.
func (p *Peer) ThrottleConfigure(interval, acceleration, deceleration uint32) {
	p.packetThrottleInterval = interval
	p.packetThrottleAcceleration = acceleration
	p.packetThrottleDeceleration = deceleration

	p.queueOutgoingCommand(command{
		typ:                  CommandThrottleConfigure,
		flags:                commandFlagAcknowledge,
		channelID:            controlChannelID,
		throttleInterval:     interval,
		throttleAcceleration: acceleration,
		throttleDeceleration: deceleration,
	}, nil, 0, 0)
}

// Disconnect requests a disconnection. A disconnect event follows once the
// remote side acknowledges it.
func (p *Peer) Disconnect(data uint32) {
	switch p.State {
	case PeerStateDisconnecting, PeerStateDisconnected, PeerStateAcknowledgingDisconnect, PeerStateZombie:
		return
	}

	p.resetQueues()

	c := command{typ: CommandDisconnect, channelID: controlChannelID, data: data}
	if p.active() {
		c.flags = commandFlagAcknowledge
	} else {
		c.flags = commandFlagUnsequenced
	}
	p.queueOutgoingCommand(c, nil, 0, 0)

	if p.active() {
		p.onDisconnect()
		p.State = PeerStateDisconnecting
		return
	}
	p.Host.Flush()
	p.Reset()
}

// DisconnectLater disconnects once all queued outgoing packets have been sent.
func (p *Peer) DisconnectLater(data uint32) {
	if p.active() && (len(p.outgoingCommands) > 0 || len(p.sentReliableCommands) > 0) {
		p.changeState(PeerStateDisconnectLater)
		p.eventData = data
		return
	}
	p.Disconnect(data)
}

// DisconnectNow notifies the remote side without waiting and resets the peer.
// No disconnect event is generated.
func (p *Peer) DisconnectNow(data uint32) {
	if p.State == PeerStateDisconnected {
		return
	}
	if p.State != PeerStateZombie && p.State != PeerStateDisconnecting {
		p.resetQueues()
		p.queueOutgoingCommand(command{
			typ:       CommandDisconnect,
			flags:     commandFlagUnsequenced,
			channelID: controlChannelID,
			data:      data,
		}, nil, 0, 0)
		p.Host.Flush()
	}
	p.Reset()
}

// Reset forcefully drops the peer without notifying the remote side.
// Data is left in place.
func (p *Peer) Reset() {
	p.onDisconnect()

	h := p.Host
	p.outgoingPeerID = ProtocolMaximumPeerID
	p.connectID = 0
	p.State = PeerStateDisconnected
	p.IncomingBandwidth = 0
	p.OutgoingBandwidth = 0
	p.lastSendTime = 0
	p.lastReceiveTime = 0
	p.nextTimeout = 0
	p.earliestTimeout = 0
	p.packetLossEpoch = 0
	p.packetsSent = 0
	p.packetsLost = 0
	p.PacketLoss = 0
	p.packetLossVariance = 0
	p.packetThrottle = PeerDefaultPacketThrottle
	p.packetThrottleLimit = PeerPacketThrottleScale
	p.packetThrottleCounter = 0
	p.packetThrottleEpoch = 0
	p.packetThrottleAcceleration = PeerPacketThrottleAcceleration
	p.packetThrottleDeceleration = PeerPacketThrottleDeceleration
	p.packetThrottleInterval = PeerPacketThrottleInterval
	p.pingInterval = PeerPingInterval
	p.timeoutLimit = PeerTimeoutLimit
	p.timeoutMinimum = PeerTimeoutMinimum
	p.timeoutMaximum = PeerTimeoutMaximum
	p.lastRoundTripTime = PeerDefaultRoundTripTime
	p.lowestRoundTripTime = PeerDefaultRoundTripTime
	p.lastRoundTripTimeVariance = 0
	p.highestRoundTripTimeVariance = 0
	p.RoundTripTime = PeerDefaultRoundTripTime
	p.roundTripTimeVariance = 0
	p.mtu = h.mtu
	p.reliableDataInTransit = 0
	p.outgoingReliableSeq = 0
	p.windowSize = ProtocolMaximumWindowSize
	p.incomingUnsequencedGroup = 0
	p.outgoingUnsequencedGroup = 0
	p.eventData = 0
	p.totalWaitingData = 0
	p.unsequencedWindow = [PeerUnsequencedWindowSize / 32]uint32{}

	p.resetQueues()
}

func (p *Peer) resetQueues() {
	if p.needsDispatch {
		p.Host.removeDispatch(p)
	}
	p.acknowledgements = p.acknowledgements[:0]

	for _, oc := range p.sentReliableCommands {
		if oc.packet != nil {
			oc.packet.release(false)
		}
	}
	p.sentReliableCommands = nil
	for _, oc := range p.outgoingCommands {
		if oc.packet != nil {
			oc.packet.release(false)
		}
	}
	p.outgoingCommands = nil
	for _, ic := range p.dispatchedCommands {
		ic.packet.release(false)
	}
	p.dispatchedCommands = nil

	for i := range p.channels {
		ch := &p.channels[i]
		for _, ic := range ch.incomingReliable {
			ic.packet.release(false)
		}
		for _, ic := range ch.incomingUnreliable {
			ic.packet.release(false)
		}
	}
	p.channels = nil
}

func (p *Peer) queueOutgoingCommand(c command, packet *Packet, offset uint32, length uint16) {
	p.setupOutgoingCommand(&outgoingCommand{
		cmd:            c,
		packet:         packet,
		fragmentOffset: offset,
		fragmentLength: length,
	})
}

func (p *Peer) setupOutgoingCommand(oc *outgoingCommand) {
	switch {
	case oc.cmd.channelID == controlChannelID:
		p.outgoingReliableSeq++
		oc.reliableSeq = p.outgoingReliableSeq
		oc.unreliableSeq = 0
	case oc.reliable():
		ch := &p.channels[oc.cmd.channelID]
		ch.outgoingReliableSeq++
		ch.outgoingUnreliableSeq = 0
		oc.reliableSeq = ch.outgoingReliableSeq
		oc.unreliableSeq = 0
	case oc.cmd.flags&commandFlagUnsequenced != 0:
		p.outgoingUnsequencedGroup++
		oc.reliableSeq = 0
		oc.unreliableSeq = 0
	default:
		ch := &p.channels[oc.cmd.channelID]
		if oc.fragmentOffset == 0 {
			ch.outgoingUnreliableSeq++
		}
		oc.reliableSeq = ch.outgoingReliableSeq
		oc.unreliableSeq = ch.outgoingUnreliableSeq
	}

	oc.cmd.reliableSeq = oc.reliableSeq
	switch oc.cmd.typ {
	case CommandSendUnreliable:
		oc.cmd.unreliableSeq = oc.unreliableSeq
	case CommandSendUnsequenced:
		oc.cmd.unreliableSeq = p.outgoingUnsequencedGroup
	}

	if oc.packet != nil {
		oc.packet.retain()
	}
	p.outgoingCommands = append(p.outgoingCommands, oc)
}

// removeSentReliable drops the acknowledged command and returns its type.
func (p *Peer) removeSentReliable(seq uint16, channelID uint8) CommandType {
	var (
		oc    *outgoingCommand
		found = -1
	)
	for i, c := range p.sentReliableCommands {
		if c.reliableSeq == seq && c.cmd.channelID == channelID {
			oc, found = c, i
			break
		}
	}

	if found >= 0 {
		p.sentReliableCommands = append(p.sentReliableCommands[:found], p.sentReliableCommands[found+1:]...)
	} else {
		for i, c := range p.outgoingCommands {
			if !c.reliable() || c.sendAttempts < 1 {
				continue
			}
			if c.reliableSeq == seq && c.cmd.channelID == channelID {
				oc = c
				p.outgoingCommands = append(p.outgoingCommands[:i], p.outgoingCommands[i+1:]...)
				break
			}
		}
		if oc == nil {
			return CommandNone
		}
	}

	if int(channelID) < len(p.channels) {
		ch := &p.channels[channelID]
		w := seq / PeerReliableWindowSize
		if ch.reliableWindows[w] > 0 {
			ch.reliableWindows[w]--
			if ch.reliableWindows[w] == 0 {
				ch.usedReliableWindows &^= 1 << w
			}
		}
	}

	typ := oc.cmd.typ
	if oc.packet != nil {
		p.reliableDataInTransit -= uint32(oc.fragmentLength)
		oc.packet.release(true)
	}
	if len(p.sentReliableCommands) > 0 {
		first := p.sentReliableCommands[0]
		p.nextTimeout = first.sentTime + first.roundTripTimeout
	}
	return typ
}

func (p *Peer) queueAcknowledgement(c *command, sentTime uint16) {
	p.acknowledgements = append(p.acknowledgements, acknowledgement{
		reliableSeq: c.reliableSeq,
		channelID:   c.channelID,
		sentTime:    sentTime,
		commandType: c.typ,
	})
}

// throttle adjusts the unreliable throttle from a fresh round trip sample.
func (p *Peer) throttle(rtt uint32) int {
	switch {
	case p.lastRoundTripTime <= p.lastRoundTripTimeVariance:
		p.packetThrottle = p.packetThrottleLimit
	case rtt <= p.lastRoundTripTime:
		p.packetThrottle += p.packetThrottleAcceleration
		if p.packetThrottle > p.packetThrottleLimit {
			p.packetThrottle = p.packetThrottleLimit
		}
		return 1
	case rtt > p.lastRoundTripTime+2*p.lastRoundTripTimeVariance:
		if p.packetThrottle > p.packetThrottleDeceleration {
			p.packetThrottle -= p.packetThrottleDeceleration
		} else {
			p.packetThrottle = 0
		}
		return -1
	}
	return 0
}

func (p *Peer) updateRoundTripTime(rtt uint32, now uint32) {
	p.throttle(rtt)

	p.roundTripTimeVariance -= p.roundTripTimeVariance / 4
	if rtt >= p.RoundTripTime {
		diff := rtt - p.RoundTripTime
		p.roundTripTimeVariance += diff / 4
		p.RoundTripTime += diff / 8
	} else {
		diff := p.RoundTripTime - rtt
		p.roundTripTimeVariance += diff / 4
		p.RoundTripTime -= diff / 8
	}

	if p.RoundTripTime < p.lowestRoundTripTime {
		p.lowestRoundTripTime = p.RoundTripTime
	}
	if p.roundTripTimeVariance > p.highestRoundTripTimeVariance {
		p.highestRoundTripTimeVariance = p.roundTripTimeVariance
	}

	if p.packetThrottleEpoch == 0 || timeDifference(now, p.packetThrottleEpoch) >= p.packetThrottleInterval {
		p.lastRoundTripTime = p.lowestRoundTripTime
		p.lastRoundTripTimeVariance = max(p.highestRoundTripTimeVariance, 1)
		p.lowestRoundTripTime = p.RoundTripTime
		p.highestRoundTripTimeVariance = p.roundTripTimeVariance
		p.packetThrottleEpoch = now
	}
}

func (p *Peer) updatePacketLoss(now uint32) {
	if p.packetLossEpoch == 0 {
		p.packetLossEpoch = now
		return
	}
	if timeDifference(now, p.packetLossEpoch) < PeerPacketLossInterval || p.packetsSent == 0 {
		return
	}

	loss := p.packetsLost * PeerPacketLossScale / p.packetsSent
	p.packetLossVariance = (p.packetLossVariance*3 + absDiff(loss, p.PacketLoss)) / 4
	p.PacketLoss = (p.PacketLoss*7 + loss) / 8

	p.packetLossEpoch = now
	p.packetsSent = 0
	p.packetsLost = 0
}

func (p *Peer) computeWindowSize(hostOutgoing uint32) {
	switch {
	case hostOutgoing == 0 && p.IncomingBandwidth == 0:
		p.windowSize = ProtocolMaximumWindowSize
	case hostOutgoing == 0 || p.IncomingBandwidth == 0:
		p.windowSize = max(hostOutgoing, p.IncomingBandwidth) / PeerWindowSizeScale * ProtocolMinimumWindowSize
	default:
		p.windowSize = min(hostOutgoing, p.IncomingBandwidth) / PeerWindowSizeScale * ProtocolMinimumWindowSize
	}
	p.windowSize = clamp(p.windowSize, ProtocolMinimumWindowSize, ProtocolMaximumWindowSize)
}

func orDefault(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

func clamp(v, lo, hi uint32) uint32 {
	return max(lo, min(v, hi))
}
