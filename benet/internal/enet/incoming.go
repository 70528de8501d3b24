package enet

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"go.uber.org/zap"
)

var (
	errProtocol     = errors.New("enet: protocol violation")
	errNoSuchPeer   = errors.New("enet: datagram for unknown peer")
	errBadChecksum  = errors.New("enet: checksum mismatch")
	errUncompressed = errors.New("enet: compressed datagram without a compressor")
)

var broadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// handleDatagram processes one received datagram. Malformed datagrams are
// dropped; only a failing decompressor is reported to the caller.
func (h *Host) handleDatagram(buf []byte, from netip.AddrPort) error {
	h.receivedData.Add(uint64(len(buf)))
	h.receivedPackets.Add(1)

	if err := h.handleIncomingCommands(buf, from); err != nil {
		if errors.Is(err, ErrDecompress) {
			return err
		}
		h.logger.Debug("dropped datagram", zap.Stringer("from", from), zap.Error(err))
	}
	return nil
}

func (h *Host) handleIncomingCommands(buf []byte, from netip.AddrPort) error {
	hdr, err := decodeHeader(buf)
	if err != nil {
		return err
	}

	var p *Peer
	if hdr.peerID != ProtocolMaximumPeerID {
		if int(hdr.peerID) >= len(h.Peers) {
			return errNoSuchPeer
		}
		p = &h.Peers[hdr.peerID]
		if p.State == PeerStateDisconnected || p.State == PeerStateZombie {
			return errNoSuchPeer
		}
		if p.Address != from && p.Address.Addr() != broadcastAddr {
			return errNoSuchPeer
		}
	}

	headerSize := h.headerSize()
	if len(buf) < headerSize {
		return errTruncated
	}
	body := buf[headerSize:]

	if hdr.flags&headerFlagCompressed != 0 {
		if h.compressor == nil || h.compressor.Decompress == nil {
			return errUncompressed
		}
		n := h.compressor.Decompress(h.compressor.Context, body, h.decompressed[:len(h.decompressed)-headerSize])
		if n <= 0 {
			return ErrDecompress
		}
		body = h.decompressed[:n]
	}

	if h.checksum != nil {
		var scratch [protocolHeaderSize + checksumSize]byte
		copy(scratch[:], buf[:headerSize])
		want := binary.BigEndian.Uint32(scratch[protocolHeaderSize:])
		var seed uint32
		if p != nil {
			seed = p.connectID
		}
		binary.BigEndian.PutUint32(scratch[protocolHeaderSize:], seed)
		if h.checksum([]Buffer{{Data: scratch[:]}, {Data: body}}) != want {
			return errBadChecksum
		}
	}

	if p != nil {
		p.Address = from
	}

	for len(body) > 0 {
		c, payload, rest, err := decodeCommand(body)
		if err != nil {
			return err
		}
		body = rest

		if p == nil && c.typ != CommandConnect {
			return errNoSuchPeer
		}

		switch c.typ {
		case CommandAcknowledge:
			err = h.handleAcknowledge(p, &c)
		case CommandConnect:
			if p != nil {
				return errProtocol
			}
			if p = h.handleConnect(&c, from); p == nil {
				return errNoSuchPeer
			}
		case CommandVerifyConnect:
			err = h.handleVerifyConnect(p, &c)
		case CommandDisconnect:
			h.handleDisconnect(p, &c)
		case CommandPing:
			err = h.handlePing(p)
		case CommandSendReliable:
			err = h.handleSendReliable(p, &c, payload)
		case CommandSendUnreliable:
			err = h.handleSendUnreliable(p, &c, payload)
		case CommandSendUnsequenced:
			err = h.handleSendUnsequenced(p, &c, payload)
		case CommandSendFragment:
			err = h.handleSendFragment(p, &c, payload)
		case CommandBandwidthLimit:
			err = h.handleBandwidthLimit(p, &c)
		case CommandThrottleConfigure:
			err = h.handleThrottleConfigure(p, &c)
		case CommandSendUnreliableFragment:
			err = h.handleSendUnreliableFragment(p, &c, payload)
		}
		if err != nil {
			return err
		}

		if c.flags&commandFlagAcknowledge == 0 || hdr.flags&headerFlagSentTime == 0 {
			continue
		}
		switch p.State {
		case PeerStateDisconnecting, PeerStateAcknowledgingConnect, PeerStateDisconnected, PeerStateZombie:
		case PeerStateAcknowledgingDisconnect:
			if c.typ == CommandDisconnect {
				p.queueAcknowledgement(&c, hdr.sentTime)
			}
		default:
			p.queueAcknowledgement(&c, hdr.sentTime)
		}
	}
	return nil
}

func (h *Host) handleAcknowledge(p *Peer, c *command) error {
	if p.State == PeerStateDisconnected || p.State == PeerStateZombie {
		return nil
	}

	receivedSentTime := uint32(c.receivedSentTime) | h.serviceTime&0xFFFF0000
	if receivedSentTime&0x8000 > h.serviceTime&0x8000 {
		receivedSentTime -= 0x10000
	}
	if timeLess(h.serviceTime, receivedSentTime) {
		return nil
	}

	rtt := max(timeDifference(h.serviceTime, receivedSentTime), 1)
	p.lastReceiveTime = h.serviceTime
	p.earliestTimeout = 0
	p.updateRoundTripTime(rtt, h.serviceTime)

	typ := p.removeSentReliable(c.receivedReliableSeq, c.channelID)

	switch p.State {
	case PeerStateAcknowledgingConnect:
		if typ != CommandVerifyConnect {
			return errProtocol
		}
		h.notifyConnect(p)
	case PeerStateDisconnecting:
		if typ != CommandDisconnect {
			return errProtocol
		}
		h.notifyDisconnect(p)
	case PeerStateDisconnectLater:
		if len(p.outgoingCommands) == 0 && len(p.sentReliableCommands) == 0 {
			p.Disconnect(p.eventData)
		}
	}
	return nil
}

func (h *Host) handleConnect(c *command, from netip.AddrPort) *Peer {
	if c.channelCount < ProtocolMinimumChannelCount || c.channelCount > ProtocolMaximumChannelCount {
		return nil
	}

	var p *Peer
	for i := range h.Peers {
		q := &h.Peers[i]
		if q.State == PeerStateDisconnected {
			if p == nil {
				p = q
			}
			continue
		}
		// a retransmitted connect for a connection already in progress
		if q.State != PeerStateConnecting && q.Address == from && q.connectID == c.connectID {
			return nil
		}
	}
	if p == nil {
		return nil
	}

	channelCount := min(int(c.channelCount), h.channelLimit)
	p.setupChannels(channelCount)
	p.State = PeerStateAcknowledgingConnect
	p.connectID = c.connectID
	p.Address = from
	p.outgoingPeerID = c.outgoingPeerID
	p.IncomingBandwidth = c.incomingBandwidth
	p.OutgoingBandwidth = c.outgoingBandwidth
	p.packetThrottleInterval = c.throttleInterval
	p.packetThrottleAcceleration = c.throttleAcceleration
	p.packetThrottleDeceleration = c.throttleDeceleration
	p.eventData = c.data
	p.mtu = clamp(c.mtu, ProtocolMinimumMTU, ProtocolMaximumMTU)
	p.computeWindowSize(h.outgoingBandwidth)

	var windowSize uint32
	if h.incomingBandwidth == 0 {
		windowSize = ProtocolMaximumWindowSize
	} else {
		windowSize = h.incomingBandwidth / PeerWindowSizeScale * ProtocolMinimumWindowSize
	}
	windowSize = clamp(min(windowSize, c.windowSize), ProtocolMinimumWindowSize, ProtocolMaximumWindowSize)

	p.queueOutgoingCommand(command{
		typ:                  CommandVerifyConnect,
		flags:                commandFlagAcknowledge,
		channelID:            controlChannelID,
		outgoingPeerID:       p.incomingPeerID,
		mtu:                  p.mtu,
		windowSize:           windowSize,
		channelCount:         uint32(channelCount),
		incomingBandwidth:    h.incomingBandwidth,
		outgoingBandwidth:    h.outgoingBandwidth,
		throttleInterval:     p.packetThrottleInterval,
		throttleAcceleration: p.packetThrottleAcceleration,
		throttleDeceleration: p.packetThrottleDeceleration,
		connectID:            p.connectID,
	}, nil, 0, 0)

	h.logger.Debug("incoming connection", zap.Stringer("addr", from), zap.Int("peer", p.ID()))
	return p
}

func (h *Host) handleVerifyConnect(p *Peer, c *command) error {
	if p.State != PeerStateConnecting {
		return nil
	}

	if c.channelCount < ProtocolMinimumChannelCount || c.channelCount > ProtocolMaximumChannelCount ||
		c.throttleInterval != p.packetThrottleInterval ||
		c.throttleAcceleration != p.packetThrottleAcceleration ||
		c.throttleDeceleration != p.packetThrottleDeceleration ||
		c.connectID != p.connectID {
		p.eventData = 0
		p.dispatchState(PeerStateZombie)
		return errProtocol
	}

	p.removeSentReliable(1, controlChannelID)

	if int(c.channelCount) < len(p.channels) {
		p.channels = p.channels[:c.channelCount]
	}
	p.outgoingPeerID = c.outgoingPeerID
	p.mtu = min(p.mtu, clamp(c.mtu, ProtocolMinimumMTU, ProtocolMaximumMTU))
	p.windowSize = min(p.windowSize, clamp(c.windowSize, ProtocolMinimumWindowSize, ProtocolMaximumWindowSize))
	p.IncomingBandwidth = c.incomingBandwidth
	p.OutgoingBandwidth = c.outgoingBandwidth

	h.notifyConnect(p)
	return nil
}

func (h *Host) handleDisconnect(p *Peer, c *command) {
	if p.State == PeerStateDisconnected || p.State == PeerStateZombie || p.State == PeerStateAcknowledgingDisconnect {
		return
	}

	p.resetQueues()

	switch {
	case p.State == PeerStateConnectionSucceeded || p.State == PeerStateDisconnecting || p.State == PeerStateConnecting:
		p.dispatchState(PeerStateZombie)
	case !p.active():
		p.Reset()
	case c.flags&commandFlagAcknowledge != 0:
		p.changeState(PeerStateAcknowledgingDisconnect)
	default:
		p.dispatchState(PeerStateZombie)
	}

	if p.State != PeerStateDisconnected {
		p.eventData = c.data
	}
}

func (h *Host) handlePing(p *Peer) error {
	if !p.active() {
		return errProtocol
	}
	return nil
}

func (h *Host) handleBandwidthLimit(p *Peer, c *command) error {
	if !p.active() {
		return errProtocol
	}
	p.IncomingBandwidth = c.incomingBandwidth
	p.OutgoingBandwidth = c.outgoingBandwidth
	p.computeWindowSize(h.outgoingBandwidth)
	return nil
}

func (h *Host) handleThrottleConfigure(p *Peer, c *command) error {
	if !p.active() {
		return errProtocol
	}
	p.packetThrottleInterval = c.throttleInterval
	p.packetThrottleAcceleration = c.throttleAcceleration
	p.packetThrottleDeceleration = c.throttleDeceleration
	return nil
}

func (h *Host) checkSend(p *Peer, c *command) error {
	if int(c.channelID) >= len(p.channels) || !p.active() {
		return errProtocol
	}
	return nil
}

func (h *Host) handleSendReliable(p *Peer, c *command, payload []byte) error {
	if err := h.checkSend(p, c); err != nil {
		return err
	}
	_, err := h.queueIncomingCommand(p, c, payload, len(payload), PacketFlagReliable, 0)
	return err
}

func (h *Host) handleSendUnreliable(p *Peer, c *command, payload []byte) error {
	if err := h.checkSend(p, c); err != nil {
		return err
	}
	_, err := h.queueIncomingCommand(p, c, payload, len(payload), 0, 0)
	return err
}

func (h *Host) handleSendUnsequenced(p *Peer, c *command, payload []byte) error {
	if err := h.checkSend(p, c); err != nil {
		return err
	}

	group := uint32(c.unreliableSeq)
	index := group % PeerUnsequencedWindowSize
	if group < uint32(p.incomingUnsequencedGroup) {
		group += 0x10000
	}
	if group >= uint32(p.incomingUnsequencedGroup)+PeerFreeUnsequencedWindows*PeerUnsequencedWindowSize {
		return nil
	}
	group &= 0xFFFF

	if group-index != uint32(p.incomingUnsequencedGroup) {
		p.incomingUnsequencedGroup = uint16(group - index)
		clear(p.unsequencedWindow[:])
	} else if p.unsequencedWindow[index/32]&(1<<(index%32)) != 0 {
		return nil
	}

	if _, err := h.queueIncomingCommand(p, c, payload, len(payload), PacketFlagUnsequenced, 0); err != nil {
		return err
	}
	p.unsequencedWindow[index/32] |= 1 << (index % 32)
	return nil
}

// reliableWindowOpen reports whether seq falls inside the receive window of ch.
func reliableWindowOpen(ch *channel, seq uint16) bool {
	window := seq / PeerReliableWindowSize
	current := ch.incomingReliableSeq / PeerReliableWindowSize
	if seq < ch.incomingReliableSeq {
		window += PeerReliableWindows
	}
	return window >= current && window < current+PeerFreeReliableWindows-1
}

func (h *Host) validFragment(c *command, payloadLen int) bool {
	return c.fragmentCount > 0 && c.fragmentCount <= ProtocolMaximumFragmentCount &&
		c.fragmentNumber < c.fragmentCount &&
		int(c.totalLength) <= h.maximumPacketSize &&
		c.totalLength >= c.fragmentCount &&
		c.fragmentOffset < c.totalLength &&
		uint32(payloadLen) <= c.totalLength-c.fragmentOffset
}

func (h *Host) handleSendFragment(p *Peer, c *command, payload []byte) error {
	if err := h.checkSend(p, c); err != nil {
		return err
	}
	ch := &p.channels[c.channelID]
	if !reliableWindowOpen(ch, c.startSeq) {
		return nil
	}
	if !h.validFragment(c, len(payload)) {
		return errProtocol
	}

	var start *incomingCommand
	for i := len(ch.incomingReliable) - 1; i >= 0; i-- {
		ic := ch.incomingReliable[i]
		if ic.reliableSeq != c.startSeq {
			continue
		}
		if ic.typ != CommandSendFragment || len(ic.packet.Data) != int(c.totalLength) || ic.fragmentCount != c.fragmentCount {
			return errProtocol
		}
		start = ic
		break
	}

	if start == nil {
		sc := *c
		sc.reliableSeq = c.startSeq
		var err error
		start, err = h.queueIncomingCommand(p, &sc, nil, int(c.totalLength), PacketFlagReliable, c.fragmentCount)
		if err != nil || start == nil {
			return err
		}
	}

	h.storeFragment(start, c, payload)
	if start.fragmentsRemaining == 0 {
		p.dispatchIncomingReliable(ch)
	}
	return nil
}

func (h *Host) handleSendUnreliableFragment(p *Peer, c *command, payload []byte) error {
	if err := h.checkSend(p, c); err != nil {
		return err
	}
	ch := &p.channels[c.channelID]
	if !reliableWindowOpen(ch, c.reliableSeq) {
		return nil
	}
	if c.reliableSeq == ch.incomingReliableSeq && c.startSeq <= ch.incomingUnreliableSeq {
		return nil
	}
	if !h.validFragment(c, len(payload)) {
		return errProtocol
	}

	var start *incomingCommand
	for i := len(ch.incomingUnreliable) - 1; i >= 0; i-- {
		ic := ch.incomingUnreliable[i]
		if ic.typ != CommandSendUnreliableFragment || ic.reliableSeq != c.reliableSeq || ic.unreliableSeq != c.startSeq {
			continue
		}
		if len(ic.packet.Data) != int(c.totalLength) || ic.fragmentCount != c.fragmentCount {
			return errProtocol
		}
		start = ic
		break
	}

	if start == nil {
		sc := *c
		sc.unreliableSeq = c.startSeq
		var err error
		start, err = h.queueIncomingCommand(p, &sc, nil, int(c.totalLength), PacketFlagUnreliableFragment, c.fragmentCount)
		if err != nil || start == nil {
			return err
		}
	}

	h.storeFragment(start, c, payload)
	if start.fragmentsRemaining == 0 {
		p.dispatchIncomingUnreliable(ch)
	}
	return nil
}

func (h *Host) storeFragment(start *incomingCommand, c *command, payload []byte) {
	n := c.fragmentNumber
	if start.fragments[n/32]&(1<<(n%32)) != 0 {
		return
	}
	start.fragmentsRemaining--
	start.fragments[n/32] |= 1 << (n % 32)
	copy(start.packet.Data[c.fragmentOffset:], payload)
}

// queueIncomingCommand stores a received send command on its channel. A nil
// command with a nil error means the command was a duplicate or out of window.
func (h *Host) queueIncomingCommand(p *Peer, c *command, data []byte, dataLength int, flags PacketFlag, fragmentCount uint32) (*incomingCommand, error) {
	if p.State == PeerStateDisconnectLater {
		return nil, nil
	}
	ch := &p.channels[c.channelID]

	if c.typ != CommandSendUnsequenced && !reliableWindowOpen(ch, c.reliableSeq) {
		return nil, nil
	}

	var (
		list *[]*incomingCommand
		pos  int
	)
	switch c.typ {
	case CommandSendFragment, CommandSendReliable:
		if c.reliableSeq == ch.incomingReliableSeq {
			return nil, nil
		}
		list = &ch.incomingReliable
		pos = 0
		for i := len(ch.incomingReliable) - 1; i >= 0; i-- {
			ic := ch.incomingReliable[i]
			if c.reliableSeq >= ch.incomingReliableSeq {
				if ic.reliableSeq < ch.incomingReliableSeq {
					continue
				}
			} else if ic.reliableSeq >= ch.incomingReliableSeq {
				pos = i + 1
				break
			}
			if ic.reliableSeq <= c.reliableSeq {
				if ic.reliableSeq < c.reliableSeq {
					pos = i + 1
					break
				}
				return nil, nil
			}
		}

	case CommandSendUnreliable, CommandSendUnreliableFragment:
		if c.reliableSeq == ch.incomingReliableSeq && c.unreliableSeq <= ch.incomingUnreliableSeq {
			return nil, nil
		}
		list = &ch.incomingUnreliable
		pos = 0
		for i := len(ch.incomingUnreliable) - 1; i >= 0; i-- {
			ic := ch.incomingUnreliable[i]
			if ic.typ == CommandSendUnsequenced {
				continue
			}
			if c.reliableSeq >= ch.incomingReliableSeq {
				if ic.reliableSeq < ch.incomingReliableSeq {
					continue
				}
			} else if ic.reliableSeq >= ch.incomingReliableSeq {
				pos = i + 1
				break
			}
			if ic.reliableSeq < c.reliableSeq {
				pos = i + 1
				break
			}
			if ic.reliableSeq > c.reliableSeq {
				continue
			}
			if ic.unreliableSeq <= c.unreliableSeq {
				if ic.unreliableSeq < c.unreliableSeq {
					pos = i + 1
					break
				}
				return nil, nil
			}
		}

	case CommandSendUnsequenced:
		list = &ch.incomingUnreliable
		pos = len(ch.incomingUnreliable)

	default:
		return nil, nil
	}

	if p.totalWaitingData >= h.maximumWaitingData {
		return nil, errProtocol
	}

	ic := &incomingCommand{
		typ:                c.typ,
		reliableSeq:        c.reliableSeq,
		unreliableSeq:      c.unreliableSeq,
		fragmentCount:      fragmentCount,
		fragmentsRemaining: fragmentCount,
		channelID:          c.channelID,
		packet:             newIncomingPacket(data, dataLength, flags),
	}
	ic.packet.retain()
	if fragmentCount > 0 {
		ic.fragments = make([]uint32, (fragmentCount+31)/32)
	}
	p.totalWaitingData += len(ic.packet.Data)

	*list = append(*list, nil)
	copy((*list)[pos+1:], (*list)[pos:])
	(*list)[pos] = ic

	if c.typ == CommandSendFragment || c.typ == CommandSendReliable {
		p.dispatchIncomingReliable(ch)
	} else {
		p.dispatchIncomingUnreliable(ch)
	}
	return ic, nil
}

func (p *Peer) dispatchIncomingReliable(ch *channel) {
	n := 0
	for _, ic := range ch.incomingReliable {
		if ic.fragmentsRemaining > 0 || ic.reliableSeq != ch.incomingReliableSeq+1 {
			break
		}
		ch.incomingReliableSeq = ic.reliableSeq
		if ic.fragmentCount > 0 {
			ch.incomingReliableSeq += uint16(ic.fragmentCount - 1)
		}
		n++
	}
	if n == 0 {
		return
	}

	p.dispatchedCommands = append(p.dispatchedCommands, ch.incomingReliable[:n]...)
	clear(ch.incomingReliable[:n])
	ch.incomingReliable = ch.incomingReliable[n:]
	ch.incomingUnreliableSeq = 0
	p.Host.queueDispatch(p)

	if len(ch.incomingUnreliable) > 0 {
		p.dispatchIncomingUnreliable(ch)
	}
}

func (p *Peer) dispatchIncomingUnreliable(ch *channel) {
	var kept []*incomingCommand
	dispatched := false
	for i, ic := range ch.incomingUnreliable {
		if ic.typ == CommandSendUnsequenced {
			p.dispatchedCommands = append(p.dispatchedCommands, ic)
			dispatched = true
			continue
		}
		if ic.reliableSeq == ch.incomingReliableSeq {
			if ic.fragmentsRemaining > 0 {
				kept = append(kept, ic)
				continue
			}
			ch.incomingUnreliableSeq = ic.unreliableSeq
			p.dispatchedCommands = append(p.dispatchedCommands, ic)
			dispatched = true
			continue
		}
		if reliableWindowOpen(ch, ic.reliableSeq) {
			// waiting for the reliable command it is sequenced after
			kept = append(kept, ch.incomingUnreliable[i:]...)
			break
		}
		p.dropIncoming(ic)
	}
	ch.incomingUnreliable = kept

	if dispatched {
		p.Host.queueDispatch(p)
	}
}

func (p *Peer) dropIncoming(ic *incomingCommand) {
	p.totalWaitingData -= len(ic.packet.Data)
	ic.packet.release(false)
}
