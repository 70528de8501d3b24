package enet

import (
	"encoding/binary"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// maxReceivesPerService bounds how many datagrams one pass drains from the socket.
const maxReceivesPerService = 256

// MaxServiceTimeout is the longest wait a single Service call honors. Longer
// timeouts are shortened to it, since host timestamps wrap.
const MaxServiceTimeout = (timeOverflow - 1) * time.Millisecond

// Service sends queued commands, receives datagrams and fills ev with the next
// event. It waits up to timeout for one; a zero timeout polls once. The result
// is false when no event was produced.
//
// Timeouts are measured on the host clock; with a mock clock only a zero timeout
// is meaningful.
func (h *Host) Service(ev *Event, timeout time.Duration) (bool, error) {
	if h.destroyed {
		return false, ErrHostDestroyed
	}
	*ev = Event{}
	if h.dispatchIncoming(ev) {
		return true, nil
	}

	h.serviceTime = h.now()
	deadline := serviceDeadline(h.serviceTime, timeout)

	for {
		if err := h.sendOutgoingCommands(true); err != nil {
			return false, err
		}
		if err := h.receiveIncomingCommands(); err != nil {
			return false, err
		}
		if err := h.sendOutgoingCommands(true); err != nil {
			return false, err
		}
		if h.dispatchIncoming(ev) {
			return true, nil
		}

		h.serviceTime = h.now()
		if timeGreaterEqual(h.serviceTime, deadline) {
			return false, nil
		}

		wait := time.Duration(timeDifference(deadline, h.serviceTime)) * time.Millisecond
		n, from, ok, err := h.sock.wait(wait, h.receiveBuf)
		if err != nil {
			return false, err
		}
		h.serviceTime = h.now()
		if ok {
			if err := h.handleDatagram(h.receiveBuf[:n], from); err != nil {
				return false, err
			}
		}
	}
}

func serviceDeadline(now uint32, timeout time.Duration) uint32 {
	return now + uint32(min(timeout, MaxServiceTimeout)/time.Millisecond)
}

// CheckEvents fills ev with an already queued event without touching the network.
func (h *Host) CheckEvents(ev *Event) bool {
	*ev = Event{}
	if h.destroyed {
		return false
	}
	return h.dispatchIncoming(ev)
}

func (h *Host) dispatchIncoming(ev *Event) bool {
	for len(h.dispatchQueue) > 0 {
		p := h.dispatchQueue[0]
		h.dispatchQueue[0] = nil
		h.dispatchQueue = h.dispatchQueue[1:]
		p.needsDispatch = false

		switch p.State {
		case PeerStateConnectionPending, PeerStateConnectionSucceeded:
			p.changeState(PeerStateConnected)
			*ev = Event{Type: EventConnect, Peer: p, Data: p.eventData}
			return true

		case PeerStateZombie:
			*ev = Event{Type: EventDisconnect, Peer: p, Data: p.eventData}
			p.Reset()
			return true

		case PeerStateConnected:
			packet, channelID, ok := p.Receive()
			if !ok {
				continue
			}
			*ev = Event{Type: EventReceive, Peer: p, ChannelID: channelID, Packet: packet}
			if len(p.dispatchedCommands) > 0 {
				h.queueDispatch(p)
			}
			return true
		}
	}
	return false
}

func (h *Host) notifyConnect(p *Peer) {
	if p.State == PeerStateConnecting {
		p.dispatchState(PeerStateConnectionSucceeded)
	} else {
		p.dispatchState(PeerStateConnectionPending)
	}
}

func (h *Host) notifyDisconnect(p *Peer) {
	if p.State != PeerStateConnecting && p.State < PeerStateConnectionSucceeded {
		// the application never saw this connection
		p.Reset()
		return
	}
	p.eventData = 0
	p.dispatchState(PeerStateZombie)
}

func (h *Host) sendOutgoingCommands(checkForTimeouts bool) error {
	var errs error
	h.continueSending = true
	for h.continueSending {
		h.continueSending = false
		for i := range h.Peers {
			p := &h.Peers[i]
			if p.State == PeerStateDisconnected || p.State == PeerStateZombie {
				continue
			}

			h.headerFlags = 0
			h.commandCount = 0
			h.commandUsed = 0
			h.buffers = h.buffers[:1]
			h.packetSize = h.headerSize()

			if len(p.acknowledgements) > 0 {
				h.sendAcknowledgements(p)
			}

			if checkForTimeouts && len(p.sentReliableCommands) > 0 &&
				timeGreaterEqual(h.serviceTime, p.nextTimeout) && h.checkTimeouts(p) {
				continue
			}

			if (len(p.outgoingCommands) == 0 || h.checkOutgoingCommands(p)) &&
				len(p.sentReliableCommands) == 0 &&
				timeDifference(h.serviceTime, p.lastReceiveTime) >= p.pingInterval &&
				int(p.mtu)-h.packetSize >= commandSizes[CommandPing] {
				p.Ping()
				h.checkOutgoingCommands(p)
			}

			if h.commandCount == 0 {
				continue
			}

			p.updatePacketLoss(h.serviceTime)
			if err := h.sendDatagram(p); err != nil {
				errs = multierr.Append(errs, err)
			}
			h.removeSentUnreliableCommands(p)
		}
	}
	return errs
}

func (h *Host) sendAcknowledgements(p *Peer) {
	size := commandSizes[CommandAcknowledge]
	for len(p.acknowledgements) > 0 {
		if h.commandCount >= ProtocolMaximumPacketCommands || int(p.mtu)-h.packetSize < size {
			h.continueSending = true
			break
		}
		ack := p.acknowledgements[0]
		p.acknowledgements = p.acknowledgements[1:]

		h.appendCommand(&command{
			typ:                 CommandAcknowledge,
			channelID:           ack.channelID,
			reliableSeq:         ack.reliableSeq,
			receivedReliableSeq: ack.reliableSeq,
			receivedSentTime:    ack.sentTime,
		}, nil)

		if ack.commandType == CommandDisconnect {
			p.dispatchState(PeerStateZombie)
		}
	}
}

// checkTimeouts requeues expired reliable commands and reports whether the
// peer timed out.
func (h *Host) checkTimeouts(p *Peer) bool {
	var resend []*outgoingCommand
	kept := p.sentReliableCommands[:0]
	for _, oc := range p.sentReliableCommands {
		if timeDifference(h.serviceTime, oc.sentTime) < oc.roundTripTimeout {
			kept = append(kept, oc)
			continue
		}

		if p.earliestTimeout == 0 || timeLess(oc.sentTime, p.earliestTimeout) {
			p.earliestTimeout = oc.sentTime
		}
		if p.earliestTimeout != 0 {
			elapsed := timeDifference(h.serviceTime, p.earliestTimeout)
			if elapsed >= p.timeoutMaximum ||
				(uint32(1)<<(oc.sendAttempts-1) >= p.timeoutLimit && elapsed >= p.timeoutMinimum) {
				h.logger.Debug("peer timed out", zap.Int("peer", p.ID()), zap.Stringer("addr", p.Address))
				h.notifyDisconnect(p)
				return true
			}
		}

		p.packetsLost++
		oc.roundTripTimeout *= 2
		if oc.packet != nil {
			p.reliableDataInTransit -= uint32(oc.fragmentLength)
		}
		resend = append(resend, oc)
	}
	clear(p.sentReliableCommands[len(kept):])
	p.sentReliableCommands = kept

	if len(resend) > 0 {
		p.outgoingCommands = append(resend, p.outgoingCommands...)
	}
	if len(p.sentReliableCommands) > 0 {
		first := p.sentReliableCommands[0]
		p.nextTimeout = first.sentTime + first.roundTripTimeout
	}
	return false
}

// checkOutgoingCommands moves as many queued commands as fit into the current
// datagram. It reports whether the datagram is still free for a ping.
func (h *Host) checkOutgoingCommands(p *Peer) bool {
	canPing := true
	reliableBlocked := false

	for i := 0; i < len(p.outgoingCommands); {
		oc := p.outgoingCommands[i]

		var ch *channel
		if oc.reliable() {
			if reliableBlocked {
				i++
				continue
			}
			if oc.cmd.channelID != controlChannelID && int(oc.cmd.channelID) < len(p.channels) {
				ch = &p.channels[oc.cmd.channelID]
			}
			window := oc.reliableSeq / PeerReliableWindowSize
			if ch != nil && oc.sendAttempts < 1 && oc.reliableSeq%PeerReliableWindowSize == 0 &&
				(ch.reliableWindows[(window+PeerReliableWindows-1)%PeerReliableWindows] >= PeerReliableWindowSize ||
					ch.usedReliableWindows&windowMask(window) != 0) {
				reliableBlocked = true
				i++
				continue
			}
			if oc.packet != nil {
				windowSize := p.packetThrottle * p.windowSize / PeerPacketThrottleScale
				if p.reliableDataInTransit+uint32(oc.fragmentLength) > max(windowSize, p.mtu) {
					reliableBlocked = true
					i++
					continue
				}
			}
			canPing = false
		}

		size := oc.cmd.size()
		room := int(p.mtu) - h.packetSize
		if h.commandCount >= ProtocolMaximumPacketCommands || room < size ||
			(oc.packet != nil && room < size+int(oc.fragmentLength)) {
			h.continueSending = true
			break
		}

		if oc.reliable() {
			if ch != nil && oc.sendAttempts < 1 {
				window := oc.reliableSeq / PeerReliableWindowSize
				ch.usedReliableWindows |= 1 << window
				ch.reliableWindows[window]++
			}
			oc.sendAttempts++
			if oc.roundTripTimeout == 0 {
				oc.roundTripTimeout = p.RoundTripTime + 4*p.roundTripTimeVariance
				oc.roundTripTimeoutLimit = p.timeoutLimit * oc.roundTripTimeout
			}
			if len(p.sentReliableCommands) == 0 {
				p.nextTimeout = h.serviceTime + oc.roundTripTimeout
			}
			p.outgoingCommands = append(p.outgoingCommands[:i], p.outgoingCommands[i+1:]...)
			p.sentReliableCommands = append(p.sentReliableCommands, oc)
			oc.sentTime = h.serviceTime
			h.headerFlags |= headerFlagSentTime
			p.reliableDataInTransit += uint32(oc.fragmentLength)
		} else {
			if oc.packet != nil && oc.fragmentOffset == 0 {
				p.packetThrottleCounter += PeerPacketThrottleCounter
				p.packetThrottleCounter %= PeerPacketThrottleScale
				if p.packetThrottleCounter > p.packetThrottle {
					// throttled: drop the packet along with its remaining fragments
					reliableSeq, unreliableSeq := oc.reliableSeq, oc.unreliableSeq
					for i < len(p.outgoingCommands) {
						next := p.outgoingCommands[i]
						if next.reliable() || next.packet == nil || next.reliableSeq != reliableSeq || next.unreliableSeq != unreliableSeq ||
							(next != oc && next.fragmentOffset == 0) {
							break
						}
						next.packet.release(false)
						p.outgoingCommands = append(p.outgoingCommands[:i], p.outgoingCommands[i+1:]...)
					}
					continue
				}
			}
			p.outgoingCommands = append(p.outgoingCommands[:i], p.outgoingCommands[i+1:]...)
			if oc.packet != nil {
				h.sentUnrel = append(h.sentUnrel, oc)
			}
		}

		var payload []byte
		if oc.packet != nil {
			payload = oc.packet.Data[oc.fragmentOffset : oc.fragmentOffset+uint32(oc.fragmentLength)]
		}
		h.appendCommand(&oc.cmd, payload)
		p.packetsSent++
	}
	return canPing
}

// windowMask selects the reliable windows that must be free before window is entered.
func windowMask(window uint16) uint16 {
	const span = 1<<(PeerFreeReliableWindows+2) - 1
	return uint16(span<<window | span>>(PeerReliableWindows-window))
}

func (h *Host) appendCommand(c *command, payload []byte) {
	n := c.encode(h.commandBuf[h.commandUsed:])
	h.buffers = append(h.buffers, Buffer{Data: h.commandBuf[h.commandUsed : h.commandUsed+n]})
	h.commandUsed += n
	h.packetSize += n
	if len(payload) > 0 {
		h.buffers = append(h.buffers, Buffer{Data: payload})
		h.packetSize += len(payload)
	}
	h.commandCount++
}

func (h *Host) sendDatagram(p *Peer) error {
	headerSize := h.headerSize()
	bodySize := h.packetSize - headerSize

	compressed := 0
	if h.compressor != nil && h.compressor.Compress != nil && bodySize > 0 {
		n := h.compressor.Compress(h.compressor.Context, h.buffers[1:], bodySize, h.compressBuf[:bodySize])
		if n > 0 && n < bodySize {
			h.headerFlags |= headerFlagCompressed
			compressed = n
		}
	}

	hdr := header{peerID: p.outgoingPeerID, flags: h.headerFlags}
	if h.headerFlags&headerFlagSentTime != 0 {
		hdr.sentTime = uint16(h.serviceTime)
	}
	hdr.encode(h.headerBuf[:])
	h.buffers[0] = Buffer{Data: h.headerBuf[:headerSize]}

	if h.checksum != nil {
		var seed uint32
		if p.outgoingPeerID < ProtocolMaximumPeerID {
			seed = p.connectID
		}
		binary.BigEndian.PutUint32(h.headerBuf[protocolHeaderSize:], seed)
		binary.BigEndian.PutUint32(h.headerBuf[protocolHeaderSize:], h.checksum(h.buffers))
	}

	out := append(h.sendBuf[:0], h.headerBuf[:headerSize]...)
	if compressed > 0 {
		out = append(out, h.compressBuf[:compressed]...)
	} else {
		for _, b := range h.buffers[1:] {
			out = append(out, b.Data...)
		}
	}
	h.sendBuf = out

	p.lastSendTime = h.serviceTime
	if _, err := h.sock.send(p.Address, out); err != nil {
		if isTransient(err) {
			return nil
		}
		return err
	}
	h.sentData.Add(uint64(len(out)))
	h.sentPackets.Add(1)
	return nil
}

func (h *Host) removeSentUnreliableCommands(p *Peer) {
	for _, oc := range h.sentUnrel {
		oc.packet.release(true)
	}
	clear(h.sentUnrel)
	h.sentUnrel = h.sentUnrel[:0]

	if p.State == PeerStateDisconnectLater && len(p.outgoingCommands) == 0 && len(p.sentReliableCommands) == 0 {
		p.Disconnect(p.eventData)
	}
}

func (h *Host) receiveIncomingCommands() error {
	for range maxReceivesPerService {
		n, from, ok, err := h.sock.receive(h.receiveBuf)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := h.handleDatagram(h.receiveBuf[:n], from); err != nil {
			return err
		}
	}
	return nil
}
