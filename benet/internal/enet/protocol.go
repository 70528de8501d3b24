package enet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CommandType identifies a protocol command.
type CommandType uint8

const (
	CommandNone                   CommandType = 0
	CommandAcknowledge            CommandType = 1
	CommandConnect                CommandType = 2
	CommandVerifyConnect          CommandType = 3
	CommandDisconnect             CommandType = 4
	CommandPing                   CommandType = 5
	CommandSendReliable           CommandType = 6
	CommandSendUnreliable         CommandType = 7
	CommandSendFragment           CommandType = 8
	CommandSendUnsequenced        CommandType = 9
	CommandBandwidthLimit         CommandType = 10
	CommandThrottleConfigure      CommandType = 11
	CommandSendUnreliableFragment CommandType = 12
	commandCount                  CommandType = 13
)

func (t CommandType) String() string {
	switch t {
	case CommandAcknowledge:
		return "ACKNOWLEDGE"
	case CommandConnect:
		return "CONNECT"
	case CommandVerifyConnect:
		return "VERIFY_CONNECT"
	case CommandDisconnect:
		return "DISCONNECT"
	case CommandPing:
		return "PING"
	case CommandSendReliable:
		return "SEND_RELIABLE"
	case CommandSendUnreliable:
		return "SEND_UNRELIABLE"
	case CommandSendFragment:
		return "SEND_FRAGMENT"
	case CommandSendUnsequenced:
		return "SEND_UNSEQUENCED"
	case CommandBandwidthLimit:
		return "BANDWIDTH_LIMIT"
	case CommandThrottleConfigure:
		return "THROTTLE_CONFIGURE"
	case CommandSendUnreliableFragment:
		return "SEND_UNRELIABLE_FRAGMENT"
	default:
		return "NONE"
	}
}

const (
	commandFlagAcknowledge uint8 = 1 << 7
	commandFlagUnsequenced uint8 = 1 << 6
	commandMask            uint8 = 0x0F

	headerFlagCompressed uint16 = 1 << 14
	headerFlagSentTime   uint16 = 1 << 15
	headerFlagMask       uint16 = headerFlagCompressed | headerFlagSentTime

	// peerID(2) + sentTime(2)
	protocolHeaderSize = 4
	checksumSize       = 4
	commandHeaderSize  = 4

	controlChannelID = 0xFF
)

// commandSizes holds the fixed wire size of each command, payload excluded.
var commandSizes = [commandCount]int{
	CommandNone:                   0,
	CommandAcknowledge:            commandHeaderSize + 4,
	CommandConnect:                commandHeaderSize + 2 + 40,
	CommandVerifyConnect:          commandHeaderSize + 2 + 36,
	CommandDisconnect:             commandHeaderSize + 4,
	CommandPing:                   commandHeaderSize,
	CommandSendReliable:           commandHeaderSize + 2,
	CommandSendUnreliable:         commandHeaderSize + 4,
	CommandSendFragment:           commandHeaderSize + 20,
	CommandSendUnsequenced:        commandHeaderSize + 4,
	CommandBandwidthLimit:         commandHeaderSize + 8,
	CommandThrottleConfigure:      commandHeaderSize + 12,
	CommandSendUnreliableFragment: commandHeaderSize + 20,
}

// maxCommandSize bounds the scratch space used when encoding one command.
const maxCommandSize = commandHeaderSize + 2 + 40

var (
	errTruncated      = errors.New("enet: truncated command")
	errUnknownCommand = errors.New("enet: unknown command")
)

// command is the decoded form of every protocol command. Only the fields
// relevant to typ are meaningful.
type command struct {
	typ         CommandType
	flags       uint8
	channelID   uint8
	reliableSeq uint16

	// ACKNOWLEDGE
	receivedReliableSeq uint16
	receivedSentTime    uint16

	// CONNECT, VERIFY_CONNECT, BANDWIDTH_LIMIT, THROTTLE_CONFIGURE, DISCONNECT
	outgoingPeerID       uint16
	mtu                  uint32
	windowSize           uint32
	channelCount         uint32
	incomingBandwidth    uint32
	outgoingBandwidth    uint32
	throttleInterval     uint32
	throttleAcceleration uint32
	throttleDeceleration uint32
	connectID            uint32
	data                 uint32

	// SEND_*
	unreliableSeq  uint16 // also the unsequenced group
	startSeq       uint16
	dataLength     uint16
	fragmentCount  uint32
	fragmentNumber uint32
	totalLength    uint32
	fragmentOffset uint32
}

func (c *command) size() int { return commandSizes[c.typ] }

// encode writes the fixed part of c into b, which must hold at least c.size() bytes.
func (c *command) encode(b []byte) int {
	be := binary.BigEndian
	b[0] = uint8(c.typ) | c.flags
	b[1] = c.channelID
	be.PutUint16(b[2:], c.reliableSeq)
	body := b[commandHeaderSize:]

	switch c.typ {
	case CommandAcknowledge:
		be.PutUint16(body[0:], c.receivedReliableSeq)
		be.PutUint16(body[2:], c.receivedSentTime)
	case CommandConnect, CommandVerifyConnect:
		be.PutUint16(body[0:], c.outgoingPeerID)
		fields := []uint32{
			c.mtu, c.windowSize, c.channelCount, c.incomingBandwidth, c.outgoingBandwidth,
			c.throttleInterval, c.throttleAcceleration, c.throttleDeceleration, c.connectID,
		}
		if c.typ == CommandConnect {
			fields = append(fields, c.data)
		}
		for i, v := range fields {
			be.PutUint32(body[2+4*i:], v)
		}
	case CommandDisconnect:
		be.PutUint32(body[0:], c.data)
	case CommandSendReliable:
		be.PutUint16(body[0:], c.dataLength)
	case CommandSendUnreliable, CommandSendUnsequenced:
		be.PutUint16(body[0:], c.unreliableSeq)
		be.PutUint16(body[2:], c.dataLength)
	case CommandSendFragment, CommandSendUnreliableFragment:
		be.PutUint16(body[0:], c.startSeq)
		be.PutUint16(body[2:], c.dataLength)
		be.PutUint32(body[4:], c.fragmentCount)
		be.PutUint32(body[8:], c.fragmentNumber)
		be.PutUint32(body[12:], c.totalLength)
		be.PutUint32(body[16:], c.fragmentOffset)
	case CommandBandwidthLimit:
		be.PutUint32(body[0:], c.incomingBandwidth)
		be.PutUint32(body[4:], c.outgoingBandwidth)
	case CommandThrottleConfigure:
		be.PutUint32(body[0:], c.throttleInterval)
		be.PutUint32(body[4:], c.throttleAcceleration)
		be.PutUint32(body[8:], c.throttleDeceleration)
	}
	return c.size()
}

// decodeCommand parses one command from b and returns it with its payload and
// the remaining bytes.
func decodeCommand(b []byte) (command, []byte, []byte, error) {
	var c command
	if len(b) < commandHeaderSize {
		return c, nil, nil, errTruncated
	}
	c.typ = CommandType(b[0] & commandMask)
	c.flags = b[0] &^ commandMask
	if c.typ == CommandNone || c.typ >= commandCount {
		return c, nil, nil, fmt.Errorf("%w: %d", errUnknownCommand, c.typ)
	}
	size := commandSizes[c.typ]
	if len(b) < size {
		return c, nil, nil, errTruncated
	}

	be := binary.BigEndian
	c.channelID = b[1]
	c.reliableSeq = be.Uint16(b[2:])
	body := b[commandHeaderSize:size]

	switch c.typ {
	case CommandAcknowledge:
		c.receivedReliableSeq = be.Uint16(body[0:])
		c.receivedSentTime = be.Uint16(body[2:])
	case CommandConnect, CommandVerifyConnect:
		c.outgoingPeerID = be.Uint16(body[0:])
		fields := []*uint32{
			&c.mtu, &c.windowSize, &c.channelCount, &c.incomingBandwidth, &c.outgoingBandwidth,
			&c.throttleInterval, &c.throttleAcceleration, &c.throttleDeceleration, &c.connectID,
		}
		if c.typ == CommandConnect {
			fields = append(fields, &c.data)
		}
		for i, f := range fields {
			*f = be.Uint32(body[2+4*i:])
		}
	case CommandDisconnect:
		c.data = be.Uint32(body[0:])
	case CommandSendReliable:
		c.dataLength = be.Uint16(body[0:])
	case CommandSendUnreliable, CommandSendUnsequenced:
		c.unreliableSeq = be.Uint16(body[0:])
		c.dataLength = be.Uint16(body[2:])
	case CommandSendFragment, CommandSendUnreliableFragment:
		c.startSeq = be.Uint16(body[0:])
		c.dataLength = be.Uint16(body[2:])
		c.fragmentCount = be.Uint32(body[4:])
		c.fragmentNumber = be.Uint32(body[8:])
		c.totalLength = be.Uint32(body[12:])
		c.fragmentOffset = be.Uint32(body[16:])
	case CommandBandwidthLimit:
		c.incomingBandwidth = be.Uint32(body[0:])
		c.outgoingBandwidth = be.Uint32(body[4:])
	case CommandThrottleConfigure:
		c.throttleInterval = be.Uint32(body[0:])
		c.throttleAcceleration = be.Uint32(body[4:])
		c.throttleDeceleration = be.Uint32(body[8:])
	}

	rest := b[size:]
	var payload []byte
	switch c.typ {
	case CommandSendReliable, CommandSendUnreliable, CommandSendUnsequenced,
		CommandSendFragment, CommandSendUnreliableFragment:
		if len(rest) < int(c.dataLength) {
			return c, nil, nil, errTruncated
		}
		payload = rest[:c.dataLength]
		rest = rest[c.dataLength:]
	}
	return c, payload, rest, nil
}

// header is the datagram header.
type header struct {
	peerID   uint16
	flags    uint16
	sentTime uint16
}

func (h header) encode(b []byte) {
	binary.BigEndian.PutUint16(b[0:], h.peerID|h.flags)
	binary.BigEndian.PutUint16(b[2:], h.sentTime)
}

func decodeHeader(b []byte) (header, error) {
	if len(b) < protocolHeaderSize {
		return header{}, errTruncated
	}
	raw := binary.BigEndian.Uint16(b[0:])
	return header{
		peerID:   raw &^ headerFlagMask,
		flags:    raw & headerFlagMask,
		sentTime: binary.BigEndian.Uint16(b[2:]),
	}, nil
}
