package benet

import (
	"fmt"
	"time"

	"github.com/TheusHen/benet/benet/internal/enet"
)

const (
	// MaximumChannelCount is the largest channel count of a connection.
	MaximumChannelCount = enet.ProtocolMaximumChannelCount
	// MaximumPeerCount is the largest peer table a host can have.
	MaximumPeerCount = enet.ProtocolMaximumPeerID
	// PacketLossScale is the denominator of PeerInfo.PacketLoss.
	PacketLossScale = enet.PeerPacketLossScale
	// PacketThrottleScale is the denominator of throttle acceleration and deceleration.
	PacketThrottleScale = enet.PeerPacketThrottleScale
	// PacketThrottleInterval is the default throttle measurement interval.
	PacketThrottleInterval = enet.PeerPacketThrottleInterval * time.Millisecond
)

// VersionString is the protocol version implemented by the engine.
var VersionString = fmt.Sprintf("%d.%d.%d", enet.VersionMajor, enet.VersionMinor, enet.VersionPatch)

// LinkedVersion returns the engine version encoded as major<<16 | minor<<8 | patch.
func LinkedVersion() uint32 { return enet.LinkedVersion() }
