package enet

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
)

// Version of the engine, encoded like ENET_VERSION_CREATE.
const (
	VersionMajor = 1
	VersionMinor = 3
	VersionPatch = 18

	Version = VersionMajor<<16 | VersionMinor<<8 | VersionPatch
)

const (
	ProtocolMinimumMTU            = 576
	ProtocolMaximumMTU            = 4096
	ProtocolMaximumPacketCommands = 32
	ProtocolMinimumWindowSize     = 4096
	ProtocolMaximumWindowSize     = 65536
	ProtocolMinimumChannelCount   = 1
	ProtocolMaximumChannelCount   = 255
	ProtocolMaximumPeerID         = 0xFFF
	ProtocolMaximumFragmentCount  = 1024 * 1024
)

const (
	HostReceiveBufferSize         = 256 * 1024
	HostSendBufferSize            = 256 * 1024
	HostBandwidthThrottleInterval = 1000
	HostDefaultMTU                = 1400
	HostDefaultMaximumPacketSize  = 32 * 1024 * 1024
	HostDefaultMaximumWaitingData = 32 * 1024 * 1024
)

const (
	PeerDefaultRoundTripTime       = 500
	PeerDefaultPacketThrottle      = 32
	PeerPacketThrottleScale        = 32
	PeerPacketThrottleCounter      = 7
	PeerPacketThrottleAcceleration = 2
	PeerPacketThrottleDeceleration = 2
	PeerPacketThrottleInterval     = 5000
	PeerPacketLossScale            = 1 << 16
	PeerPacketLossInterval         = 10000
	PeerWindowSizeScale            = 64 * 1024
	PeerTimeoutLimit               = 32
	PeerTimeoutMinimum             = 5000
	PeerTimeoutMaximum             = 30000
	PeerPingInterval               = 500
	PeerUnsequencedWindows         = 64
	PeerUnsequencedWindowSize      = 1024
	PeerFreeUnsequencedWindows     = 32
	PeerReliableWindows            = 16
	PeerReliableWindowSize         = 0x1000
	PeerFreeReliableWindows        = 8
)

// timeOverflow is the distance beyond which one timestamp is taken to have wrapped past another.
const timeOverflow = 86400000

func timeLess(a, b uint32) bool { return a-b >= timeOverflow }

func timeGreaterEqual(a, b uint32) bool { return !timeLess(a, b) }

func timeDifference(a, b uint32) uint32 {
	if a-b >= timeOverflow {
		return b - a
	}
	return a - b
}

var (
	ErrNotInitialized   = errors.New("enet: not initialized")
	ErrPacketTooLarge   = errors.New("enet: packet too large")
	ErrInvalidArgument  = errors.New("enet: invalid argument")
	ErrNoAvailablePeers = errors.New("enet: no available peers")
	ErrSendRejected     = errors.New("enet: send rejected")
	ErrDecompress       = errors.New("enet: incoming datagram failed to decompress")
	ErrHostDestroyed    = errors.New("enet: host destroyed")
)

var (
	initMu      sync.Mutex
	initialized atomic.Bool
	// seed for connect IDs, refreshed by Initialize.
	connectSeed atomic.Uint32

	livePackets atomic.Int64

	// randRead is swapped by tests to exercise the failure path.
	randRead = rand.Read
)

// Initialize prepares the global engine state. It must be called before any host
// or packet is created, and may be called again after Deinitialize.
func Initialize() error {
	initMu.Lock()
	defer initMu.Unlock()

	var seed [4]byte
	if _, err := randRead(seed[:]); err != nil {
		return err
	}
	connectSeed.Store(binary.BigEndian.Uint32(seed[:]))
	initialized.Store(true)
	return nil
}

// Deinitialize tears the global engine state down.
func Deinitialize() {
	initMu.Lock()
	defer initMu.Unlock()
	initialized.Store(false)
}

// Initialized reports whether Initialize has been called without a matching Deinitialize.
func Initialized() bool { return initialized.Load() }

// LinkedVersion returns the engine version.
func LinkedVersion() uint32 { return Version }

// LivePackets returns the number of packets created and not yet destroyed.
func LivePackets() int64 { return livePackets.Load() }

func nextConnectID() uint32 {
	// xorshift over the seed; connect IDs only need to differ between attempts.
	for {
		old := connectSeed.Load()
		x := old
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		if x == 0 {
			x = 0x9E3779B9
		}
		if connectSeed.CompareAndSwap(old, x) {
			return x
		}
	}
}
