package benet

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/TheusHen/benet/benet/internal/enet"
)

// Builder configures and creates a Host. The zero configuration is a client
// host with one peer slot and one channel, unlimited bandwidth, no
// compression and no checksum.
type Builder[T any] struct {
	addr              string
	peerCount         int
	channelLimit      int
	incomingBandwidth *uint32
	outgoingBandwidth *uint32
	compressor        CompressorKind
	checksum          Checksum
	logger            *zap.Logger
	clock             clock.Clock
	newData           func() T
}

func NewBuilder[T any]() *Builder[T] {
	return &Builder[T]{
		peerCount:    1,
		channelLimit: 1,
		compressor:   NoCompression,
		checksum:     NoChecksum,
	}
}

// Addr sets the local address to listen on ("host:port"). Without it the host
// binds an ephemeral port and can only originate connections.
func (b *Builder[T]) Addr(addr string) *Builder[T] {
	b.addr = addr
	return b
}

// PeerCount sets the size of the peer table, 1 to MaximumPeerCount.
func (b *Builder[T]) PeerCount(n int) *Builder[T] {
	b.peerCount = n
	return b
}

// ChannelLimit caps the channels of incoming connections, 1 to MaximumChannelCount.
func (b *Builder[T]) ChannelLimit(n int) *Builder[T] {
	b.channelLimit = n
	return b
}

// IncomingBandwidth sets the downstream bandwidth in bytes per second. It must be nonzero.
func (b *Builder[T]) IncomingBandwidth(bps uint32) *Builder[T] {
	b.incomingBandwidth = &bps
	return b
}

// OutgoingBandwidth sets the upstream bandwidth in bytes per second. It must be nonzero.
func (b *Builder[T]) OutgoingBandwidth(bps uint32) *Builder[T] {
	b.outgoingBandwidth = &bps
	return b
}

func (b *Builder[T]) Compressor(kind CompressorKind) *Builder[T] {
	b.compressor = kind
	return b
}

func (b *Builder[T]) Checksum(c Checksum) *Builder[T] {
	b.checksum = c
	return b
}

func (b *Builder[T]) Logger(l *zap.Logger) *Builder[T] {
	b.logger = l
	return b
}

// Clock sets the time source of the protocol timers. With a mock clock only a
// zero Service timeout is meaningful.
func (b *Builder[T]) Clock(c clock.Clock) *Builder[T] {
	b.clock = c
	return b
}

// DataFunc sets the constructor of peer data. Without it peers start with the zero T.
func (b *Builder[T]) DataFunc(fn func() T) *Builder[T] {
	b.newData = fn
	return b
}

func (b *Builder[T]) validate() error {
	switch {
	case b.peerCount < 1 || b.peerCount > MaximumPeerCount:
		return ErrInvalidArgument
	case b.channelLimit < 1 || b.channelLimit > MaximumChannelCount:
		return ErrInvalidArgument
	case b.incomingBandwidth != nil && *b.incomingBandwidth == 0:
		return ErrInvalidArgument
	case b.outgoingBandwidth != nil && *b.outgoingBandwidth == 0:
		return ErrInvalidArgument
	}
	return nil
}

// Build creates the host and binds its socket.
func (b *Builder[T]) Build() (*Host[T], error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	cfg := enet.Config{
		PeerCount:    b.peerCount,
		ChannelLimit: b.channelLimit,
		Clock:        b.clock,
	}
	if b.addr != "" {
		addr, err := resolve(b.addr)
		if err != nil {
			return nil, err
		}
		cfg.Address = &addr
	}
	if b.incomingBandwidth != nil {
		cfg.IncomingBandwidth = *b.incomingBandwidth
	}
	if b.outgoingBandwidth != nil {
		cfg.OutgoingBandwidth = *b.outgoingBandwidth
	}

	var checksum enet.ChecksumFunc
	if b.checksum.build != nil {
		var err error
		if checksum, err = b.checksum.build(); err != nil {
			return nil, err
		}
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("benet")
	cfg.Logger = logger.Named("enet")

	guard, err := acquireInit()
	if err != nil {
		return nil, err
	}
	raw, err := enet.NewHost(cfg)
	if err != nil {
		guard.release()
		return nil, engineError(err)
	}
	raw.SetChecksum(checksum)

	h := &Host[T]{
		raw:        raw,
		guard:      guard,
		compressor: &compressorContext{logger: logger.Named("compressor")},
		logger:     logger.Named("host"),
		newData:    b.newData,
	}
	if err := h.SetCompressor(b.compressor); err != nil {
		h.Close()
		return nil, err
	}
	h.logger.Info("host created",
		zap.Stringer("addr", raw.Address()),
		zap.Int("peers", b.peerCount),
		zap.Int("channel_limit", b.channelLimit),
		zap.Stringer("compressor", b.compressor),
		zap.Stringer("checksum", b.checksum))
	return h, nil
}
