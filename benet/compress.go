package benet

import (
	"go.uber.org/zap"

	"github.com/TheusHen/benet/benet/internal/enet"
)

// Compressor compresses whole datagrams. Both methods run synchronously inside
// Host.Service, Host.CheckEvents and Host.Flush and must not call back into the host.
//
// Compress receives the command buffers of one outgoing datagram; returning an
// error, or writing nothing, sends the datagram uncompressed. Decompress
// receives the body of one incoming datagram; an error drops the datagram and
// makes the current Service call fail.
type Compressor interface {
	Compress(in []InputBuffer, out *OutputBuffer) error
	Decompress(in InputBuffer, out *OutputBuffer) error
}

type compressorMode int

const (
	modeNone compressorMode = iota
	modeRangeCoder
	modeCustom
)

// CompressorKind selects the datagram compressor of a host.
type CompressorKind struct {
	mode   compressorMode
	custom Compressor
}

var (
	// NoCompression sends datagrams as they are.
	NoCompression = CompressorKind{mode: modeNone}
	// RangeCoder uses the engine's built-in adaptive range coder.
	RangeCoder = CompressorKind{mode: modeRangeCoder}
)

// Custom installs c as the datagram compressor. A nil c is NoCompression.
func Custom(c Compressor) CompressorKind {
	if c == nil {
		return NoCompression
	}
	return CompressorKind{mode: modeCustom, custom: c}
}

func (k CompressorKind) String() string {
	switch k.mode {
	case modeRangeCoder:
		return "range-coder"
	case modeCustom:
		return "custom"
	default:
		return "none"
	}
}

// compressorContext bridges a Compressor into the engine and parks the first
// panic raised by it until the host call that triggered it returns.
type compressorContext struct {
	compressor Compressor
	panicked   bool
	panicValue any
	logger     *zap.Logger

	inputs []InputBuffer
}

func (ctx *compressorContext) recover(n *int) {
	r := recover()
	if r == nil {
		return
	}
	*n = 0
	if ctx.panicked {
		return
	}
	ctx.panicked = true
	ctx.panicValue = r
	ctx.logger.Warn("compressor panicked", zap.Any("value", r))
}

// take returns the parked panic, if any, and clears the slot.
func (ctx *compressorContext) take() (any, bool) {
	if !ctx.panicked {
		return nil, false
	}
	v := ctx.panicValue
	ctx.panicked = false
	ctx.panicValue = nil
	return v, true
}

func (ctx *compressorContext) compress(in []enet.Buffer, out []byte) (n int) {
	defer ctx.recover(&n)

	ctx.inputs = ctx.inputs[:0]
	for _, b := range in {
		ctx.inputs = append(ctx.inputs, InputBuffer{data: b.Data})
	}
	sink := OutputBuffer{buf: out}
	if err := ctx.compressor.Compress(ctx.inputs, &sink); err != nil {
		ctx.logger.Debug("compress failed, sending uncompressed", zap.Error(err))
		return 0
	}
	return sink.written
}

func (ctx *compressorContext) decompress(in []byte, out []byte) (n int) {
	defer ctx.recover(&n)

	sink := OutputBuffer{buf: out}
	if err := ctx.compressor.Decompress(InputBuffer{data: in}, &sink); err != nil {
		ctx.logger.Debug("decompress failed", zap.Error(err))
		return 0
	}
	return sink.written
}

func (ctx *compressorContext) engineCompressor() *enet.Compressor {
	return &enet.Compressor{
		Context: ctx,
		Compress: func(c any, in []enet.Buffer, _ int, out []byte) int {
			return c.(*compressorContext).compress(in, out)
		},
		Decompress: func(c any, in []byte, out []byte) int {
			return c.(*compressorContext).decompress(in, out)
		},
		Destroy: func(c any) {
			c.(*compressorContext).compressor = nil
		},
	}
}
