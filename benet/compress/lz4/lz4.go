// Package lz4 compresses benet datagrams with LZ4 blocks.
//
// LZ4 trades ratio for speed, which suits small datagrams compressed on
// every send. Both ends of a connection must install the same compressor.
package lz4

import (
	"errors"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/TheusHen/benet/benet"
)

var (
	ErrIncompressible      = errors.New("lz4: datagram is incompressible")
	ErrDecompressionFailed = errors.New("lz4: decompression failed")
)

// Level controls the speed/ratio tradeoff.
type Level int

const (
	LevelFast    Level = iota // plain LZ4
	LevelDefault              // LZ4 HC level 4
	LevelBest                 // LZ4 HC level 9
)

// scratchPool reuses the gather and block buffers.
var scratchPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 2*lz4.CompressBlockBound(4096))
		return &b
	},
}

type blockCompressor interface {
	CompressBlock(src, dst []byte) (int, error)
}

// Compressor implements benet.Compressor. It keeps per-host state and must
// not be shared between hosts.
type Compressor struct {
	block blockCompressor
}

var _ benet.Compressor = (*Compressor)(nil)

func New(level Level) *Compressor {
	switch level {
	case LevelFast:
		return &Compressor{block: &lz4.Compressor{}}
	case LevelBest:
		return &Compressor{block: &lz4.CompressorHC{Level: lz4.Level9}}
	default:
		return &Compressor{block: &lz4.CompressorHC{Level: lz4.Level4}}
	}
}

// Kind returns the compressor ready to pass to Builder.Compressor.
func Kind(level Level) benet.CompressorKind { return benet.Custom(New(level)) }

func (c *Compressor) Compress(in []benet.InputBuffer, out *benet.OutputBuffer) error {
	bp := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(bp)

	src := (*bp)[:0]
	for _, b := range in {
		src = append(src, b.Bytes()...)
	}
	bound := lz4.CompressBlockBound(len(src))
	buf := append(src, make([]byte, bound)...)
	*bp = buf[:0]

	n, err := c.block.CompressBlock(buf[:len(src)], buf[len(src):])
	if err != nil || n == 0 {
		return ErrIncompressible
	}
	_, err = out.Write(buf[len(src) : len(src)+n])
	return err
}

func (c *Compressor) Decompress(in benet.InputBuffer, out *benet.OutputBuffer) error {
	bp := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(bp)

	dst := append((*bp)[:0], make([]byte, out.Remaining())...)
	*bp = dst[:0]

	n, err := lz4.UncompressBlock(in.Bytes(), dst)
	if err != nil {
		return ErrDecompressionFailed
	}
	_, err = out.Write(dst[:n])
	return err
}
