// Package s2 compresses benet datagrams with S2, the Snappy extension.
package s2

import (
	"errors"
	"sync"

	"github.com/klauspost/compress/s2"

	"github.com/TheusHen/benet/benet"
)

var (
	ErrIncompressible      = errors.New("s2: datagram is incompressible")
	ErrDecompressionFailed = errors.New("s2: decompression failed")
	ErrTooLarge            = errors.New("s2: decompressed datagram exceeds the buffer")
)

type Level int

const (
	LevelFast Level = iota
	LevelBetter
	LevelBest
)

var scratchPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 2*s2.MaxEncodedLen(4096))
		return &b
	},
}

// Compressor implements benet.Compressor.
type Compressor struct {
	encode func(dst, src []byte) []byte
}

var _ benet.Compressor = (*Compressor)(nil)

func New(level Level) *Compressor {
	switch level {
	case LevelBetter:
		return &Compressor{encode: s2.EncodeBetter}
	case LevelBest:
		return &Compressor{encode: s2.EncodeBest}
	default:
		return &Compressor{encode: s2.Encode}
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
	bound := s2.MaxEncodedLen(len(src))
	if bound < 0 {
		return ErrIncompressible
	}
	buf := append(src, make([]byte, bound)...)
	*bp = buf[:0]

	enc := c.encode(buf[len(src):len(src):len(buf)], buf[:len(src)])
	if len(enc) >= len(src) {
		return ErrIncompressible
	}
	_, err := out.Write(enc)
	return err
}

func (c *Compressor) Decompress(in benet.InputBuffer, out *benet.OutputBuffer) error {
	n, err := s2.DecodedLen(in.Bytes())
	if err != nil {
		return ErrDecompressionFailed
	}
	if n > out.Remaining() {
		return ErrTooLarge
	}

	bp := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(bp)

	dst := append((*bp)[:0], make([]byte, n)...)
	*bp = dst[:0]

	dec, err := s2.Decode(dst, in.Bytes())
	if err != nil {
		return ErrDecompressionFailed
	}
	_, err = out.Write(dec)
	return err
}
