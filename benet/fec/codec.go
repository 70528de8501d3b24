package fec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

var (
	ErrTooManyLost   = errors.New("fec: too many shards lost, cannot recover")
	ErrInvalidConfig = errors.New("fec: invalid data/parity configuration")
	ErrBadFrame      = errors.New("fec: malformed shard frame")
	ErrMessageSize   = errors.New("fec: message too large")
)

// MaxMessageSize bounds one encoded message.
const MaxMessageSize = 1 << 24

// Shard frame:
//
//	4 bytes: group (big endian)
//	1 byte:  shard index
//	1 byte:  data shards
//	1 byte:  parity shards
//	4 bytes: message length (big endian)
//	N bytes: shard
const frameHeaderSize = 11

// Codec splits messages into framed Reed-Solomon shards.
type Codec struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

// NewCodec creates a codec. Up to parityShards shards of a message may be lost.
func NewCodec(dataShards, parityShards int) (*Codec, error) {
	if dataShards <= 0 || parityShards <= 0 || dataShards+parityShards > 255 {
		return nil, ErrInvalidConfig
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &Codec{enc: enc, dataShards: dataShards, parityShards: parityShards}, nil
}

func (c *Codec) DataShards() int   { return c.dataShards }
func (c *Codec) ParityShards() int { return c.parityShards }
func (c *Codec) TotalShards() int  { return c.dataShards + c.parityShards }

// ShardSize returns the shard size for a message of dataSize bytes.
func (c *Codec) ShardSize(dataSize int) int {
	return (dataSize + c.dataShards - 1) / c.dataShards
}

// Overhead returns the bandwidth overhead ratio, e.g. 1.4 for 10+4.
func (c *Codec) Overhead() float64 {
	return float64(c.TotalShards()) / float64(c.dataShards)
}

// Encode returns TotalShards frames for msg, tagged with group.
func (c *Codec) Encode(group uint32, msg []byte) ([][]byte, error) {
	if len(msg) == 0 || len(msg) > MaxMessageSize {
		return nil, ErrMessageSize
	}
	shards, err := c.enc.Split(msg)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}

	frames := make([][]byte, len(shards))
	for i, shard := range shards {
		f := make([]byte, frameHeaderSize+len(shard))
		binary.BigEndian.PutUint32(f[0:4], group)
		f[4] = byte(i)
		f[5] = byte(c.dataShards)
		f[6] = byte(c.parityShards)
		binary.BigEndian.PutUint32(f[7:11], uint32(len(msg)))
		copy(f[frameHeaderSize:], shard)
		frames[i] = f
	}
	return frames, nil
}

type frame struct {
	group  uint32
	index  int
	size   int
	shard  []byte
	data   int
	parity int
}

func (c *Codec) parseFrame(b []byte) (frame, error) {
	if len(b) <= frameHeaderSize {
		return frame{}, ErrBadFrame
	}
	f := frame{
		group:  binary.BigEndian.Uint32(b[0:4]),
		index:  int(b[4]),
		data:   int(b[5]),
		parity: int(b[6]),
		size:   int(binary.BigEndian.Uint32(b[7:11])),
		shard:  b[frameHeaderSize:],
	}
	if f.data != c.dataShards || f.parity != c.parityShards || f.index >= c.TotalShards() ||
		f.size == 0 || f.size > MaxMessageSize || len(f.shard) < c.ShardSize(f.size) {
		return frame{}, ErrBadFrame
	}
	return f, nil
}

// reconstruct rebuilds the data shards in place and joins them into the message.
func (c *Codec) reconstruct(shards [][]byte, size int) ([]byte, error) {
	if err := c.enc.ReconstructData(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return nil, ErrTooManyLost
		}
		return nil, err
	}
	msg := make([]byte, 0, size)
	for i := 0; i < c.dataShards && len(msg) < size; i++ {
		msg = append(msg, shards[i][:min(len(shards[i]), size-len(msg))]...)
	}
	return msg, nil
}
