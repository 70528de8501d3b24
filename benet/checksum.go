package benet

import (
	"encoding/binary"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2s"

	"github.com/TheusHen/benet/benet/internal/enet"
)

// Checksum selects the datagram checksum of a host. Both ends must agree.
type Checksum struct {
	name string
	// build returns a fresh checksum function for one host.
	build func() (enet.ChecksumFunc, error)
}

var (
	// NoChecksum relies on the UDP checksum alone.
	NoChecksum = Checksum{name: "none"}
	// CRC32 is the stock ENet datagram checksum.
	CRC32 = Checksum{name: "crc32", build: func() (enet.ChecksumFunc, error) { return enet.CRC32, nil }}
)

// KeyedBLAKE2s authenticates datagrams with BLAKE2s-128 keyed with key,
// truncated to 32 bits. The key must be 1 to 32 bytes long.
func KeyedBLAKE2s(key []byte) Checksum {
	key = append([]byte(nil), key...)
	return Checksum{
		name: "blake2s",
		build: func() (enet.ChecksumFunc, error) {
			h, err := blake2s.New128(key)
			if err != nil {
				return nil, fmt.Errorf("%w: blake2s key: %w", ErrInvalidArgument, err)
			}
			return blake2sChecksum(h), nil
		},
	}
}

func blake2sChecksum(h hash.Hash) enet.ChecksumFunc {
	sum := make([]byte, 0, blake2s.Size128)
	return func(buffers []enet.Buffer) uint32 {
		h.Reset()
		for _, b := range buffers {
			h.Write(b.Data)
		}
		sum = h.Sum(sum[:0])
		return binary.LittleEndian.Uint32(sum)
	}
}

func (c Checksum) String() string { return c.name }
