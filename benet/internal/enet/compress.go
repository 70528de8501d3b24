package enet

import (
	"hash/crc32"
)

// Buffer is one element of a scatter/gather list.
type Buffer struct {
	Data []byte
}

// Compressor is the compression record installed on a host.
//
// Compress receives the outgoing command buffers of one datagram and writes into
// out, returning the number of bytes written; 0 means "send uncompressed".
// Decompress receives the body of one incoming compressed datagram; 0 means the
// datagram is corrupt. Destroy runs when the record is replaced or the host is destroyed.
type Compressor struct {
	Context    any
	Compress   func(context any, in []Buffer, inLimit int, out []byte) int
	Decompress func(context any, in []byte, out []byte) int
	Destroy    func(context any)
}

// ChecksumFunc computes a datagram checksum over a scatter/gather list.
type ChecksumFunc func(buffers []Buffer) uint32

// CRC32 is the stock datagram checksum.
func CRC32(buffers []Buffer) uint32 {
	var crc uint32
	for _, b := range buffers {
		crc = crc32.Update(crc, crc32.IEEETable, b.Data)
	}
	return crc
}

func buffersLen(buffers []Buffer) int {
	n := 0
	for _, b := range buffers {
		n += len(b.Data)
	}
	return n
}
