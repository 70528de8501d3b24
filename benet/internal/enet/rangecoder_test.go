package enet

import (
	"bytes"
	"math/rand/v2"
	"testing"
)

func TestRangeCoderRoundTrip(t *testing.T) {
	c := newRangeCoderCompressor()
	in := []Buffer{
		{Data: []byte("abababababababababababab")},
		{Data: bytes.Repeat([]byte("hello world "), 40)},
		{Data: []byte{0, 1, 2, 255}},
	}
	total := buffersLen(in)

	out := make([]byte, total)
	n := c.Compress(c.Context, in, total, out)
	if n == 0 || n >= total {
		t.Fatalf("expected compression, got %d of %d bytes", n, total)
	}

	plain := make([]byte, ProtocolMaximumMTU)
	m := c.Decompress(c.Context, out[:n], plain)
	if m != total {
		t.Fatalf("decompressed %d bytes, want %d", m, total)
	}
	var want []byte
	for _, b := range in {
		want = append(want, b.Data...)
	}
	if !bytes.Equal(plain[:m], want) {
		t.Fatalf("round trip mismatch")
	}
}

func TestRangeCoderOverflow(t *testing.T) {
	c := newRangeCoderCompressor()
	noise := make([]byte, 512)
	r := rand.New(rand.NewPCG(1, 2))
	for i := range noise {
		noise[i] = byte(r.UintN(256))
	}
	out := make([]byte, 64)
	if n := c.Compress(c.Context, []Buffer{{Data: noise}}, len(noise), out); n != 0 {
		t.Fatalf("random data cannot fit in 64 bytes, coder reported %d", n)
	}
}

func TestRangeCoderRejectsGarbage(t *testing.T) {
	c := newRangeCoderCompressor()
	out := make([]byte, 16)
	// declared length larger than the output
	if n := c.Decompress(c.Context, []byte{0x80, 0x01, 0xFF}, out); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
	if n := c.Decompress(c.Context, nil, out); n != 0 {
		t.Fatalf("expected 0 for empty input, got %d", n)
	}
}
