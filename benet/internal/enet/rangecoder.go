package enet

import "encoding/binary"

// Built-in adaptive order-0 range coder.
//
// Stream layout: uvarint(uncompressed length) followed by the coded symbols.
// The model is reset for every datagram, so datagrams decode independently.

const (
	rcTop       = 1 << 24
	rcBottom    = 1 << 16
	rcSymbols   = 256
	rcIncrement = 24
	// total frequency must stay below rcBottom so that range/total never hits zero.
	rcMaxTotal = rcBottom - 1
)

type rcModel struct {
	freq  [rcSymbols]uint32
	total uint32
}

func (m *rcModel) reset() {
	for i := range m.freq {
		m.freq[i] = 1
	}
	m.total = rcSymbols
}

func (m *rcModel) cumulative(sym byte) uint32 {
	var cum uint32
	for i := 0; i < int(sym); i++ {
		cum += m.freq[i]
	}
	return cum
}

func (m *rcModel) find(target uint32) (byte, uint32) {
	var cum uint32
	for sym := 0; sym < rcSymbols; sym++ {
		if cum+m.freq[sym] > target {
			return byte(sym), cum
		}
		cum += m.freq[sym]
	}
	return rcSymbols - 1, cum - m.freq[rcSymbols-1]
}

func (m *rcModel) update(sym byte) {
	m.freq[sym] += rcIncrement
	m.total += rcIncrement
	if m.total <= rcMaxTotal {
		return
	}
	m.total = 0
	for i := range m.freq {
		m.freq[i] = (m.freq[i] + 1) / 2
		m.total += m.freq[i]
	}
}

type rcEncoder struct {
	low, rng uint32
	out      []byte
	n        int
	overflow bool
}

func (e *rcEncoder) emit(b byte) {
	if e.n >= len(e.out) {
		e.overflow = true
		return
	}
	e.out[e.n] = b
	e.n++
}

func (e *rcEncoder) encode(cum, freq, total uint32) {
	r := e.rng / total
	e.low += r * cum
	e.rng = r * freq
	for {
		if e.low^(e.low+e.rng) >= rcTop {
			if e.rng >= rcBottom {
				break
			}
			e.rng = -e.low & (rcBottom - 1)
		}
		e.emit(byte(e.low >> 24))
		e.low <<= 8
		e.rng <<= 8
	}
}

func (e *rcEncoder) flush() {
	for i := 0; i < 4; i++ {
		e.emit(byte(e.low >> 24))
		e.low <<= 8
	}
}

type rcDecoder struct {
	low, rng, code, r uint32
	in                []byte
	pos               int
}

func (d *rcDecoder) next() uint32 {
	if d.pos >= len(d.in) {
		d.pos++
		return 0
	}
	b := d.in[d.pos]
	d.pos++
	return uint32(b)
}

func (d *rcDecoder) init(in []byte) {
	d.in = in
	d.low = 0
	d.rng = ^uint32(0)
	for i := 0; i < 4; i++ {
		d.code = d.code<<8 | d.next()
	}
}

func (d *rcDecoder) target(total uint32) (uint32, bool) {
	d.r = d.rng / total
	v := (d.code - d.low) / d.r
	if v >= total {
		return 0, false
	}
	return v, true
}

func (d *rcDecoder) decode(cum, freq uint32) {
	d.low += d.r * cum
	d.rng = d.r * freq
	for {
		if d.low^(d.low+d.rng) >= rcTop {
			if d.rng >= rcBottom {
				break
			}
			d.rng = -d.low & (rcBottom - 1)
		}
		d.code = d.code<<8 | d.next()
		d.low <<= 8
		d.rng <<= 8
	}
}

type rangeCoder struct {
	model rcModel
}

func newRangeCoderCompressor() *Compressor {
	return &Compressor{
		Context:    &rangeCoder{},
		Compress:   rangeCoderCompress,
		Decompress: rangeCoderDecompress,
	}
}

func rangeCoderCompress(context any, in []Buffer, _ int, out []byte) int {
	rc := context.(*rangeCoder)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(buffersLen(in)))
	if n >= len(out) {
		return 0
	}
	copy(out, lenBuf[:n])

	enc := rcEncoder{rng: ^uint32(0), out: out[n:]}
	rc.model.reset()
	for _, b := range in {
		for _, sym := range b.Data {
			enc.encode(rc.model.cumulative(sym), rc.model.freq[sym], rc.model.total)
			if enc.overflow {
				return 0
			}
			rc.model.update(sym)
		}
	}
	enc.flush()
	if enc.overflow {
		return 0
	}
	return n + enc.n
}

func rangeCoderDecompress(context any, in []byte, out []byte) int {
	rc := context.(*rangeCoder)
	size, n := binary.Uvarint(in)
	if n <= 0 || size == 0 || size > uint64(len(out)) {
		return 0
	}
	body := in[n:]

	var dec rcDecoder
	dec.init(body)
	rc.model.reset()
	for i := uint64(0); i < size; i++ {
		v, ok := dec.target(rc.model.total)
		if !ok {
			return 0
		}
		sym, cum := rc.model.find(v)
		dec.decode(cum, rc.model.freq[sym])
		out[i] = sym
		rc.model.update(sym)
		if dec.pos > len(body)+4 {
			return 0
		}
	}
	return int(size)
}
