package fec

import (
	"go.uber.org/zap"
)

// DefaultMaxGroups is the number of incomplete messages a Decoder tracks.
const DefaultMaxGroups = 64

type group struct {
	shards    [][]byte
	received  int
	size      int
	shardSize int
	done      bool
}

// Decoder reassembles messages from shard frames arriving in any order.
// Groups that never complete are evicted oldest first.
type Decoder struct {
	codec     *Codec
	groups    map[uint32]*group
	order     []uint32
	maxGroups int
	logger    *zap.Logger
}

func NewDecoder(codec *Codec, maxGroups int, logger *zap.Logger) *Decoder {
	if maxGroups <= 0 {
		maxGroups = DefaultMaxGroups
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{
		codec:     codec,
		groups:    make(map[uint32]*group),
		maxGroups: maxGroups,
		logger:    logger,
	}
}

// Add feeds one frame. It returns the message once enough shards of its
// group have arrived; later shards of a completed group are ignored.
func (d *Decoder) Add(b []byte) ([]byte, bool, error) {
	f, err := d.codec.parseFrame(b)
	if err != nil {
		return nil, false, err
	}

	g, ok := d.groups[f.group]
	if !ok {
		g = &group{shards: make([][]byte, d.codec.TotalShards()), size: f.size, shardSize: len(f.shard)}
		d.track(f.group, g)
	}
	if g.done || g.size != f.size || g.shardSize != len(f.shard) || g.shards[f.index] != nil {
		return nil, false, nil
	}
	g.shards[f.index] = append([]byte(nil), f.shard...)
	g.received++
	if g.received < d.codec.DataShards() {
		return nil, false, nil
	}

	msg, err := d.codec.reconstruct(g.shards, g.size)
	if err != nil {
		return nil, false, err
	}
	g.done = true
	g.shards = nil
	return msg, true, nil
}

// Pending returns the number of tracked groups.
func (d *Decoder) Pending() int { return len(d.groups) }

func (d *Decoder) track(id uint32, g *group) {
	for len(d.order) >= d.maxGroups {
		oldest := d.order[0]
		d.order = d.order[1:]
		if old := d.groups[oldest]; old != nil && !old.done {
			d.logger.Debug("evicting incomplete group",
				zap.Uint32("group", oldest),
				zap.Int("received", old.received),
				zap.Int("needed", d.codec.DataShards()))
		}
		delete(d.groups, oldest)
	}
	d.groups[id] = g
	d.order = append(d.order, id)
}
