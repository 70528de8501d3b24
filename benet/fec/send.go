package fec

import (
	"go.uber.org/multierr"

	"github.com/TheusHen/benet/benet"
)

// Sender encodes messages and sends their shards to a peer.
type Sender[T any] struct {
	codec     *Codec
	channelID uint8
	next      uint32
}

func NewSender[T any](codec *Codec, channelID uint8) *Sender[T] {
	return &Sender[T]{codec: codec, channelID: channelID}
}

// Send queues every shard of msg as an unsequenced packet; shards larger than
// the MTU are fragmented with unreliable sends. It returns the group used.
func (s *Sender[T]) Send(peer *benet.Peer[T], msg []byte) (uint32, error) {
	group := s.next
	frames, err := s.codec.Encode(group, msg)
	if err != nil {
		return 0, err
	}
	s.next++

	var errs error
	for _, f := range frames {
		p, err := benet.NewPacket(f, s.channelID, benet.Unsequenced().UnreliableFragment())
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, peer.Send(p))
	}
	return group, errs
}
