package fec

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/benet/benet"
)

func message(n int) []byte {
	r := rand.New(rand.NewPCG(7, 9))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.UintN(256))
	}
	return b
}

func TestCodecRecoversLostShards(t *testing.T) {
	codec, err := NewCodec(10, 4)
	require.NoError(t, err)

	msg := message(5000)
	frames, err := codec.Encode(1, msg)
	require.NoError(t, err)
	require.Len(t, frames, 14)

	d := NewDecoder(codec, 0, nil)
	// lose four shards and deliver the rest out of order
	var got []byte
	for _, i := range []int{13, 1, 2, 3, 4, 6, 7, 9, 11, 12} {
		out, ok, err := d.Add(frames[i])
		require.NoError(t, err)
		if ok {
			got = out
		}
	}
	require.Equal(t, msg, got)

	_, ok, err := d.Add(frames[0])
	require.NoError(t, err)
	require.False(t, ok, "late shards of a completed group are ignored")
}

func TestCodecTooFewShards(t *testing.T) {
	codec, err := NewCodec(4, 2)
	require.NoError(t, err)
	frames, err := codec.Encode(9, message(100))
	require.NoError(t, err)

	d := NewDecoder(codec, 0, nil)
	for _, f := range frames[:3] {
		_, ok, err := d.Add(f)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Equal(t, 1, d.Pending())
}

func TestDecoderRejectsBadFrames(t *testing.T) {
	codec, err := NewCodec(4, 2)
	require.NoError(t, err)
	other, err := NewCodec(5, 2)
	require.NoError(t, err)
	frames, err := other.Encode(0, message(100))
	require.NoError(t, err)

	d := NewDecoder(codec, 0, nil)
	_, _, err = d.Add(frames[0])
	require.ErrorIs(t, err, ErrBadFrame)
	_, _, err = d.Add([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestDecoderEvictsOldGroups(t *testing.T) {
	codec, err := NewCodec(2, 1)
	require.NoError(t, err)
	d := NewDecoder(codec, 2, nil)

	for g := range uint32(5) {
		frames, err := codec.Encode(g, message(10))
		require.NoError(t, err)
		_, ok, err := d.Add(frames[0])
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Equal(t, 2, d.Pending())
}

func TestNewCodecValidation(t *testing.T) {
	for _, c := range [][2]int{{0, 1}, {1, 0}, {200, 100}} {
		_, err := NewCodec(c[0], c[1])
		require.ErrorIs(t, err, ErrInvalidConfig)
	}
	codec, err := NewCodec(10, 4)
	require.NoError(t, err)
	require.InDelta(t, 1.4, codec.Overhead(), 0.001)
	_, err = codec.Encode(0, nil)
	require.ErrorIs(t, err, ErrMessageSize)
}

func TestSendOverHosts(t *testing.T) {
	server, err := benet.NewBuilder[int]().Addr("127.0.0.1:0").ChannelLimit(2).Build()
	require.NoError(t, err)
	defer server.Close()
	client, err := benet.NewBuilder[int]().Build()
	require.NoError(t, err)
	defer client.Close()

	codec, err := NewCodec(4, 2)
	require.NoError(t, err)
	sender := NewSender[int](codec, 1)
	decoder := NewDecoder(codec, 0, nil)

	peer, err := client.Connect(server.Address().String(), 2, 0)
	require.NoError(t, err)

	msg := message(6000)
	var sent bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := client.Service(time.Millisecond)
		require.NoError(t, err)
		if ev != nil && ev.Kind == benet.EventConnect && !sent {
			_, err := sender.Send(peer, msg)
			require.NoError(t, err)
			sent = true
		}

		ev, err = server.Service(time.Millisecond)
		require.NoError(t, err)
		if ev == nil || ev.Kind != benet.EventReceive {
			continue
		}
		require.Equal(t, uint8(1), ev.Packet.ChannelID())
		out, ok, err := decoder.Add(ev.Packet.Data())
		ev.Packet.Destroy()
		require.NoError(t, err)
		if ok {
			require.True(t, bytes.Equal(msg, out))
			return
		}
	}
	t.Fatalf("message not reassembled")
}
