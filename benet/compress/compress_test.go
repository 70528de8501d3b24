package compress_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/benet/benet"
	"github.com/TheusHen/benet/benet/compress/lz4"
	"github.com/TheusHen/benet/benet/compress/s2"
)

var compressors = []struct {
	name string
	new  func() benet.Compressor
}{
	{"lz4 fast", func() benet.Compressor { return lz4.New(lz4.LevelFast) }},
	{"lz4 default", func() benet.Compressor { return lz4.New(lz4.LevelDefault) }},
	{"lz4 best", func() benet.Compressor { return lz4.New(lz4.LevelBest) }},
	{"s2 fast", func() benet.Compressor { return s2.New(s2.LevelFast) }},
	{"s2 better", func() benet.Compressor { return s2.New(s2.LevelBetter) }},
	{"s2 best", func() benet.Compressor { return s2.New(s2.LevelBest) }},
}

func TestRoundTrip(t *testing.T) {
	in := []benet.InputBuffer{
		benet.NewInputBuffer([]byte{0x86, 0x00, 0x12, 0x34}),
		benet.NewInputBuffer(bytes.Repeat([]byte("state update "), 60)),
		benet.NewInputBuffer([]byte("tail")),
	}
	var want []byte
	for _, b := range in {
		want = append(want, b.Bytes()...)
	}

	for _, tt := range compressors {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.new()
			out := benet.NewOutputBuffer(make([]byte, len(want)))
			require.NoError(t, c.Compress(in, out))
			require.Less(t, len(out.Bytes()), len(want))

			plain := benet.NewOutputBuffer(make([]byte, 4096))
			require.NoError(t, c.Decompress(benet.NewInputBuffer(out.Bytes()), plain))
			require.Equal(t, want, plain.Bytes())
		})
	}
}

func TestOutputTooSmall(t *testing.T) {
	in := []benet.InputBuffer{benet.NewInputBuffer(bytes.Repeat([]byte("ab"), 500))}
	for _, tt := range compressors {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.new()
			out := benet.NewOutputBuffer(make([]byte, 4))
			require.Error(t, c.Compress(in, out))
			require.Empty(t, out.Bytes())
		})
	}
}

func TestDecompressGarbage(t *testing.T) {
	for _, tt := range compressors {
		t.Run(tt.name, func(t *testing.T) {
			out := benet.NewOutputBuffer(make([]byte, 64))
			err := tt.new().Decompress(benet.NewInputBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F}), out)
			require.Error(t, err)
		})
	}
}

func TestHostsExchangeCompressedDatagrams(t *testing.T) {
	for _, tt := range compressors {
		t.Run(tt.name, func(t *testing.T) {
			server, err := benet.NewBuilder[int]().Addr("127.0.0.1:0").Compressor(benet.Custom(tt.new())).Build()
			require.NoError(t, err)
			defer server.Close()
			client, err := benet.NewBuilder[int]().Compressor(benet.Custom(tt.new())).Build()
			require.NoError(t, err)
			defer client.Close()

			peer, err := client.Connect(server.Address().String(), 1, 0)
			require.NoError(t, err)

			payload := bytes.Repeat([]byte("compressible "), 80)
			var sent bool
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				ev, err := client.Service(time.Millisecond)
				require.NoError(t, err)
				if ev != nil && ev.Kind == benet.EventConnect && !sent {
					p, err := benet.NewPacket(append([]byte(nil), payload...), 0, benet.Reliable())
					require.NoError(t, err)
					require.NoError(t, peer.Send(p))
					sent = true
				}

				ev, err = server.Service(time.Millisecond)
				require.NoError(t, err)
				if ev != nil && ev.Kind == benet.EventReceive {
					require.Equal(t, payload, ev.Packet.Data())
					ev.Packet.Destroy()
					require.Less(t, client.Stats().SentData, uint64(len(payload)))
					return
				}
			}
			t.Fatalf("no packet received")
		})
	}
}
