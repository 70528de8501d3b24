package benet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/benet/benet/internal/enet"
)

func TestPacketFlags(t *testing.T) {
	tests := []struct {
		name        string
		flags       PacketFlags
		reliable    bool
		unsequenced bool
		fragment    bool
		str         string
	}{
		{"unreliable", Unreliable, false, false, false, "unreliable"},
		{"reliable", Reliable(), true, false, false, "reliable"},
		{"unsequenced", Unsequenced(), false, true, false, "unsequenced"},
		{"fragment", UnreliableFragment(), false, false, true, "unreliable_fragment"},
		{"reliable fragment", Reliable().UnreliableFragment(), true, false, true, "reliable|unreliable_fragment"},
		{"unsequenced fragment", UnreliableFragment().Unsequenced(), false, true, true, "unsequenced|unreliable_fragment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.reliable, tt.flags.IsReliable())
			require.Equal(t, tt.unsequenced, tt.flags.IsUnsequenced())
			require.Equal(t, tt.fragment, tt.flags.IsUnreliableFragment())
			require.Equal(t, tt.str, tt.flags.String())
		})
	}

	require.Panics(t, func() { Reliable().Unsequenced() })
	require.Panics(t, func() { Unsequenced().Reliable() })
	require.Panics(t, func() { UnreliableFragment().Reliable().Unsequenced() })
}

func TestNewPacketRejectsInvalidFlags(t *testing.T) {
	live := enet.LivePackets()
	for _, flags := range []PacketFlags{
		Reliable() | Unsequenced(),
		Reliable() | Unsequenced() | UnreliableFragment(),
		PacketFlags(3),
		PacketFlags(enet.PacketFlagNoAllocate),
		PacketFlags(enet.PacketFlagSent),
		1 << 20,
	} {
		p, err := NewPacket([]byte("x"), 0, flags)
		require.ErrorIs(t, err, ErrInvalidArgument, flags.String())
		require.Nil(t, p)
	}
	require.Equal(t, live, enet.LivePackets())
	require.Zero(t, outstandingBuffers.Load())
	require.Zero(t, liveGuards())
}

func TestPacketRoundTrip(t *testing.T) {
	live := enet.LivePackets()

	buf := AllocBuffer(100)
	copy(buf, bytes.Repeat([]byte{0xAB}, 100))
	p, err := NewPacket(buf, 3, Reliable())
	require.NoError(t, err)

	require.Equal(t, bytes.Repeat([]byte{0xAB}, 100), p.Data())
	require.Equal(t, uint8(3), p.ChannelID())
	require.True(t, p.Flags().IsReliable())
	require.Equal(t, live+1, enet.LivePackets())
	require.EqualValues(t, 1, outstandingBuffers.Load())
	require.Equal(t, 1, liveGuards())

	p.Destroy()
	require.Equal(t, live, enet.LivePackets())
	require.Zero(t, outstandingBuffers.Load())
	require.Zero(t, liveGuards())

	require.NotPanics(t, p.Destroy)
	require.Empty(t, p.Data())
}

func TestPacketEmpty(t *testing.T) {
	p, err := NewPacket(nil, 0, Unreliable)
	require.NoError(t, err)
	defer p.Destroy()

	require.NotNil(t, p.Data())
	require.Empty(t, p.Data())
}

func TestPacketTooLarge(t *testing.T) {
	_, err := NewPacket(make([]byte, enet.HostDefaultMaximumPacketSize+1), 0, Reliable())
	require.ErrorIs(t, err, ErrUnknown)
	require.Zero(t, liveGuards())
	require.Zero(t, outstandingBuffers.Load())
}

func TestPacketCapacityMismatchPanics(t *testing.T) {
	raw := &enet.Packet{Data: make([]byte, 4, 64), UserData: 32}
	require.Panics(t, func() { reclaimBuffer(raw) })
	require.Zero(t, outstandingBuffers.Load())
}

func TestAllocBuffer(t *testing.T) {
	for _, n := range []int{0, 1, 63, 64, 65, 1400, 1 << 16} {
		b := AllocBuffer(n)
		require.Len(t, b, n)
		c := cap(b)
		require.Zero(t, c&(c-1), "capacity %d of a %d byte buffer", c, n)
	}
	require.Len(t, AllocBuffer(1<<16+1), 1<<16+1)
}
