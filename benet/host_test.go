package benet

import (
	"bytes"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newHost[T any](t *testing.T, configure func(*Builder[T])) *Host[T] {
	t.Helper()
	b := NewBuilder[T]().Addr("127.0.0.1:0").PeerCount(4).ChannelLimit(4)
	if configure != nil {
		configure(b)
	}
	h, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

// pump services every host until want accepts an event. Packets of rejected
// receive events are destroyed.
func pump[T any](t *testing.T, want func(h *Host[T], ev *Event[T]) bool, hosts ...*Host[T]) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, h := range hosts {
			for {
				ev, err := h.Service(0)
				require.NoError(t, err)
				if ev == nil {
					break
				}
				if want(h, ev) {
					return
				}
				ev.Packet.Destroy()
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for event")
}

func connectPair[T any](t *testing.T, server, client *Host[T], channels int, data uint32) (serverPeer, clientPeer *Peer[T]) {
	t.Helper()
	clientPeer, err := client.Connect(server.Address().String(), channels, data)
	require.NoError(t, err)
	require.Equal(t, PeerConnecting, clientPeer.State())

	var clientUp bool
	pump(t, func(h *Host[T], ev *Event[T]) bool {
		if ev.Kind != EventConnect {
			return false
		}
		if h == server {
			serverPeer = ev.Peer
			require.Equal(t, data, ev.Data)
		} else {
			clientUp = true
		}
		return serverPeer != nil && clientUp
	}, client, server)
	return serverPeer, clientPeer
}

func receive[T any](t *testing.T, on *Host[T], hosts ...*Host[T]) *Event[T] {
	t.Helper()
	var got *Event[T]
	pump(t, func(h *Host[T], ev *Event[T]) bool {
		if h != on || ev.Kind != EventReceive {
			return false
		}
		got = ev
		return true
	}, hosts...)
	return got
}

func TestBuilderValidation(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*Builder[int])
	}{
		{"zero peers", func(b *Builder[int]) { b.PeerCount(0) }},
		{"too many peers", func(b *Builder[int]) { b.PeerCount(MaximumPeerCount + 1) }},
		{"zero channels", func(b *Builder[int]) { b.ChannelLimit(0) }},
		{"too many channels", func(b *Builder[int]) { b.ChannelLimit(MaximumChannelCount + 1) }},
		{"zero incoming bandwidth", func(b *Builder[int]) { b.IncomingBandwidth(0) }},
		{"zero outgoing bandwidth", func(b *Builder[int]) { b.OutgoingBandwidth(0) }},
		{"long blake2s key", func(b *Builder[int]) { b.Checksum(KeyedBLAKE2s(make([]byte, 33))) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder[int]()
			tt.configure(b)
			_, err := b.Build()
			require.ErrorIs(t, err, ErrInvalidArgument)
			require.Zero(t, liveGuards())
		})
	}
}

func TestBuilderResolveFailure(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:notaport", "[::1]:0", "no-port"} {
		_, err := NewBuilder[int]().Addr(addr).Build()
		require.ErrorIs(t, err, ErrIO, addr)
	}
	require.Zero(t, liveGuards())
}

func TestHostDefaults(t *testing.T) {
	h, err := NewBuilder[int]().Build()
	require.NoError(t, err)

	require.Equal(t, 1, h.PeerCount())
	require.Zero(t, h.ConnectedPeers())
	require.NotZero(t, h.Address().Port())
	require.Equal(t, 1, liveGuards())

	h.Close()
	h.Close()
	require.Zero(t, liveGuards())
}

func TestConnectValidation(t *testing.T) {
	server := newHost[int](t, nil)
	client := newHost(t, func(b *Builder[int]) { b.PeerCount(1) })
	addr := server.Address().String()

	_, err := client.Connect(addr, 0, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = client.Connect(addr, MaximumChannelCount+1, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = client.Connect("[::1]:7000", 1, 0)
	require.ErrorIs(t, err, ErrIO)

	p, err := client.Connect(addr, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, p.Data())

	_, err = client.Connect(addr, 1, 0)
	require.ErrorIs(t, err, ErrUnknown, "peer table is full")

	var views []PeerView[int]
	for v := range client.Peers() {
		views = append(views, v)
	}
	require.Len(t, views, 1)
	require.Equal(t, PeerConnecting, views[0].State())
	require.Equal(t, server.Address().Port(), views[0].Info().Addr.Port())
}

func TestPing(t *testing.T) {
	tests := []struct {
		name       string
		compressor CompressorKind
		checksum   Checksum
		peers      int
		limit      int
		channels   int
		channel    uint8
		payload    []byte
	}{
		{"single channel", NoCompression, NoChecksum, 2, 1, 1, 0, []byte("ping")},
		{"plain", NoCompression, NoChecksum, 4, 4, 2, 1, bytes.Repeat([]byte("ping "), 64)},
		{"range coder", RangeCoder, NoChecksum, 4, 4, 2, 1, bytes.Repeat([]byte("ping "), 64)},
		{"crc32", NoCompression, CRC32, 4, 4, 2, 1, bytes.Repeat([]byte("ping "), 64)},
		{"blake2s", RangeCoder, KeyedBLAKE2s([]byte("0123456789abcdef")), 4, 4, 2, 1, bytes.Repeat([]byte("ping "), 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configure := func(b *Builder[string]) {
				b.PeerCount(tt.peers).ChannelLimit(tt.limit).Compressor(tt.compressor).Checksum(tt.checksum)
			}
			server := newHost(t, configure)
			client := newHost(t, configure)
			serverPeer, clientPeer := connectPair(t, server, client, tt.channels, 42)
			require.Equal(t, 1, server.ConnectedPeers())

			p, err := NewPacket(append([]byte(nil), tt.payload...), tt.channel, Reliable())
			require.NoError(t, err)
			require.NoError(t, clientPeer.Send(p))

			ev := receive(t, server, client, server)
			require.Equal(t, serverPeer.ID(), ev.Peer.ID())
			require.Equal(t, tt.payload, ev.Packet.Data())
			require.Equal(t, tt.channel, ev.Packet.ChannelID())
			require.True(t, ev.Packet.Flags().IsReliable())
			ev.Packet.Destroy()

			pong, err := NewPacket([]byte("pong"), 0, Reliable())
			require.NoError(t, err)
			require.NoError(t, ev.Peer.Send(pong))

			ev = receive(t, client, client, server)
			require.Equal(t, "pong", string(ev.Packet.Data()))
			ev.Packet.Destroy()

			info := clientPeer.Info()
			require.Equal(t, server.Address().Port(), info.Addr.Port())
			require.Positive(t, info.RoundTripTime)

			stats := client.Stats()
			require.NotZero(t, stats.SentPackets)
			require.NotZero(t, stats.ReceivedData)
		})
	}
	require.Zero(t, outstandingBuffers.Load())
}

func TestFragmentedSend(t *testing.T) {
	server := newHost[int](t, nil)
	client := newHost[int](t, nil)
	_, clientPeer := connectPair(t, server, client, 1, 0)

	payload := AllocBuffer(20000)
	for i := range payload {
		payload[i] = byte(i)
	}
	want := append([]byte(nil), payload...)
	p, err := NewPacket(payload, 0, Reliable())
	require.NoError(t, err)
	require.NoError(t, clientPeer.Send(p))

	ev := receive(t, server, client, server)
	require.Equal(t, want, ev.Packet.Data())
	ev.Packet.Destroy()
}

func TestSendRejectedConsumesPacket(t *testing.T) {
	server := newHost[int](t, nil)
	client := newHost[int](t, nil)
	_, clientPeer := connectPair(t, server, client, 1, 0)

	p, err := NewPacket([]byte("x"), 5, Reliable())
	require.NoError(t, err)
	require.ErrorIs(t, clientPeer.Send(p), ErrUnknown, "channel 5 was not negotiated")
	require.Empty(t, p.Data())
	require.Zero(t, outstandingBuffers.Load())
}

func TestBroadcast(t *testing.T) {
	server := newHost[int](t, nil)
	a := newHost[int](t, nil)
	b := newHost[int](t, nil)
	connectPair(t, server, a, 1, 0)
	connectPair(t, server, b, 1, 0)
	require.Equal(t, 2, server.ConnectedPeers())

	p, err := NewPacket([]byte("all"), 0, Reliable())
	require.NoError(t, err)
	server.Broadcast(p)
	require.Empty(t, p.Data())

	for _, h := range []*Host[int]{a, b} {
		ev := receive(t, h, server, a, b)
		require.Equal(t, "all", string(ev.Packet.Data()))
		ev.Packet.Destroy()
	}
}

func TestBroadcastWithoutPeers(t *testing.T) {
	h := newHost[int](t, nil)
	p, err := NewPacket(AllocBuffer(10), 0, Reliable())
	require.NoError(t, err)

	h.Broadcast(p)
	require.Zero(t, outstandingBuffers.Load())
}

func TestServiceZeroTimeout(t *testing.T) {
	h := newHost[int](t, nil)

	start := time.Now()
	ev, err := h.Service(0)
	require.NoError(t, err)
	require.Nil(t, ev)
	require.Less(t, time.Since(start), 100*time.Millisecond)

	ev, err = h.CheckEvents()
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestServiceTimeout(t *testing.T) {
	h := newHost[int](t, nil)

	start := time.Now()
	ev, err := h.Service(30 * time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, ev)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestClosedHost(t *testing.T) {
	h, err := NewBuilder[int]().Build()
	require.NoError(t, err)
	h.Close()

	_, err = h.Service(0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = h.Connect("127.0.0.1:1", 1, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.NotPanics(t, h.Flush)
	for range h.Peers() {
		t.Fatalf("closed host yielded a peer")
	}
}

func TestServiceLongTimeout(t *testing.T) {
	server := newHost[int](t, nil)
	client := newHost[int](t, nil)
	_, clientPeer := connectPair(t, server, client, 1, 0)

	p, err := NewPacket([]byte("soon"), 0, Reliable())
	require.NoError(t, err)
	require.NoError(t, clientPeer.Send(p))
	client.Flush()

	ev, err := server.Service(math.MaxInt64)
	require.NoError(t, err)
	require.NotNil(t, ev, "a long timeout must not expire early")
	require.Equal(t, EventReceive, ev.Kind)
	require.Equal(t, "soon", string(ev.Packet.Data()))
	ev.Packet.Destroy()
}

func TestSendAfterClose(t *testing.T) {
	server := newHost[int](t, nil)
	client := newHost[int](t, nil)
	serverPeer, clientPeer := connectPair(t, server, client, 1, 0)
	server.Close()
	client.Close()
	require.Zero(t, liveGuards())

	p, err := NewPacket([]byte("late"), 0, Reliable())
	require.NoError(t, err)
	require.NotPanics(t, func() {
		require.ErrorIs(t, clientPeer.Send(p), ErrInvalidArgument)
	})
	require.Empty(t, p.Data())
	require.Zero(t, outstandingBuffers.Load())
	require.Zero(t, liveGuards())

	require.Nil(t, clientPeer.Data())
	require.Equal(t, PeerUnused, serverPeer.State())
	_, ok := serverPeer.Receive()
	require.False(t, ok)
	require.NotPanics(t, func() { serverPeer.DisconnectNow(0) })
}

type session struct {
	name     string
	released *atomic.Int32
}

func (s *session) Release() { s.released.Add(1) }

type tracked struct {
	created  atomic.Int32
	released atomic.Int32
}

func (tr *tracked) configure(b *Builder[session]) {
	b.DataFunc(func() session {
		tr.created.Add(1)
		return session{name: "peer", released: &tr.released}
	})
}

func TestPeerDataReleasedOnDisconnectEvent(t *testing.T) {
	var st, ct tracked
	server := newHost(t, st.configure)
	client := newHost(t, ct.configure)
	serverPeer, clientPeer := connectPair(t, server, client, 1, 0)
	require.Equal(t, "peer", serverPeer.Data().name)
	require.Equal(t, "peer", serverPeer.View().Data().name)

	clientPeer.Disconnect(7)
	require.Zero(t, ct.released.Load(), "data lives until the disconnect is observed")

	var serverGone, clientGone bool
	pump(t, func(h *Host[session], ev *Event[session]) bool {
		if ev.Kind != EventDisconnect {
			return false
		}
		require.NotNil(t, ev.Peer.Data(), "disconnect handlers can read the peer data")
		if h == server {
			require.Equal(t, uint32(7), ev.Data)
			require.Zero(t, st.released.Load())
			serverGone = true
		} else {
			require.Zero(t, ct.released.Load())
			clientGone = true
		}
		return serverGone && clientGone
	}, server, client)

	_, err := server.CheckEvents()
	require.NoError(t, err)
	_, err = client.CheckEvents()
	require.NoError(t, err)
	require.EqualValues(t, 1, st.released.Load())
	require.EqualValues(t, 1, ct.released.Load())

	server.Close()
	client.Close()
	require.Equal(t, st.created.Load(), st.released.Load())
	require.Equal(t, ct.created.Load(), ct.released.Load())
	require.Zero(t, liveGuards())
}

func TestPeerDataReleasedOnDisconnectNow(t *testing.T) {
	var st, ct tracked
	server := newHost(t, st.configure)
	client := newHost(t, ct.configure)
	_, clientPeer := connectPair(t, server, client, 1, 0)

	clientPeer.DisconnectNow(3)
	require.EqualValues(t, 1, ct.released.Load())
	require.Nil(t, clientPeer.Data())
	require.Equal(t, PeerUnused, clientPeer.State())

	p, err := NewPacket([]byte("late"), 0, Reliable())
	require.NoError(t, err)
	require.ErrorIs(t, clientPeer.Send(p), ErrInvalidArgument)
	require.Empty(t, p.Data())

	pump(t, func(h *Host[session], ev *Event[session]) bool {
		return h == server && ev.Kind == EventDisconnect && ev.Data == 3
	}, server, client)

	server.Close()
	client.Close()
	require.EqualValues(t, 1, st.released.Load())
	require.EqualValues(t, 1, ct.released.Load())
}

func TestPeerDataReleasedOnReset(t *testing.T) {
	var st, ct tracked
	server := newHost(t, st.configure)
	client := newHost(t, ct.configure)
	_, clientPeer := connectPair(t, server, client, 1, 0)

	clientPeer.Reset()
	clientPeer.Reset()
	require.EqualValues(t, 1, ct.released.Load())
	require.Zero(t, st.released.Load(), "the server was not told")

	server.Close()
	client.Close()
	require.EqualValues(t, 1, st.released.Load())
	require.EqualValues(t, 1, ct.released.Load())
}

func TestPeerDataReleasedOnClose(t *testing.T) {
	var st, ct tracked
	server := newHost(t, st.configure)
	client := newHost(t, ct.configure)
	connectPair(t, server, client, 1, 0)

	var n int
	for p := range server.PeersMut() {
		require.Equal(t, PeerConnected, p.State())
		n++
	}
	require.Equal(t, 1, n)

	server.Close()
	client.Close()
	require.EqualValues(t, 1, st.released.Load())
	require.EqualValues(t, 1, ct.released.Load())
	require.Zero(t, liveGuards())
}

func TestDataReplacedOnSlotReuse(t *testing.T) {
	var ct tracked
	server := newHost[session](t, nil)
	client := newHost(t, func(b *Builder[session]) {
		ct.configure(b)
		b.PeerCount(1)
	})

	p, err := client.Connect(server.Address().String(), 1, 0)
	require.NoError(t, err)
	p.Reset()

	_, err = client.Connect(server.Address().String(), 1, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, ct.created.Load())
	require.EqualValues(t, 1, ct.released.Load())
}

func TestStaleHandleAfterSlotReuse(t *testing.T) {
	var ct tracked
	server := newHost[session](t, nil)
	client := newHost(t, func(b *Builder[session]) {
		ct.configure(b)
		b.PeerCount(1)
	})

	first, err := client.Connect(server.Address().String(), 1, 0)
	require.NoError(t, err)
	var stale *Peer[session]
	for p := range client.PeersMut() {
		stale = p
	}
	require.NotNil(t, stale)
	view := stale.View()

	first.Reset()
	require.Nil(t, stale.Data())
	require.Equal(t, PeerUnused, stale.State())

	second, err := client.Connect(server.Address().String(), 1, 0)
	require.NoError(t, err)
	require.Equal(t, first.ID(), second.ID(), "the slot is reused")
	require.EqualValues(t, 2, ct.created.Load())
	require.EqualValues(t, 1, ct.released.Load())

	require.Nil(t, stale.Data())
	require.Equal(t, PeerUnused, stale.State())
	require.Equal(t, PeerUnused, view.State())
	require.Equal(t, session{}, view.Data())
	require.Equal(t, PeerInfo{}, view.Info())

	p, err := NewPacket([]byte("stale"), 0, Reliable())
	require.NoError(t, err)
	require.ErrorIs(t, stale.Send(p), ErrInvalidArgument)
	require.Empty(t, p.Data())

	stale.DisconnectNow(0)
	stale.Reset()
	require.EqualValues(t, 1, ct.released.Load(), "the new connection keeps its data")
	require.Equal(t, PeerConnecting, second.State())
	require.NotNil(t, second.Data())
	require.Equal(t, "peer", second.View().Data().name)

	client.Close()
	require.EqualValues(t, 2, ct.released.Load())
}

func TestPeerConfiguration(t *testing.T) {
	server := newHost[int](t, nil)
	client := newHost[int](t, nil)
	_, clientPeer := connectPair(t, server, client, 1, 0)

	clientPeer.SetTimeout(0, 2*time.Second, 10*time.Second)
	clientPeer.ConfigureThrottle(PacketThrottleInterval, 2, 2)
	clientPeer.Ping()
	client.SetBandwidthLimit(1<<20, 1<<20)
	require.NoError(t, client.SetChannelLimit(8))
	require.ErrorIs(t, client.SetChannelLimit(0), ErrInvalidArgument)

	// the throttle and bandwidth commands are reliable; the link survives them
	p, err := NewPacket([]byte("after"), 0, Reliable())
	require.NoError(t, err)
	require.NoError(t, clientPeer.Send(p))
	ev := receive(t, server, client, server)
	require.Equal(t, "after", string(ev.Packet.Data()))
	ev.Packet.Destroy()
}

func TestTimeoutMillis(t *testing.T) {
	require.Zero(t, timeoutMillis(0))
	require.Equal(t, uint32(1), timeoutMillis(time.Microsecond))
	require.Equal(t, uint32(1500), timeoutMillis(1500*time.Millisecond))
}

func TestVersion(t *testing.T) {
	require.Equal(t, "1.3.18", VersionString)
	require.Equal(t, uint32(1<<16|3<<8|18), LinkedVersion())
}
