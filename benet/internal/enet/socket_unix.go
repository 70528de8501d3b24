//go:build unix

package enet

import (
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

func setSocketOptions(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, HostReceiveBufferSize); serr != nil {
			return
		}
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, HostSendBufferSize); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// receive reads one datagram without blocking. ok is false when nothing is queued.
func (s *socket) receive(buf []byte) (n int, from netip.AddrPort, ok bool, err error) {
	var (
		sa   unix.Sockaddr
		rerr error
	)
	err = s.raw.Read(func(fd uintptr) bool {
		n, sa, rerr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, from, false, err
	}
	if rerr != nil {
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK || rerr == unix.EINTR || isTransient(rerr) {
			return 0, from, false, nil
		}
		return 0, from, false, rerr
	}
	sa4, isV4 := sa.(*unix.SockaddrInet4)
	if !isV4 {
		// Not an IPv4 sender; report it as an empty read so the caller keeps draining.
		return 0, from, true, nil
	}
	return n, netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port)), true, nil
}
