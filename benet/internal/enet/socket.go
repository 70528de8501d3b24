package enet

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"
)

// socket is the host's UDP endpoint.
type socket struct {
	conn *net.UDPConn
	raw  syscall.RawConn
}

func listenUDP(addr netip.AddrPort) (*socket, error) {
	lc := net.ListenConfig{Control: setSocketOptions}
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	raw, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &socket{conn: conn, raw: raw}, nil
}

func (s *socket) localAddr() netip.AddrPort {
	ap := s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (s *socket) send(to netip.AddrPort, b []byte) (int, error) {
	return s.conn.WriteToUDPAddrPort(b, to)
}

// wait blocks for at most d until a datagram arrives and reads it into buf.
// ok is false when the wait timed out.
func (s *socket) wait(d time.Duration, buf []byte) (n int, from netip.AddrPort, ok bool, err error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, from, false, err
	}
	n, from, err = s.conn.ReadFromUDPAddrPort(buf)
	if derr := s.conn.SetReadDeadline(time.Time{}); derr != nil && err == nil {
		err = derr
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) || isTransient(err) {
			return 0, from, false, nil
		}
		return 0, from, false, err
	}
	return n, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), true, nil
}

func (s *socket) close() error { return s.conn.Close() }

// isTransient reports errors that only concern a single datagram, such as an
// ICMP port unreachable surfacing on the next read.
func isTransient(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EMSGSIZE)
}
