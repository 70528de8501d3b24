//go:build !unix

package enet

import (
	"net/netip"
	"syscall"
	"time"
)

func setSocketOptions(_, _ string, _ syscall.RawConn) error { return nil }

// receive polls for a queued datagram with a minimal deadline.
func (s *socket) receive(buf []byte) (int, netip.AddrPort, bool, error) {
	return s.wait(time.Microsecond, buf)
}
