// Package benet provides a safe host API over an ENet-style reliable UDP engine.
//
// A Host listens for and originates connections to peers and exchanges packets
// over numbered channels with a choice of delivery guarantees:
//   - reliable, sequenced delivery with retransmission
//   - unreliable sequenced and unsequenced delivery
//   - transparent fragmentation of packets larger than the MTU
//   - pluggable datagram compression and checksums
//
// All protocol progress happens inside Host calls on the caller's goroutine.
// Every peer carries a user value of type T that is created when the peer first
// appears and released once it disconnects.
package benet
