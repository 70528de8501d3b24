// Package enet is the reliable-UDP engine that backs the benet host API.
//
// It follows the ENet object model closely:
//   - a Host owns a UDP socket and a fixed array of Peer slots sized at creation
//   - peers carry an untyped Data slot that the engine never inspects or clears
//   - packets are reference counted and may carry a FreeCallback plus a UserData tag
//   - compression is installed as a record of three functions plus an opaque context
//   - all protocol progress happens synchronously inside Service, CheckEvents, Flush
//
// Nothing in this package is safe for concurrent use, apart from Initialize,
// Deinitialize and the traffic counters on Host. Memory hand-off rules are the
// caller's responsibility: a packet must be destroyed exactly once, either
// explicitly or by the engine after it was queued with Peer.Send or Host.Broadcast.
package enet
