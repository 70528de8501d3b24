// Package fec adds Reed-Solomon forward error correction to unreliable benet
// channels.
//
// A message is split into data shards plus parity shards, and every shard
// travels as its own unreliable packet. The receiver rebuilds the message
// from any DataShards of them, so up to ParityShards lost datagrams cost no
// retransmission. With 10 data and 4 parity shards, any 4 shards may be lost.
package fec
