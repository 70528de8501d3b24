// Package compress groups the datagram compressors that plug into
// benet.Builder.Compressor: lz4 for speed and s2 for a better ratio.
package compress
