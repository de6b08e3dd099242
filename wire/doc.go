// Package wire defines the frames exchanged between a bridge and its worker:
// newline-delimited UTF-8 JSON-RPC 2.0 messages over a loopback TCP stream.
// Both sides of the protocol build on this package.
package wire
