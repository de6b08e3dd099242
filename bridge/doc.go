/*
Package bridge runs an external worker process and dispatches JSON-RPC 2.0
calls to it over a private loopback TCP connection.

The worker is launched with a trailing "--port 0" argument, binds an
OS-assigned port, and announces it by printing a single line

	BRIDGE_PORT:<port>

on its stdout before any other output. The bridge then dials the endpoint and
exchanges newline-delimited UTF-8 JSON frames with the worker. Calls carry a
correlation ID and may be pipelined; replies are matched by ID and can arrive
in any order.

If the worker exits or the transport drops, every outstanding call fails, and
the bridge relaunches the worker after a fixed delay. Because each launch
binds a fresh port, a disconnect is always recovered by a full restart, never
a bare reconnect. Restarts triggered by simultaneous signals (a transport
close racing a process exit) are coalesced into one. Stop disables restarts,
asks the worker to shut down gracefully via the reserved "shutdown" method,
and kills it if it lingers.

The worker package in this module implements the other side of the contract
for workers written in Go; workers in any language work as long as they honor
the startup and wire contracts.
*/
package bridge
