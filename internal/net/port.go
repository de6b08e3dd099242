package net

import (
	"fmt"
	"net"
)

// FreeLoopbackPort finds a loopback TCP port that is free at the time of the
// call. The temporary listener is closed before returning, so the port
// can be handed to something else to bind; tests also use it to fabricate
// endpoints that nobody is listening on.
func FreeLoopbackPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
