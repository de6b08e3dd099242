package bridge

import "errors"

var (
	// ErrStartupTimeout means the worker process did not announce its port
	// before the startup window elapsed, or exited before announcing it.
	ErrStartupTimeout = errors.New("worker did not announce its port in time")

	// ErrConnectionTimeout means the transport could not be opened within the
	// bounded dial retries after the worker announced its endpoint.
	ErrConnectionTimeout = errors.New("could not connect to worker")

	// ErrNotConnected means a call was issued while disconnected and the wait
	// for a restart to complete was exhausted.
	ErrNotConnected = errors.New("not connected to worker")

	// ErrRequestTimeout means no matching reply arrived within the call's deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionClosed means the bridge was stopped or lost its transport
	// while the call was outstanding.
	ErrConnectionClosed = errors.New("connection closed")
)
