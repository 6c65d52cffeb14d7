package client

import "errors"

// Sentinel errors returned by the client core
var (
	// ErrCircuitOpen indicates the connection breaker is refusing attempts
	ErrCircuitOpen = errors.New("connection circuit open")
	// ErrTransportClosed indicates the transport was permanently closed
	ErrTransportClosed = errors.New("transport closed")
	// ErrQueueFull indicates a critical message could not be buffered
	ErrQueueFull = errors.New("offline queue full")
	// ErrNotJoined indicates an operation that requires an active session
	ErrNotJoined = errors.New("not joined to a session")
	// ErrLockTimeout indicates no lock response arrived within the wait bound
	ErrLockTimeout = errors.New("lock request timed out")
)
