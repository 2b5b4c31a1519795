package mcp

import (
	"context"
	"errors"
)

// Failure sentinels for the discovery sequence. Errors returned by this
// package wrap exactly one of them; match with [errors.Is].
var (
	// ErrSpawn means the server process could not be started.
	ErrSpawn = errors.New("mcp: spawn failed")

	// ErrTransportClosed means the stdio stream closed, or the call was
	// abandoned on a deadline, before the handshake completed.
	ErrTransportClosed = errors.New("mcp: transport closed")

	// ErrHandshakeRejected means the server answered initialize with an
	// error envelope or a result we could not accept.
	ErrHandshakeRejected = errors.New("mcp: handshake rejected")

	// ErrDiscoveryFailed means tools/list failed after a successful
	// handshake.
	ErrDiscoveryFailed = errors.New("mcp: discovery failed")
)

// FailureKind is a stable label for a discovery failure, used as a log
// attribute, a metric attribute and a ledger column.
type FailureKind string

// Failure kinds reported by [Classify].
const (
	FailureNone              FailureKind = ""
	FailureSpawn             FailureKind = "spawn"
	FailureTransportClosed   FailureKind = "transport_closed"
	FailureHandshakeRejected FailureKind = "handshake_rejected"
	FailureDiscoveryFailed   FailureKind = "discovery_failed"
	FailureUnknown           FailureKind = "unknown"
)

// Classify maps err to its FailureKind. Discovery is checked first
// because a failed tools/list may also wrap a closed transport.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrDiscoveryFailed):
		return FailureDiscoveryFailed
	case errors.Is(err, ErrSpawn):
		return FailureSpawn
	case errors.Is(err, ErrHandshakeRejected):
		return FailureHandshakeRejected
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return FailureTransportClosed
	default:
		return FailureUnknown
	}
}
