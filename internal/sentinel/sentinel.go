// Package sentinel provides standardized error definitions for the distcache system.
// This package centralizes all error values used across the cache components,
// ensuring consistent error handling and messaging throughout the application.
//
// The errors defined here cover:
// - Invalid configuration parameters (node identity, replication factor, levels)
// - Cluster operation failures (unknown peers, unreachable replicas)
// - Consistency outcomes (quorum not met, degraded reads)
// - Runtime operation errors (timeouts, cancellations, loop lifecycle)
//
// All errors are created using the ewrap package to provide enhanced error
// wrapping and context capabilities.
package sentinel

import (
	"github.com/hyp3rd/ewrap"
)

var (
	// ErrInvalidKey is returned when an empty or whitespace-only key is used.
	ErrInvalidKey = ewrap.New("invalid key")

	// ErrNilValue is returned when a nil value is stored.
	ErrNilValue = ewrap.New("nil value")

	// ErrInvalidTTL is returned when a negative TTL is supplied.
	ErrInvalidTTL = ewrap.New("ttl cannot be negative")

	// ErrInvalidNodeID is returned when a node is configured without an id.
	ErrInvalidNodeID = ewrap.New("invalid node id")

	// ErrInvalidAddress is returned when the node host/port pair is invalid.
	ErrInvalidAddress = ewrap.New("invalid node address")

	// ErrInvalidReplicationFactor is returned when the replication factor is lower than one.
	ErrInvalidReplicationFactor = ewrap.New("replication factor must be at least 1")

	// ErrInvalidConsistencyLevel is returned when a consistency level cannot be parsed.
	ErrInvalidConsistencyLevel = ewrap.New("invalid consistency level")

	// ErrInvalidInterval is returned when a loop interval is not positive.
	ErrInvalidInterval = ewrap.New("interval must be positive")

	// ErrNodeNotFound is returned when a peer is unknown to the transport or the ring.
	ErrNodeNotFound = ewrap.New("node not found")

	// ErrNodeExists is returned when a node joins twice.
	ErrNodeExists = ewrap.New("node already a member")

	// ErrNilSender is returned when the protocol has no transport collaborator.
	ErrNilSender = ewrap.New("nil sender")

	// ErrNilClient is returned when a nil redis client is passed to the invalidation bus.
	ErrNilClient = ewrap.New("nil client")

	// ErrNoHandler is returned when an inbound message has no registered handler.
	ErrNoHandler = ewrap.New("no handler registered for message type")

	// ErrRemote is returned when a peer replies with an application level error.
	ErrRemote = ewrap.New("remote node error")

	// ErrQuorumNotMet is returned when a write could not collect the acknowledgements required by its level.
	ErrQuorumNotMet = ewrap.New("consistency level not met")

	// ErrDegradedRead is returned together with the local value when not enough replicas answered a read.
	ErrDegradedRead = ewrap.New("degraded read: replicas unreachable")

	// ErrSerializerNotFound is returned when a serializer is not found.
	ErrSerializerNotFound = ewrap.New("serializer not found")

	// ErrParamCannotBeEmpty is returned when a parameter cannot be empty.
	ErrParamCannotBeEmpty = ewrap.New("param cannot be empty")

	// ErrAlreadyRunning is returned when a background loop is started twice.
	ErrAlreadyRunning = ewrap.New("loop already running")

	// ErrTimeoutOrCanceled is returned when a timeout or cancellation occurs.
	ErrTimeoutOrCanceled = ewrap.New("the operation timed out or was canceled")

	// ErrMgmtHTTPShutdownTimeout is returned when the management HTTP server fails to shutdown before context deadline.
	ErrMgmtHTTPShutdownTimeout = ewrap.New("management http shutdown timeout")
)
