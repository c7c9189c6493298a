// Package clustererr holds the sentinel error values shared across
// components, tested with errors.Is rather than a custom error-code type.
package clustererr

import "errors"

var (
	// ConfigInvalid marks a malformed on-disk configuration file. Fatal at
	// startup.
	ConfigInvalid = errors.New("clustererr: invalid configuration")

	// AuthRejected marks a failed node or service handshake.
	AuthRejected = errors.New("clustererr: authorization rejected")

	// PeerUnreachable marks a transport failure talking to a peer node.
	PeerUnreachable = errors.New("clustererr: peer unreachable")

	// QueryTimeout marks a channel-message query that exceeded its window.
	QueryTimeout = errors.New("clustererr: query timed out")

	// PlacementNoCandidate marks a create request with no eligible node.
	PlacementNoCandidate = errors.New("clustererr: no placement candidate")

	// LifecycleOrderViolation marks an RPC requesting an illegal lifecycle
	// transition.
	LifecycleOrderViolation = errors.New("clustererr: illegal lifecycle transition")

	// StagingFailed marks a template copy, inclusion fetch, or deployment
	// push failure.
	StagingFailed = errors.New("clustererr: staging failed")

	// RegistryAbsent marks a defaultRegistration() call made after the
	// default registration switched from singleton-style to
	// constructor-style.
	RegistryAbsent = errors.New("clustererr: default registration is constructor-style, cannot proxy")
)
