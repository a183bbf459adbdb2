// Package coord implements fleet-wide concurrency primitives — a counting
// semaphore and a party barrier — on top of an abstract coordination
// service offering ordered, ephemeral, watchable nodes.
//
// The authoritative state lives in the coordination service. The local
// coordinator never trusts its cached view after a detected disconnect:
// every lease is re-derived from the live child set, and session loss
// marks held leases LOST (terminal; callers must lock again).
package coord

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnavailable means the coordination service could not be reached.
	// Lock/MinParty fail closed on it: never granted-by-default.
	ErrUnavailable = errors.New("coordination service unavailable")

	// ErrSessionLost means the session (and with it every ephemeral node
	// this process owned) expired.
	ErrSessionLost = errors.New("coordination session lost")

	// ErrNoNode is returned by Conn implementations for a missing node.
	ErrNoNode = errors.New("node does not exist")
)

// Conn is the minimal client surface the coordinator needs from a
// coordination service (ZooKeeper-shaped, but any system with ordered,
// ephemeral, watchable nodes fits).
//
// Implementations must be safe for concurrent use.
type Conn interface {
	// CreateEphemeralSequential creates an ephemeral node whose name is
	// pathPrefix plus a service-assigned, monotonically increasing
	// sequence number, and returns the full path.
	CreateEphemeralSequential(pathPrefix string, data []byte) (string, error)

	// Children lists the direct children (base names) of path.
	Children(path string) ([]string, error)

	// ChildrenW lists children and arms a one-shot watch that is closed
	// on the next change to the child set.
	ChildrenW(path string) ([]string, <-chan struct{}, error)

	// Get returns the data stored at path (ErrNoNode if absent).
	Get(path string) ([]byte, error)

	// Delete removes the node at path (ErrNoNode if absent).
	Delete(path string) error

	// EnsurePath creates the (permanent) path and its parents if missing.
	EnsurePath(path string) error

	// Done is closed when the session is lost. All ephemeral nodes this
	// connection created are removed by the service at that point.
	Done() <-chan struct{}

	Close() error
}

// LeaseState is the per-lease state machine:
// REQUESTED → GRANTED → RELEASED, with REQUESTED/GRANTED → LOST on
// session expiry. LOST is terminal — a new Lock call starts over.
type LeaseState int

const (
	LeaseRequested LeaseState = iota
	LeaseGranted
	LeaseReleased
	LeaseLost
)

func (s LeaseState) String() string {
	switch s {
	case LeaseRequested:
		return "requested"
	case LeaseGranted:
		return "granted"
	case LeaseReleased:
		return "released"
	case LeaseLost:
		return "lost"
	}
	return "unknown"
}

// Lease describes one slot held (or once held) in the coordinator.
type Lease struct {
	Resource   string     `json:"resource"`
	Identifier string     `json:"identifier"`
	Node       string     `json:"node"`
	Sequence   int64      `json:"sequence"`
	State      LeaseState `json:"state"`
	AcquiredAt time.Time  `json:"acquired_at,omitempty"`
}

// seqOf extracts the service-assigned sequence number from a node's base
// name (trailing decimal digits). Returns -1 when the name carries none.
func seqOf(name string) int64 {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return -1
	}
	n, err := strconv.ParseInt(name[i:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
