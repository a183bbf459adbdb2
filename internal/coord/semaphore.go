package coord

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	logx "fleetd/pkg/logx"
)

type leaseKey struct {
	kind       string // "semaphore" | "party"
	resource   string
	identifier string
}

// Coordinator exposes the distributed semaphore and party barrier.
type Coordinator struct {
	conn   Conn
	prefix string
	log    logx.Logger

	mu     sync.Mutex
	leases map[leaseKey]*Lease
}

func New(conn Conn, prefix string, log logx.Logger) *Coordinator {
	if prefix == "" {
		prefix = "/fleetd"
	}
	c := &Coordinator{
		conn:   conn,
		prefix: prefix,
		log:    log,
		leases: map[leaseKey]*Lease{},
	}
	if conn != nil {
		go c.watchSession()
	}
	return c
}

// watchSession marks every live lease LOST when the session expires.
// The service already removed the ephemeral nodes; what matters here is
// that no caller silently assumes it still holds a slot.
func (c *Coordinator) watchSession() {
	<-c.conn.Done()

	c.mu.Lock()
	n := 0
	for _, l := range c.leases {
		if l.State == LeaseRequested || l.State == LeaseGranted {
			l.State = LeaseLost
			n++
		}
	}
	c.mu.Unlock()

	if n > 0 {
		c.log.Warn("coordination session lost; leases invalidated", logx.Int("leases", n))
	}
}

func (c *Coordinator) semPath(resource string) string {
	return path.Join(c.prefix, "semaphores", resource)
}

func (c *Coordinator) partyPath(resource string) string {
	return path.Join(c.prefix, "parties", resource)
}

// Lock tries to acquire one of maxConcurrent slots for resource.
//
// The caller's ephemeral sequential node is granted iff its sequence
// number ranks among the lowest maxConcurrent children — strict FIFO, a
// caller is never granted out of order relative to ungranted older
// requests. Non-blocking denial removes the node immediately; blocking
// waits on child-set changes until granted, timeout, ctx cancel, or
// session loss. On timeout the node is removed so no orphaned
// reservation remains.
func (c *Coordinator) Lock(ctx context.Context, resource, identifier string, maxConcurrent int, blocking bool, timeout time.Duration) (bool, error) {
	if c == nil || c.conn == nil {
		return false, ErrUnavailable
	}
	if maxConcurrent < 1 {
		return false, fmt.Errorf("maxConcurrent must be >= 1")
	}

	base := c.semPath(resource)
	if err := c.conn.EnsurePath(base); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	node, err := c.conn.CreateEphemeralSequential(base+"/lease-", []byte(identifier))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	key := leaseKey{kind: "semaphore", resource: resource, identifier: identifier}
	lease := &Lease{
		Resource:   resource,
		Identifier: identifier,
		Node:       node,
		Sequence:   seqOf(baseName(node)),
		State:      LeaseRequested,
	}
	c.mu.Lock()
	c.leases[key] = lease
	c.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if blocking && timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	abandon := func(state LeaseState) {
		if err := c.conn.Delete(node); err != nil && err != ErrNoNode {
			c.log.Warn("lease node cleanup failed", logx.String("resource", resource), logx.String("node", node), logx.Err(err))
		}
		c.setState(key, state)
	}

	for {
		children, watch, err := c.conn.ChildrenW(base)
		if err != nil {
			abandon(LeaseReleased)
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		rank := rankOf(children, baseName(node))
		if rank < 0 {
			// Our node vanished underneath us: the service expired the
			// session. Never assume the slot is still held.
			c.setState(key, LeaseLost)
			return false, ErrSessionLost
		}
		if rank < maxConcurrent {
			c.mu.Lock()
			lease.State = LeaseGranted
			lease.AcquiredAt = time.Now()
			c.mu.Unlock()
			return true, nil
		}
		if !blocking {
			abandon(LeaseReleased)
			return false, nil
		}

		select {
		case <-watch:
			// Child set changed; re-evaluate rank.
		case <-timeoutCh:
			abandon(LeaseReleased)
			return false, nil
		case <-ctx.Done():
			abandon(LeaseReleased)
			return false, ctx.Err()
		case <-c.conn.Done():
			c.setState(key, LeaseLost)
			return false, ErrSessionLost
		}
	}
}

// Unlock releases the caller's slot. It is idempotent: unlocking twice,
// or unlocking a lease that was never acquired, is a no-op success.
func (c *Coordinator) Unlock(resource, identifier string) error {
	if c == nil || c.conn == nil {
		return ErrUnavailable
	}

	key := leaseKey{kind: "semaphore", resource: resource, identifier: identifier}

	c.mu.Lock()
	lease := c.leases[key]
	c.mu.Unlock()

	if lease != nil && (lease.State == LeaseGranted || lease.State == LeaseRequested) {
		err := c.conn.Delete(lease.Node)
		c.setState(key, LeaseReleased)
		if err != nil && err != ErrNoNode {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}

	// No live local lease. Still scan for a node carrying our identifier
	// (e.g. a previous process incarnation) — release if present.
	return c.deleteByIdentifier(c.semPath(resource), identifier)
}

// MinParty registers as a party member for resource and reports whether
// at least minNodes distinct members are present.
//
// Blocking mode additionally waits (bounded by timeout) for the member
// count to be reached. The registration is NOT removed after the call —
// membership persists for later re-checks until PartyLeave. Re-registering
// the same identifier does not double count.
func (c *Coordinator) MinParty(ctx context.Context, resource, identifier string, minNodes int, blocking bool, timeout time.Duration) (bool, error) {
	if c == nil || c.conn == nil {
		return false, ErrUnavailable
	}
	if minNodes < 1 {
		return false, fmt.Errorf("minNodes must be >= 1")
	}

	base := c.partyPath(resource)
	if err := c.conn.EnsurePath(base); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	key := leaseKey{kind: "party", resource: resource, identifier: identifier}

	c.mu.Lock()
	existing := c.leases[key]
	registered := existing != nil && existing.State == LeaseGranted
	c.mu.Unlock()

	if !registered {
		// Avoid double counting: adopt an already-present registration
		// for this identifier before creating a new one.
		nodePath, err := c.findByIdentifier(base, identifier)
		if err != nil {
			return false, err
		}
		if nodePath == "" {
			nodePath, err = c.conn.CreateEphemeralSequential(base+"/member-", []byte(identifier))
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
		c.mu.Lock()
		c.leases[key] = &Lease{
			Resource:   resource,
			Identifier: identifier,
			Node:       nodePath,
			Sequence:   seqOf(baseName(nodePath)),
			State:      LeaseGranted,
			AcquiredAt: time.Now(),
		}
		c.mu.Unlock()
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if blocking && timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		children, watch, err := c.conn.ChildrenW(base)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		count, err := c.distinctMembers(base, children)
		if err != nil {
			return false, err
		}
		if count >= minNodes {
			return true, nil
		}
		if !blocking {
			return false, nil
		}

		select {
		case <-watch:
		case <-timeoutCh:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-c.conn.Done():
			c.setState(key, LeaseLost)
			return false, ErrSessionLost
		}
	}
}

// PartyLeave removes this identifier's party registration. Idempotent.
func (c *Coordinator) PartyLeave(resource, identifier string) error {
	if c == nil || c.conn == nil {
		return ErrUnavailable
	}

	key := leaseKey{kind: "party", resource: resource, identifier: identifier}

	c.mu.Lock()
	lease := c.leases[key]
	c.mu.Unlock()

	if lease != nil && lease.State == LeaseGranted {
		err := c.conn.Delete(lease.Node)
		c.setState(key, LeaseReleased)
		if err != nil && err != ErrNoNode {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}
	return c.deleteByIdentifier(c.partyPath(resource), identifier)
}

// Snapshot returns the locally known leases, for operational visibility.
func (c *Coordinator) Snapshot() []Lease {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Lease, 0, len(c.leases))
	for _, l := range c.leases {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

func (c *Coordinator) setState(key leaseKey, state LeaseState) {
	c.mu.Lock()
	if l := c.leases[key]; l != nil {
		// LOST is terminal.
		if l.State != LeaseLost {
			l.State = state
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) findByIdentifier(base, identifier string) (string, error) {
	children, err := c.conn.Children(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, child := range children {
		p := base + "/" + child
		data, err := c.conn.Get(p)
		if err == ErrNoNode {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if string(data) == identifier {
			return p, nil
		}
	}
	return "", nil
}

func (c *Coordinator) deleteByIdentifier(base, identifier string) error {
	p, err := c.findByIdentifier(base, identifier)
	if err != nil || p == "" {
		return err
	}
	if err := c.conn.Delete(p); err != nil && err != ErrNoNode {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Coordinator) distinctMembers(base string, children []string) (int, error) {
	seen := map[string]struct{}{}
	for _, child := range children {
		data, err := c.conn.Get(base + "/" + child)
		if err == ErrNoNode {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		seen[string(data)] = struct{}{}
	}
	return len(seen), nil
}

// rankOf returns our position among the children ordered strictly by
// sequence number, or -1 when our node is gone.
func rankOf(children []string, self string) int {
	selfSeq := seqOf(self)
	if selfSeq < 0 {
		return -1
	}
	found := false
	rank := 0
	for _, child := range children {
		seq := seqOf(child)
		if seq < 0 {
			continue
		}
		if child == self {
			found = true
			continue
		}
		if seq < selfSeq {
			rank++
		}
	}
	if !found {
		return -1
	}
	return rank
}
