package coord

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemCluster is an in-process coordination service with the same node
// semantics the coordinator relies on: sequential naming, ephemeral
// ownership tied to a session, and one-shot child watches.
//
// It backs the "memory" coordination backend (single-node deployments
// still get working semaphores) and the coordinator tests.
type MemCluster struct {
	mu      sync.Mutex
	nodes   map[string]*memNode
	watches map[string][]chan struct{}
	seq     int64
	session int64
}

type memNode struct {
	data    []byte
	session int64 // 0 = permanent
}

func NewMemCluster() *MemCluster {
	return &MemCluster{
		nodes:   map[string]*memNode{},
		watches: map[string][]chan struct{}{},
	}
}

// Session opens a new client session. Closing (or expiring) the session
// removes every ephemeral node it created and fires affected watches.
func (c *MemCluster) Session() *MemSession {
	c.mu.Lock()
	c.session++
	id := c.session
	c.mu.Unlock()
	return &MemSession{cluster: c, id: id, done: make(chan struct{})}
}

func (c *MemCluster) fireWatchesLocked(parent string) {
	for _, ch := range c.watches[parent] {
		close(ch)
	}
	delete(c.watches, parent)
}

func parentOf(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// MemSession implements Conn against a MemCluster.
type MemSession struct {
	cluster *MemCluster
	id      int64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ Conn = (*MemSession)(nil)

func (s *MemSession) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *MemSession) CreateEphemeralSequential(pathPrefix string, data []byte) (string, error) {
	if !s.alive() {
		return "", ErrSessionLost
	}
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	full := fmt.Sprintf("%s%010d", pathPrefix, c.seq)
	c.nodes[full] = &memNode{data: append([]byte(nil), data...), session: s.id}
	c.fireWatchesLocked(parentOf(full))
	return full, nil
}

func (s *MemSession) Children(path string) ([]string, error) {
	if !s.alive() {
		return nil, ErrSessionLost
	}
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.childrenLocked(path), nil
}

func (s *MemSession) ChildrenW(path string) ([]string, <-chan struct{}, error) {
	if !s.alive() {
		return nil, nil, ErrSessionLost
	}
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan struct{})
	c.watches[path] = append(c.watches[path], ch)
	return c.childrenLocked(path), ch, nil
}

func (s *MemSession) Get(path string) ([]byte, error) {
	if !s.alive() {
		return nil, ErrSessionLost
	}
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return nil, ErrNoNode
	}
	return append([]byte(nil), n.data...), nil
}

func (s *MemSession) Delete(path string) error {
	if !s.alive() {
		return ErrSessionLost
	}
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[path]; !ok {
		return ErrNoNode
	}
	delete(c.nodes, path)
	c.fireWatchesLocked(parentOf(path))
	return nil
}

func (s *MemSession) EnsurePath(path string) error {
	if !s.alive() {
		return ErrSessionLost
	}
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur += "/" + part
		if _, ok := c.nodes[cur]; !ok {
			c.nodes[cur] = &memNode{}
		}
	}
	return nil
}

func (s *MemSession) Done() <-chan struct{} { return s.done }

// Close ends the session gracefully. Expire is the same transition seen
// from the service side; tests use it to simulate session loss.
func (s *MemSession) Close() error {
	s.expire()
	return nil
}

func (s *MemSession) Expire() { s.expire() }

func (s *MemSession) expire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	c := s.cluster
	c.mu.Lock()
	parents := map[string]struct{}{}
	for p, n := range c.nodes {
		if n.session == s.id {
			delete(c.nodes, p)
			parents[parentOf(p)] = struct{}{}
		}
	}
	for parent := range parents {
		c.fireWatchesLocked(parent)
	}
	c.mu.Unlock()
}

func (c *MemCluster) childrenLocked(path string) []string {
	prefix := strings.TrimRight(path, "/") + "/"
	var out []string
	for p := range c.nodes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if strings.ContainsRune(rest, '/') {
			continue
		}
		out = append(out, rest)
	}
	sort.Strings(out)
	return out
}
