package coord

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	logx "fleetd/pkg/logx"
)

// ZKConn adapts a ZooKeeper ensemble to the Conn surface.
type ZKConn struct {
	conn     *zk.Conn
	done     chan struct{}
	doneOnce sync.Once
	log      logx.Logger
}

var _ Conn = (*ZKConn)(nil)

// DialZK connects to the ensemble. The returned connection keeps retrying
// in the background; individual operations fail while disconnected, which
// the coordinator translates into fail-closed lock results.
func DialZK(servers []string, sessionTimeout time.Duration, log logx.Logger) (*ZKConn, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = 10 * time.Second
	}
	conn, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, err
	}

	z := &ZKConn{conn: conn, done: make(chan struct{}), log: log}
	go z.watchEvents(events)
	return z, nil
}

func (z *ZKConn) watchEvents(events <-chan zk.Event) {
	for ev := range events {
		switch ev.State {
		case zk.StateExpired:
			z.log.Warn("zookeeper session expired")
			z.markDone()
			return
		case zk.StateDisconnected:
			z.log.Warn("zookeeper disconnected; operations will fail until reconnect")
		case zk.StateHasSession:
			z.log.Debug("zookeeper session established")
		}
	}
	// Event channel closed: the connection is gone for good.
	z.markDone()
}

func (z *ZKConn) markDone() {
	z.doneOnce.Do(func() { close(z.done) })
}

func (z *ZKConn) CreateEphemeralSequential(pathPrefix string, data []byte) (string, error) {
	p, err := z.conn.Create(pathPrefix, data, zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", mapZKErr(err)
	}
	return p, nil
}

func (z *ZKConn) Children(path string) ([]string, error) {
	children, _, err := z.conn.Children(path)
	if err != nil {
		return nil, mapZKErr(err)
	}
	return children, nil
}

func (z *ZKConn) ChildrenW(path string) ([]string, <-chan struct{}, error) {
	children, _, events, err := z.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, mapZKErr(err)
	}
	ch := make(chan struct{})
	go func() {
		<-events
		close(ch)
	}()
	return children, ch, nil
}

func (z *ZKConn) Get(path string) ([]byte, error) {
	data, _, err := z.conn.Get(path)
	if err != nil {
		return nil, mapZKErr(err)
	}
	return data, nil
}

func (z *ZKConn) Delete(path string) error {
	if err := z.conn.Delete(path, -1); err != nil {
		return mapZKErr(err)
	}
	return nil
}

func (z *ZKConn) EnsurePath(path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur += "/" + part
		_, err := z.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return mapZKErr(err)
		}
	}
	return nil
}

func (z *ZKConn) Done() <-chan struct{} { return z.done }

func (z *ZKConn) Close() error {
	z.conn.Close()
	z.markDone()
	return nil
}

func mapZKErr(err error) error {
	if errors.Is(err, zk.ErrNoNode) {
		return ErrNoNode
	}
	return err
}
