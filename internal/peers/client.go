package peers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logx "fleetd/pkg/logx"
)

// ClientConfig names the other fleet nodes this one queries during
// cluster admission counting.
type ClientConfig struct {
	Nodes []string
	Token string

	// QueryTimeout bounds each individual peer request. A peer that
	// doesn't answer in time contributes zero to the count.
	QueryTimeout time.Duration
}

// Client fans running-job queries out to the configured peers.
// It implements track.PeerQuerier.
type Client struct {
	mu  sync.Mutex
	cfg ClientConfig
	log logx.Logger

	httpc *http.Client
}

func NewClient(cfg ClientConfig, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:   cfg,
		log:   log,
		httpc: &http.Client{},
	}
}

// Apply swaps in a new peer list during hot-reload.
func (c *Client) Apply(cfg ClientConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// CountRunning asks every peer how many instances of job it is running
// and sums the answers. Unreachable or slow peers count as zero; the
// result is therefore a lower bound, which errs on the side of
// admitting rather than starving.
func (c *Client) CountRunning(ctx context.Context, job string) int {
	c.mu.Lock()
	nodes := c.cfg.Nodes
	token := c.cfg.Token
	per := c.cfg.QueryTimeout
	c.mu.Unlock()

	if len(nodes) == 0 {
		return 0
	}
	if per <= 0 {
		per = 2 * time.Second
	}

	counts := make(chan int, len(nodes))
	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			n, err := c.queryOne(ctx, node, token, per, job)
			if err != nil {
				c.log.Debug("peer query failed", logx.String("peer", node), logx.Any("err", err))
				counts <- 0
				return
			}
			counts <- n
		}(node)
	}
	wg.Wait()
	close(counts)

	total := 0
	for n := range counts {
		total += n
	}
	return total
}

func (c *Client) queryOne(ctx context.Context, node, token string, timeout time.Duration, job string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := peerURL(node, job)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("peer returned %s", resp.Status)
	}
	var recs []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}

// peerURL accepts either a bare host:port or a full http(s) URL.
func peerURL(node, job string) (string, error) {
	n := strings.TrimSpace(node)
	if n == "" {
		return "", fmt.Errorf("empty peer address")
	}
	if !strings.HasPrefix(n, "http://") && !strings.HasPrefix(n, "https://") {
		n = "http://" + n
	}
	u, err := url.Parse(n)
	if err != nil {
		return "", fmt.Errorf("bad peer address %q: %w", node, err)
	}
	u.Path = "/v1/running"
	q := u.Query()
	if job != "" {
		q.Set("job", job)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
