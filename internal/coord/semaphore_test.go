package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "fleetd/pkg/logx"
)

func testCoordinator(t *testing.T, cluster *MemCluster) (*Coordinator, *MemSession) {
	t.Helper()
	sess := cluster.Session()
	t.Cleanup(func() { _ = sess.Close() })
	return New(sess, "/fleetd", logx.Nop()), sess
}

func TestSemaphoreGrantsUpToMax(t *testing.T) {
	t.Parallel()
	cluster := NewMemCluster()
	ctx := context.Background()

	a, _ := testCoordinator(t, cluster)
	b, _ := testCoordinator(t, cluster)
	c, _ := testCoordinator(t, cluster)

	ok, err := a.Lock(ctx, "backup", "node-a", 2, false, 0)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	ok, err = b.Lock(ctx, "backup", "node-b", 2, false, 0)
	if err != nil || !ok {
		t.Fatalf("second lock: ok=%v err=%v", ok, err)
	}
	ok, err = c.Lock(ctx, "backup", "node-c", 2, false, 0)
	if err != nil {
		t.Fatalf("third lock err: %v", err)
	}
	if ok {
		t.Fatalf("third lock must be denied at max_concurrent=2")
	}

	if err := a.Unlock("backup", "node-a"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	ok, err = c.Lock(ctx, "backup", "node-c", 2, false, 0)
	if err != nil || !ok {
		t.Fatalf("lock after release: ok=%v err=%v", ok, err)
	}
}

func TestSemaphoreDeniedRemovesNode(t *testing.T) {
	t.Parallel()
	cluster := NewMemCluster()
	ctx := context.Background()

	a, sess := testCoordinator(t, cluster)
	b, _ := testCoordinator(t, cluster)

	if ok, err := a.Lock(ctx, "job", "a", 1, false, 0); err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	if ok, _ := b.Lock(ctx, "job", "b", 1, false, 0); ok {
		t.Fatalf("expected denial")
	}

	// Denial must not leave a reservation behind the holder.
	children, err := sess.Children("/fleetd/semaphores/job")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("denied request left nodes behind: %v", children)
	}
}

func TestSemaphoreBlockingFIFO(t *testing.T) {
	t.Parallel()
	cluster := NewMemCluster()
	ctx := context.Background()

	a, sess := testCoordinator(t, cluster)
	b, _ := testCoordinator(t, cluster)

	if ok, err := a.Lock(ctx, "deploy", "a", 1, false, 0); err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}

	type result struct {
		ok  bool
		err error
	}
	got := make(chan result, 1)
	go func() {
		ok, err := b.Lock(ctx, "deploy", "b", 1, true, 5*time.Second)
		got <- result{ok, err}
	}()

	// Wait for the blocked request's node to appear before releasing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		children, err := sess.Children("/fleetd/semaphores/deploy")
		if err != nil {
			t.Fatalf("children: %v", err)
		}
		if len(children) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("blocked request never registered: %v", children)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.Unlock("deploy", "a"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	select {
	case r := <-got:
		if r.err != nil || !r.ok {
			t.Fatalf("blocked lock after release: ok=%v err=%v", r.ok, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("blocked lock never returned")
	}
}

func TestSemaphoreBlockingTimeout(t *testing.T) {
	t.Parallel()
	cluster := NewMemCluster()
	ctx := context.Background()

	a, sess := testCoordinator(t, cluster)
	b, _ := testCoordinator(t, cluster)

	if ok, err := a.Lock(ctx, "job", "a", 1, false, 0); err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}

	start := time.Now()
	ok, err := b.Lock(ctx, "job", "b", 1, true, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout lock err: %v", err)
	}
	if ok {
		t.Fatalf("lock granted despite held slot")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("returned before the timeout elapsed")
	}

	children, err := sess.Children("/fleetd/semaphores/job")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("timed-out request left nodes behind: %v", children)
	}
}

func TestSemaphoreContextCancel(t *testing.T) {
	t.Parallel()
	cluster := NewMemCluster()

	a, _ := testCoordinator(t, cluster)
	b, _ := testCoordinator(t, cluster)

	if ok, err := a.Lock(context.Background(), "job", "a", 1, false, 0); err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	ok, err := b.Lock(ctx, "job", "b", 1, true, time.Minute)
	if ok {
		t.Fatalf("lock granted despite held slot")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestUnlockIdempotent(t *testing.T) {
	t.Parallel()
	cluster := NewMemCluster()
	ctx := context.Background()

	a, _ := testCoordinator(t, cluster)

	if err := a.Unlock("job", "a"); err != nil {
		t.Fatalf("unlock of never-acquired lease: %v", err)
	}

	if ok, err := a.Lock(ctx, "job", "a", 1, false, 0); err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	if err := a.Unlock("job", "a"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := a.Unlock("job", "a"); err != nil {
		t.Fatalf("second unlock: %v", err)
	}
}

func TestUnlockReleasesPriorIncarnation(t *testing.T) {
	t.Parallel()
	cluster := NewMemCluster()
	ctx := context.Background()

	// A previous process incarnation still holds the slot under the same
	// identifier, on a session that has not expired.
	old, _ := testCoordinator(t, cluster)
	if ok, err := old.Lock(ctx, "job", "node-1/abc", 1, false, 0); err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}

	fresh, _ := testCoordinator(t, cluster)
	if err := fresh.Unlock("job", "node-1/abc"); err != nil {
		t.Fatalf("unlock by identifier scan: %v", err)
	}
	if ok, err := fresh.Lock(ctx, "job", "node-2/def", 1, false, 0); err != nil || !ok {
		t.Fatalf("slot not freed: ok=%v err=%v", ok, err)
	}
}

func TestSemaphoreSessionLossMarksLeasesLost(t *testing.T) {
	t.Parallel()
	cluster := NewMemCluster()
	ctx := context.Background()

	sessA := cluster.Session()
	a := New(sessA, "/fleetd", logx.Nop())
	b, _ := testCoordinator(t, cluster)

	if ok, err := a.Lock(ctx, "job", "a", 1, false, 0); err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	if ok, _ := b.Lock(ctx, "job", "b", 1, false, 0); ok {
		t.Fatalf("expected denial while slot held")
	}

	sessA.Expire()

	// The service reclaimed the ephemeral node: the slot must be free.
	if ok, err := b.Lock(ctx, "job", "b", 1, false, 0); err != nil || !ok {
		t.Fatalf("lock after expiry: ok=%v err=%v", ok, err)
	}

	// And the local view must never claim the lease is still held.
	deadline := time.Now().Add(2 * time.Second)
	for {
		leases := a.Snapshot()
		if len(leases) == 1 && leases[0].State == LeaseLost {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lease not marked lost: %+v", leases)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSemaphoreUnavailable(t *testing.T) {
	t.Parallel()

	var c *Coordinator
	if _, err := c.Lock(context.Background(), "job", "a", 1, false, 0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("nil coordinator err = %v, want ErrUnavailable", err)
	}
	if err := c.Unlock("job", "a"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("nil coordinator unlock err = %v, want ErrUnavailable", err)
	}
}

func TestMinParty(t *testing.T) {
	t.Parallel()
	cluster := NewMemCluster()
	ctx := context.Background()

	a, _ := testCoordinator(t, cluster)
	b, _ := testCoordinator(t, cluster)

	ok, err := a.MinParty(ctx, "rollout", "node-a", 2, false, 0)
	if err != nil {
		t.Fatalf("minparty: %v", err)
	}
	if ok {
		t.Fatalf("quorum of 2 reported with one member")
	}

	// Re-registering the same identifier must not double count.
	ok, err = a.MinParty(ctx, "rollout", "node-a", 2, false, 0)
	if err != nil || ok {
		t.Fatalf("re-register: ok=%v err=%v", ok, err)
	}

	ok, err = b.MinParty(ctx, "rollout", "node-b", 2, false, 0)
	if err != nil || !ok {
		t.Fatalf("quorum not reached: ok=%v err=%v", ok, err)
	}

	// Membership persists across calls until an explicit leave.
	ok, err = a.MinParty(ctx, "rollout", "node-a", 2, false, 0)
	if err != nil || !ok {
		t.Fatalf("re-check after quorum: ok=%v err=%v", ok, err)
	}

	if err := b.PartyLeave("rollout", "node-b"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	ok, err = a.MinParty(ctx, "rollout", "node-a", 2, false, 0)
	if err != nil || ok {
		t.Fatalf("quorum still reported after leave: ok=%v err=%v", ok, err)
	}
}

func TestMinPartyBlockingWaits(t *testing.T) {
	t.Parallel()
	cluster := NewMemCluster()
	ctx := context.Background()

	a, _ := testCoordinator(t, cluster)
	b, _ := testCoordinator(t, cluster)

	type result struct {
		ok  bool
		err error
	}
	got := make(chan result, 1)
	go func() {
		ok, err := a.MinParty(ctx, "rollout", "node-a", 2, true, 5*time.Second)
		got <- result{ok, err}
	}()

	time.Sleep(20 * time.Millisecond)
	if ok, err := b.MinParty(ctx, "rollout", "node-b", 2, false, 0); err != nil || !ok {
		t.Fatalf("second member: ok=%v err=%v", ok, err)
	}

	select {
	case r := <-got:
		if r.err != nil || !r.ok {
			t.Fatalf("blocking minparty: ok=%v err=%v", r.ok, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("blocking minparty never returned")
	}
}

func TestSeqOf(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		want int64
	}{
		{"lease-0000000042", 42},
		{"member-0000000007", 7},
		{"lease-", -1},
		{"plain", -1},
	}
	for _, tc := range cases {
		if got := seqOf(tc.name); got != tc.want {
			t.Fatalf("seqOf(%q) = %d, want %d", tc.name, got, tc.want)
		}
	}
}
