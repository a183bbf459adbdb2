package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleetd/internal/actions"
	"fleetd/internal/coord"
	"fleetd/internal/eventbus"
	rtsup "fleetd/internal/runtime/supervisor"
	"fleetd/internal/schedule"
	"fleetd/internal/storage"
	"fleetd/internal/track"
	logx "fleetd/pkg/logx"
)

// Config controls the trigger loop and execution pool.
type Config struct {
	Enabled bool

	TickInterval time.Duration
	Workers      int
	QueueSize    int

	// DefaultTimeout bounds one job function invocation. 0 disables
	// the global default; per-job timeouts still apply.
	DefaultTimeout time.Duration

	// GatherTimeout bounds the whole cluster-scope running query.
	GatherTimeout time.Duration

	HistorySize int

	NodeID string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 4 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// launch is one dispatched job invocation moving through the queue.
type launch struct {
	fire schedule.Fire
	jid  string

	enqueuedAt time.Time
}

// HistoryItem is one completed (or skipped) invocation kept in the
// in-memory history window.
type HistoryItem struct {
	JID        string        `json:"jid"`
	Job        string        `json:"job"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	reg   *schedule.Registry
	trk   *track.Tracker
	coord *coord.Coordinator // nil when coordination is disabled
	acts  *actions.Registry
	store storage.Store // nil when storage is disabled

	ev *schedule.Evaluator

	// now is swappable for deterministic loop tests.
	now func() time.Time

	// supSeen tracks which (job, reason) suppressions were already
	// published, so a window that holds a job back for an hour yields one
	// record, not one per tick. Touched only by the tick loop.
	supSeen map[string]string

	q        chan launch
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

// Deps carries the collaborators the service drives. Coordinator and
// Store may be nil.
type Deps struct {
	Registry    *schedule.Registry
	Tracker     *track.Tracker
	Coordinator *coord.Coordinator
	Actions     *actions.Registry
	Store       storage.Store
	Bus         eventbus.Bus
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     deps.Bus,
		reg:     deps.Registry,
		trk:     deps.Tracker,
		coord:   deps.Coordinator,
		acts:    deps.Actions,
		store:   deps.Store,
		ev:      schedule.NewEvaluator(deps.Registry.Location()),
		now:     time.Now,
		supSeen: map[string]string{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the scheduler's internal supervisor (nil if not
// started). Used for operational visibility.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply installs cfg; if execution settings changed while running, the
// pool is restarted. Safe to call during hot-reload.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		if cfg.Enabled {
			s.Start(ctx)
		}
		return
	}
	if !cfg.Enabled {
		s.Stop(ctx)
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || prev.TickInterval != cfg.TickInterval {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan launch, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	sup.GoRestart("tick", func(c context.Context) error {
		s.tickLoop(c, stopCh, queue)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("tick loop exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)

	s.log.Info("scheduler started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cap(queue)),
		logx.Duration("tick", cfg.TickInterval),
	)
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		// Bookkeeping for in-flight jobs was already advanced at
		// dispatch; persist whatever the last tick left behind.
		_ = s.reg.Persist()

		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
	}
}

// History returns the most recent invocations, newest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	for i := range s.history {
		out[i] = s.history[len(s.history)-1-i]
	}
	return out
}

func (s *Service) recordHistory(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
