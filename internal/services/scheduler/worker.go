package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"fleetd/internal/eventbus"
	"fleetd/internal/schedule"
	"fleetd/internal/storage"
	"fleetd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan launch) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case l, ok := <-queue:
			if !ok {
				return
			}
			s.execOne(ctx, l)
		}
	}
}

func (s *Service) execOne(ctx context.Context, l launch) {
	spec := &l.fire.Spec
	start := s.now()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	// Cluster admission needs the peer fan-out; it runs here so the
	// tick loop stays off the network. A forced run bypasses counting.
	if spec.Scope == schedule.ScopeCluster && !l.fire.Forced {
		gctx, cancel := context.WithTimeout(ctx, cfg.GatherTimeout)
		running := s.trk.CountRunning(gctx, spec.Name, spec.Scope)
		cancel()
		if running >= spec.MaxRunning {
			s.skip(ctx, l, schedule.SkipMaxRunning, start)
			return
		}
	}

	// Distributed lease, when the job asks for one.
	var unlock func()
	if spec.Lease != nil {
		release, ok := s.acquireLease(ctx, l)
		if !ok {
			s.skip(ctx, l, schedule.SkipSemaphore, start)
			return
		}
		unlock = release
	}
	if unlock != nil {
		defer unlock()
	}

	fn, err := s.acts.Resolve(spec.Function)
	if err != nil {
		// Validation screens unknown functions; hitting this means the
		// catalog shrank after the job was added.
		s.finish(ctx, l, start, nil, err)
		return
	}

	// Enqueue-time admission can go stale: a launch that dwelt in the
	// queue across a tick is invisible to the next tick's count until a
	// record exists. Re-check atomically at start so backlog cannot push
	// a job past maxrunning. Forced runs bypass the cap.
	limit := spec.MaxRunning
	if l.fire.Forced {
		limit = 0
	}
	rec, admitted := s.trk.RecordStartIfUnder(spec.Name, l.jid, spec.Function, spec.Args, limit)
	if !admitted {
		s.skip(ctx, l, schedule.SkipMaxRunning, start)
		return
	}
	defer s.trk.RecordEnd(l.jid)

	s.log.Info("job started",
		logx.String("job", spec.Name),
		logx.String("jid", l.jid),
		logx.String("func", spec.Function),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "job.started", Time: start, Data: JobEvent{
			JID:      l.jid,
			Job:      spec.Name,
			Function: spec.Function,
			Node:     s.nodeID(),
			Started:  rec.StartedAt,
		}})
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if d := spec.InvocationTimeout(cfg.DefaultTimeout); d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d)
	}

	var result any
	// One panicking job function must not take a worker down.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job panicked",
					logx.String("job", spec.Name),
					logx.String("jid", l.jid),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}()
		result, err = fn(runCtx, spec.Args, spec.Kwargs)
	}()
	if cancel != nil {
		cancel()
	}

	s.finish(ctx, l, start, result, err)
}

// acquireLease takes the distributed semaphore slot for the launch.
// Returns a release func and whether the slot was granted.
func (s *Service) acquireLease(ctx context.Context, l launch) (func(), bool) {
	spec := &l.fire.Spec
	lease := spec.Lease

	if s.coord == nil {
		s.log.Warn("job requires a lease but coordination is disabled",
			logx.String("job", spec.Name),
		)
		return nil, false
	}

	timeout := time.Duration(0)
	if lease.Blocking {
		timeout = 30 * time.Second
		if lease.Timeout != "" {
			if d, err := time.ParseDuration(lease.Timeout); err == nil {
				timeout = d
			}
		}
	}

	id := s.nodeID() + "/" + l.jid
	ok, err := s.coord.Lock(ctx, lease.Resource, id, lease.MaxConcurrent, lease.Blocking, timeout)
	if err != nil {
		s.log.Warn("lease acquisition failed",
			logx.String("job", spec.Name),
			logx.String("resource", lease.Resource),
			logx.Any("err", err),
		)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return func() {
		if err := s.coord.Unlock(lease.Resource, id); err != nil {
			s.log.Warn("lease release failed",
				logx.String("job", spec.Name),
				logx.String("resource", lease.Resource),
				logx.Any("err", err),
			)
		}
	}, true
}

func (s *Service) finish(ctx context.Context, l launch, start time.Time, result any, err error) {
	spec := &l.fire.Spec
	end := s.now()
	dur := end.Sub(start)

	item := HistoryItem{JID: l.jid, Job: spec.Name, Started: start, Duration: dur}
	ev := JobEvent{
		JID:      l.jid,
		Job:      spec.Name,
		Function: spec.Function,
		Node:     s.nodeID(),
		Started:  start,
		Duration: dur,
	}
	if err != nil {
		item.Error = err.Error()
		ev.Error = err.Error()
		s.log.Warn("job failed",
			logx.String("job", spec.Name),
			logx.String("jid", l.jid),
			logx.Duration("dur", dur),
			logx.Any("err", err),
		)
	} else {
		s.log.Info("job completed",
			logx.String("job", spec.Name),
			logx.String("jid", l.jid),
			logx.Duration("dur", dur),
		)
	}
	s.recordHistory(item)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "job.return", Time: end, Data: ev})
	}

	if s.store != nil && spec.DoReturnJob() {
		rec := storage.RunRecord{
			JID:        l.jid,
			Job:        spec.Name,
			Function:   spec.Function,
			Node:       s.nodeID(),
			StartedAt:  start,
			FinishedAt: end,
			OK:         err == nil,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if result != nil {
			if b, jerr := json.Marshal(result); jerr == nil {
				rec.ResultJSON = string(b)
			}
		}
		if serr := s.store.AppendRun(ctx, rec); serr != nil {
			s.log.Warn("run history append failed", logx.String("jid", l.jid), logx.Any("err", serr))
		}
	}
}
