package scheduler

import (
	"context"
	"strings"
	"time"

	"fleetd/internal/eventbus"
	"fleetd/internal/schedule"
	"fleetd/internal/storage"
	"fleetd/pkg/logx"

	"github.com/google/uuid"
)

// JobEvent is the bus payload for job.* events.
type JobEvent struct {
	JID      string        `json:"jid"`
	Job      string        `json:"job"`
	Function string        `json:"function"`
	Node     string        `json:"node,omitempty"`
	Started  time.Time     `json:"started,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

func (s *Service) tickLoop(ctx context.Context, stopCh <-chan struct{}, queue chan launch) {
	s.mu.Lock()
	interval := s.cfg.TickInterval
	s.mu.Unlock()

	tk := time.NewTicker(interval)
	defer tk.Stop()

	// Fire run_on_start jobs without waiting out the first interval.
	s.tick(ctx, s.now(), queue)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-tk.C:
			s.tick(ctx, s.now(), queue)
		}
	}
}

// tick runs one evaluation pass. Exported through loop tests via the
// injectable clock; must never block on the network.
func (s *Service) tick(ctx context.Context, now time.Time, queue chan launch) {
	fires, suppressed := s.reg.Evaluate(s.ev, now)

	// A window suppression repeats every tick until the condition clears;
	// publish it once per entry into the condition, not once per tick.
	cur := make(map[string]string, len(suppressed))
	for _, sup := range suppressed {
		cur[sup.Name] = sup.Reason
		if s.supSeen[sup.Name] == sup.Reason {
			s.log.Debug("job suppressed", logx.String("job", sup.Name), logx.String("reason", sup.Reason))
			continue
		}
		s.supSeen[sup.Name] = sup.Reason
		s.skip(ctx, launch{
			fire:       schedule.Fire{Spec: sup.Spec},
			jid:        s.newJID(now, &sup.Spec),
			enqueuedAt: now,
		}, sup.Reason, now)
	}
	for name := range s.supSeen {
		if _, held := cur[name]; !held {
			delete(s.supSeen, name)
		}
	}

	for _, fire := range fires {
		l := launch{
			fire:       fire,
			jid:        s.newJID(now, &fire.Spec),
			enqueuedAt: now,
		}

		// Local admission happens here so an over-quota job doesn't
		// occupy a queue slot. Cluster counting needs the network and
		// is left to the worker.
		if fire.Spec.Scope != schedule.ScopeCluster && !fire.Forced {
			if running := len(s.trk.Running(fire.Spec.Name)); running >= fire.Spec.MaxRunning {
				s.skip(ctx, l, schedule.SkipMaxRunning, now)
				continue
			}
		}

		select {
		case queue <- l:
		default:
			s.log.Warn("launch queue full, dropping job",
				logx.String("job", fire.Spec.Name),
				logx.String("jid", l.jid),
			)
			s.skip(ctx, l, "queue_full", now)
		}
	}
}

// skip publishes a denied run: the reason lands in history, on the bus,
// and in run storage. Admission skips arrive with their due-cycle already
// consumed; window suppressions do not consume one.
func (s *Service) skip(ctx context.Context, l launch, reason string, now time.Time) {
	s.log.Info("job skipped",
		logx.String("job", l.fire.Spec.Name),
		logx.String("jid", l.jid),
		logx.String("reason", reason),
	)
	s.recordHistory(HistoryItem{
		JID:        l.jid,
		Job:        l.fire.Spec.Name,
		Started:    now,
		SkipReason: reason,
	})
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "job.skipped", Time: now, Data: JobEvent{
			JID:      l.jid,
			Job:      l.fire.Spec.Name,
			Function: l.fire.Spec.Function,
			Node:     s.nodeID(),
			Reason:   reason,
		}})
	}
	if s.store != nil {
		_ = s.store.AppendRun(ctx, storage.RunRecord{
			JID:        l.jid,
			Job:        l.fire.Spec.Name,
			Function:   l.fire.Spec.Function,
			Node:       s.nodeID(),
			StartedAt:  now,
			SkipReason: reason,
		})
	}
}

func (s *Service) nodeID() string {
	s.mu.Lock()
	id := s.cfg.NodeID
	s.mu.Unlock()
	return id
}

// newJID builds the invocation id: a microsecond timestamp plus a short
// random suffix so two nodes dispatching in the same microsecond still
// produce distinct ids. Jobs can opt out of the suffix via jid_include.
func (s *Service) newJID(now time.Time, spec *schedule.JobSpec) string {
	ts := now.Format("20060102150405.000000")
	ts = strings.Replace(ts, ".", "", 1)
	if !spec.DoJidInclude() {
		return ts
	}
	return ts + "_" + uuid.NewString()[:8]
}
