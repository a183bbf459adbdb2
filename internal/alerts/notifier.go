package alerts

import (
	"context"
	"fmt"
	"sync"

	"fleetd/internal/eventbus"
	rtsup "fleetd/internal/runtime/supervisor"
	"fleetd/internal/services/scheduler"
	logx "fleetd/pkg/logx"
)

// Notifier watches the bus for failed job returns and forwards them to
// the operator chat.
type Notifier struct {
	mu     sync.Mutex
	sender *Sender
	bus    eventbus.Bus
	log    logx.Logger

	sup   *rtsup.Supervisor
	unsub func()
}

func NewNotifier(sender *Sender, bus eventbus.Bus, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{sender: sender, bus: bus, log: log}
}

func (n *Notifier) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sup != nil {
		return
	}

	ch, unsub := n.bus.Subscribe(64)
	n.unsub = unsub
	n.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(n.log.With(logx.String("comp", "alerts"))),
		rtsup.WithCancelOnError(false),
	)
	n.sup.Go("watch", func(c context.Context) error {
		n.watch(c, ch)
		return context.Canceled
	})
}

func (n *Notifier) Stop(ctx context.Context) {
	n.mu.Lock()
	sup := n.sup
	unsub := n.unsub
	n.sup = nil
	n.unsub = nil
	n.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

func (n *Notifier) watch(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type != "job.return" {
				continue
			}
			ev, ok := e.Data.(scheduler.JobEvent)
			if !ok || ev.Error == "" {
				continue
			}
			msg := fmt.Sprintf("job failed: %s (jid %s)\n%s", ev.Job, ev.JID, ev.Error)
			if err := n.sender.SendAlert(ctx, msg); err != nil {
				n.log.Warn("failure notification not delivered",
					logx.String("job", ev.Job),
					logx.Any("err", err),
				)
			}
		}
	}
}
