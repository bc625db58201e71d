package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Watchdog periodically confirms that launched collectors are still alive,
// on a cron schedule, and logs when one has died. It never restarts a
// collector; a restart mid-run would leave an invisible gap in the data.
type Watchdog struct {
	schedule   string
	collectors []Collector
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewWatchdog builds a watchdog for the given collectors. An invalid cron
// schedule falls back to every minute.
func NewWatchdog(schedule string, collectors []Collector) *Watchdog {
	if !gronx.New().IsValid(schedule) {
		schedule = "* * * * *"
	}
	return &Watchdog{schedule: schedule, collectors: collectors}
}

// Start begins the check loop in the background.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
}

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.done)
	for {
		next, err := gronx.NextTick(w.schedule, false)
		if err != nil {
			return
		}
		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			return
		}
		for _, c := range w.collectors {
			if !c.Alive() {
				slog.Warn("persistent collector no longer alive", "collector", c.Name())
			}
		}
	}
}

// Stop ends the check loop and waits for it to exit.
func (w *Watchdog) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
}
