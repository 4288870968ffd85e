package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"callbridge-backend/pkg/logger"
)

// Sweeper is the surface of the call service the reaper drives
type Sweeper interface {
	MarkMissedCalls(ctx context.Context) (int, error)
	EndStaleCalls(ctx context.Context) (int, error)
}

// Reaper periodically sweeps unanswered calls into MISSED and long-overdue
// active calls into FAILED. Sweeps use conditional transitions, so running
// multiple replicas is safe.
type Reaper struct {
	svc      Sweeper
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewReaper creates a reaper ticking at the given interval
func NewReaper(svc Sweeper, interval time.Duration) *Reaper {
	return &Reaper{
		svc:      svc,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called
func (r *Reaper) Start() {
	go r.run()
	logger.Info("Call reaper started", zap.Duration("interval", r.interval))
}

// Stop halts the loop and waits for an in-flight sweep to finish
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
	logger.Info("Call reaper stopped")
}

func (r *Reaper) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	missed, err := r.svc.MarkMissedCalls(ctx)
	if err != nil {
		logger.Error("Missed call sweep failed", zap.Error(err))
	} else if missed > 0 {
		logger.Info("Marked unanswered calls missed", zap.Int("count", missed))
	}

	failed, err := r.svc.EndStaleCalls(ctx)
	if err != nil {
		logger.Error("Stale call sweep failed", zap.Error(err))
	} else if failed > 0 {
		logger.Info("Terminated stale calls", zap.Int("count", failed))
	}
}
