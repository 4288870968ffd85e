package call

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingSweeper struct {
	missed atomic.Int32
	stale  atomic.Int32
}

func (s *countingSweeper) MarkMissedCalls(ctx context.Context) (int, error) {
	s.missed.Add(1)
	return 1, nil
}

func (s *countingSweeper) EndStaleCalls(ctx context.Context) (int, error) {
	s.stale.Add(1)
	return 0, nil
}

func TestReaperSweepsPeriodically(t *testing.T) {
	sweeper := &countingSweeper{}
	reaper := NewReaper(sweeper, 10*time.Millisecond)

	reaper.Start()
	time.Sleep(55 * time.Millisecond)
	reaper.Stop()

	missed := sweeper.missed.Load()
	stale := sweeper.stale.Load()
	assert.GreaterOrEqual(t, missed, int32(2))
	assert.Equal(t, missed, stale)
}

func TestReaperStopHalts(t *testing.T) {
	sweeper := &countingSweeper{}
	reaper := NewReaper(sweeper, 10*time.Millisecond)

	reaper.Start()
	time.Sleep(25 * time.Millisecond)
	reaper.Stop()

	after := sweeper.missed.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, sweeper.missed.Load())
}
