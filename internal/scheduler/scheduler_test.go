package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/mailmate/internal/optimizer"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type fakeOptimizer struct {
	mu       sync.Mutex
	triggers []optimizer.Trigger
	err      error
}

func (f *fakeOptimizer) Optimize(_ context.Context, _ string, trigger optimizer.Trigger) (*optimizer.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	if f.err != nil {
		return nil, f.err
	}
	return &optimizer.Report{}, nil
}

func (f *fakeOptimizer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

func TestStartRunsScheduledOptimization(t *testing.T) {
	defer goleak.VerifyNone(t)

	opt := &fakeOptimizer{}
	s := New(opt, 10*time.Millisecond, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return opt.calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	opt.mu.Lock()
	for _, trig := range opt.triggers {
		assert.Equal(t, optimizer.TriggerScheduled, trig)
	}
	opt.mu.Unlock()
	assert.GreaterOrEqual(t, s.Stats()["run_count"], 2)
}

func TestRunOnceRecordsError(t *testing.T) {
	opt := &fakeOptimizer{err: errors.New("db down")}
	s := New(opt, time.Hour, time.Minute, zap.NewNop())

	s.RunOnce(context.Background())

	stats := s.Stats()
	assert.Equal(t, 1, stats["run_count"])
	assert.Equal(t, "db down", stats["last_error"])
}
