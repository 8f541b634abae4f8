package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTicker struct {
	calls int64
	err   error
	panic bool
}

func (c *countingTicker) Tick(context.Context) (int, error) {
	atomic.AddInt64(&c.calls, 1)
	if c.panic {
		panic("tick exploded")
	}
	return 1, c.err
}

func (c *countingTicker) count() int64 { return atomic.LoadInt64(&c.calls) }

func TestOrchestratorRunAndStop(t *testing.T) {
	intake := &countingTicker{}
	dispatcher := &countingTicker{err: errors.New("transient")}
	o := newOrchestrator(intake, dispatcher, 10*time.Millisecond, 10*time.Millisecond, nil, nil)

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return intake.count() >= 3 && dispatcher.count() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, o.Running())

	o.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
	assert.False(t, o.Running())

	status := o.Status()
	assert.GreaterOrEqual(t, status[LoopIntake].Runs, int64(3))
	assert.Equal(t, "transient", status[LoopDispatcher].LastError, "tick errors do not stop the loop")
	assert.Empty(t, status[LoopIntake].LastError)
}

func TestOrchestratorRunsImmediately(t *testing.T) {
	intake := &countingTicker{}
	o := newOrchestrator(intake, nil, time.Hour, time.Hour, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return intake.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestOrchestratorSurvivesPanics(t *testing.T) {
	o := newOrchestrator(&countingTicker{panic: true}, &countingTicker{}, time.Hour, time.Hour, nil, nil)

	_, err := o.RunOnce(context.Background(), LoopIntake)
	assert.Error(t, err)
	assert.Equal(t, int64(1), o.Status()[LoopIntake].Runs)

	n, err := o.RunOnce(context.Background(), LoopDispatcher)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = o.RunOnce(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestOrchestratorRejectsDoubleRun(t *testing.T) {
	o := newOrchestrator(&countingTicker{}, nil, time.Hour, time.Hour, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = o.Run(ctx) }()
	require.Eventually(t, o.Running, time.Second, 5*time.Millisecond)
	assert.Error(t, o.Run(ctx))
}
