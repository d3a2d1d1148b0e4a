package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	ticks int
	err   error
}

func (f *fakeStorage) Tick() error {
	f.ticks++
	return f.err
}

type fakeNetwork struct {
	ticks         int
	current       string
	cellularReady bool
}

func (f *fakeNetwork) Tick(ctx context.Context)        { f.ticks++ }
func (f *fakeNetwork) CurrentInterface() (string, bool) { return f.current, f.current != "" }
func (f *fakeNetwork) SetCellularReady(ready bool)      { f.cellularReady = ready }

type fakeCellular struct {
	ticks int
	ready bool
}

func (f *fakeCellular) Tick(ctx context.Context) { f.ticks++ }
func (f *fakeCellular) CellularReady() bool       { return f.ready }

func TestTickRunsSubsystemsInOrderAndRecordsBreadcrumbs(t *testing.T) {
	st := &fakeStorage{}
	net := &fakeNetwork{}
	cell := &fakeCellular{ready: true}

	s := New(st, net, net, cell, nil, nil, nil)
	s.Tick(context.Background())

	require.Equal(t, 1, st.ticks)
	require.Equal(t, 1, net.ticks)
	require.Equal(t, 1, cell.ticks)
	require.True(t, net.cellularReady, "network manager should see cellular readiness set before its own tick")

	crumbs := s.RecentBreadcrumbs(10)
	require.Contains(t, crumbs[len(crumbs)-1], "tick.start")
	require.Contains(t, crumbs[0], "tick.end")
}

func TestTickContinuesAfterStorageError(t *testing.T) {
	st := &fakeStorage{err: errors.New("boom")}
	net := &fakeNetwork{}
	cell := &fakeCellular{}

	s := New(st, net, net, cell, nil, nil, nil)
	require.NotPanics(t, func() { s.Tick(context.Background()) })
	require.Equal(t, 1, net.ticks)
	require.Equal(t, 1, cell.ticks)
}

func TestTickSkipsNilSubsystems(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, nil, nil)
	require.NotPanics(t, func() { s.Tick(context.Background()) })
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := &fakeStorage{}
	s := New(st, nil, nil, nil, nil, nil, nil, WithPeriod(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Run did not return after context cancellation")
	}
	require.Greater(t, st.ticks, 0)
}
