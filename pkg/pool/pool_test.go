package pool

import (
	"testing"

	"github.com/northfield-iot/mm2gateway/pkg/diag"
	"github.com/northfield-iot/mm2gateway/pkg/sector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainThresholds(t *testing.T, ch <-chan diag.Event) []int {
	t.Helper()
	var out []int
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Fields["threshold_percent"].(int))
		default:
			return out
		}
	}
}

func TestAllocateFreeBookkeeping(t *testing.T) {
	p := New(10, nil)
	assert.Equal(t, 10, p.FreeSectors())

	id, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 9, p.FreeSectors())

	require.NoError(t, p.Free(id))
	assert.Equal(t, 10, p.FreeSectors())
}

func TestAllocateExhaustedReturnsPoolFull(t *testing.T) {
	p := New(1, nil)
	_, err := p.Allocate()
	require.NoError(t, err)
	_, err = p.Allocate()
	assert.ErrorIs(t, err, ErrPoolFull)
}

func TestFreeAlreadyFreeFails(t *testing.T) {
	p := New(4, nil)
	id, _ := p.Allocate()
	require.NoError(t, p.Free(id))
	err := p.Free(id)
	assert.ErrorIs(t, err, ErrAlreadyFree)
}

func TestThresholdCrossingOnAllocation(t *testing.T) {
	s := diag.New(nil)
	p := New(10, s)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	for i := 0; i < 10; i++ {
		_, err := p.Allocate()
		require.NoError(t, err)
	}
	got := drainThresholds(t, ch)
	assert.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, got)
}

func TestThresholdReportingOnLateAttach(t *testing.T) {
	s := diag.New(nil)
	p := New(100, s)

	// Pre-fill to 49% usage before any observer attaches.
	for i := 0; i < 49; i++ {
		_, err := p.Allocate()
		require.NoError(t, err)
	}

	ch, cancel := s.Subscribe(16)
	defer cancel()
	p.AttachObserver()

	got := drainThresholds(t, ch)
	assert.Equal(t, []int{10, 20, 30, 40}, got)

	// Crossing 50 yields exactly one more event.
	_, err := p.Allocate()
	require.NoError(t, err)
	got = drainThresholds(t, ch)
	assert.Equal(t, []int{50}, got)
}

func TestChainLinkRoundtrip(t *testing.T) {
	p := New(4, nil)
	a, _ := p.Allocate()
	b, _ := p.Allocate()
	require.NoError(t, p.SetNextInChain(a, b))
	next, err := p.NextInChain(a)
	require.NoError(t, err)
	assert.Equal(t, b, next)
}

func TestIsCompletelyEmpty(t *testing.T) {
	p := New(2, nil)
	id, _ := p.Allocate()
	empty, err := p.IsCompletelyEmpty(id)
	require.NoError(t, err)
	assert.True(t, empty)

	payload, err := p.Payload(id)
	require.NoError(t, err)
	payload[0] = 1
	empty, err = p.IsCompletelyEmpty(id)
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestInvalidSectorErrors(t *testing.T) {
	p := New(2, nil)
	_, err := p.NextInChain(sector.ID(99))
	assert.ErrorIs(t, err, ErrInvalidSector)
}
