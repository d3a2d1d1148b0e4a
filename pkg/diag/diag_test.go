package diag

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSubscribeReceivesEmit(t *testing.T) {
	s := New(nil)
	ch, cancel := s.Subscribe(4)
	defer cancel()

	s.Emit("pool", "threshold", logrus.Fields{"percent": 50})

	select {
	case ev := <-ch:
		assert.Equal(t, "pool", ev.Component)
		assert.Equal(t, "threshold", ev.Kind)
		assert.Equal(t, 50, ev.Fields["percent"])
	case <-time.After(time.Second):
		t.Fatal("did not receive event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := New(nil)
	ch, cancel := s.Subscribe(1)
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestDebugMaskFiltersUnselectedCategories(t *testing.T) {
	s := New(nil)
	ch, cancel := s.Subscribe(4)
	defer cancel()

	s.SetDebugMask(CategoryNetwork)
	s.Emit("pool", "threshold", nil)     // CategoryPool not selected
	s.Emit("netmgr", "state", nil)       // CategoryNetwork selected
	s.Emit("cellular", "error", nil)     // errors always pass

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev.Component)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 events, got %d", len(got))
		}
	}
	assert.ElementsMatch(t, []string{"netmgr", "cellular"}, got)
}

func TestEmitDoesNotBlockOnFullSubscriber(t *testing.T) {
	s := New(nil)
	ch, cancel := s.Subscribe(1)
	defer cancel()

	s.Emit("pool", "threshold", nil)
	done := make(chan struct{})
	go func() {
		s.Emit("pool", "threshold", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on full subscriber")
	}
	<-ch
}
