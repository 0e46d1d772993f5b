package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeBeforePublishGetsNoInitialValue(t *testing.T) {
	p := New[int]()
	ch, cancel := p.Subscribe()
	defer cancel()

	select {
	case v := <-ch:
		t.Fatalf("unexpected value %d before any Publish", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeAfterPublishGetsLatestImmediately(t *testing.T) {
	p := New[int]()
	p.Publish(42)

	ch, cancel := p.Subscribe()
	defer cancel()

	select {
	case v := <-ch:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("expected immediate latest value")
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	p := New[int]()
	ch1, cancel1 := p.Subscribe()
	defer cancel1()
	ch2, cancel2 := p.Subscribe()
	defer cancel2()

	p.Publish(7)

	assert.Equal(t, 7, <-ch1)
	assert.Equal(t, 7, <-ch2)
}

func TestCancelClosesChannel(t *testing.T) {
	p := New[int]()
	ch, cancel := p.Subscribe()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestLatestReflectsMostRecentPublish(t *testing.T) {
	p := New[string]()
	_, ok := p.Latest()
	assert.False(t, ok)

	p.Publish("a")
	p.Publish("b")

	v, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, "b", v)
}
