package dispatch

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simpleKalvin/bilibili-agent/event"
)

func danmaku(uid int64, text string) event.Event {
	return event.Event{
		Kind:    event.TypeDanmaku,
		Danmaku: &event.Danmaku{UID: uid, Text: text},
	}
}

func TestPublishFanOut(t *testing.T) {
	req := require.New(t)
	d := New(nil)
	defer d.Close()

	a := d.Subscribe("a", 8)
	b := d.Subscribe("b", 8)

	d.Publish(danmaku(1, "hi"))

	req.Equal("hi", (<-a.C).Danmaku.Text)
	req.Equal("hi", (<-b.C).Danmaku.Text)
}

func TestPublishPreservesOrder(t *testing.T) {
	req := require.New(t)
	d := New(nil)
	defer d.Close()

	sub := d.Subscribe("ordered", 64)
	for i := 0; i < 50; i++ {
		d.Publish(danmaku(int64(i), fmt.Sprintf("m%d", i)))
	}
	for i := 0; i < 50; i++ {
		req.EqualValues(i, (<-sub.C).Danmaku.UID)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	req := require.New(t)
	d := New(nil)
	defer d.Close()

	slow := d.Subscribe("slow", 2)
	fast := d.Subscribe("fast", 16)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			d.Publish(danmaku(int64(i), "x"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}

	// Fast subscriber saw everything.
	for i := 0; i < 10; i++ {
		<-fast.C
	}

	// Slow subscriber kept the newest events and counted the evictions.
	req.EqualValues(8, slow.Dropped())
	req.EqualValues(8, (<-slow.C).Danmaku.UID)
	req.EqualValues(9, (<-slow.C).Danmaku.UID)
}

func TestCancelStopsDelivery(t *testing.T) {
	d := New(nil)
	defer d.Close()

	sub := d.Subscribe("gone", 4)
	sub.Cancel()
	sub.Cancel() // idempotent

	d.Publish(danmaku(1, "after cancel"))

	_, open := <-sub.C
	require.False(t, open)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	d := New(nil)
	a := d.Subscribe("a", 4)
	b := d.Subscribe("b", 4)

	d.Close()
	d.Publish(danmaku(1, "ignored"))

	_, open := <-a.C
	require.False(t, open)
	_, open = <-b.C
	require.False(t, open)

	// Subscribing after close yields an already-closed subscription.
	late := d.Subscribe("late", 4)
	_, open = <-late.C
	require.False(t, open)
}

func TestConcurrentPublish(t *testing.T) {
	d := New(nil)
	defer d.Close()

	sub := d.Subscribe("sink", 4096)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				d.Publish(danmaku(1, "c"))
			}
		}()
	}
	wg.Wait()

	require.Len(t, sub.C, 400)
	require.Zero(t, sub.Dropped())
}
