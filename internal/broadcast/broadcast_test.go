// SPDX-License-Identifier:Apache-2.0

package broadcast

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/onsi/gomega"
)

type recorder struct {
	mu  sync.Mutex
	got []int
}

func (r *recorder) add(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recorder) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.got...)
}

func TestOrderPerSubscriber(t *testing.T) {
	g := gomega.NewWithT(t)
	b := New[int](log.NewNopLogger(), NewPool(4))

	r1, r2 := &recorder{}, &recorder{}
	b.Subscribe(r1.add)
	b.Subscribe(r2.add)

	want := []int{}
	for i := 0; i < 100; i++ {
		b.Broadcast(i)
		want = append(want, i)
	}

	g.Eventually(r1.values).Should(gomega.HaveLen(100))
	g.Eventually(r2.values).Should(gomega.HaveLen(100))
	if diff := cmp.Diff(want, r1.values()); diff != "" {
		t.Errorf("subscriber 1 out of order (-want +got)\n%s", diff)
	}
	if diff := cmp.Diff(want, r2.values()); diff != "" {
		t.Errorf("subscriber 2 out of order (-want +got)\n%s", diff)
	}
}

func TestSlowAndPanickingSubscribers(t *testing.T) {
	g := gomega.NewWithT(t)
	b := New[int](log.NewNopLogger(), nil)

	release := make(chan struct{})
	defer close(release)
	b.Subscribe(func(int) { <-release })
	b.Subscribe(func(int) { panic("boom") })
	r := &recorder{}
	b.Subscribe(r.add)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Broadcast(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}
	g.Eventually(r.values).Should(gomega.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
}

func TestUnsubscribe(t *testing.T) {
	g := gomega.NewWithT(t)
	b := New[int](log.NewNopLogger(), nil)

	r := &recorder{}
	id := b.Subscribe(r.add)
	if !b.HasSubscribers() {
		t.Fatal("no subscribers after Subscribe")
	}
	b.Broadcast(1)
	g.Eventually(r.values).Should(gomega.Equal([]int{1}))

	b.Unsubscribe(id)
	if b.HasSubscribers() {
		t.Fatal("subscriber still registered")
	}
	b.Broadcast(2)
	g.Consistently(r.values, 200*time.Millisecond).Should(gomega.Equal([]int{1}))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	g := gomega.NewWithT(t)
	p := NewPool(2)
	defer p.Close()

	var running, peak, finished int32
	for i := 0; i < 10; i++ {
		p.Go(func() {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&finished, 1)
		})
	}

	g.Eventually(func() int32 { return atomic.LoadInt32(&finished) }).Should(gomega.Equal(int32(10)))
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", p)
	}
}

func TestFlush(t *testing.T) {
	b := New[int](log.NewNopLogger(), NewPool(2))

	r := &recorder{}
	b.Subscribe(func(v int) {
		time.Sleep(time.Millisecond)
		r.add(v)
	})
	for i := 0; i < 20; i++ {
		b.Broadcast(i)
	}
	if !b.Flush(5 * time.Second) {
		t.Fatal("Flush timed out")
	}
	if got := len(r.values()); got != 20 {
		t.Errorf("after Flush, delivered %d values, want 20", got)
	}

	// Nothing queued.
	if !b.Flush(0) {
		t.Error("Flush on idle broadcaster returned false")
	}
}

func TestFlushTimeout(t *testing.T) {
	b := New[int](log.NewNopLogger(), nil)

	release := make(chan struct{})
	defer close(release)
	b.Subscribe(func(int) { <-release })
	b.Broadcast(1)

	if b.Flush(50 * time.Millisecond) {
		t.Error("Flush returned true while a subscriber is blocked")
	}
}
