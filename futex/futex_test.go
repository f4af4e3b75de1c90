package futex

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-agentcluster/sharedmem"
	"golang.org/x/sync/errgroup"
)

// queueLen counts waiters registered at addr, for test synchronization.
func queueLen(addr uintptr) int {
	globalWaiters.mu.Lock()
	defer globalWaiters.mu.Unlock()
	q := globalWaiters.queues[addr]
	if q == nil {
		return 0
	}
	n := 0
	for w := q.head; w != nil; w = w.next {
		n++
	}
	return n
}

func waitForQueueLen(t *testing.T, addr uintptr, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for queueLen(addr) != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d waiters at %#x, have %d", n, addr, queueLen(addr))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWaitResultString(t *testing.T) {
	for r, want := range map[WaitResult]string{
		NotEqual:      "not-equal",
		TimedOut:      "timed-out",
		OK:            "ok",
		WaitResult(9): "unknown",
	} {
		if got := r.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", r, got, want)
		}
	}
}

func TestWaitNotEqualReturnsImmediately(t *testing.T) {
	buf := sharedmem.New(8)
	sharedmem.Store[int32](buf, 0, 1)
	res, err := Wait[int32](buf, 8, 0, 0, NoTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if res != NotEqual {
		t.Fatalf("got %v, want not-equal", res)
	}
	if n := globalWaiters.size(); n != 0 {
		t.Fatalf("registry not empty: %d addresses", n)
	}
}

func TestWaitZeroTimeout(t *testing.T) {
	buf := sharedmem.New(8)
	res, err := Wait[int32](buf, 8, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res != TimedOut {
		t.Fatalf("got %v, want timed-out", res)
	}
	if n := globalWaiters.size(); n != 0 {
		t.Fatalf("registry not empty: %d addresses", n)
	}
}

func TestWaitTimeout(t *testing.T) {
	buf := sharedmem.New(8)
	start := time.Now()
	res, err := Wait[int32](buf, 8, 0, 0, 50*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if res != TimedOut {
		t.Fatalf("got %v, want timed-out", res)
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("returned after %v, before the timeout", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("returned after %v, far past the timeout", elapsed)
	}
	if n := globalWaiters.size(); n != 0 {
		t.Fatalf("registry not empty: %d addresses", n)
	}
}

func TestNotifyWakesWaiter(t *testing.T) {
	buf := sharedmem.New(8)
	done := make(chan WaitResult, 1)
	go func() {
		res, err := Wait[int32](buf, 8, 0, 0, NoTimeout)
		if err != nil {
			done <- WaitResult(-1)
			return
		}
		done <- res
	}()

	waitForQueueLen(t, buf.Addr(0), 1)
	n, err := Notify(buf, 0, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("notified %d, want 1", n)
	}

	select {
	case res := <-done:
		if res != OK {
			t.Fatalf("waiter got %v, want ok", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke")
	}
	if n := globalWaiters.size(); n != 0 {
		t.Fatalf("registry not empty: %d addresses", n)
	}
}

func TestNotifyNoWaitersReturnsZero(t *testing.T) {
	buf := sharedmem.New(8)
	n, err := Notify(buf, 0, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("notified %d, want 0", n)
	}
	n, err = Notify(buf, 4, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("zero count notified %d, want 0", n)
	}
}

func TestNotifyZeroCountLeavesWaiters(t *testing.T) {
	buf := sharedmem.New(8)
	done := make(chan WaitResult, 1)
	go func() {
		res, _ := Wait[int32](buf, 8, 0, 0, NoTimeout)
		done <- res
	}()

	waitForQueueLen(t, buf.Addr(0), 1)
	n, err := Notify(buf, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("notified %d, want 0", n)
	}
	if got := queueLen(buf.Addr(0)); got != 1 {
		t.Fatalf("waiter dropped by zero-count notify: queue length %d", got)
	}

	if _, err := Notify(buf, 0, 1, nil); err != nil {
		t.Fatal(err)
	}
	if res := <-done; res != OK {
		t.Fatalf("waiter got %v, want ok", res)
	}
}

func TestNotifyFIFOOrder(t *testing.T) {
	const waiters = 5
	buf := sharedmem.New(8)
	addr := buf.Addr(0)
	order := make(chan int, waiters)

	// Register strictly one at a time so arrival order is known.
	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			res, _ := Wait[int32](buf, 8, 0, 0, NoTimeout)
			if res == OK {
				order <- i
			}
		}()
		waitForQueueLen(t, addr, i+1)
	}

	for i := 0; i < waiters; i++ {
		n, err := Notify(buf, 0, 1, nil)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("notify %d woke %d waiters, want 1", i, n)
		}
		select {
		case got := <-order:
			if got != i {
				t.Fatalf("wake %d delivered to waiter %d", i, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("wake %d never delivered", i)
		}
	}
	if n := globalWaiters.size(); n != 0 {
		t.Fatalf("registry not empty: %d addresses", n)
	}
}

func TestNotifyCountLimitsWakes(t *testing.T) {
	const waiters = 4
	buf := sharedmem.New(8)
	addr := buf.Addr(0)
	woken := make(chan struct{}, waiters)

	for i := 0; i < waiters; i++ {
		go func() {
			if res, _ := Wait[int32](buf, 8, 0, 0, NoTimeout); res == OK {
				woken <- struct{}{}
			}
		}()
		waitForQueueLen(t, addr, i+1)
	}

	n, err := Notify(buf, 0, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("notified %d, want 2", n)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-woken:
		case <-time.After(5 * time.Second):
			t.Fatal("woken waiter never returned")
		}
	}
	waitForQueueLen(t, addr, waiters-2)

	if n, err = Notify(buf, 0, waiters, nil); err != nil {
		t.Fatal(err)
	} else if n != waiters-2 {
		t.Fatalf("drain notified %d, want %d", n, waiters-2)
	}
	for i := 0; i < waiters-2; i++ {
		<-woken
	}
}

func TestWaitValueChangedBeforeNotify(t *testing.T) {
	// A stored value alone must not wake a waiter; only notify does. The
	// waiter keeps sleeping until notified, then reports ok regardless of
	// the current value.
	buf := sharedmem.New(8)
	done := make(chan WaitResult, 1)
	go func() {
		res, _ := Wait[int32](buf, 8, 0, 0, NoTimeout)
		done <- res
	}()
	waitForQueueLen(t, buf.Addr(0), 1)

	sharedmem.Store[int32](buf, 0, 123)
	select {
	case res := <-done:
		t.Fatalf("waiter woke on store without notify: %v", res)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := Notify(buf, 0, 1, nil); err != nil {
		t.Fatal(err)
	}
	if res := <-done; res != OK {
		t.Fatalf("waiter got %v, want ok", res)
	}
}

func TestDistinctAddressesIsolated(t *testing.T) {
	buf := sharedmem.New(16)
	done := make(chan WaitResult, 1)
	go func() {
		res, _ := Wait[int32](buf, 16, 0, 0, NoTimeout)
		done <- res
	}()
	waitForQueueLen(t, buf.Addr(0), 1)

	// Notify a different element; the waiter must stay queued.
	n, err := Notify(buf, 4, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("notified %d at wrong address, want 0", n)
	}
	select {
	case <-done:
		t.Fatal("waiter woke from notify at different address")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := Notify(buf, 0, 1, nil); err != nil {
		t.Fatal(err)
	}
	if res := <-done; res != OK {
		t.Fatalf("waiter got %v, want ok", res)
	}
}

func TestWaitInt64(t *testing.T) {
	buf := sharedmem.New(16)
	sharedmem.Store[int64](buf, 8, 1<<40)
	res, err := Wait[int64](buf, 16, 8, 0, NoTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if res != NotEqual {
		t.Fatalf("got %v, want not-equal", res)
	}
}

func TestWaitUnvalidatedAccessPanics(t *testing.T) {
	buf := sharedmem.New(8)
	for _, tc := range []struct {
		name string
		run  func() (WaitResult, error)
	}{
		{"misaligned", func() (WaitResult, error) { return Wait[int32](buf, 8, 2, 0, 0) }},
		{"past length", func() (WaitResult, error) { return Wait[int32](buf, 4, 4, 0, 0) }},
		{"length past buffer", func() (WaitResult, error) { return Wait[int32](buf, 16, 0, 0, 0) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			tc.run()
		})
	}
}

func TestWaitNotifyStress(t *testing.T) {
	const waiters = 32
	buf := sharedmem.New(8)
	var woken atomic.Int64

	var g errgroup.Group
	for i := 0; i < waiters; i++ {
		g.Go(func() error {
			res, err := Wait[int32](buf, 8, 0, 0, NoTimeout)
			if err != nil {
				return err
			}
			if res != OK {
				return errors.New("waiter did not observe ok")
			}
			woken.Add(1)
			return nil
		})
	}

	go func() {
		// Notify until every waiter has been seen; late registrants are
		// caught by subsequent rounds.
		var total uint64
		for total < waiters {
			n, err := Notify(buf, 0, waiters, nil)
			if err != nil {
				return
			}
			total += n
			if n == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if woken.Load() != waiters {
		t.Fatalf("woke %d waiters, want %d", woken.Load(), waiters)
	}
	if n := globalWaiters.size(); n != 0 {
		t.Fatalf("registry not empty: %d addresses", n)
	}
}

func TestPoisonedRegistry(t *testing.T) {
	defer globalWaiters.resetForTesting()

	// Simulate a panic raised inside the critical section.
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the panic to propagate")
			}
		}()
		if err := globalWaiters.lock(); err != nil {
			t.Fatal(err)
		}
		locked := true
		defer globalWaiters.poisonOnPanic(&locked)
		panic("corrupted while locked")
	}()

	buf := sharedmem.New(8)
	if _, err := Wait[int32](buf, 8, 0, 0, 0); !errors.Is(err, ErrSynchronizationUnavailable) {
		t.Fatalf("Wait error = %v, want ErrSynchronizationUnavailable", err)
	}
	if _, err := Notify(buf, 0, 1, nil); !errors.Is(err, ErrSynchronizationUnavailable) {
		t.Fatalf("Notify error = %v, want ErrSynchronizationUnavailable", err)
	}
}

func TestPanicWithoutLockDoesNotPoison(t *testing.T) {
	defer globalWaiters.resetForTesting()

	func() {
		defer func() { _ = recover() }()
		if err := globalWaiters.lock(); err != nil {
			t.Fatal(err)
		}
		locked := true
		defer globalWaiters.poisonOnPanic(&locked)
		locked = false
		globalWaiters.unlock()
		panic("after release")
	}()

	buf := sharedmem.New(8)
	if _, err := Notify(buf, 0, 1, nil); err != nil {
		t.Fatalf("registry should not be poisoned: %v", err)
	}
}
