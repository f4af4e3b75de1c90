package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

// runLoop starts l on a fresh goroutine and returns a channel carrying
// Run's result. Tests may consume the result themselves; cleanup waits on
// a separate stop signal so the result channel is drained at most once.
func runLoop(t *testing.T, l *Loop) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		done <- l.Run(context.Background())
	}()
	t.Cleanup(func() {
		l.Close()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("loop did not stop")
		}
	})
	return done
}

func TestJobsRunInOrder(t *testing.T) {
	l := New()
	var got []int
	for i := 1; i <= 5; i++ {
		i := i
		if err := l.Enqueue(func() { got = append(got, i) }); err != nil {
			t.Fatal(err)
		}
	}
	done := make(chan struct{})
	if err := l.Enqueue(func() { close(done); l.Close() }); err != nil {
		t.Fatal(err)
	}

	res := runLoop(t, l)
	<-done
	if err := <-res; err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("jobs ran out of order: %v", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("ran %d jobs, want 5", len(got))
	}
}

func TestMicrotasksDrainBetweenJobs(t *testing.T) {
	l := New()
	var got []string
	_ = l.Enqueue(func() {
		got = append(got, "job1")
		_ = l.QueueMicrotask(func() {
			got = append(got, "micro1")
			_ = l.QueueMicrotask(func() { got = append(got, "micro2") })
		})
	})
	_ = l.Enqueue(func() { got = append(got, "job2") })
	done := make(chan struct{})
	_ = l.Enqueue(func() { close(done); l.Close() })

	runLoop(t, l)
	<-done

	want := []string{"job1", "micro1", "micro2", "job2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestEnqueueAfterFiresAtDeadline(t *testing.T) {
	l := New()
	runLoop(t, l)

	start := time.Now()
	fired := make(chan time.Duration, 1)
	if err := l.EnqueueAfter(func() { fired <- time.Since(start) }, 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	select {
	case elapsed := <-fired:
		if elapsed < 30*time.Millisecond {
			t.Fatalf("fired after %v, before the deadline", elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delayed job never fired")
	}
}

func TestEnqueueAfterOrdersByDeadline(t *testing.T) {
	l := New()
	var order []int
	done := make(chan struct{})
	_ = l.EnqueueAfter(func() { order = append(order, 2); close(done) }, 40*time.Millisecond)
	_ = l.EnqueueAfter(func() { order = append(order, 1) }, 10*time.Millisecond)

	runLoop(t, l)
	<-done
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("delayed jobs ran out of deadline order: %v", order)
	}
}

func TestTickHookRunsEachTurn(t *testing.T) {
	l := New()
	ticks := make(chan struct{}, 16)
	l.AddTickHook(func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	runLoop(t, l)

	_ = l.Enqueue(func() {})
	select {
	case <-ticks:
	case <-time.After(5 * time.Second):
		t.Fatal("tick hook never ran")
	}
}

func TestTickHookSubmittedJobRuns(t *testing.T) {
	// A hook that enqueues work must see that work executed promptly, the
	// pattern the async waiter drain relies on.
	l := New()
	done := make(chan struct{})
	var once bool
	l.AddTickHook(func() {
		if !once {
			once = true
			_ = l.Enqueue(func() { close(done) })
		}
	})
	runLoop(t, l)
	l.Wake()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job enqueued by hook never ran")
	}
}

func TestJobPanicDoesNotKillLoop(t *testing.T) {
	l := New()
	runLoop(t, l)

	_ = l.Enqueue(func() { panic("deliberate") })
	done := make(chan struct{})
	if err := l.Enqueue(func() { close(done) }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop died after panicking job")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	l := New()
	l.Close()
	if err := l.Enqueue(func() {}); !errors.Is(err, ErrLoopClosed) {
		t.Fatalf("Enqueue error = %v, want ErrLoopClosed", err)
	}
	if err := l.EnqueueAfter(func() {}, time.Millisecond); !errors.Is(err, ErrLoopClosed) {
		t.Fatalf("EnqueueAfter error = %v, want ErrLoopClosed", err)
	}
	if err := l.QueueMicrotask(func() {}); !errors.Is(err, ErrLoopClosed) {
		t.Fatalf("QueueMicrotask error = %v, want ErrLoopClosed", err)
	}
}

func TestNilJobRejected(t *testing.T) {
	l := New()
	if err := l.Enqueue(nil); !errors.Is(err, ErrNilJob) {
		t.Fatalf("error = %v, want ErrNilJob", err)
	}
}

func TestRunTwice(t *testing.T) {
	l := New()
	done := runLoop(t, l)
	started := make(chan struct{})
	_ = l.Enqueue(func() { close(started) })
	<-started
	if err := l.Run(context.Background()); !errors.Is(err, ErrLoopAlreadyRunning) {
		t.Fatalf("second Run error = %v, want ErrLoopAlreadyRunning", err)
	}
	l.Close()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not observe cancellation")
	}
}

func TestCloseDiscardsQueuedJobs(t *testing.T) {
	l := New()
	ran := false
	_ = l.Enqueue(func() { ran = true })
	l.Close()

	if err := l.Run(context.Background()); !errors.Is(err, ErrLoopAlreadyRunning) {
		t.Fatalf("Run on closed loop error = %v, want ErrLoopAlreadyRunning", err)
	}
	if ran {
		t.Fatal("discarded job ran")
	}
}
