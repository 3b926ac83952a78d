package verifyqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitSuccess(t *testing.T) {
	q := New(Config{
		Workers:     2,
		MaxAttempts: 3,
		BackoffMs:   10,
		Handler: func(ctx context.Context, payload any) (bool, error) {
			return true, nil
		},
	})
	defer q.Close()

	resultCh, err := q.Submit("job-1")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	select {
	case r := <-resultCh:
		if !r.OK {
			t.Errorf("Result.OK = false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestSubmitExhaustsToDeadLetter(t *testing.T) {
	var calls int32
	q := New(Config{
		Workers:     1,
		MaxAttempts: 2,
		BackoffMs:   5,
		Handler: func(ctx context.Context, payload any) (bool, error) {
			atomic.AddInt32(&calls, 1)
			return false, errors.New("boom")
		},
	})
	defer q.Close()

	resultCh, err := q.Submit("job-2")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	select {
	case r := <-resultCh:
		if r.OK || r.DeadLetter == nil {
			t.Fatalf("Result = %+v, want dead-letter", r)
		}
		if r.DeadLetter.Attempts != 2 {
			t.Errorf("DeadLetter.Attempts = %d, want 2", r.DeadLetter.Attempts)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dead-letter")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("handler called %d times, want 2", calls)
	}
}

func TestCloseRejectsNewSubmissions(t *testing.T) {
	q := New(Config{Workers: 1, MaxAttempts: 1, BackoffMs: 5, Handler: func(ctx context.Context, payload any) (bool, error) {
		return true, nil
	}})
	q.Close()
	if _, err := q.Submit("job-3"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Submit() after close error = %v, want ErrQueueClosed", err)
	}
}

func TestDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	q := New(Config{Workers: 1, MaxAttempts: 1, BackoffMs: 5, Handler: func(ctx context.Context, payload any) (bool, error) {
		<-block
		return true, nil
	}})
	defer func() { close(block); q.Close() }()

	if _, err := q.Submit("job-4"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := q.Drain(50 * time.Millisecond); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("Drain() error = %v, want ErrDrainTimeout", err)
	}
}

func TestBackoffForCapsAtSixteen(t *testing.T) {
	d := backoffFor(1000, 30)
	want := time.Duration(int64(1000)<<maxExponent) * time.Millisecond
	if d != want {
		t.Errorf("backoffFor(1000, 30) = %v, want %v (exponent capped at %d)", d, want, maxExponent)
	}
}
