package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rahul/goalscript/internal/errs"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(3), func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(2), func(int) error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 2 {
		t.Errorf("expected 2 failed calls, got %d (%v)", calls, err)
	}
}

func TestDoNeverRetriesUserErrors(t *testing.T) {
	for _, e := range []error{errs.UserInput("no"), errs.UserDefined("", "thrown", 0), errs.EndApp("")} {
		calls := 0
		Do(context.Background(), Fixed(5), func(int) error {
			calls++
			return e
		})
		if calls != 1 {
			t.Errorf("%v retried %d times", e, calls)
		}
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	p := NewBackoff(5, time.Hour, time.Hour, 2, false)
	Do(ctx, p, func(int) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Errorf("expected cancelled context to stop retries, got %d calls", calls)
	}
}

func TestBackoffGrows(t *testing.T) {
	p := NewBackoff(4, 100*time.Millisecond, time.Second, 2, false)
	d1, ok1 := p.Next(1, nil)
	d2, ok2 := p.Next(2, nil)
	_, ok4 := p.Next(4, nil)
	if !ok1 || !ok2 || ok4 {
		t.Fatalf("unexpected allowance %v %v %v", ok1, ok2, ok4)
	}
	if d1 != 100*time.Millisecond || d2 != 200*time.Millisecond {
		t.Errorf("unexpected delays %v %v", d1, d2)
	}
}
