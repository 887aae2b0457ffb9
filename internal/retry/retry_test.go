package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func recordingPolicy(attempts int, slept *[]time.Duration) Policy {
	return Policy{
		Attempts:  attempts,
		BaseDelay: time.Second,
		MaxDelay:  16 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		},
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var slept []time.Duration
	calls := 0
	err := Do(context.Background(), recordingPolicy(3, &slept), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	want := []time.Duration{time.Second, 4 * time.Second}
	if len(slept) != len(want) || slept[0] != want[0] || slept[1] != want[1] {
		t.Fatalf("expected sleeps %v, got %v", want, slept)
	}
}

func TestDoStopsOnNonRetriable(t *testing.T) {
	var slept []time.Duration
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), recordingPolicy(5, &slept), func(context.Context) error {
		calls++
		return fatal
	}, func(err error) bool { return errors.Is(err, errFlaky) })
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 || len(slept) != 0 {
		t.Fatalf("expected single attempt, got %d calls %d sleeps", calls, len(slept))
	}
}

func TestDoExhaustionKeepsCause(t *testing.T) {
	var slept []time.Duration
	err := Do(context.Background(), recordingPolicy(4, &slept), func(context.Context) error {
		return errFlaky
	}, nil)
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected wrapped errFlaky, got %v", err)
	}
	if got := slept[len(slept)-1]; got != 16*time.Second {
		t.Fatalf("expected delay capped at 16s, got %v", got)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Attempts: 3, BaseDelay: time.Hour}
	err := Do(ctx, p, func(context.Context) error { return errFlaky }, nil)
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected errFlaky, got %v", err)
	}
}
