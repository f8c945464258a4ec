package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	cause := errors.New("503 service unavailable")
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return cause
	})

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ex.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", ex.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Error("ExhaustedError should unwrap to the last cause")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !IsExhausted(err) {
		t.Error("IsExhausted = false")
	}
}

func TestDo_TerminalStopsImmediately(t *testing.T) {
	calls := 0
	cause := errors.New("bad input")
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return Terminal(cause)
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause, got %v", err)
	}
	if IsExhausted(err) {
		t.Error("terminal error must not be reported as exhausted")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 2}, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, Transient(errors.New("flaky"))
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("DoValue = %d, %v; want 42, nil", v, err)
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_WithDefaults(t *testing.T) {
	p := Policy{}.WithDefaults()
	if p != DefaultPolicy {
		t.Errorf("WithDefaults() = %+v, want %+v", p, DefaultPolicy)
	}

	custom := Policy{MaxAttempts: 7, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 3}
	if got := custom.WithDefaults(); got != custom {
		t.Errorf("WithDefaults() changed explicit policy: %+v", got)
	}
}

type codeErr struct{ code int }

func (e codeErr) Error() string { return "rpc error" }
func (e codeErr) RPCCode() int  { return e.code }

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		expect Class
	}{
		{errors.New("429 Too Many Requests"), ClassTransient},
		{errors.New("project rate limit exceeded"), ClassTransient},
		{errors.New("connection reset by peer"), ClassTransient},
		{errors.New("502 Bad Gateway"), ClassTransient},
		{errors.New("something odd"), ClassTransient},
		{errors.New("Method not found"), ClassTerminal},
		{errors.New("execution reverted"), ClassTerminal},
		{context.Canceled, ClassTerminal},
		{context.DeadlineExceeded, ClassTransient},
		{codeErr{-32601}, ClassTerminal},
		{codeErr{-32005}, ClassTransient},
		{codeErr{-32602}, ClassTransient},
		{Terminal(errors.New("timeout")), ClassTerminal},
		{Transient(errors.New("method not found")), ClassTransient},
	}

	for _, tt := range tests {
		if got := Classify(tt.err).Class; got != tt.expect {
			t.Errorf("Classify(%q) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}
