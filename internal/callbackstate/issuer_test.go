package callbackstate

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestIssuer(t *testing.T, ttl time.Duration) (*Issuer, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewIssuer(ttl, WithClock(clock.Now)), clock
}

func TestIssueProducesUniqueOpaqueTokens(t *testing.T) {
	issuer, _ := newTestIssuer(t, time.Minute)
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		st, err := issuer.Issue()
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if len(st.Token) != 64 {
			t.Fatalf("token length = %d, want 64", len(st.Token))
		}
		if _, dup := seen[st.Token]; dup {
			t.Fatalf("duplicate token %s", st.Token)
		}
		seen[st.Token] = struct{}{}
	}
}

func TestIssueWithIdenticalEntropyStillDiffers(t *testing.T) {
	zero := bytes.NewReader(make([]byte, 64))
	issuer := NewIssuer(time.Minute, WithRandom(zero))
	first, err := issuer.Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := issuer.Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if first.Token == second.Token {
		t.Fatal("expected counter to separate tokens with identical entropy")
	}
}

func TestIssueFailsWithoutEntropy(t *testing.T) {
	issuer := NewIssuer(time.Minute, WithRandom(bytes.NewReader(nil)))
	if _, err := issuer.Issue(); err == nil {
		t.Fatal("expected error when the random source is empty")
	}
	if _, ok := issuer.Pending(); ok {
		t.Fatal("no state should be pending after a failed issue")
	}
}

func TestValidateAndConsumeOutcomes(t *testing.T) {
	issuer, _ := newTestIssuer(t, time.Minute)
	st, err := issuer.Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if got := issuer.ValidateAndConsume(""); got != Missing {
		t.Fatalf("empty token = %s, want missing", got)
	}
	if got := issuer.ValidateAndConsume("not-the-token"); got != Invalid {
		t.Fatalf("wrong token = %s, want invalid", got)
	}
	if got := issuer.ValidateAndConsume(st.Token); got != Valid {
		t.Fatalf("first use = %s, want valid", got)
	}
	if got := issuer.ValidateAndConsume(st.Token); got != Replayed {
		t.Fatalf("second use = %s, want replayed", got)
	}
}

func TestValidateAndConsumeExpiry(t *testing.T) {
	issuer, clock := newTestIssuer(t, time.Minute)
	st, err := issuer.Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	clock.Advance(time.Minute)
	if _, ok := issuer.Pending(); !ok {
		t.Fatal("state at exactly ttl should still be pending")
	}

	clock.Advance(time.Nanosecond)
	if got := issuer.ValidateAndConsume(st.Token); got != Expired {
		t.Fatalf("after ttl = %s, want expired", got)
	}
	if got := issuer.ValidateAndConsume(st.Token); got != Replayed {
		t.Fatalf("after expiry = %s, want replayed", got)
	}
}

func TestIssueReplacesPendingState(t *testing.T) {
	issuer, _ := newTestIssuer(t, time.Minute)
	old, _ := issuer.Issue()
	current, _ := issuer.Issue()

	if got := issuer.ValidateAndConsume(old.Token); got != Invalid {
		t.Fatalf("superseded token = %s, want invalid", got)
	}
	if got := issuer.ValidateAndConsume(current.Token); got != Valid {
		t.Fatalf("current token = %s, want valid", got)
	}
}

func TestValidateAndConsumeConcurrentSingleWinner(t *testing.T) {
	issuer, _ := newTestIssuer(t, time.Minute)
	st, _ := issuer.Issue()

	var (
		wg    sync.WaitGroup
		valid atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if issuer.ValidateAndConsume(st.Token) == Valid {
				valid.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if valid.Load() != 1 {
		t.Fatalf("valid results = %d, want exactly 1", valid.Load())
	}
}

func TestPanicInCriticalSectionFailsClosed(t *testing.T) {
	var explode atomic.Bool
	issuer := NewIssuer(time.Minute, WithClock(func() time.Time {
		if explode.Load() {
			panic(errors.New("clock failure"))
		}
		return time.Now()
	}))
	st, err := issuer.Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	explode.Store(true)
	if got := issuer.ValidateAndConsume(st.Token); got != LockError {
		t.Fatalf("panicking clock = %s, want lock_error", got)
	}

	explode.Store(false)
	if got := issuer.ValidateAndConsume(st.Token); got != LockError {
		t.Fatalf("poisoned issuer = %s, want lock_error", got)
	}
	if _, err = issuer.Issue(); err == nil {
		t.Fatal("expected poisoned issuer to refuse new states")
	}
}

func TestResultCodes(t *testing.T) {
	tests := map[Result]string{
		Valid:     "",
		Missing:   "missing_state",
		Invalid:   "invalid_state",
		Expired:   "expired_state",
		Replayed:  "replayed_state",
		LockError: "state_lock_error",
	}
	for result, want := range tests {
		if got := result.Code(); got != want {
			t.Errorf("%s.Code() = %q, want %q", result, got, want)
		}
	}
}
