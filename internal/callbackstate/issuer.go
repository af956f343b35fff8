// Package callbackstate issues and validates the single-use state tokens that tie a
// browser callback to an auth flow started by this process.
package callbackstate

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL is used when an Issuer is created with a non-positive TTL.
const DefaultTTL = 10 * time.Minute

// Result is the outcome of ValidateAndConsume.
type Result int

const (
	Valid Result = iota
	Missing
	Invalid
	Expired
	Replayed
	LockError
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case Missing:
		return "missing"
	case Invalid:
		return "invalid"
	case Expired:
		return "expired"
	case Replayed:
		return "replayed"
	case LockError:
		return "lock_error"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Code returns the machine-readable rejection code reported to clients and the UI.
// Valid has no code.
func (r Result) Code() string {
	switch r {
	case Valid:
		return ""
	case Missing:
		return "missing_state"
	case Invalid:
		return "invalid_state"
	case Expired:
		return "expired_state"
	case Replayed:
		return "replayed_state"
	default:
		return "state_lock_error"
	}
}

// State is one outstanding authentication attempt.
type State struct {
	Token    string
	IssuedAt time.Time
	TTL      time.Duration
	Consumed bool
}

// ExpiresAt returns the last instant at which the state is accepted.
func (s State) ExpiresAt() time.Time {
	return s.IssuedAt.Add(s.TTL)
}

// Issuer holds at most one pending State. Issue replaces it, ValidateAndConsume clears it.
// All reads and transitions of the pending state happen under one mutex.
type Issuer struct {
	mu       sync.Mutex
	pending  *State
	poisoned bool

	ttl     time.Duration
	counter atomic.Uint64
	now     func() time.Time
	random  io.Reader
}

// Option customizes an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// WithRandom overrides the entropy source.
func WithRandom(r io.Reader) Option {
	return func(i *Issuer) {
		if r != nil {
			i.random = r
		}
	}
}

// NewIssuer creates an Issuer whose states live for ttl.
func NewIssuer(ttl time.Duration, opts ...Option) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	i := &Issuer{
		ttl:    ttl,
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// TTL returns the lifetime of issued states.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue mints a new token and makes it the pending state, discarding any previous one.
func (i *Issuer) Issue() (State, error) {
	token, err := i.newToken()
	if err != nil {
		return State{}, err
	}

	var issued State
	result := i.withLock(func() Result {
		issued = State{Token: token, IssuedAt: i.now(), TTL: i.ttl}
		stored := issued
		i.pending = &stored
		return Valid
	})
	if result == LockError {
		return State{}, fmt.Errorf("callback state: issuer is unusable after a failed critical section")
	}
	return issued, nil
}

// ValidateAndConsume checks received against the pending state.
// Missing when received is empty, Replayed when nothing is pending, Invalid on mismatch,
// Expired once the TTL has passed (the state is cleared, so the next attempt is Replayed),
// Valid otherwise, in which case the state is consumed before returning.
func (i *Issuer) ValidateAndConsume(received string) Result {
	received = strings.TrimSpace(received)
	if received == "" {
		return Missing
	}

	return i.withLock(func() Result {
		if i.pending == nil || i.pending.Consumed {
			i.pending = nil
			return Replayed
		}
		if subtle.ConstantTimeCompare([]byte(i.pending.Token), []byte(received)) != 1 {
			return Invalid
		}
		if i.now().Sub(i.pending.IssuedAt) > i.pending.TTL {
			i.pending = nil
			return Expired
		}
		i.pending.Consumed = true
		i.pending = nil
		return Valid
	})
}

// Pending returns a copy of the pending state, if any.
func (i *Issuer) Pending() (State, bool) {
	var (
		out State
		ok  bool
	)
	i.withLock(func() Result {
		if i.pending != nil {
			out, ok = *i.pending, true
		}
		return Valid
	})
	return out, ok
}

// Clear drops the pending state.
func (i *Issuer) Clear() {
	i.withLock(func() Result {
		i.pending = nil
		return Valid
	})
}

// withLock runs fn inside the critical section. A panic inside fn poisons the issuer,
// after which every call fails closed with LockError.
func (i *Issuer) withLock(fn func() Result) (result Result) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.poisoned {
		return LockError
	}
	defer func() {
		if recover() != nil {
			i.poisoned = true
			i.pending = nil
			result = LockError
		}
	}()
	return fn()
}

// newToken hashes 32 random bytes together with a process-wide counter, the current
// time in nanoseconds and the pid into a 64 character hex string.
func (i *Issuer) newToken() (string, error) {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(i.random, seed); err != nil {
		return "", fmt.Errorf("callback state: read random bytes: %w", err)
	}

	var tail [24]byte
	binary.BigEndian.PutUint64(tail[0:8], i.counter.Add(1))
	binary.BigEndian.PutUint64(tail[8:16], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(tail[16:24], uint64(os.Getpid()))

	h := sha256.New()
	h.Write(seed)
	h.Write(tail[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}
