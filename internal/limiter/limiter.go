// Package limiter throttles password attempts per (username, client) pair.
// Every operation that checks a password (login, password change, account
// deletion) goes through it, so the password cannot be brute-forced through
// whichever endpoint is least guarded.
package limiter

import (
	"context"
	"crypto/sha256"
	"net"
	"sync"
	"time"
)

// Limiter controls password attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed and the retry-after.
	Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a correct password.
	Success(ctx context.Context, username string, ipHash []byte) error
	// Failure records a wrong password; it may place a temporary block.
	Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
}

// Policy is the sliding-window lockout rule shared by implementations.
type Policy struct {
	Window   time.Duration
	MaxFails int
	BlockFor time.Duration
}

// DefaultPolicy allows five failures per 15 minutes, then blocks for 15 minutes.
func DefaultPolicy() Policy {
	return Policy{Window: 15 * time.Minute, MaxFails: 5, BlockFor: 15 * time.Minute}
}

// HashIP returns a stable hash of the client host so raw addresses are not
// stored. A port, if present, is dropped.
func HashIP(addr string) []byte {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	sum := sha256.Sum256([]byte(host))
	return sum[:]
}

type attempt struct {
	fails        int
	first        time.Time
	blockedUntil time.Time
}

// Memory is a process-local Limiter.
type Memory struct {
	mu     sync.Mutex
	policy Policy
	state  map[string]*attempt
	now    func() time.Time
}

// NewMemory constructs an in-memory limiter.
func NewMemory(p Policy) *Memory {
	return &Memory{policy: p, state: make(map[string]*attempt), now: time.Now}
}

func memKey(username string, ipHash []byte) string { return username + "\x00" + string(ipHash) }

func (m *Memory) Allow(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state[memKey(username, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if now := m.now(); a.blockedUntil.After(now) {
		return false, a.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (m *Memory) Success(_ context.Context, username string, ipHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, memKey(username, ipHash))
	return nil
}

func (m *Memory) Failure(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := memKey(username, ipHash)
	a, ok := m.state[k]
	if !ok || now.Sub(a.first) > m.policy.Window {
		a = &attempt{first: now}
		m.state[k] = a
	}
	a.fails++
	if a.fails >= m.policy.MaxFails {
		a.blockedUntil = now.Add(m.policy.BlockFor)
		return true, m.policy.BlockFor, nil
	}
	return false, 0, nil
}
