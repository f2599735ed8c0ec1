// Package account manages the pool of upstream credentials and their
// health bookkeeping under concurrent request load.
package account

import (
	"strings"
	"sync"
	"time"

	log "github.com/newhackerman/tenbin2api/internal/logging"
)

// Account is one upstream credential. Fields are mutated only by Pool
// under its lock; callers treat a returned *Account as read-only except
// through Pool methods.
type Account struct {
	// SessionID is the opaque upstream secret and the account's identity.
	SessionID string

	isValid    bool
	lastUsedAt time.Time
	errorCount int
}

// Valid reports whether the account is still usable. Pool-internal
// state is read without the lock only from tests.
func (a *Account) Valid() bool { return a.isValid }

// ErrorCount returns the current consecutive-failure count.
func (a *Account) ErrorCount() int { return a.errorCount }

// Label returns a log-safe identifier: the last four characters of the
// session id, never the whole secret.
func (a *Account) Label() string {
	if len(a.SessionID) <= 4 {
		return "..." + a.SessionID
	}
	return "..." + a.SessionID[len(a.SessionID)-4:]
}

// Pool holds the account table. All read-and-mutate sequences happen
// under one mutex held only for the table scan, never across network I/O.
type Pool struct {
	mu        sync.Mutex
	accounts  []*Account
	maxErrors int
	cooldown  time.Duration

	now func() time.Time // test hook
}

// NewPool builds a pool from the loaded session ids.
func NewPool(sessionIDs []string, maxErrors int, cooldown time.Duration) *Pool {
	p := &Pool{
		maxErrors: maxErrors,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, id := range sessionIDs {
		p.accounts = append(p.accounts, &Account{SessionID: id, isValid: true})
	}
	return p
}

// Size returns the number of accounts, valid or not. The per-request
// retry budget is bounded by this value.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// SelectCandidate picks the best eligible account and stamps its
// lastUsedAt before releasing the lock, so a concurrent caller never
// doubles up on the same account while an attempt is in flight.
// Returns nil when no account qualifies.
func (p *Pool) SelectCandidate() *Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *Account
	for _, acc := range p.accounts {
		if !acc.isValid {
			continue
		}
		cooledDown := now.Sub(acc.lastUsedAt) > p.cooldown
		if acc.errorCount >= p.maxErrors {
			if !cooledDown {
				continue
			}
			// Self-heal: the cooldown elapsed, so the error streak no
			// longer counts against the account.
			acc.errorCount = 0
		}
		if best == nil || lessEligible(acc, best) {
			best = acc
		}
	}
	if best == nil {
		return nil
	}
	best.lastUsedAt = now
	return best
}

// lessEligible orders by (lastUsedAt, errorCount): oldest use first,
// fewest errors as tie-break.
func lessEligible(a, b *Account) bool {
	if !a.lastUsedAt.Equal(b.lastUsedAt) {
		return a.lastUsedAt.Before(b.lastUsedAt)
	}
	return a.errorCount < b.errorCount
}

// RecordFailure increments the account's error count. Failures whose
// message reads as an authentication problem invalidate the account
// permanently; only a fresh credential from the operator revives it.
func (p *Pool) RecordFailure(acc *Account, err error) {
	if acc == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	acc.errorCount++
	log.Debugf("account %s failure #%d: %v", acc.Label(), acc.errorCount, err)

	if err != nil && isAuthFailure(err.Error()) {
		acc.isValid = false
		log.Warnf("account %s invalidated after auth failure", acc.Label())
	}
}

// RecordSuccess clears the account's error streak.
func (p *Pool) RecordSuccess(acc *Account) {
	if acc == nil {
		return
	}
	p.mu.Lock()
	acc.errorCount = 0
	p.mu.Unlock()
}

func isAuthFailure(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "authentication") || strings.Contains(lower, "unauthorized")
}

// SetCredentials reconciles the pool against a freshly loaded
// credential list. Existing accounts keep their bookkeeping; new
// session ids join as valid accounts; ids no longer on disk are
// dropped. Used by registry reload.
func (p *Pool) SetCredentials(sessionIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing := make(map[string]*Account, len(p.accounts))
	for _, acc := range p.accounts {
		existing[acc.SessionID] = acc
	}

	next := make([]*Account, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if acc, ok := existing[id]; ok {
			next = append(next, acc)
			continue
		}
		next = append(next, &Account{SessionID: id, isValid: true})
	}
	p.accounts = next
}

// Snapshot returns a copy of the table for the stats surface.
func (p *Pool) Snapshot() []AccountStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]AccountStatus, 0, len(p.accounts))
	for _, acc := range p.accounts {
		out = append(out, AccountStatus{
			Label:      acc.Label(),
			Valid:      acc.isValid,
			ErrorCount: acc.errorCount,
			LastUsedAt: acc.lastUsedAt,
		})
	}
	return out
}

// AccountStatus is an immutable view of one account's health.
type AccountStatus struct {
	Label      string    `json:"label"`
	Valid      bool      `json:"valid"`
	ErrorCount int       `json:"error_count"`
	LastUsedAt time.Time `json:"last_used_at"`
}
