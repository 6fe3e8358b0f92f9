// Package session manages the set of account tokens the client operates
// with. A token is an opaque per-account credential string; the pool never
// inspects or mutates its content, only its membership.
package session

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrNoSession is returned when an operation needs a token but neither the
// pool nor the caller supplied one.
var ErrNoSession = errors.New("session: no session id configured")

// Pool holds the configured tokens and picks one per operation. Selection is
// uniformly random per call; there is no fairness guarantee beyond that and
// no memory of which token was used last.
type Pool struct {
	mu     sync.RWMutex
	tokens []string

	// rand has internal state of its own, so it gets its own lock; mu only
	// guards membership.
	randMu sync.Mutex
	rand   *rand.Rand
}

// Option configures a Pool.
type Option func(*Pool)

// WithRand injects the randomness source, so tests can make selection
// deterministic.
func WithRand(r *rand.Rand) Option {
	return func(p *Pool) {
		if r != nil {
			p.rand = r
		}
	}
}

// NewPool creates a pool seeded with the given tokens.
func NewPool(tokens []string, opts ...Option) *Pool {
	p := &Pool{
		tokens: append([]string(nil), tokens...),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Choose picks a token uniformly at random among the override set if given,
// else among the configured set. It returns ErrNoSession when both are empty.
func (p *Pool) Choose(override ...string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	candidates := override
	if len(candidates) == 0 {
		candidates = p.tokens
	}
	if len(candidates) == 0 {
		return "", ErrNoSession
	}

	p.randMu.Lock()
	i := p.rand.Intn(len(candidates))
	p.randMu.Unlock()
	return candidates[i], nil
}

// Tokens returns a copy of the configured token set.
func (p *Pool) Tokens() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.tokens...)
}

// Set replaces the configured token set.
func (p *Pool) Set(tokens []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append([]string(nil), tokens...)
}

// Add appends a token if it is not already present.
func (p *Pool) Add(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tokens {
		if t == token {
			return
		}
	}
	p.tokens = append(p.tokens, token)
}

// Remove deletes a token from the set if present.
func (p *Pool) Remove(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.tokens {
		if t == token {
			p.tokens = append(p.tokens[:i], p.tokens[i+1:]...)
			return
		}
	}
}

// Clear empties the token set.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = nil
}

// Len reports the number of configured tokens.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tokens)
}
