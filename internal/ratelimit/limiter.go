// Package ratelimit meters requests per subject within a named scope. Each
// scope carries its own bucket size and refill window.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	ScopeImages  = "img"
	ScopeRenders = "renders"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Key names one bucket. Subjects in different scopes never share tokens.
type Key struct {
	Scope   string
	Subject string
}

func (k Key) String() string {
	scope := strings.TrimSpace(k.Scope)
	if scope == "" {
		scope = "default"
	}
	subject := strings.TrimSpace(k.Subject)
	if subject == "" {
		subject = "anonymous"
	}
	return scope + ":" + subject
}

type Limiter interface {
	Allow(ctx context.Context, key Key) (Decision, error)
}

// Policy is a bucket of Capacity tokens refilled evenly over Window.
type Policy struct {
	Capacity int
	Window   time.Duration
}

func (p Policy) validate() error {
	if p.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive")
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	return nil
}

// Policies resolves the policy for a scope, falling back to Default.
type Policies struct {
	Default Policy
	Scopes  map[string]Policy
}

func (p Policies) For(scope string) Policy {
	if sp, ok := p.Scopes[scope]; ok {
		return sp
	}
	return p.Default
}

func (p Policies) validate() error {
	if err := p.Default.validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	for scope, sp := range p.Scopes {
		if err := sp.validate(); err != nil {
			return fmt.Errorf("scope %q: %w", scope, err)
		}
	}
	return nil
}
