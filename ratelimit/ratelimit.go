// MIT License
//
// Copyright (c) 2024 TTBT Enterprises LLC
// Copyright (c) 2024 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package ratelimit implements composite, multi-key sliding-window rate
// limiting with lockout, and a minimum-latency timebox for security-sensitive
// code paths.
//
// Each sensitive operation declares an ordered list of rules, e.g. a global
// circuit-breaker, a per-IP limit, and a per-identity limit. The first rule
// whose key is at or over its threshold rejects the request. A successful
// credential check resets the per-IP and per-identity counters, never the
// global one; the global counter only decays with time.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// GlobalKey is the key of the blanket circuit-breaker counter. It is never
// reset by Reset.
const GlobalKey = ""

// Key builds a namespaced counter key, e.g. Key("ip", addr) or
// Key("email", email).
func Key(kind, value string) string {
	return kind + "::" + value
}

// Rule is a single threshold on a single counter key. Rules are evaluated in
// the order given; the first exceeded rule rejects the request.
type Rule struct {
	Threshold int64
	Window    time.Duration
	Key       string
}

// PerMinute returns a Rule allowing n hits per sliding minute on key.
func PerMinute(n int64, key string) Rule {
	return Rule{Threshold: n, Window: time.Minute, Key: key}
}

// Error is returned when a rule threshold is exceeded. It deliberately does
// not say which rule tripped.
type Error struct {
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTimeSource sets the clock, for deterministic tests.
func WithTimeSource(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter returns a new Limiter.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		now:     time.Now,
		windows: make(map[string]*window),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Limiter keeps one sliding-window counter per key. Counters are created
// lazily with the window of the first rule that references them.
type Limiter struct {
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

func (l *Limiter) window(r Rule) *window {
	w, ok := l.windows[r.Key]
	if !ok {
		rez := r.Window / 60
		if rez < time.Second {
			rez = time.Second
		}
		w = newWindow(r.Window, rez, l.now)
		l.windows[r.Key] = w
	}
	return w
}

// Check evaluates rules in order and returns an *Error for the first rule at
// or over its threshold. It does not count a hit; callers that go on to
// perform a credential check must call Hit on failure.
func (l *Limiter) Check(rules []Rule) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range rules {
		w := l.window(r)
		if w.count(r.Window) >= r.Threshold {
			return &Error{RetryAfter: w.retryAfter(r.Window, r.Threshold)}
		}
	}
	return nil
}

// Hit records a failed attempt against every rule key.
func (l *Limiter) Hit(rules []Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool)
	for _, r := range rules {
		if seen[r.Key] {
			continue
		}
		seen[r.Key] = true
		l.window(r).hit(1)
	}
}

// Reset clears the counters for the given keys. The global key is skipped;
// the blanket circuit-breaker only decays with time.
func (l *Limiter) Reset(keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if k == GlobalKey {
			continue
		}
		if w, ok := l.windows[k]; ok {
			w.reset()
		}
	}
}
