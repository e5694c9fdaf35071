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

package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiterFirstRuleWins(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(WithTimeSource(func() time.Time { return now }))

	rules := []Rule{
		PerMinute(250, GlobalKey),
		PerMinute(5, Key("ip", "192.0.2.1")),
		PerMinute(5, Key("email", "x@example.com")),
	}
	for i := 0; i < 5; i++ {
		if err := l.Check(rules); err != nil {
			t.Fatalf("Check #%d: %v", i, err)
		}
		l.Hit(rules)
	}
	err := l.Check(rules)
	var rle *Error
	if !errors.As(err, &rle) {
		t.Fatalf("Check = %v, want *Error", err)
	}
	if rle.RetryAfter <= 0 || rle.RetryAfter > time.Minute+time.Second {
		t.Errorf("RetryAfter = %v, want in (0, ~1m]", rle.RetryAfter)
	}

	// A different identity behind the same IP is still blocked by the IP
	// rule.
	other := []Rule{
		PerMinute(250, GlobalKey),
		PerMinute(5, Key("ip", "192.0.2.1")),
		PerMinute(5, Key("email", "y@example.com")),
	}
	if err := l.Check(other); err == nil {
		t.Fatal("Check should have failed on the ip rule")
	}
}

func TestLimiterResetSparesGlobal(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(WithTimeSource(func() time.Time { return now }))

	ipKey := Key("ip", "192.0.2.1")
	idKey := Key("username", "bob")
	rules := []Rule{
		PerMinute(10, GlobalKey),
		PerMinute(5, ipKey),
		PerMinute(5, idKey),
	}
	for i := 0; i < 5; i++ {
		l.Hit(rules)
	}
	if err := l.Check(rules); err == nil {
		t.Fatal("Check should have failed")
	}

	// Success: identity and IP counters reset, global untouched.
	l.Reset(ipKey, idKey, GlobalKey)
	if err := l.Check(rules); err != nil {
		t.Fatalf("Check after reset: %v", err)
	}
	for i := 0; i < 5; i++ {
		l.Hit(rules)
	}
	// 10 hits total on the global counter now.
	if err := l.Check(rules); err == nil {
		t.Fatal("Check should have failed")
	}
	l.Reset(ipKey, idKey)
	if err := l.Check(rules); err == nil {
		t.Fatal("global counter should still be at threshold")
	}
}

func TestLimiterDecay(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(WithTimeSource(func() time.Time { return now }))

	rules := []Rule{PerMinute(5, GlobalKey)}
	for i := 0; i < 5; i++ {
		l.Hit(rules)
	}
	if err := l.Check(rules); err == nil {
		t.Fatal("Check should have failed")
	}
	now = now.Add(61 * time.Second)
	if err := l.Check(rules); err != nil {
		t.Fatalf("Check after decay: %v", err)
	}
}

func TestLimiterHitCountsKeyOnce(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(WithTimeSource(func() time.Time { return now }))

	k := Key("user_id", "42")
	rules := []Rule{
		{Threshold: 5, Window: time.Minute, Key: k},
		{Threshold: 100, Window: time.Hour, Key: k},
	}
	l.Hit(rules)
	l.mu.Lock()
	got := l.windows[k].count(time.Minute)
	l.mu.Unlock()
	if got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
}

func TestTimeboxPadsFailures(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var slept time.Duration
	tb := Timebox{
		Min:   300 * time.Millisecond,
		Now:   func() time.Time { return now },
		Sleep: func(d time.Duration) { slept += d; now = now.Add(d) },
	}

	errFail := errors.New("fail")
	err := tb.Do(func() (bool, error) {
		now = now.Add(20 * time.Millisecond)
		return false, errFail
	})
	if err != errFail {
		t.Fatalf("Do = %v, want %v", err, errFail)
	}
	if got, want := slept, 280*time.Millisecond; got != want {
		t.Errorf("slept = %v, want %v", got, want)
	}

	// Work longer than the floor is not padded.
	slept = 0
	tb.Do(func() (bool, error) {
		now = now.Add(time.Second)
		return false, nil
	})
	if slept != 0 {
		t.Errorf("slept = %v, want 0", slept)
	}

	// Early return skips the padding.
	slept = 0
	tb.Do(func() (bool, error) { return true, nil })
	if slept != 0 {
		t.Errorf("slept = %v, want 0", slept)
	}
}
