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
	"time"
)

// Timebox enforces a minimum running time on a function so that fast failure
// paths are indistinguishable from slow ones to a network observer. It is a
// floor, not a ceiling: work is never canceled, only the return is delayed.
type Timebox struct {
	Min   time.Duration
	Now   func() time.Time
	Sleep func(time.Duration)
}

// NewTimebox returns a Timebox with the real clock.
func NewTimebox(min time.Duration) Timebox {
	return Timebox{
		Min:   min,
		Now:   time.Now,
		Sleep: time.Sleep,
	}
}

// Do runs fn. If fn returns early=true, Do returns immediately; otherwise it
// sleeps until at least Min has elapsed since the call started. Successful
// fast paths with no secret-dependent work may return early; failing or
// ambiguous paths must not.
func (t Timebox) Do(fn func() (early bool, err error)) error {
	start := t.Now()
	early, err := fn()
	if early {
		return err
	}
	if d := t.Min - t.Now().Sub(start); d > 0 {
		t.Sleep(d)
	}
	return err
}
