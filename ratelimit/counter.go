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

// Inspired in large part by code from Vanadium.
// https://github.com/vanadium-archive/go.ref/blob/master/lib/stats/counter/timeseries.go
// https://github.com/vanadium-archive/go.ref/blob/master/LICENSE
//
// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ratelimit

import (
	"time"
)

// newWindow returns a sliding-window hit counter covering maxPeriod with the
// given resolution.
func newWindow(maxPeriod, resolution time.Duration, now func() time.Time) *window {
	size := int64(maxPeriod)/int64(resolution) + 1
	if size > 1000 {
		panic("window resolution too small")
	}
	return &window{
		size:  int(size),
		rez:   resolution,
		now:   now,
		time:  now().Truncate(resolution),
		slots: make([]int64, int(size)),
	}
}

// window keeps a ring of cumulative hit counts, one slot per resolution step.
// The number of hits within a period is the difference between the head slot
// and the slot at the start of the period. All methods must be called with
// the owning Limiter's lock held.
type window struct {
	size int
	rez  time.Duration
	now  func() time.Time

	head  int
	time  time.Time
	slots []int64
}

func (w *window) hit(delta int64) int64 {
	w.advance()
	w.slots[w.head] += delta
	return w.slots[w.head]
}

// count returns the number of hits within the trailing period.
func (w *window) count(period time.Duration) int64 {
	w.advance()
	steps := min(int64(period/w.rez), int64(w.size-1))
	return w.slots[w.head] - w.slots[(w.head+w.size-int(steps))%w.size]
}

// retryAfter returns how long until the hit count within period drops below
// threshold, assuming no further hits.
func (w *window) retryAfter(period time.Duration, threshold int64) time.Duration {
	w.advance()
	steps := min(int64(period/w.rez), int64(w.size-1))
	cur := w.slots[w.head]
	for i := steps; i >= 0; i-- {
		j := (w.head + w.size - int(i)) % w.size
		if cur-w.slots[j] < threshold {
			// Hits up to slot j decay once the sliding window starts
			// after that slot.
			slotTime := w.time.Add(-time.Duration(i) * w.rez)
			d := slotTime.Add(w.rez).Add(period).Sub(w.now())
			return max(d, 0)
		}
	}
	return period
}

// reset discards all recorded hits.
func (w *window) reset() {
	for i := range w.slots {
		w.slots[i] = 0
	}
}

func (w *window) advance() {
	now := w.now().Truncate(w.rez)
	if !now.After(w.time) {
		return
	}
	steps := int64(now.Sub(w.time)) / int64(w.rez)
	w.time = now
	steps = min(steps, int64(w.size))
	v := w.slots[w.head]
	for steps > 0 {
		w.head = (w.head + 1) % w.size
		w.slots[w.head] = v
		steps--
	}
}
