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

// Package events defines the domain events fired by the authentication flows.
// Events are strictly fire-and-forget. They exist for audit and observability
// in the surrounding application; nothing in this module depends on a sink
// actually doing anything with them.
package events

// Event names.
const (
	Authenticated              = "authenticated"
	AuthenticationFailed       = "authentication failed"
	MultiFactorChallenged      = "multi-factor challenged"
	MultiFactorChallengeFailed = "multi-factor challenge failed"
	SudoModeEnabled            = "sudo-mode enabled"
	AccountRecovered           = "account recovered"
	AccountRecoveryFailed      = "account recovery failed"
	PasswordChanged            = "password changed"
	RecoveryCodesGenerated     = "recovery codes generated"
	Lockout                    = "lockout"
)

// Event is a domain event.
type Event struct {
	Name   string
	UserID string
	Meta   map[string]string
}

// Sink receives domain events. Implementations must not block; delivery is
// not awaited for correctness.
type Sink interface {
	Fire(Event)
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Fire(Event) {}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Fire(e Event) { f(e) }
