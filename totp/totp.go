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

// Package totp verifies RFC 6238 time-based one-time passwords with a
// one-step drift window and an anti-replay cache. A code that verified once
// is rejected for the remainder of its time step.
package totp

import (
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// Period is the TOTP time step.
	Period = 30 * time.Second

	replayCacheSize = 10000
)

// Option configures a Verifier.
type Option func(*Verifier)

// WithTimeSource sets the clock, for deterministic tests.
func WithTimeSource(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier returns a new Verifier.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		now:    time.Now,
		replay: expirable.NewLRU[string, uint64](replayCacheSize, nil, Period),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verifier verifies TOTP codes. It is safe for concurrent use.
type Verifier struct {
	now    func() time.Time
	replay *expirable.LRU[string, uint64]
}

// Verify reports whether code is valid for secret at the current time, give
// or take one time step. The replay cache is keyed by userID: the same time
// step never verifies twice for the same user.
func (v *Verifier) Verify(userID, secret, code string) bool {
	now := v.now()
	for _, delta := range []time.Duration{0, -Period, Period} {
		at := now.Add(delta)
		ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
			Period:    uint(Period / time.Second),
			Skew:      0,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil || !ok {
			continue
		}
		step := uint64(at.Unix()) / uint64(Period/time.Second)
		if last, ok := v.replay.Get(userID); ok && last >= step {
			return false
		}
		v.replay.Add(userID, step)
		return true
	}
	return false
}

// Enroll generates a new shared secret for account. It returns the base32
// secret and the otpauth:// provisioning URL. If rnd is nil, crypto/rand is
// used.
func Enroll(issuer, account string, rnd io.Reader) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      uint(Period / time.Second),
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        rnd,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}
