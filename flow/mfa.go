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

package flow

import (
	"errors"
	"strconv"

	"github.com/c2FmZQ/authcore/credentials"
	"github.com/c2FmZQ/authcore/events"
	"github.com/c2FmZQ/authcore/ratelimit"
	"github.com/c2FmZQ/authcore/webauthn"
)

// MFAChallenge describes the multi-factor challenge offered to a partially
// authenticated session.
type MFAChallenge struct {
	// Completed is set when the challenge was auto-skipped because the
	// user's credential set became empty since pre-authentication.
	Completed *LoginResult
	// TOTP reports whether a time-based code is accepted.
	TOTP bool
	// WebAuthn holds the assertion options when a security key is
	// accepted.
	WebAuthn *webauthn.AssertionOptions
}

// pending returns the pre-authentication markers of a partially
// authenticated session.
func (f *Flow) pending(sess SessionStore) (userID string, remember bool, throttleKey, intended string, err error) {
	userID, ok := sess.Get(mfaUserIDKey)
	if !ok {
		err = ErrNotPartiallyAuthenticated
		return
	}
	if v, ok := sess.Get(mfaRememberKey); ok {
		remember, _ = strconv.ParseBool(v)
	}
	throttleKey, _ = sess.Get(mfaThrottleKey)
	intended, _ = sess.Get(mfaIntendedKey)
	return
}

// BeginMFAChallenge prepares the multi-factor challenge for a partially
// authenticated session. If the user's credential set became empty since
// pre-authentication, the challenge is skipped and the session completes
// immediately.
func (f *Flow) BeginMFAChallenge(sess SessionStore) (*MFAChallenge, error) {
	userID, remember, _, intended, err := f.pending(sess)
	if err != nil {
		return nil, err
	}
	userCreds, err := f.creds.ForUser(userID)
	if err != nil {
		return nil, err
	}
	if len(userCreds) == 0 {
		if err := f.completeAuthentication(sess, userID, remember); err != nil {
			return nil, err
		}
		return &MFAChallenge{
			Completed: &LoginResult{
				State:      FullyAuthenticated,
				UserID:     userID,
				Remember:   remember,
				RedirectTo: intended,
			},
		}, nil
	}
	challenge := &MFAChallenge{}
	for _, c := range userCreds {
		if c.Type == credentials.TypeTOTP {
			challenge.TOTP = true
		}
	}
	if desc := webauthn.Descriptors(userCreds); len(desc) > 0 {
		opts, err := f.engine.NewAssertionOptions(webauthn.IntentMFA, desc)
		if err != nil {
			return nil, err
		}
		if err := f.putChallenge(sess, ceremonyMFA, opts); err != nil {
			return nil, err
		}
		challenge.WebAuthn = opts
	}
	return challenge, nil
}

// mfaRules carries the throttle key seeded at primary login into the
// multi-factor step. The counters charged by failed primary attempts keep
// counting here; pivoting to the challenge never buys a fresh budget.
func (f *Flow) mfaRules(ip, throttleKey, userID string) []ratelimit.Rule {
	rules := f.rules(ip, throttleKey)
	if throttleKey == "" {
		rules = append(rules, ratelimit.PerMinute(f.cfg.RateLimit, ratelimit.Key("user_id", userID)))
	}
	return rules
}

// CompleteMFATOTP completes the multi-factor challenge with a time-based
// code.
func (f *Flow) CompleteMFATOTP(sess SessionStore, code, ip string) (*LoginResult, error) {
	if code == "" {
		return nil, &ValidationError{Field: "code"}
	}
	userID, remember, throttleKey, intended, err := f.pending(sess)
	if err != nil {
		return nil, err
	}
	rules := f.mfaRules(ip, throttleKey, userID)
	if err := f.checkRateLimit(rules, userID); err != nil {
		return nil, err
	}
	var result *LoginResult
	err = f.timebox.Do(func() (bool, error) {
		userCreds, err := f.creds.ForUser(userID, credentials.TypeTOTP)
		if err != nil {
			return false, err
		}
		var ok bool
		for _, c := range userCreds {
			if f.totp.Verify(userID, string(c.Secret), code) {
				ok = true
				break
			}
		}
		if !ok {
			f.recordFailure(rules)
			f.fire(events.MultiFactorChallengeFailed, userID, nil)
			return false, ErrInvalidCredentials
		}
		f.recordSuccess(rules)
		if err := f.completeAuthentication(sess, userID, remember); err != nil {
			return false, err
		}
		result = &LoginResult{
			State:      FullyAuthenticated,
			UserID:     userID,
			Remember:   remember,
			RedirectTo: intended,
		}
		return true, nil
	})
	return result, err
}

// CompleteMFAWebAuthn completes the multi-factor challenge with a security
// key assertion.
func (f *Flow) CompleteMFAWebAuthn(sess SessionStore, response []byte, ip string) (*LoginResult, error) {
	if len(response) == 0 {
		return nil, &ValidationError{Field: "credential"}
	}
	userID, remember, throttleKey, intended, err := f.pending(sess)
	if err != nil {
		return nil, err
	}
	rules := f.mfaRules(ip, throttleKey, userID)
	if err := f.checkRateLimit(rules, userID); err != nil {
		return nil, err
	}
	var opts webauthn.AssertionOptions
	if err := f.takeChallenge(sess, ceremonyMFA, &opts); err != nil {
		return nil, err
	}
	var result *LoginResult
	err = f.timebox.Do(func() (bool, error) {
		assertion, err := f.engine.VerifyAssertion(&opts, repoSource{f.creds}, response, []byte(userID))
		if err != nil {
			f.recordFailure(rules)
			f.fire(events.MultiFactorChallengeFailed, userID, nil)
			if errors.Is(err, webauthn.ErrUnexpectedCeremonyState) {
				return false, err
			}
			f.retainChallenge(sess, ceremonyMFA, &opts)
			return false, ErrInvalidCredentials
		}
		recordID := credentials.RecordID(credentials.TypePublicKey, assertion.Attributes.ID)
		if err := f.creds.UpdateSignCount(recordID, assertion.NewSignCount); err != nil {
			return false, err
		}
		f.recordSuccess(rules)
		if err := f.completeAuthentication(sess, userID, remember); err != nil {
			return false, err
		}
		result = &LoginResult{
			State:      FullyAuthenticated,
			UserID:     userID,
			Remember:   remember,
			RedirectTo: intended,
		}
		return true, nil
	})
	return result, err
}
