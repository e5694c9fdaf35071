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

// SudoChallenge describes how a sudo-mode confirmation can be satisfied.
type SudoChallenge struct {
	// Password reports whether password re-entry is accepted. Passkey-only
	// accounts can't use it.
	Password bool
	// WebAuthn holds the assertion options when the user has public-key
	// credentials.
	WebAuthn *webauthn.AssertionOptions
}

// RequireSudo marks the session as needing a sudo confirmation before
// intended can be visited. Called by middleware guarding sensitive routes.
func (f *Flow) RequireSudo(sess SessionStore, intended string) error {
	if _, ok := f.AuthenticatedUserID(sess); !ok {
		return ErrNotAuthenticated
	}
	sess.Put(sudoRequiredAtKey, strconv.FormatInt(f.now().Unix(), 10))
	sess.Put(sudoIntendedKey, intended)
	return nil
}

// SudoActive reports whether the session holds a sudo confirmation within
// the configured window.
func (f *Flow) SudoActive(sess SessionStore) bool {
	v, ok := sess.Get(sudoConfirmedAtKey)
	if !ok {
		return false
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false
	}
	return f.now().Unix()-sec < int64(f.cfg.SudoWindow.Seconds())
}

// ensureSudo gates a sensitive operation on an active sudo confirmation.
func (f *Flow) ensureSudo(sess SessionStore) error {
	if !f.SudoActive(sess) {
		return ErrSudoRequired
	}
	return nil
}

// BeginSudoChallenge prepares the sudo confirmation challenge. It fails
// with ErrSudoNotRequired when no sensitive action demanded one; hitting
// the endpoint directly must not mint a confirmation.
func (f *Flow) BeginSudoChallenge(sess SessionStore) (*SudoChallenge, error) {
	userID, ok := f.AuthenticatedUserID(sess)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	if !sess.Has(sudoRequiredAtKey) {
		return nil, ErrSudoNotRequired
	}
	user, err := f.users.FindByID(userID)
	if err != nil {
		return nil, err
	}
	challenge := &SudoChallenge{Password: user.HasPassword()}
	userCreds, err := f.creds.ForUser(userID, credentials.TypePublicKey)
	if err != nil {
		return nil, err
	}
	if desc := webauthn.Descriptors(userCreds); len(desc) > 0 {
		opts, err := f.engine.NewAssertionOptions(webauthn.IntentMFA, desc)
		if err != nil {
			return nil, err
		}
		if err := f.putChallenge(sess, ceremonySudo, opts); err != nil {
			return nil, err
		}
		challenge.WebAuthn = opts
	}
	return challenge, nil
}

// confirmSudo records a successful confirmation and returns the location
// captured before the redirect to the challenge.
func (f *Flow) confirmSudo(sess SessionStore, userID string) string {
	sess.Forget(sudoRequiredAtKey)
	sess.Put(sudoConfirmedAtKey, strconv.FormatInt(f.now().Unix(), 10))
	intended, _ := sess.Get(sudoIntendedKey)
	sess.Forget(sudoIntendedKey)
	f.fire(events.SudoModeEnabled, userID, nil)
	return intended
}

// ConfirmSudoPassword confirms sudo mode by password re-entry. It returns
// the intended location captured when sudo was demanded.
func (f *Flow) ConfirmSudoPassword(sess SessionStore, password, ip string) (string, error) {
	if password == "" {
		return "", &ValidationError{Field: "password"}
	}
	userID, ok := f.AuthenticatedUserID(sess)
	if !ok {
		return "", ErrNotAuthenticated
	}
	if !sess.Has(sudoRequiredAtKey) {
		return "", ErrSudoNotRequired
	}
	rules := f.rules(ip, ratelimit.Key("user_id", userID))
	if err := f.checkRateLimit(rules, userID); err != nil {
		return "", err
	}
	var intended string
	err := f.timebox.Do(func() (bool, error) {
		user, err := f.users.FindByID(userID)
		if err != nil || !checkPassword(user.PasswordHash, password) {
			f.recordFailure(rules)
			f.fire(events.MultiFactorChallengeFailed, userID, nil)
			return false, ErrInvalidCredentials
		}
		f.recordSuccess(rules)
		intended = f.confirmSudo(sess, userID)
		return true, nil
	})
	return intended, err
}

// ConfirmSudoWebAuthn confirms sudo mode with a public-key assertion.
func (f *Flow) ConfirmSudoWebAuthn(sess SessionStore, response []byte, ip string) (string, error) {
	if len(response) == 0 {
		return "", &ValidationError{Field: "credential"}
	}
	userID, ok := f.AuthenticatedUserID(sess)
	if !ok {
		return "", ErrNotAuthenticated
	}
	if !sess.Has(sudoRequiredAtKey) {
		return "", ErrSudoNotRequired
	}
	rules := f.rules(ip, ratelimit.Key("user_id", userID))
	if err := f.checkRateLimit(rules, userID); err != nil {
		return "", err
	}
	var opts webauthn.AssertionOptions
	if err := f.takeChallenge(sess, ceremonySudo, &opts); err != nil {
		return "", err
	}
	var intended string
	err := f.timebox.Do(func() (bool, error) {
		assertion, err := f.engine.VerifyAssertion(&opts, repoSource{f.creds}, response, []byte(userID))
		if err != nil {
			f.recordFailure(rules)
			f.fire(events.MultiFactorChallengeFailed, userID, nil)
			if errors.Is(err, webauthn.ErrUnexpectedCeremonyState) {
				return false, err
			}
			f.retainChallenge(sess, ceremonySudo, &opts)
			return false, ErrInvalidCredentials
		}
		recordID := credentials.RecordID(credentials.TypePublicKey, assertion.Attributes.ID)
		if err := f.creds.UpdateSignCount(recordID, assertion.NewSignCount); err != nil {
			return false, err
		}
		f.recordSuccess(rules)
		intended = f.confirmSudo(sess, userID)
		return true, nil
	})
	return intended, err
}
