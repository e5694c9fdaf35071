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
	"strings"

	"github.com/c2FmZQ/authcore/credentials"
	"github.com/c2FmZQ/authcore/events"
	"github.com/c2FmZQ/authcore/ratelimit"
	"github.com/c2FmZQ/authcore/webauthn"
)

// LoginResult is the outcome of a successful login step.
type LoginResult struct {
	State      State
	UserID     string
	Remember   bool
	RedirectTo string
}

// identityKey returns the rate-limit key for a login identifier.
func identityKey(ident string) string {
	if strings.Contains(ident, "@") {
		return ratelimit.Key("email", ident)
	}
	return ratelimit.Key("username", ident)
}

// repoSource adapts the credential repository to the ceremony engine.
type repoSource struct {
	repo credentials.Repository
}

func (s repoSource) CredentialByRawID(rawID []byte) (*credentials.Attributes, error) {
	c, err := s.repo.FindByRawID(rawID)
	if err != nil {
		return nil, err
	}
	attrs, err := credentials.ParseSecret(c.Secret)
	if err != nil {
		return nil, err
	}
	return &attrs, nil
}

// PasswordLogin authenticates a user by password. On success the session
// becomes either fully authenticated, or partially authenticated pending a
// multi-factor challenge when the user has registered credentials. The
// intended location is carried across the challenge step.
func (f *Flow) PasswordLogin(sess SessionStore, ident, password string, remember bool, ip, intended string) (*LoginResult, error) {
	if ident == "" {
		return nil, &ValidationError{Field: "identifier"}
	}
	if password == "" {
		return nil, &ValidationError{Field: "password"}
	}
	rules := f.rules(ip, identityKey(ident))
	if err := f.checkRateLimit(rules, ""); err != nil {
		return nil, err
	}
	var result *LoginResult
	err := f.timebox.Do(func() (bool, error) {
		user, err := f.users.FindByIdentifier(ident)
		if err != nil || !checkPassword(user.PasswordHash, password) {
			f.recordFailure(rules)
			f.fire(events.AuthenticationFailed, "", map[string]string{"identifier": ident})
			return false, ErrInvalidCredentials
		}
		f.recordSuccess(rules)
		result, err = f.finishPrimary(sess, user, remember, identityKey(ident), intended)
		return err == nil, err
	})
	return result, err
}

// BeginPasskeyLogin starts a discoverable-credential login ceremony.
func (f *Flow) BeginPasskeyLogin(sess SessionStore) (*webauthn.AssertionOptions, error) {
	opts, err := f.engine.NewAssertionOptions(webauthn.IntentPasskey, nil)
	if err != nil {
		return nil, err
	}
	if err := f.putChallenge(sess, ceremonyLogin, opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// CompletePasskeyLogin verifies a passkey assertion and authenticates the
// session as the credential's owner. A passkey proves possession and user
// verification in one gesture, so it never triggers the multi-factor step.
func (f *Flow) CompletePasskeyLogin(sess SessionStore, response []byte, remember bool, ip, intended string) (*LoginResult, error) {
	if len(response) == 0 {
		return nil, &ValidationError{Field: "credential"}
	}
	rules := f.rules(ip, "")
	if err := f.checkRateLimit(rules, ""); err != nil {
		return nil, err
	}
	var opts webauthn.AssertionOptions
	if err := f.takeChallenge(sess, ceremonyLogin, &opts); err != nil {
		return nil, err
	}
	var result *LoginResult
	err := f.timebox.Do(func() (bool, error) {
		assertion, err := f.engine.VerifyAssertion(&opts, repoSource{f.creds}, response, nil)
		if err != nil {
			f.recordFailure(rules)
			f.fire(events.AuthenticationFailed, "", nil)
			if errors.Is(err, webauthn.ErrUnexpectedCeremonyState) {
				return false, err
			}
			f.retainChallenge(sess, ceremonyLogin, &opts)
			return false, ErrInvalidCredentials
		}
		userID := string(assertion.UserHandle)
		user, err := f.users.FindByID(userID)
		if err != nil {
			f.recordFailure(rules)
			f.fire(events.AuthenticationFailed, userID, nil)
			return false, ErrInvalidCredentials
		}
		recordID := credentials.RecordID(credentials.TypePublicKey, assertion.Attributes.ID)
		if err := f.creds.UpdateSignCount(recordID, assertion.NewSignCount); err != nil {
			return false, err
		}
		f.recordSuccess(f.rules(ip, ratelimit.Key("user_id", userID)))
		if err := f.completeAuthentication(sess, user.ID, remember); err != nil {
			return false, err
		}
		result = &LoginResult{
			State:      FullyAuthenticated,
			UserID:     user.ID,
			Remember:   remember,
			RedirectTo: intended,
		}
		return true, nil
	})
	return result, err
}

// finishPrimary completes the primary factor: either the session becomes
// fully authenticated, or a multi-factor challenge is set up.
func (f *Flow) finishPrimary(sess SessionStore, user *User, remember bool, throttleKey, intended string) (*LoginResult, error) {
	mfaCreds, err := f.creds.ForUser(user.ID)
	if err != nil {
		return nil, err
	}
	if len(mfaCreds) == 0 {
		if err := f.completeAuthentication(sess, user.ID, remember); err != nil {
			return nil, err
		}
		return &LoginResult{
			State:      FullyAuthenticated,
			UserID:     user.ID,
			Remember:   remember,
			RedirectTo: intended,
		}, nil
	}
	f.preAuthenticate(sess, user.ID, remember, throttleKey, intended)
	return &LoginResult{
		State:      PartiallyAuthenticated,
		UserID:     user.ID,
		Remember:   remember,
		RedirectTo: intended,
	}, nil
}

// preAuthenticate stores the pending authentication in session markers. The
// authenticated cookie itself is never set here. Stale ceremony options from
// any previous pending authentication are erased, not overwritten, so no
// other session owner's challenge can be completed from here.
func (f *Flow) preAuthenticate(sess SessionStore, userID string, remember bool, throttleKey, intended string) {
	clearChallenges(sess)
	sess.Put(mfaUserIDKey, userID)
	sess.Put(mfaRememberKey, strconv.FormatBool(remember))
	sess.Put(mfaIntendedKey, intended)
	sess.Put(mfaThrottleKey, throttleKey)
	f.fire(events.MultiFactorChallenged, userID, nil)
}

// completeAuthentication transitions the session to FullyAuthenticated. The
// pre-auth markers and pending ceremonies are cleared atomically with the
// transition, the session id is regenerated, and sudo mode is granted.
func (f *Flow) completeAuthentication(sess SessionStore, userID string, remember bool) error {
	clearChallenges(sess)
	sess.Forget(mfaUserIDKey)
	sess.Forget(mfaRememberKey)
	sess.Forget(mfaIntendedKey)
	sess.Forget(mfaThrottleKey)
	if err := sess.RegenerateID(); err != nil {
		return err
	}
	sess.Put(authUserIDKey, userID)
	sess.Put(authRememberKey, strconv.FormatBool(remember))
	sess.Forget(sudoRequiredAtKey)
	sess.Put(sudoConfirmedAtKey, strconv.FormatInt(f.now().Unix(), 10))
	f.fire(events.Authenticated, userID, nil)
	return nil
}

// Logout clears the session's authentication state.
func (f *Flow) Logout(sess SessionStore) error {
	clearChallenges(sess)
	for _, key := range []string{
		authUserIDKey, authRememberKey,
		mfaUserIDKey, mfaRememberKey, mfaIntendedKey, mfaThrottleKey,
		sudoRequiredAtKey, sudoConfirmedAtKey, sudoIntendedKey,
		recoveryUserIDKey, recoveryEnabledAtKey,
	} {
		sess.Forget(key)
	}
	return sess.RegenerateID()
}
