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
	"strconv"

	"github.com/c2FmZQ/authcore/events"
	"github.com/c2FmZQ/authcore/linktoken"
	"github.com/c2FmZQ/authcore/recovery"
)

// StartRecovery issues a recovery link for the account matching ident and
// delivers it out of band. It reports success whether or not the account
// exists, and both paths pay the same minimum latency; there is no account
// enumeration oracle here.
func (f *Flow) StartRecovery(ident, ip string) error {
	if ident == "" {
		return &ValidationError{Field: "identifier"}
	}
	if f.tokens == nil {
		return &ValidationError{Field: "identifier"}
	}
	rules := f.rules(ip, identityKey(ident))
	if err := f.checkRateLimit(rules, ""); err != nil {
		return err
	}
	return f.timebox.Do(func() (bool, error) {
		user, err := f.users.FindByIdentifier(ident)
		if err != nil {
			return false, nil
		}
		tok, err := f.tokens.Issue(linktoken.PurposeRecovery, user.ID, f.cfg.RecoveryTokenTTL)
		if err != nil {
			f.errorf("recovery token: %v", err)
			return false, nil
		}
		f.notifier.Notify(user, Notification{Name: NotifyRecoveryLink, Link: tok})
		return false, nil
	})
}

// CompleteRecovery validates a recovery link token and a recovery code, and
// puts the session in recovery mode. Recovery proves email ownership plus
// possession of one code, not a full credential: the session markers route
// the user to forced credential reconfiguration, not unrestricted access.
// Every failure is linktoken.ErrNotFound regardless of cause.
func (f *Flow) CompleteRecovery(sess SessionStore, token, code, ip string) (string, error) {
	if token == "" {
		return "", &ValidationError{Field: "token"}
	}
	if code == "" {
		return "", &ValidationError{Field: "code"}
	}
	if f.tokens == nil {
		return "", linktoken.ErrNotFound
	}
	rules := f.rules(ip, "")
	if err := f.checkRateLimit(rules, ""); err != nil {
		return "", err
	}
	var userID string
	err := f.timebox.Do(func() (bool, error) {
		id, err := f.tokens.Consume(token, linktoken.PurposeRecovery)
		if err != nil {
			f.recordFailure(rules)
			f.fire(events.AccountRecoveryFailed, "", nil)
			return false, linktoken.ErrNotFound
		}
		user, err := f.users.FindByID(id)
		if err != nil {
			f.recordFailure(rules)
			f.fire(events.AccountRecoveryFailed, id, nil)
			return false, linktoken.ErrNotFound
		}
		set := recovery.From(user.RecoveryCodes)
		if !set.Contains(code) {
			f.recordFailure(rules)
			f.fire(events.AccountRecoveryFailed, id, nil)
			return false, linktoken.ErrNotFound
		}
		if err := f.users.SetRecoveryCodes(id, set.Remove(code).Codes()); err != nil {
			return false, err
		}
		f.recordSuccess(rules)
		if err := sess.RegenerateID(); err != nil {
			return false, err
		}
		sess.Put(recoveryUserIDKey, id)
		sess.Put(recoveryEnabledAtKey, strconv.FormatInt(f.now().Unix(), 10))
		f.fire(events.AccountRecovered, id, nil)
		userID = id
		return false, nil
	})
	return userID, err
}

// RecoveryModeUserID returns the user recovering their account in sess, if
// any.
func (f *Flow) RecoveryModeUserID(sess SessionStore) (string, bool) {
	return sess.Get(recoveryUserIDKey)
}
