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
	"encoding/json"

	"github.com/c2FmZQ/authcore/webauthn"
)

// Ceremony keys. Each ceremony kind stores its pending options under its own
// namespaced session key so concurrent ceremonies cannot collide.
const (
	ceremonyRegister = "register"
	ceremonyLogin    = "login"
	ceremonyMFA      = "mfa"
	ceremonySudo     = "sudo"
)

// challengeSchemaVersion guards the envelope shape. An envelope with an
// unknown version or ceremony is rejected, not coerced.
const challengeSchemaVersion = 1

type challengeEnvelope struct {
	V        int             `json:"v"`
	Ceremony string          `json:"ceremony"`
	Options  json.RawMessage `json:"options"`
}

func challengeKey(ceremony string) string {
	return "auth.challenge." + ceremony
}

// putChallenge stores the pending options for a ceremony, replacing any
// previous ones.
func (f *Flow) putChallenge(sess SessionStore, ceremony string, options any) error {
	raw, err := json.Marshal(options)
	if err != nil {
		return err
	}
	env, err := json.Marshal(challengeEnvelope{
		V:        challengeSchemaVersion,
		Ceremony: ceremony,
		Options:  raw,
	})
	if err != nil {
		return err
	}
	sess.Put(challengeKey(ceremony), string(env))
	return nil
}

// takeChallenge retrieves and erases the pending options for a ceremony.
// The options are gone before any verification runs, so a submission
// replayed after success always gets ErrUnexpectedCeremonyState. Callers
// whose verification rejects the credential put the options back with
// retainChallenge so the user can retry without restarting the ceremony.
func (f *Flow) takeChallenge(sess SessionStore, ceremony string, options any) error {
	v, ok := sess.Get(challengeKey(ceremony))
	if !ok {
		return webauthn.ErrUnexpectedCeremonyState
	}
	sess.Forget(challengeKey(ceremony))
	var env challengeEnvelope
	if err := json.Unmarshal([]byte(v), &env); err != nil {
		return webauthn.ErrUnexpectedCeremonyState
	}
	if env.V != challengeSchemaVersion || env.Ceremony != ceremony {
		return webauthn.ErrUnexpectedCeremonyState
	}
	if err := json.Unmarshal(env.Options, options); err != nil {
		return webauthn.ErrUnexpectedCeremonyState
	}
	return nil
}

// retainChallenge puts popped options back after a rejected verification.
// Success and ceremony-state errors leave the challenge consumed.
func (f *Flow) retainChallenge(sess SessionStore, ceremony string, options any) {
	if err := f.putChallenge(sess, ceremony, options); err != nil {
		f.errorf("retain %s challenge: %v", ceremony, err)
	}
}

// clearChallenges erases all pending ceremony options.
func clearChallenges(sess SessionStore) {
	for _, c := range []string{ceremonyRegister, ceremonyLogin, ceremonyMFA, ceremonySudo} {
		sess.Forget(challengeKey(c))
	}
}
