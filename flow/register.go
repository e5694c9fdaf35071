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

	"github.com/c2FmZQ/authcore/credentials"
	"github.com/c2FmZQ/authcore/webauthn"
)

// BeginRegistration starts a credential registration ceremony for user.
// Already-registered public-key credentials are excluded so the
// authenticator refuses to re-register one.
func (f *Flow) BeginRegistration(sess SessionStore, user *User, intent webauthn.Intent) (*webauthn.AttestationOptions, error) {
	userCreds, err := f.creds.ForUser(user.ID, credentials.TypePublicKey)
	if err != nil {
		return nil, err
	}
	name := user.Username
	if name == "" {
		name = user.Email
	}
	opts, err := f.engine.NewAttestationOptions(intent, webauthn.UserEntity{
		ID:          []byte(user.ID),
		Name:        name,
		DisplayName: user.Name,
	}, webauthn.Descriptors(userCreds))
	if err != nil {
		return nil, err
	}
	if err := f.putChallenge(sess, ceremonyRegister, opts); err != nil {
		return nil, err
	}
	return opts, nil
}

// CompleteRegistration verifies the attestation response and stores the new
// credential under the given label.
func (f *Flow) CompleteRegistration(sess SessionStore, userID string, response []byte, label string) (*credentials.Credential, error) {
	if len(response) == 0 {
		return nil, &ValidationError{Field: "credential"}
	}
	var opts webauthn.AttestationOptions
	if err := f.takeChallenge(sess, ceremonyRegister, &opts); err != nil {
		return nil, err
	}
	// The ceremony must complete for the user it was started for.
	if string(opts.User.ID) != userID {
		return nil, webauthn.ErrUnexpectedCeremonyState
	}
	attrs, err := f.engine.VerifyAttestation(&opts, response)
	if err != nil {
		if errors.Is(err, webauthn.ErrInvalidCredential) {
			f.retainChallenge(sess, ceremonyRegister, &opts)
		}
		return nil, err
	}
	secret, err := attrs.MarshalSecret()
	if err != nil {
		return nil, err
	}
	cred := credentials.Credential{
		ID:        credentials.RecordID(credentials.TypePublicKey, attrs.ID),
		Type:      credentials.TypePublicKey,
		UserID:    userID,
		Name:      label,
		Secret:    secret,
		CreatedAt: f.now(),
	}
	if err := f.creds.Create(cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// CancelRegistration abandons a pending registration: the ceremony state is
// cleared and, when releaseUser is set, the claimed-but-unconfirmed user row
// is released. This is the compensating action for the passkey sign-up flow
// that creates the user row before the credential exists.
func (f *Flow) CancelRegistration(sess SessionStore, userID string, releaseUser bool) error {
	sess.Forget(challengeKey(ceremonyRegister))
	if !releaseUser {
		return nil
	}
	return f.users.Delete(userID)
}
