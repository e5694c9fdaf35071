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

	"github.com/google/uuid"

	"github.com/c2FmZQ/authcore/credentials"
	"github.com/c2FmZQ/authcore/events"
	"github.com/c2FmZQ/authcore/recovery"
	"github.com/c2FmZQ/authcore/totp"
)

// totpPendingSecretKey holds a TOTP secret between enrollment start and the
// confirmation code.
const totpPendingSecretKey = "auth.totp.pending_secret"

// RemoveCredential deletes one of the user's credentials. Sudo mode is
// required, and a passkey-only account keeps its last public-key credential;
// removing it would lock the account out.
func (f *Flow) RemoveCredential(sess SessionStore, userID, credID string) error {
	if err := f.ensureSudo(sess); err != nil {
		return err
	}
	cred, err := f.creds.Find(credID)
	if err != nil {
		return err
	}
	if cred.UserID != userID {
		return credentials.ErrNotFound
	}
	if cred.Type == credentials.TypePublicKey {
		user, err := f.users.FindByID(userID)
		if err != nil {
			return err
		}
		if !user.HasPassword() {
			remaining, err := f.creds.ForUser(userID, credentials.TypePublicKey)
			if err != nil {
				return err
			}
			if len(remaining) <= 1 {
				return ErrPasswordRequired
			}
		}
	}
	return f.creds.Delete(credID)
}

// ChangePassword sets a new password, verifying the current one for
// accounts that have one. Sudo mode is required.
func (f *Flow) ChangePassword(sess SessionStore, userID, current, newPassword string) error {
	if newPassword == "" {
		return &ValidationError{Field: "password"}
	}
	if err := f.ensureSudo(sess); err != nil {
		return err
	}
	user, err := f.users.FindByID(userID)
	if err != nil {
		return err
	}
	if user.HasPassword() && !checkPassword(user.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := f.users.SetPassword(userID, hash); err != nil {
		return err
	}
	f.fire(events.PasswordChanged, userID, nil)
	return nil
}

// RegenerateRecoveryCodes replaces the user's recovery codes with a fresh
// set and returns it. Sudo mode is required.
func (f *Flow) RegenerateRecoveryCodes(sess SessionStore, userID string) ([]string, error) {
	if err := f.ensureSudo(sess); err != nil {
		return nil, err
	}
	set, err := recovery.Generate(nil)
	if err != nil {
		return nil, err
	}
	codes := set.Codes()
	if err := f.users.SetRecoveryCodes(userID, codes); err != nil {
		return nil, err
	}
	f.fire(events.RecoveryCodesGenerated, userID, nil)
	return codes, nil
}

// BeginTOTPEnrollment generates a new TOTP secret for the user and returns
// it with its otpauth:// URL. The secret only becomes a credential once
// ConfirmTOTPEnrollment proves the authenticator app has it. Sudo mode is
// required.
func (f *Flow) BeginTOTPEnrollment(sess SessionStore, user *User) (secret, url string, err error) {
	if err := f.ensureSudo(sess); err != nil {
		return "", "", err
	}
	account := user.Email
	if account == "" {
		account = user.Username
	}
	secret, url, err = totp.Enroll(f.cfg.TOTPIssuer, account, nil)
	if err != nil {
		return "", "", err
	}
	sess.Put(totpPendingSecretKey, secret)
	return secret, url, nil
}

// ConfirmTOTPEnrollment checks a code against the pending secret and stores
// the TOTP credential.
func (f *Flow) ConfirmTOTPEnrollment(sess SessionStore, userID, code, label string) (*credentials.Credential, error) {
	if code == "" {
		return nil, &ValidationError{Field: "code"}
	}
	secret, ok := sess.Get(totpPendingSecretKey)
	if !ok {
		return nil, errors.New("no pending totp enrollment")
	}
	if !f.totp.Verify(userID, secret, code) {
		return nil, ErrInvalidCredentials
	}
	sess.Forget(totpPendingSecretKey)
	id := uuid.New()
	cred := credentials.Credential{
		ID:        credentials.RecordID(credentials.TypeTOTP, id[:]),
		Type:      credentials.TypeTOTP,
		UserID:    userID,
		Name:      label,
		Secret:    []byte(secret),
		CreatedAt: f.now(),
	}
	if err := f.creds.Create(cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// Credentials lists the user's registered credentials.
func (f *Flow) Credentials(userID string) ([]credentials.Credential, error) {
	return f.creds.ForUser(userID)
}
