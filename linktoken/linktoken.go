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

// Package linktoken issues and validates the short-lived signed tokens
// embedded in account-recovery and email-verification links. Tokens are ES256
// JSON Web Tokens signed with rotating keys persisted in encrypted storage,
// and each token can be consumed at most once.
package linktoken

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	tokenKeyFile = "link-token-keys"

	// Keys sign for one day and verify for one week.
	keySignAge = 24 * time.Hour
	keyMaxAge  = 7 * 24 * time.Hour

	consumedCacheSize = 10000
)

// Token purposes. A token issued for one purpose never validates for
// another.
const (
	PurposeRecovery    = "account-recovery"
	PurposeVerifyEmail = "verify-email"
)

// ErrNotFound is returned for any token that doesn't validate: malformed,
// expired, wrong purpose, or already consumed. The cause is deliberately
// not distinguishable.
var ErrNotFound = errors.New("not found")

type tokenKeys struct {
	Keys []*tokenKey
}

type tokenKey struct {
	ID           string
	Key          []byte
	CreationTime time.Time

	privKey *ecdsa.PrivateKey
}

type claims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
}

// Manager issues and validates link tokens.
type Manager struct {
	store *storage.Storage
	now   func() time.Time

	mu       sync.Mutex
	keys     tokenKeys
	consumed *expirable.LRU[string, time.Time]
}

// New returns a new Manager. The signing keys are read from store, and
// created on first use.
func New(store *storage.Storage) (*Manager, error) {
	m := &Manager{
		store:    store,
		now:      time.Now,
		consumed: expirable.NewLRU[string, time.Time](consumedCacheSize, nil, keyMaxAge),
	}
	store.CreateEmptyFile(tokenKeyFile, &m.keys)
	if err := m.rotateKeys(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetTimeSource overrides the clock. For testing.
func (m *Manager) SetTimeSource(now func() time.Time) {
	m.now = now
}

// KeyRotationLoop takes care of key rotation. It runs until ctx is canceled.
func (m *Manager) KeyRotationLoop(ctx context.Context, logf func(format string, args ...any)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Hour):
			if err := m.rotateKeys(); err != nil && err != storage.ErrRolledBack {
				logf("ERR linktoken.rotateKeys: %v", err)
			}
		}
	}
}

func (m *Manager) rotateKeys() (retErr error) {
	var keys tokenKeys
	commit, err := m.store.OpenForUpdate(tokenKeyFile, &keys)
	if err != nil {
		return err
	}
	defer commit(false, &retErr)
	now := m.now().UTC()
	var changed bool

	if len(keys.Keys) == 0 {
		tk, err := newTokenKey(now)
		if err != nil {
			return err
		}
		keys.Keys = append(keys.Keys, tk)
		changed = true
	}
	if newest := keys.Keys[len(keys.Keys)-1]; newest.CreationTime.Add(keySignAge).Before(now) {
		tk, err := newTokenKey(now)
		if err != nil {
			return err
		}
		keys.Keys = append(keys.Keys, tk)
		changed = true
	}
	for len(keys.Keys) > 1 && keys.Keys[0].CreationTime.Add(keyMaxAge).Before(now) {
		keys.Keys = keys.Keys[1:]
		changed = true
	}
	if !changed && len(m.keys.Keys) > 0 {
		return nil
	}
	for _, k := range keys.Keys {
		privKey, err := x509.ParseECPrivateKey(k.Key)
		if err != nil {
			return err
		}
		k.privKey = privKey
	}
	m.mu.Lock()
	m.keys = keys
	m.mu.Unlock()
	return commit(true, nil)
}

func newTokenKey(now time.Time) (*tokenKey, error) {
	var id [16]byte
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return nil, err
	}
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	b, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	return &tokenKey{
		ID:           hex.EncodeToString(id[:]),
		Key:          b,
		CreationTime: now,
		privKey:      privKey,
	}, nil
}

// Issue returns a signed token for the given purpose and subject, valid for
// ttl.
func (m *Manager) Issue(purpose, subject string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.keys.Keys) == 0 {
		return "", errors.New("no signing key")
	}
	now := m.now().UTC()
	// The most recent key old enough for all validators to have seen it.
	tk := m.keys.Keys[0]
	for _, k := range m.keys.Keys[1:] {
		if k.CreationTime.Add(2 * time.Hour).Before(now) {
			tk = k
		}
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose: purpose,
	})
	tok.Header["kid"] = tk.ID
	return tok.SignedString(tk.privKey)
}

func (m *Manager) getKey(tok *jwt.Token) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tk := range m.keys.Keys {
		if tk.ID == tok.Header["kid"] {
			return tk.privKey.Public(), nil
		}
	}
	return nil, errors.New("unknown kid")
}

// Consume validates a token for the given purpose and marks it used. It
// returns the token's subject, or ErrNotFound for any invalid, expired, or
// previously consumed token.
func (m *Manager) Consume(token, purpose string) (string, error) {
	var cl claims
	_, err := jwt.ParseWithClaims(token, &cl, m.getKey,
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
		jwt.WithExpirationRequired(),
	)
	if err != nil || cl.Purpose != purpose || cl.ID == "" || cl.Subject == "" {
		return "", ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, used := m.consumed.Get(cl.ID); used {
		return "", ErrNotFound
	}
	m.consumed.Add(cl.ID, m.now())
	return cl.Subject, nil
}
