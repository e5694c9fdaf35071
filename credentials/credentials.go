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

// Package credentials defines the long-lived credential records registered
// by users, and their persistence.
//
// A record ID is "{type}-{base64url(raw credential id)}" and is globally
// unique. A user may hold any number of credentials of either type.
package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Type is a credential type.
type Type string

const (
	// TypePublicKey is a WebAuthn public-key credential.
	TypePublicKey Type = "public-key"
	// TypeTOTP is a time-based one-time password secret.
	TypeTOTP Type = "totp"
)

var (
	// ErrNotFound is returned when no credential matches.
	ErrNotFound = errors.New("credential not found")
	// ErrExists is returned when creating a credential whose ID is taken.
	ErrExists = errors.New("credential already exists")
)

// Bytes is a byte slice that marshals to a base64url string in JSON, the
// encoding used on the WebAuthn wire.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal(base64.RawURLEncoding.EncodeToString(b))
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// RecordID returns the storage ID for a credential of the given type.
func RecordID(t Type, rawID []byte) string {
	return string(t) + "-" + base64.RawURLEncoding.EncodeToString(rawID)
}

// Credential is a stored credential. Secret is an opaque serialized blob:
// Attributes JSON for public-key credentials, the raw shared secret for TOTP.
type Credential struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	UserID     string    `json:"userId"`
	Name       string    `json:"name"`
	Secret     []byte    `json:"secret"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// RawID returns the raw credential id encoded in the record ID.
func (c Credential) RawID() ([]byte, error) {
	s, ok := strings.CutPrefix(c.ID, string(c.Type)+"-")
	if !ok {
		return nil, errors.New("malformed credential id")
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// Attributes are the verifiable attributes of a public-key credential,
// extracted from an attestation. They round-trip to JSON for storage in
// Credential.Secret.
type Attributes struct {
	ID         Bytes    `json:"id"`
	PublicKey  Bytes    `json:"publicKey"`
	SignCount  uint32   `json:"signCount"`
	UserHandle Bytes    `json:"userHandle"`
	Transports []string `json:"transports,omitempty"`
}

// MarshalSecret serializes a for storage in Credential.Secret.
func (a Attributes) MarshalSecret() ([]byte, error) {
	return json.Marshal(a)
}

// ParseSecret deserializes a public-key Credential.Secret.
func ParseSecret(b []byte) (Attributes, error) {
	var a Attributes
	err := json.Unmarshal(b, &a)
	return a, err
}

// Repository is the persistence contract consumed by the ceremony engine
// and the authentication flows.
type Repository interface {
	// Create stores a new credential. The ID must not be taken.
	Create(Credential) error
	// Find returns the credential with the given record ID.
	Find(id string) (*Credential, error)
	// FindByRawID returns the public-key credential with the given raw id.
	FindByRawID(rawID []byte) (*Credential, error)
	// ForUser returns the user's credentials, optionally filtered by type.
	ForUser(userID string, types ...Type) ([]Credential, error)
	// Delete removes a credential.
	Delete(id string) error
	// UpdateSignCount atomically sets the signature counter of the
	// credential with the given record ID and stamps LastUsedAt.
	UpdateSignCount(id string, signCount uint32) error
}
