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

// Package webauthn implements the server side of WebAuthn: credential
// creation and request options, parsing and verification of authenticator
// attestations and assertions, and signature-counter clone detection.
//
// Option objects serialize field-for-field to the JSON shapes consumed by
// navigator.credentials.create() and navigator.credentials.get(). Binary
// fields use base64url without padding, as on the WebAuthn wire.
package webauthn

import (
	"encoding/base64"
	"encoding/json"

	"github.com/c2FmZQ/authcore/credentials"
)

// ChallengeSize is the size of a ceremony challenge in bytes.
const ChallengeSize = 16

// Bytes is a byte slice that marshals to a base64url string in JSON.
type Bytes = credentials.Bytes

// AttestationOptions encapsulates the options to navigator.credentials.create().
type AttestationOptions struct {
	// The cryptographic challenge is ChallengeSize random bytes.
	Challenge Bytes `json:"challenge"`
	// The relying party.
	RelyingParty struct {
		ID   string `json:"id,omitempty"`
		Name string `json:"name"`
	} `json:"rp"`
	// The user registering the credential.
	User UserEntity `json:"user"`
	// The acceptable public key params, in order of preference.
	PubKeyCredParams []PubKeyCredParam `json:"pubKeyCredParams"`
	// Timeout in milliseconds.
	Timeout int `json:"timeout,omitempty"`
	// Credentials already registered for this user, which the
	// authenticator must refuse to re-register.
	ExcludeCredentials []CredentialDescriptor `json:"excludeCredentials,omitempty"`
	// The attestation conveyance preference: none, indirect, or direct.
	Attestation string `json:"attestation,omitempty"`
	// Authenticator selection criteria.
	AuthenticatorSelection AuthenticatorSelection `json:"authenticatorSelection"`
}

// AssertionOptions encapsulates the options to navigator.credentials.get().
type AssertionOptions struct {
	// The cryptographic challenge is ChallengeSize random bytes.
	Challenge Bytes `json:"challenge"`
	// The relying party ID.
	RPID string `json:"rpId"`
	// Timeout in milliseconds.
	Timeout int `json:"timeout,omitempty"`
	// The credentials allowed to answer. Empty for discoverable
	// credential (passkey) login, where any resident credential on the
	// device may respond.
	AllowCredentials []CredentialDescriptor `json:"allowCredentials,omitempty"`
	// required, preferred, or discouraged.
	UserVerification string `json:"userVerification"`
}

// UserEntity identifies the user registering a credential.
type UserEntity struct {
	ID          Bytes  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// AuthenticatorSelection are the creation-time authenticator requirements.
type AuthenticatorSelection struct {
	// platform or cross-platform. Empty means any.
	AuthenticatorAttachment string `json:"authenticatorAttachment,omitempty"`
	// required, preferred, or discouraged.
	ResidentKey string `json:"residentKey,omitempty"`
	// Deprecated alias of ResidentKey, kept for older clients.
	RequireResidentKey bool `json:"requireResidentKey,omitempty"`
	// required, preferred, or discouraged.
	UserVerification string `json:"userVerification"`
}

// PubKeyCredParam is an acceptable credential algorithm.
type PubKeyCredParam struct {
	// Always "public-key".
	Type string `json:"type"`
	// A COSE algorithm identifier, e.g. -7 for ES256.
	Alg int `json:"alg"`
}

// CredentialDescriptor identifies a registered credential.
type CredentialDescriptor struct {
	// Always "public-key".
	Type string `json:"type"`
	// The credential ID.
	ID Bytes `json:"id"`
	// The transports this credential is reachable over.
	Transports []string `json:"transports,omitempty"`
}

// credentialResponse is the JSON posted back by the browser for both
// ceremonies.
type credentialResponse struct {
	ID       string `json:"id"`
	RawID    Bytes  `json:"rawId"`
	Type     string `json:"type"`
	Response struct {
		ClientDataJSON    Bytes    `json:"clientDataJSON"`
		AttestationObject Bytes    `json:"attestationObject"`
		AuthenticatorData Bytes    `json:"authenticatorData"`
		Signature         Bytes    `json:"signature"`
		UserHandle        Bytes    `json:"userHandle"`
		Transports        []string `json:"transports"`
	} `json:"response"`
}

// clientData is a decoded clientDataJSON object.
type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

func parseClientData(js []byte) (*clientData, error) {
	var out clientData
	err := json.Unmarshal(js, &out)
	return &out, err
}

func challengeString(challenge Bytes) string {
	return base64.RawURLEncoding.EncodeToString(challenge)
}
