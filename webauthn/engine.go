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

package webauthn

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/c2FmZQ/authcore/credentials"
)

// Intent selects the ceremony profile.
type Intent int

const (
	// IntentPasskey is a primary-login discoverable credential. User
	// verification is required and the credential must be resident.
	IntentPasskey Intent = iota
	// IntentMFA is a second-factor credential. User presence suffices;
	// the server supplies the list of acceptable credentials.
	IntentMFA
)

// Logger receives internal verification failures. The errors returned to
// callers are deliberately opaque; the logger gets the real cause.
type Logger interface {
	Errorf(format string, args ...any)
}

// Config configures an Engine.
type Config struct {
	// RPID is the relying party ID, typically the site's domain name.
	RPID string
	// RPName is a human-readable relying party name.
	RPName string
	// Origin is the web origin from which ceremonies are performed,
	// e.g. https://login.example.com.
	Origin string
	// TrustworthyOrigins are extra origins accepted when Debug is set.
	// They are never honored otherwise.
	TrustworthyOrigins []string
	// Debug enables the TrustworthyOrigins override.
	Debug bool
	// Algorithms is the list of acceptable algorithm names, in order of
	// preference, e.g. ES256, RS256. Empty means ES256 and RS256.
	Algorithms []string
	// Timeout is the ceremony timeout. Zero means one minute.
	Timeout time.Duration
	// Attachment restricts second-factor registration to platform or
	// cross-platform authenticators. Empty means any.
	Attachment string
	// AttestationRoots anchors attestation certificate chains when set.
	// When nil, chains are checked internally but not anchored.
	AttestationRoots *x509.CertPool
	// Rand is the source of challenge bytes. Nil means crypto/rand.
	Rand io.Reader
	// Logger receives verification failure details. Optional.
	Logger Logger
}

// CredentialSource resolves a claimed credential id during an assertion
// ceremony.
type CredentialSource interface {
	// CredentialByRawID returns the stored attributes of the public-key
	// credential with the given raw id, or credentials.ErrNotFound.
	CredentialByRawID(rawID []byte) (*credentials.Attributes, error)
}

// Assertion is the outcome of a successful assertion ceremony. The caller
// must persist NewSignCount; it is never persisted for rejected assertions.
type Assertion struct {
	// The stored attributes of the credential that signed.
	Attributes *credentials.Attributes
	// NewSignCount is the authenticator's counter value from this
	// assertion.
	NewSignCount uint32
	// UserHandle is the user handle asserted by the authenticator, which
	// may be empty for second-factor ceremonies.
	UserHandle Bytes
}

// Engine implements the relying-party side of the WebAuthn registration and
// authentication ceremonies.
type Engine struct {
	rpID        string
	rpName      string
	origin      string
	trustworthy []string
	debug       bool
	algs        []int
	timeout     time.Duration
	attachment  string
	roots       *x509.CertPool
	rand        io.Reader
	logger      Logger
}

// New returns a new Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.RPID == "" {
		return nil, errors.New("webauthn: RPID is required")
	}
	if cfg.Origin == "" {
		return nil, errors.New("webauthn: Origin is required")
	}
	names := cfg.Algorithms
	if len(names) == 0 {
		names = []string{"ES256", "RS256"}
	}
	algs := make([]int, 0, len(names))
	for _, n := range names {
		id, ok := Algorithms[n]
		if !ok {
			return nil, fmt.Errorf("webauthn: unknown algorithm %q", n)
		}
		algs = append(algs, id)
	}
	e := &Engine{
		rpID:        cfg.RPID,
		rpName:      cfg.RPName,
		origin:      cfg.Origin,
		trustworthy: cfg.TrustworthyOrigins,
		debug:       cfg.Debug,
		algs:        algs,
		timeout:     cfg.Timeout,
		attachment:  cfg.Attachment,
		roots:       cfg.AttestationRoots,
		rand:        cfg.Rand,
		logger:      cfg.Logger,
	}
	if e.rpName == "" {
		e.rpName = e.rpID
	}
	if e.timeout == 0 {
		e.timeout = time.Minute
	}
	if e.rand == nil {
		e.rand = rand.Reader
	}
	return e, nil
}

func (e *Engine) newChallenge() (Bytes, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(e.rand, challenge); err != nil {
		return nil, err
	}
	return challenge, nil
}

// errorf logs the real cause of a verification failure and returns the
// opaque error to surface to the caller.
func (e *Engine) errorf(sentinel error, format string, args ...any) error {
	if e.logger != nil {
		e.logger.Errorf("ERR webauthn: "+format, args...)
	}
	return sentinel
}

// NewAttestationOptions returns fresh options for a registration ceremony.
func (e *Engine) NewAttestationOptions(intent Intent, user UserEntity, exclude []CredentialDescriptor) (*AttestationOptions, error) {
	challenge, err := e.newChallenge()
	if err != nil {
		return nil, err
	}
	opts := &AttestationOptions{
		Challenge:          challenge,
		User:               user,
		Timeout:            int(e.timeout.Milliseconds()),
		ExcludeCredentials: exclude,
		Attestation:        "none",
	}
	opts.RelyingParty.ID = e.rpID
	opts.RelyingParty.Name = e.rpName
	for _, alg := range e.algs {
		opts.PubKeyCredParams = append(opts.PubKeyCredParams, PubKeyCredParam{
			Type: "public-key",
			Alg:  alg,
		})
	}
	switch intent {
	case IntentPasskey:
		opts.AuthenticatorSelection = AuthenticatorSelection{
			AuthenticatorAttachment: "platform",
			ResidentKey:             "required",
			RequireResidentKey:      true,
			UserVerification:        "required",
		}
	default:
		opts.AuthenticatorSelection = AuthenticatorSelection{
			AuthenticatorAttachment: e.attachment,
			UserVerification:        "discouraged",
		}
	}
	return opts, nil
}

// NewAssertionOptions returns fresh options for an authentication ceremony.
// For IntentPasskey, allowCredentials is omitted so that any discoverable
// credential on the device may answer.
func (e *Engine) NewAssertionOptions(intent Intent, allow []CredentialDescriptor) (*AssertionOptions, error) {
	challenge, err := e.newChallenge()
	if err != nil {
		return nil, err
	}
	opts := &AssertionOptions{
		Challenge: challenge,
		RPID:      e.rpID,
	}
	if intent == IntentPasskey {
		opts.UserVerification = "required"
	} else {
		opts.UserVerification = "discouraged"
		opts.Timeout = int(e.timeout.Milliseconds())
		opts.AllowCredentials = allow
	}
	return opts, nil
}

// checkClientData verifies the ceremony type, the challenge, and the origin
// of a decoded clientDataJSON object.
func (e *Engine) checkClientData(cd *clientData, ceremony string, challenge Bytes) error {
	if cd.Type != ceremony {
		switch cd.Type {
		case "webauthn.create", "webauthn.get":
			return e.errorf(ErrUnexpectedCeremonyState, "ceremony type %q, expected %q", cd.Type, ceremony)
		}
		return e.errorf(ErrInvalidCredential, "unknown ceremony type %q", cd.Type)
	}
	want := challengeString(challenge)
	if subtle.ConstantTimeCompare([]byte(cd.Challenge), []byte(want)) != 1 {
		return e.errorf(ErrInvalidCredential, "challenge mismatch")
	}
	if cd.Origin == e.origin {
		return nil
	}
	if e.debug && slices.Contains(e.trustworthy, cd.Origin) {
		return nil
	}
	return e.errorf(ErrInvalidCredential, "untrusted origin %q", cd.Origin)
}

func (e *Engine) checkRPIDHash(h Bytes) error {
	want := sha256.Sum256([]byte(e.rpID))
	if !bytes.Equal(h, want[:]) {
		return e.errorf(ErrInvalidCredential, "rpIdHash mismatch")
	}
	return nil
}

// VerifyAttestation verifies the browser's response to opts and returns the
// attributes of the new credential. Failures are reported as
// ErrInvalidCredential or ErrUnexpectedCeremonyState without further detail.
func (e *Engine) VerifyAttestation(opts *AttestationOptions, response []byte) (*credentials.Attributes, error) {
	if opts == nil {
		return nil, e.errorf(ErrUnexpectedCeremonyState, "no attestation options")
	}
	var cr credentialResponse
	if err := json.Unmarshal(response, &cr); err != nil {
		return nil, e.errorf(ErrInvalidCredential, "credential json: %v", err)
	}
	if cr.Type != "public-key" {
		return nil, e.errorf(ErrInvalidCredential, "credential type %q", cr.Type)
	}
	cd, err := parseClientData(cr.Response.ClientDataJSON)
	if err != nil {
		return nil, e.errorf(ErrInvalidCredential, "clientDataJSON: %v", err)
	}
	if err := e.checkClientData(cd, "webauthn.create", opts.Challenge); err != nil {
		return nil, err
	}
	att, err := parseAttestationObject(cr.Response.AttestationObject)
	if err != nil {
		return nil, e.errorf(ErrInvalidCredential, "attestationObject: %v", err)
	}
	if err := e.checkRPIDHash(att.AuthData.RPIDHash); err != nil {
		return nil, err
	}
	if !att.AuthData.UserPresence {
		return nil, e.errorf(ErrInvalidCredential, "user presence flag not set")
	}
	if opts.AuthenticatorSelection.UserVerification == "required" && !att.AuthData.UserVerification {
		return nil, e.errorf(ErrInvalidCredential, "user verification flag not set")
	}
	creds := att.AuthData.AttestedCredentials
	if creds == nil {
		return nil, e.errorf(ErrInvalidCredential, "no attested credential data")
	}
	if !bytes.Equal(creds.ID, cr.RawID) {
		return nil, e.errorf(ErrInvalidCredential, "credential id mismatch")
	}
	key, err := parseCOSEKey(creds.COSEKey)
	if err != nil {
		return nil, e.errorf(ErrInvalidCredential, "credential key: %v", err)
	}
	if !slices.Contains(e.algs, key.alg) {
		return nil, e.errorf(ErrInvalidCredential, "algorithm %d not allowed", key.alg)
	}
	if err := verifyAttestationStatement(att, cr.Response.ClientDataJSON, key, e.roots); err != nil {
		return nil, e.errorf(ErrInvalidCredential, "attestation statement (%s): %v", att.Format, err)
	}
	return &credentials.Attributes{
		ID:         creds.ID,
		PublicKey:  creds.COSEKey,
		SignCount:  att.AuthData.SignCount,
		UserHandle: opts.User.ID,
		Transports: cr.Response.Transports,
	}, nil
}

// VerifyAssertion verifies the browser's response to opts against the
// credential resolved from source. If userHandle is non-empty, the
// credential must belong to that user. The caller must persist
// NewSignCount on success.
func (e *Engine) VerifyAssertion(opts *AssertionOptions, source CredentialSource, response []byte, userHandle Bytes) (*Assertion, error) {
	if opts == nil {
		return nil, e.errorf(ErrUnexpectedCeremonyState, "no assertion options")
	}
	var cr credentialResponse
	if err := json.Unmarshal(response, &cr); err != nil {
		return nil, e.errorf(ErrInvalidCredential, "credential json: %v", err)
	}
	if cr.Type != "public-key" {
		return nil, e.errorf(ErrInvalidCredential, "credential type %q", cr.Type)
	}
	cd, err := parseClientData(cr.Response.ClientDataJSON)
	if err != nil {
		return nil, e.errorf(ErrInvalidCredential, "clientDataJSON: %v", err)
	}
	if err := e.checkClientData(cd, "webauthn.get", opts.Challenge); err != nil {
		return nil, err
	}
	var ad authenticatorData
	if err := parseAuthenticatorData(cr.Response.AuthenticatorData, &ad); err != nil {
		return nil, e.errorf(ErrInvalidCredential, "authenticatorData: %v", err)
	}
	if err := e.checkRPIDHash(ad.RPIDHash); err != nil {
		return nil, err
	}
	if !ad.UserPresence {
		return nil, e.errorf(ErrInvalidCredential, "user presence flag not set")
	}
	if opts.UserVerification == "required" && !ad.UserVerification {
		return nil, e.errorf(ErrInvalidCredential, "user verification flag not set")
	}
	if len(opts.AllowCredentials) > 0 {
		allowed := slices.ContainsFunc(opts.AllowCredentials, func(d CredentialDescriptor) bool {
			return bytes.Equal(d.ID, cr.RawID)
		})
		if !allowed {
			return nil, e.errorf(ErrInvalidCredential, "credential not in allowCredentials")
		}
	}
	attrs, err := source.CredentialByRawID(cr.RawID)
	if err != nil {
		return nil, e.errorf(ErrInvalidCredential, "credential lookup: %v", err)
	}
	key, err := parseCOSEKey(attrs.PublicKey)
	if err != nil {
		return nil, e.errorf(ErrInvalidCredential, "stored key: %v", err)
	}
	if err := key.verify(signedBytes(cr.Response.AuthenticatorData, cr.Response.ClientDataJSON), cr.Response.Signature); err != nil {
		return nil, e.errorf(ErrInvalidCredential, "signature: %v", err)
	}
	// Clone detection. A counter regression means a second authenticator
	// holds the same key. Authenticators that never count report zero.
	if !(ad.SignCount > attrs.SignCount || (ad.SignCount == 0 && attrs.SignCount == 0)) {
		return nil, e.errorf(ErrInvalidCredential, "sign counter regression: %d <= %d", ad.SignCount, attrs.SignCount)
	}
	if len(userHandle) > 0 {
		if !bytes.Equal(attrs.UserHandle, userHandle) {
			return nil, e.errorf(ErrInvalidCredential, "user handle mismatch")
		}
	}
	handle := cr.Response.UserHandle
	if len(handle) == 0 {
		handle = attrs.UserHandle
	} else if !bytes.Equal(handle, attrs.UserHandle) {
		return nil, e.errorf(ErrInvalidCredential, "asserted user handle mismatch")
	}
	return &Assertion{
		Attributes:   attrs,
		NewSignCount: ad.SignCount,
		UserHandle:   handle,
	}, nil
}

// Descriptors converts stored public-key credentials to the descriptor
// stubs used in allowCredentials and excludeCredentials.
func Descriptors(list []credentials.Credential) []CredentialDescriptor {
	out := make([]CredentialDescriptor, 0, len(list))
	for _, c := range list {
		if c.Type != credentials.TypePublicKey {
			continue
		}
		attrs, err := credentials.ParseSecret(c.Secret)
		if err != nil {
			continue
		}
		out = append(out, CredentialDescriptor{
			Type:       "public-key",
			ID:         attrs.ID,
			Transports: attrs.Transports,
		})
	}
	return out
}
