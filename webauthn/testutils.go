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
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/iana"
)

// FakeAuthenticator mimics the behavior of a WebAuthn authenticator for
// testing. Create and Get return the JSON body a browser would post back.
type FakeAuthenticator struct {
	keys         map[string]*fakeAuthKey
	rpIDHash     []byte
	origin       string
	userVerified bool
}

type fakeAuthKey struct {
	id         []byte
	uid        []byte
	rk         bool
	alg        int
	privateKey crypto.Signer
	signCount  uint32
}

// NewFakeAuthenticator returns a new FakeAuthenticator for testing.
func NewFakeAuthenticator() *FakeAuthenticator {
	return &FakeAuthenticator{
		keys:         make(map[string]*fakeAuthKey),
		origin:       "https://example.com",
		userVerified: true,
	}
}

// SetOrigin sets the origin reported in clientDataJSON.
func (a *FakeAuthenticator) SetOrigin(origin string) {
	a.origin = origin
}

// SetUserVerified sets the UV flag of subsequent responses.
func (a *FakeAuthenticator) SetUserVerified(v bool) {
	a.userVerified = v
}

// SetSignCount overrides the signature counter of the credential with the
// given raw id.
func (a *FakeAuthenticator) SetSignCount(rawID []byte, n uint32) {
	if k, ok := a.keys[base64.RawURLEncoding.EncodeToString(rawID)]; ok {
		k.signCount = n
	}
}

// RotateKeys replaces every credential's private key, invalidating future
// signatures.
func (a *FakeAuthenticator) RotateKeys() error {
	for _, k := range a.keys {
		privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return err
		}
		k.privateKey = privKey
	}
	return nil
}

// Create mimics navigator.credentials.create() and returns the raw id of
// the new credential along with the response JSON.
func (a *FakeAuthenticator) Create(options *AttestationOptions) (rawID []byte, response []byte, err error) {
	if len(options.PubKeyCredParams) == 0 {
		return nil, nil, errors.New("no pubKeyCredParams")
	}
	alg := options.PubKeyCredParams[0].Alg
	authKey := &fakeAuthKey{alg: alg}
	var coseKey []byte
	switch alg {
	case iana.AlgorithmES256:
		privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		if coseKey, err = es256CoseKey(privKey.PublicKey); err != nil {
			return nil, nil, err
		}
		authKey.privateKey = privKey
	case iana.AlgorithmRS256:
		privKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, nil, err
		}
		if coseKey, err = rs256CoseKey(privKey.PublicKey); err != nil {
			return nil, nil, err
		}
		authKey.privateKey = privKey
	case iana.AlgorithmEdDSA:
		pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		if coseKey, err = ed25519CoseKey(pubKey); err != nil {
			return nil, nil, err
		}
		authKey.privateKey = privKey
	default:
		return nil, nil, errors.New("unexpected options.PubKeyCredParams alg")
	}
	authKey.uid = options.User.ID
	authKey.rk = options.AuthenticatorSelection.ResidentKey == "preferred" || options.AuthenticatorSelection.ResidentKey == "required"
	authKey.id = make([]byte, 32)
	if _, err := rand.Read(authKey.id); err != nil {
		return nil, nil, err
	}
	rpIDHash := sha256.Sum256([]byte(options.RelyingParty.ID))
	a.rpIDHash = rpIDHash[:]

	clientDataJSON, err := json.Marshal(clientData{
		Type:      "webauthn.create",
		Challenge: challengeString(options.Challenge),
		Origin:    a.origin,
	})
	if err != nil {
		return nil, nil, err
	}
	authData, err := a.makeAuthData(authKey, coseKey)
	if err != nil {
		return nil, nil, err
	}
	attestationObject, err := cbor.Marshal(attestation{
		Format:      "none",
		RawAuthData: authData,
	})
	if err != nil {
		return nil, nil, err
	}
	a.keys[base64.RawURLEncoding.EncodeToString(authKey.id)] = authKey

	var cr credentialResponse
	cr.ID = base64.RawURLEncoding.EncodeToString(authKey.id)
	cr.RawID = authKey.id
	cr.Type = "public-key"
	cr.Response.ClientDataJSON = clientDataJSON
	cr.Response.AttestationObject = attestationObject
	cr.Response.Transports = []string{"internal"}
	response, err = json.Marshal(cr)
	return authKey.id, response, err
}

// Get mimics navigator.credentials.get() and returns the response JSON.
// When options omits allowCredentials, the first resident credential
// answers and asserts its user handle.
func (a *FakeAuthenticator) Get(options *AssertionOptions) ([]byte, error) {
	var authKey *fakeAuthKey
	var userHandle []byte
	if len(options.AllowCredentials) > 0 {
		for _, k := range options.AllowCredentials {
			if ak, ok := a.keys[base64.RawURLEncoding.EncodeToString(k.ID)]; ok {
				authKey = ak
				break
			}
		}
	} else {
		for _, key := range a.keys {
			if key.rk {
				authKey = key
				userHandle = key.uid
				break
			}
		}
	}
	if authKey == nil {
		return nil, errors.New("key not found")
	}
	clientDataJSON, err := json.Marshal(clientData{
		Type:      "webauthn.get",
		Challenge: challengeString(options.Challenge),
		Origin:    a.origin,
	})
	if err != nil {
		return nil, err
	}
	authKey.signCount++
	authData, err := a.makeAuthData(authKey, nil)
	if err != nil {
		return nil, err
	}
	signature, err := a.sign(authKey, authData, clientDataJSON)
	if err != nil {
		return nil, err
	}
	var cr credentialResponse
	cr.ID = base64.RawURLEncoding.EncodeToString(authKey.id)
	cr.RawID = authKey.id
	cr.Type = "public-key"
	cr.Response.ClientDataJSON = clientDataJSON
	cr.Response.AuthenticatorData = authData
	cr.Response.Signature = signature
	cr.Response.UserHandle = userHandle
	return json.Marshal(cr)
}

func (a *FakeAuthenticator) makeAuthData(k *fakeAuthKey, coseKey []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(a.rpIDHash)

	var bits uint8
	bits |= 1 // UP
	if a.userVerified {
		bits |= 1 << 2 // UV
	}
	if coseKey != nil {
		bits |= 1 << 6 // AT
	}
	buf.WriteByte(bits)
	binary.Write(&buf, binary.BigEndian, k.signCount)

	if coseKey != nil {
		var aaguid [16]byte
		buf.Write(aaguid[:])
		binary.Write(&buf, binary.BigEndian, uint16(len(k.id)))
		buf.Write(k.id)
		buf.Write(coseKey)
	}
	return buf.Bytes(), nil
}

func (a *FakeAuthenticator) sign(k *fakeAuthKey, authData, clientDataJSON []byte) ([]byte, error) {
	signed := signedBytes(authData, clientDataJSON)
	if k.alg == iana.AlgorithmEdDSA {
		return k.privateKey.Sign(rand.Reader, signed, crypto.Hash(0))
	}
	hashed := sha256.Sum256(signed)
	return k.privateKey.Sign(rand.Reader, hashed[:], crypto.SHA256)
}

// es256CoseKey converts a ECDSA public key to COSE.
func es256CoseKey(publicKey ecdsa.PublicKey) ([]byte, error) {
	if publicKey.Curve != elliptic.P256() {
		return nil, errors.New("unexpected EC curve")
	}
	ecKey := struct {
		KTY   int    `cbor:"1,keyasint"`
		ALG   int    `cbor:"3,keyasint"`
		Curve int    `cbor:"-1,keyasint"`
		X     []byte `cbor:"-2,keyasint"`
		Y     []byte `cbor:"-3,keyasint"`
	}{
		KTY:   iana.KeyTypeEC2,
		ALG:   iana.AlgorithmES256,
		Curve: iana.EllipticCurveP_256,
		X:     publicKey.X.Bytes(),
		Y:     publicKey.Y.Bytes(),
	}
	return cbor.Marshal(ecKey)
}

// rs256CoseKey converts a RSA public key to COSE.
func rs256CoseKey(publicKey rsa.PublicKey) ([]byte, error) {
	rsaKey := struct {
		KTY int    `cbor:"1,keyasint"`
		ALG int    `cbor:"3,keyasint"`
		N   []byte `cbor:"-1,keyasint"`
		E   int    `cbor:"-2,keyasint"`
	}{
		KTY: iana.KeyTypeRSA,
		ALG: iana.AlgorithmRS256,
		N:   publicKey.N.Bytes(),
		E:   publicKey.E,
	}
	return cbor.Marshal(rsaKey)
}

// ed25519CoseKey converts an Ed25519 public key to COSE.
func ed25519CoseKey(publicKey ed25519.PublicKey) ([]byte, error) {
	okpKey := struct {
		KTY   int    `cbor:"1,keyasint"`
		ALG   int    `cbor:"3,keyasint"`
		Curve int    `cbor:"-1,keyasint"`
		X     []byte `cbor:"-2,keyasint"`
	}{
		KTY:   iana.KeyTypeOKP,
		ALG:   iana.AlgorithmEdDSA,
		Curve: iana.EllipticCurveEd25519,
		X:     publicKey,
	}
	return cbor.Marshal(okpKey)
}
