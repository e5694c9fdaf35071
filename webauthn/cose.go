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
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/iana"
)

// Algorithms is the COSE algorithm allow-list, by name, per the IANA
// registry. https://www.iana.org/assignments/cose/cose.xhtml#algorithms
var Algorithms = map[string]int{
	"ES256":  iana.AlgorithmES256,
	"ES256K": iana.AlgorithmES256K,
	"ES384":  iana.AlgorithmES384,
	"ES512":  iana.AlgorithmES512,
	"EdDSA":  iana.AlgorithmEdDSA,
	"RS256":  iana.AlgorithmRS256,
	"RS384":  iana.AlgorithmRS384,
	"RS512":  iana.AlgorithmRS512,
	"PS256":  iana.AlgorithmPS256,
	"PS384":  iana.AlgorithmPS384,
	"PS512":  iana.AlgorithmPS512,
}

var errUnsupportedAlgorithm = errors.New("unsupported algorithm")

func algHash(alg int) (crypto.Hash, error) {
	switch alg {
	case iana.AlgorithmES256, iana.AlgorithmES256K, iana.AlgorithmRS256, iana.AlgorithmPS256:
		return crypto.SHA256, nil
	case iana.AlgorithmES384, iana.AlgorithmRS384, iana.AlgorithmPS384:
		return crypto.SHA384, nil
	case iana.AlgorithmES512, iana.AlgorithmRS512, iana.AlgorithmPS512:
		return crypto.SHA512, nil
	default:
		return 0, errUnsupportedAlgorithm
	}
}

// coseKey is a parsed COSE_Key public key.
type coseKey struct {
	kty int
	alg int

	ec  *ecdsa.PublicKey
	rsa *rsa.PublicKey
	okp ed25519.PublicKey
}

// parseCOSEKey decodes a CBOR COSE_Key structure. Only key types and
// algorithms in the allow-list decode successfully.
func parseCOSEKey(raw Bytes) (*coseKey, error) {
	var hdr struct {
		KTY int `cbor:"1,keyasint"`
		ALG int `cbor:"3,keyasint"`
	}
	if err := cbor.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("cose key: %w", err)
	}
	k := &coseKey{kty: hdr.KTY, alg: hdr.ALG}
	switch hdr.KTY {
	case iana.KeyTypeEC2:
		var ec struct {
			Curve int    `cbor:"-1,keyasint"`
			X     []byte `cbor:"-2,keyasint"`
			Y     []byte `cbor:"-3,keyasint"`
		}
		if err := cbor.Unmarshal(raw, &ec); err != nil {
			return nil, fmt.Errorf("cose ec2 key: %w", err)
		}
		var curve elliptic.Curve
		switch {
		case ec.Curve == iana.EllipticCurveP_256 && hdr.ALG == iana.AlgorithmES256:
			curve = elliptic.P256()
		case ec.Curve == iana.EllipticCurveP_384 && hdr.ALG == iana.AlgorithmES384:
			curve = elliptic.P384()
		case ec.Curve == iana.EllipticCurveP_521 && hdr.ALG == iana.AlgorithmES512:
			curve = elliptic.P521()
		case ec.Curve == iana.EllipticCurveSecp256k1:
			// ES256K is registered but not verifiable here.
			return nil, errUnsupportedAlgorithm
		default:
			return nil, errors.New("unexpected EC key curve")
		}
		pub := &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(ec.X),
			Y:     new(big.Int).SetBytes(ec.Y),
		}
		if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
			return nil, errors.New("invalid public key")
		}
		k.ec = pub
	case iana.KeyTypeRSA:
		var rk struct {
			N []byte `cbor:"-1,keyasint"`
			E int    `cbor:"-2,keyasint"`
		}
		if err := cbor.Unmarshal(raw, &rk); err != nil {
			return nil, fmt.Errorf("cose rsa key: %w", err)
		}
		switch hdr.ALG {
		case iana.AlgorithmRS256, iana.AlgorithmRS384, iana.AlgorithmRS512,
			iana.AlgorithmPS256, iana.AlgorithmPS384, iana.AlgorithmPS512:
		default:
			return nil, errUnsupportedAlgorithm
		}
		k.rsa = &rsa.PublicKey{
			N: new(big.Int).SetBytes(rk.N),
			E: rk.E,
		}
	case iana.KeyTypeOKP:
		var ok struct {
			Curve int    `cbor:"-1,keyasint"`
			X     []byte `cbor:"-2,keyasint"`
		}
		if err := cbor.Unmarshal(raw, &ok); err != nil {
			return nil, fmt.Errorf("cose okp key: %w", err)
		}
		if ok.Curve != iana.EllipticCurveEd25519 || hdr.ALG != iana.AlgorithmEdDSA {
			return nil, errUnsupportedAlgorithm
		}
		if len(ok.X) != ed25519.PublicKeySize {
			return nil, errors.New("invalid public key")
		}
		k.okp = ed25519.PublicKey(ok.X)
	default:
		return nil, errors.New("unsupported key type")
	}
	return k, nil
}

// verify checks signature over message. The message is hashed per the key's
// algorithm, except for EdDSA which signs the message directly.
func (k *coseKey) verify(message, signature []byte) error {
	switch {
	case k.ec != nil:
		h, err := algHash(k.alg)
		if err != nil {
			return err
		}
		hh := h.New()
		hh.Write(message)
		if !ecdsa.VerifyASN1(k.ec, hh.Sum(nil), signature) {
			return errors.New("invalid signature")
		}
		return nil
	case k.rsa != nil:
		h, err := algHash(k.alg)
		if err != nil {
			return err
		}
		hh := h.New()
		hh.Write(message)
		switch k.alg {
		case iana.AlgorithmPS256, iana.AlgorithmPS384, iana.AlgorithmPS512:
			return rsa.VerifyPSS(k.rsa, h, hh.Sum(nil), signature, nil)
		default:
			return rsa.VerifyPKCS1v15(k.rsa, h, hh.Sum(nil), signature)
		}
	case k.okp != nil:
		if !ed25519.Verify(k.okp, message, signature) {
			return errors.New("invalid signature")
		}
		return nil
	default:
		return errors.New("unsupported key type")
	}
}

// signedBytes is the message signed by an authenticator during an assertion:
// authData || SHA-256(clientDataJSON).
func signedBytes(authData, clientDataJSON []byte) []byte {
	clientDataHash := sha256.Sum256(clientDataJSON)
	out := make([]byte, len(authData)+len(clientDataHash))
	copy(out, authData)
	copy(out[len(authData):], clientDataHash[:])
	return out
}

// verifySignature verifies a webauthn assertion signature with a stored COSE
// public key.
func verifySignature(cosePub, authData, clientDataJSON, signature Bytes) error {
	key, err := parseCOSEKey(cosePub)
	if err != nil {
		return err
	}
	return key.verify(signedBytes(authData, clientDataJSON), signature)
}
