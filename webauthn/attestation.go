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
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/iana"
)

// Attestation statement formats.
// https://www.iana.org/assignments/webauthn/webauthn.xhtml
const (
	fmtNone       = "none"
	fmtPacked     = "packed"
	fmtFIDOU2F    = "fido-u2f"
	fmtApple      = "apple"
	fmtAndroidKey = "android-key"
	fmtTPM        = "tpm"
)

var appleNonceOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 2}

// verifyAttestationStatement verifies att.AttStmt according to its format.
// A nil roots pool skips anchoring the certificate chain to vendor roots;
// chain-internal signatures are still verified.
func verifyAttestationStatement(att *attestation, clientDataJSON []byte, credKey *coseKey, roots *x509.CertPool) error {
	switch att.Format {
	case fmtNone:
		// Self-attestation acceptance is the caller's policy choice.
		return nil
	case fmtPacked:
		return verifyPacked(att, clientDataJSON, credKey, roots)
	case fmtFIDOU2F:
		return verifyFIDOU2F(att, clientDataJSON, credKey, roots)
	case fmtApple:
		return verifyApple(att, clientDataJSON, credKey, roots)
	case fmtAndroidKey:
		return verifyAndroidKey(att, clientDataJSON, credKey, roots)
	case fmtTPM:
		return verifyTPM(att, clientDataJSON, credKey, roots)
	default:
		return fmt.Errorf("unsupported attestation format %q", att.Format)
	}
}

func parseX5C(x5c [][]byte) ([]*x509.Certificate, error) {
	if len(x5c) == 0 {
		return nil, errors.New("empty x5c")
	}
	certs := make([]*x509.Certificate, len(x5c))
	for i, der := range x5c {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		certs[i] = c
	}
	return certs, nil
}

// anchorChain verifies the leaf against the rest of the chain, and against
// roots when provided.
func anchorChain(certs []*x509.Certificate, roots *x509.CertPool) error {
	if roots == nil {
		for i := 0; i+1 < len(certs); i++ {
			if err := certs[i].CheckSignatureFrom(certs[i+1]); err != nil {
				return fmt.Errorf("x5c[%d]: %w", i, err)
			}
		}
		return nil
	}
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// x509SigAlg maps a COSE algorithm to the x509 signature algorithm used to
// check an attestation signature made with a certificate key.
func x509SigAlg(alg int) (x509.SignatureAlgorithm, error) {
	switch alg {
	case iana.AlgorithmES256:
		return x509.ECDSAWithSHA256, nil
	case iana.AlgorithmES384:
		return x509.ECDSAWithSHA384, nil
	case iana.AlgorithmES512:
		return x509.ECDSAWithSHA512, nil
	case iana.AlgorithmRS256:
		return x509.SHA256WithRSA, nil
	case iana.AlgorithmRS384:
		return x509.SHA384WithRSA, nil
	case iana.AlgorithmRS512:
		return x509.SHA512WithRSA, nil
	case iana.AlgorithmPS256:
		return x509.SHA256WithRSAPSS, nil
	case iana.AlgorithmPS384:
		return x509.SHA384WithRSAPSS, nil
	case iana.AlgorithmPS512:
		return x509.SHA512WithRSAPSS, nil
	case iana.AlgorithmEdDSA:
		return x509.PureEd25519, nil
	default:
		return 0, errUnsupportedAlgorithm
	}
}

func certKeyMatches(certPub any, k *coseKey) bool {
	switch p := certPub.(type) {
	case *ecdsa.PublicKey:
		return k.ec != nil && p.Equal(k.ec)
	case *rsa.PublicKey:
		return k.rsa != nil && p.Equal(k.rsa)
	case ed25519.PublicKey:
		return k.okp != nil && p.Equal(k.okp)
	}
	return false
}

// verifyPacked implements the packed attestation statement format.
// https://www.w3.org/TR/webauthn-3/#sctn-packed-attestation
func verifyPacked(att *attestation, clientDataJSON []byte, credKey *coseKey, roots *x509.CertPool) error {
	var stmt struct {
		Alg int      `cbor:"alg"`
		Sig []byte   `cbor:"sig"`
		X5C [][]byte `cbor:"x5c"`
	}
	if err := cbor.Unmarshal(att.AttStmt, &stmt); err != nil {
		return fmt.Errorf("packed attStmt: %w", err)
	}
	signed := signedBytes(att.RawAuthData, clientDataJSON)
	if len(stmt.X5C) == 0 {
		// Self attestation: the credential key itself signed, and alg
		// must match the key's algorithm.
		if stmt.Alg != credKey.alg {
			return errors.New("packed self-attestation alg mismatch")
		}
		return credKey.verify(signed, stmt.Sig)
	}
	certs, err := parseX5C(stmt.X5C)
	if err != nil {
		return err
	}
	if err := anchorChain(certs, roots); err != nil {
		return err
	}
	sigAlg, err := x509SigAlg(stmt.Alg)
	if err != nil {
		return err
	}
	return certs[0].CheckSignature(sigAlg, signed, stmt.Sig)
}

// verifyFIDOU2F implements the fido-u2f attestation statement format.
// https://www.w3.org/TR/webauthn-3/#sctn-fido-u2f-attestation
func verifyFIDOU2F(att *attestation, clientDataJSON []byte, credKey *coseKey, roots *x509.CertPool) error {
	var stmt struct {
		Sig []byte   `cbor:"sig"`
		X5C [][]byte `cbor:"x5c"`
	}
	if err := cbor.Unmarshal(att.AttStmt, &stmt); err != nil {
		return fmt.Errorf("fido-u2f attStmt: %w", err)
	}
	certs, err := parseX5C(stmt.X5C)
	if err != nil {
		return err
	}
	if err := anchorChain(certs, roots); err != nil {
		return err
	}
	if credKey.ec == nil || credKey.ec.Curve != elliptic.P256() {
		return errors.New("fido-u2f requires a P-256 credential key")
	}
	creds := att.AuthData.AttestedCredentials
	if creds == nil {
		return errors.New("no attested credentials")
	}
	// publicKeyU2F: 0x04 || X || Y, 32 bytes each.
	pubU2F := make([]byte, 65)
	pubU2F[0] = 0x04
	credKey.ec.X.FillBytes(pubU2F[1:33])
	credKey.ec.Y.FillBytes(pubU2F[33:65])

	clientDataHash := sha256.Sum256(clientDataJSON)
	var data bytes.Buffer
	data.WriteByte(0x00)
	data.Write(att.AuthData.RPIDHash)
	data.Write(clientDataHash[:])
	data.Write(creds.ID)
	data.Write(pubU2F)
	return certs[0].CheckSignature(x509.ECDSAWithSHA256, data.Bytes(), stmt.Sig)
}

// verifyApple implements the apple anonymous attestation statement format.
// https://www.w3.org/TR/webauthn-3/#sctn-apple-anonymous-attestation
func verifyApple(att *attestation, clientDataJSON []byte, credKey *coseKey, roots *x509.CertPool) error {
	var stmt struct {
		X5C [][]byte `cbor:"x5c"`
	}
	if err := cbor.Unmarshal(att.AttStmt, &stmt); err != nil {
		return fmt.Errorf("apple attStmt: %w", err)
	}
	certs, err := parseX5C(stmt.X5C)
	if err != nil {
		return err
	}
	if err := anchorChain(certs, roots); err != nil {
		return err
	}
	nonce := sha256.Sum256(signedBytes(att.RawAuthData, clientDataJSON))
	var found bool
	for _, ext := range certs[0].Extensions {
		if ext.Id.Equal(appleNonceOID) {
			found = bytes.Contains(ext.Value, nonce[:])
			break
		}
	}
	if !found {
		return errors.New("apple nonce mismatch")
	}
	if !certKeyMatches(certs[0].PublicKey, credKey) {
		return errors.New("apple certificate key mismatch")
	}
	return nil
}

// verifyAndroidKey implements the android-key attestation statement format.
// https://www.w3.org/TR/webauthn-3/#sctn-android-key-attestation
func verifyAndroidKey(att *attestation, clientDataJSON []byte, credKey *coseKey, roots *x509.CertPool) error {
	var stmt struct {
		Alg int      `cbor:"alg"`
		Sig []byte   `cbor:"sig"`
		X5C [][]byte `cbor:"x5c"`
	}
	if err := cbor.Unmarshal(att.AttStmt, &stmt); err != nil {
		return fmt.Errorf("android-key attStmt: %w", err)
	}
	certs, err := parseX5C(stmt.X5C)
	if err != nil {
		return err
	}
	if err := anchorChain(certs, roots); err != nil {
		return err
	}
	sigAlg, err := x509SigAlg(stmt.Alg)
	if err != nil {
		return err
	}
	signed := signedBytes(att.RawAuthData, clientDataJSON)
	if err := certs[0].CheckSignature(sigAlg, signed, stmt.Sig); err != nil {
		return err
	}
	if !certKeyMatches(certs[0].PublicKey, credKey) {
		return errors.New("android-key certificate key mismatch")
	}
	return nil
}

// TPM constants from the TPM 2.0 specification, part 2.
const (
	tpmGeneratedValue  = 0xff544347
	tpmSTAttestCertify = 0x8017
	tpmAlgRSA          = 0x0001
	tpmAlgECC          = 0x0023
)

// verifyTPM implements the tpm attestation statement format.
// https://www.w3.org/TR/webauthn-3/#sctn-tpm-attestation
func verifyTPM(att *attestation, clientDataJSON []byte, credKey *coseKey, roots *x509.CertPool) error {
	var stmt struct {
		Ver      string   `cbor:"ver"`
		Alg      int      `cbor:"alg"`
		Sig      []byte   `cbor:"sig"`
		X5C      [][]byte `cbor:"x5c"`
		CertInfo []byte   `cbor:"certInfo"`
		PubArea  []byte   `cbor:"pubArea"`
	}
	if err := cbor.Unmarshal(att.AttStmt, &stmt); err != nil {
		return fmt.Errorf("tpm attStmt: %w", err)
	}
	if stmt.Ver != "2.0" {
		return fmt.Errorf("unsupported tpm version %q", stmt.Ver)
	}
	certs, err := parseX5C(stmt.X5C)
	if err != nil {
		return err
	}
	if err := anchorChain(certs, roots); err != nil {
		return err
	}

	// certInfo is a TPMS_ATTEST structure.
	r := tpmReader{buf: stmt.CertInfo}
	if r.uint32() != tpmGeneratedValue {
		return errors.New("tpm certInfo magic mismatch")
	}
	if r.uint16() != tpmSTAttestCertify {
		return errors.New("tpm certInfo is not TPM_ST_ATTEST_CERTIFY")
	}
	r.sized() // qualifiedSigner
	extraData := r.sized()
	if r.err != nil {
		return errors.New("tpm certInfo malformed")
	}
	h, err := algHash(stmt.Alg)
	if err != nil {
		return err
	}
	hh := h.New()
	hh.Write(signedBytes(att.RawAuthData, clientDataJSON))
	if !bytes.Equal(extraData, hh.Sum(nil)) {
		return errors.New("tpm extraData mismatch")
	}

	if err := tpmPubAreaMatches(stmt.PubArea, credKey); err != nil {
		return err
	}
	sigAlg, err := x509SigAlg(stmt.Alg)
	if err != nil {
		return err
	}
	return certs[0].CheckSignature(sigAlg, stmt.CertInfo, stmt.Sig)
}

// tpmPubAreaMatches checks that the TPMT_PUBLIC unique field matches the
// attested credential key.
func tpmPubAreaMatches(pubArea []byte, credKey *coseKey) error {
	r := tpmReader{buf: pubArea}
	typ := r.uint16()
	r.uint16() // nameAlg
	r.uint32() // objectAttributes
	r.sized()  // authPolicy
	switch typ {
	case tpmAlgRSA:
		r.uint16() // symmetric
		r.uint16() // scheme
		r.uint16() // keyBits
		exponent := r.uint32()
		unique := r.sized()
		if r.err != nil {
			return errors.New("tpm pubArea malformed")
		}
		if exponent == 0 {
			exponent = 65537
		}
		if credKey.rsa == nil || credKey.rsa.E != int(exponent) ||
			!bytes.Equal(credKey.rsa.N.Bytes(), bytes.TrimLeft(unique, "\x00")) {
			return errors.New("tpm pubArea key mismatch")
		}
	case tpmAlgECC:
		r.uint16() // symmetric
		r.uint16() // scheme
		r.uint16() // curveID
		r.uint16() // kdf
		x := r.sized()
		y := r.sized()
		if r.err != nil {
			return errors.New("tpm pubArea malformed")
		}
		if credKey.ec == nil ||
			!bytes.Equal(credKey.ec.X.Bytes(), bytes.TrimLeft(x, "\x00")) ||
			!bytes.Equal(credKey.ec.Y.Bytes(), bytes.TrimLeft(y, "\x00")) {
			return errors.New("tpm pubArea key mismatch")
		}
	default:
		return fmt.Errorf("unsupported tpm key type %#x", typ)
	}
	return nil
}

// tpmReader reads big-endian TPM 2.0 marshaled fields. After a failed read,
// err is set and all further reads return zero values.
type tpmReader struct {
	buf []byte
	err error
}

func (r *tpmReader) take(n int) []byte {
	if r.err != nil || len(r.buf) < n {
		r.err = errTooShort
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *tpmReader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *tpmReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// sized reads a TPM2B: a uint16 length followed by that many bytes.
func (r *tpmReader) sized() []byte {
	n := r.uint16()
	return r.take(int(n))
}
