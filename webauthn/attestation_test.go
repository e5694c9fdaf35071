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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/iana"
)

// testCA is a small certificate authority for attestation chain tests.
type testCA struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
	der  []byte
}

func newTestCA(t *testing.T, name string) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	templ := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, templ, templ, key.Public(), key)
	if err != nil {
		t.Fatalf("x509.CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("x509.ParseCertificate: %v", err)
	}
	return &testCA{key: key, cert: cert, der: der}
}

// issue signs a leaf certificate for pub, optionally with extra extensions.
func (ca *testCA) issue(t *testing.T, pub any, exts []pkix.Extension) []byte {
	t.Helper()
	templ := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "attestation"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		ExtraExtensions:       exts,
	}
	der, err := x509.CreateCertificate(rand.Reader, templ, ca.cert, pub, ca.key)
	if err != nil {
		t.Fatalf("x509.CreateCertificate: %v", err)
	}
	return der
}

func newES256CredKey(t *testing.T) (*ecdsa.PrivateKey, *coseKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	raw, err := es256CoseKey(key.PublicKey)
	if err != nil {
		t.Fatalf("es256CoseKey: %v", err)
	}
	ck, err := parseCOSEKey(raw)
	if err != nil {
		t.Fatalf("parseCOSEKey: %v", err)
	}
	return key, ck
}

// minimalAuthData returns authenticator data with no attested credentials.
func minimalAuthData() []byte {
	rpIDHash := sha256.Sum256([]byte("example.com"))
	out := make([]byte, 0, 37)
	out = append(out, rpIDHash[:]...)
	out = append(out, 0x05)
	out = binary.BigEndian.AppendUint32(out, 1)
	return out
}

func signES256(t *testing.T, key *ecdsa.PrivateKey, message []byte) []byte {
	t.Helper()
	h := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, key, h[:])
	if err != nil {
		t.Fatalf("ecdsa.SignASN1: %v", err)
	}
	return sig
}

func mustCBOR(t *testing.T, v any) cbor.RawMessage {
	t.Helper()
	b, err := cbor.Marshal(v)
	if err != nil {
		t.Fatalf("cbor.Marshal: %v", err)
	}
	return b
}

func TestPackedSelfAttestation(t *testing.T) {
	key, ck := newES256CredKey(t)
	authData := minimalAuthData()
	clientDataJSON := []byte(`{"type":"webauthn.create"}`)
	sig := signES256(t, key, signedBytes(authData, clientDataJSON))

	att := &attestation{
		Format: fmtPacked,
		AttStmt: mustCBOR(t, map[string]any{
			"alg": iana.AlgorithmES256,
			"sig": sig,
		}),
		RawAuthData: authData,
	}
	if err := verifyAttestationStatement(att, clientDataJSON, ck, nil); err != nil {
		t.Errorf("verifyAttestationStatement: %v", err)
	}

	// The declared algorithm must match the credential key's.
	att.AttStmt = mustCBOR(t, map[string]any{
		"alg": iana.AlgorithmRS256,
		"sig": sig,
	})
	if err := verifyAttestationStatement(att, clientDataJSON, ck, nil); err == nil {
		t.Error("alg mismatch was accepted")
	}

	// A bad signature is rejected.
	sig[10] ^= 0x01
	att.AttStmt = mustCBOR(t, map[string]any{
		"alg": iana.AlgorithmES256,
		"sig": sig,
	})
	if err := verifyAttestationStatement(att, clientDataJSON, ck, nil); err == nil {
		t.Error("tampered signature was accepted")
	}
}

func TestPackedX5CAttestation(t *testing.T) {
	ca := newTestCA(t, "attestation-root.example.com")
	attKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	leaf := ca.issue(t, attKey.Public(), nil)
	_, ck := newES256CredKey(t)

	authData := minimalAuthData()
	clientDataJSON := []byte(`{"type":"webauthn.create"}`)
	sig := signES256(t, attKey, signedBytes(authData, clientDataJSON))

	att := &attestation{
		Format: fmtPacked,
		AttStmt: mustCBOR(t, map[string]any{
			"alg": iana.AlgorithmES256,
			"sig": sig,
			"x5c": [][]byte{leaf, ca.der},
		}),
		RawAuthData: authData,
	}
	// Without vendor roots, the chain-internal signatures are verified.
	if err := verifyAttestationStatement(att, clientDataJSON, ck, nil); err != nil {
		t.Errorf("verifyAttestationStatement: %v", err)
	}

	// With the right root.
	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)
	if err := verifyAttestationStatement(att, clientDataJSON, ck, roots); err != nil {
		t.Errorf("verifyAttestationStatement with roots: %v", err)
	}

	// With the wrong root.
	other := newTestCA(t, "other-root.example.com")
	wrongRoots := x509.NewCertPool()
	wrongRoots.AddCert(other.cert)
	if err := verifyAttestationStatement(att, clientDataJSON, ck, wrongRoots); err == nil {
		t.Error("chain anchored to the wrong root was accepted")
	}

	// A leaf not signed by the advertised issuer.
	att.AttStmt = mustCBOR(t, map[string]any{
		"alg": iana.AlgorithmES256,
		"sig": sig,
		"x5c": [][]byte{leaf, other.der},
	})
	if err := verifyAttestationStatement(att, clientDataJSON, ck, nil); err == nil {
		t.Error("broken chain was accepted")
	}
}

func TestAppleAttestation(t *testing.T) {
	ca := newTestCA(t, "apple-test-root")
	credKey, ck := newES256CredKey(t)

	authData := minimalAuthData()
	clientDataJSON := []byte(`{"type":"webauthn.create"}`)
	nonce := sha256.Sum256(signedBytes(authData, clientDataJSON))

	leaf := ca.issue(t, credKey.Public(), []pkix.Extension{{
		Id:    appleNonceOID,
		Value: nonce[:],
	}})
	att := &attestation{
		Format: fmtApple,
		AttStmt: mustCBOR(t, map[string]any{
			"x5c": [][]byte{leaf, ca.der},
		}),
		RawAuthData: authData,
	}
	if err := verifyAttestationStatement(att, clientDataJSON, ck, nil); err != nil {
		t.Errorf("verifyAttestationStatement: %v", err)
	}

	// The nonce binds the certificate to this ceremony.
	if err := verifyAttestationStatement(att, []byte(`{"type":"webauthn.create","other":1}`), ck, nil); err == nil {
		t.Error("nonce mismatch was accepted")
	}

	// The certificate key must be the credential key.
	_, otherCK := newES256CredKey(t)
	if err := verifyAttestationStatement(att, clientDataJSON, otherCK, nil); err == nil {
		t.Error("certificate key mismatch was accepted")
	}
}

func TestTPMAttestation(t *testing.T) {
	ca := newTestCA(t, "tpm-test-root")
	attKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	leaf := ca.issue(t, attKey.Public(), nil)
	credKey, ck := newES256CredKey(t)

	authData := minimalAuthData()
	clientDataJSON := []byte(`{"type":"webauthn.create"}`)
	extraData := sha256.Sum256(signedBytes(authData, clientDataJSON))

	// TPMS_ATTEST with magic, TPM_ST_ATTEST_CERTIFY, an empty qualified
	// signer, and extraData bound to the ceremony.
	var certInfo []byte
	certInfo = binary.BigEndian.AppendUint32(certInfo, tpmGeneratedValue)
	certInfo = binary.BigEndian.AppendUint16(certInfo, tpmSTAttestCertify)
	certInfo = binary.BigEndian.AppendUint16(certInfo, 0)
	certInfo = binary.BigEndian.AppendUint16(certInfo, uint16(len(extraData)))
	certInfo = append(certInfo, extraData[:]...)

	// TPMT_PUBLIC for an ECC P-256 key matching the credential key.
	var pubArea []byte
	pubArea = binary.BigEndian.AppendUint16(pubArea, tpmAlgECC)
	pubArea = binary.BigEndian.AppendUint16(pubArea, 0x000b) // nameAlg SHA256
	pubArea = binary.BigEndian.AppendUint32(pubArea, 0)      // objectAttributes
	pubArea = binary.BigEndian.AppendUint16(pubArea, 0)      // authPolicy
	pubArea = binary.BigEndian.AppendUint16(pubArea, 0x0010) // symmetric NULL
	pubArea = binary.BigEndian.AppendUint16(pubArea, 0x0010) // scheme NULL
	pubArea = binary.BigEndian.AppendUint16(pubArea, 0x0003) // NIST P-256
	pubArea = binary.BigEndian.AppendUint16(pubArea, 0x0010) // kdf NULL
	x := credKey.PublicKey.X.Bytes()
	y := credKey.PublicKey.Y.Bytes()
	pubArea = binary.BigEndian.AppendUint16(pubArea, uint16(len(x)))
	pubArea = append(pubArea, x...)
	pubArea = binary.BigEndian.AppendUint16(pubArea, uint16(len(y)))
	pubArea = append(pubArea, y...)

	stmt := func(certInfo, pubArea []byte) cbor.RawMessage {
		return mustCBOR(t, map[string]any{
			"ver":      "2.0",
			"alg":      iana.AlgorithmES256,
			"sig":      signES256(t, attKey, certInfo),
			"x5c":      [][]byte{leaf, ca.der},
			"certInfo": certInfo,
			"pubArea":  pubArea,
		})
	}
	att := &attestation{
		Format:      fmtTPM,
		AttStmt:     stmt(certInfo, pubArea),
		RawAuthData: authData,
	}
	if err := verifyAttestationStatement(att, clientDataJSON, ck, nil); err != nil {
		t.Errorf("verifyAttestationStatement: %v", err)
	}

	// extraData must hash the ceremony data.
	if err := verifyAttestationStatement(att, []byte(`{"type":"webauthn.create","other":1}`), ck, nil); err == nil {
		t.Error("extraData mismatch was accepted")
	}

	// The attested public area must match the credential key.
	otherKey, _ := newES256CredKey(t)
	badPubArea := append([]byte(nil), pubArea[:18]...)
	bx := otherKey.PublicKey.X.Bytes()
	by := otherKey.PublicKey.Y.Bytes()
	badPubArea = binary.BigEndian.AppendUint16(badPubArea, uint16(len(bx)))
	badPubArea = append(badPubArea, bx...)
	badPubArea = binary.BigEndian.AppendUint16(badPubArea, uint16(len(by)))
	badPubArea = append(badPubArea, by...)
	att.AttStmt = stmt(certInfo, badPubArea)
	if err := verifyAttestationStatement(att, clientDataJSON, ck, nil); err == nil {
		t.Error("pubArea key mismatch was accepted")
	}

	// The magic value is required.
	badCertInfo := append([]byte(nil), certInfo...)
	badCertInfo[0] = 0
	att.AttStmt = stmt(badCertInfo, pubArea)
	if err := verifyAttestationStatement(att, clientDataJSON, ck, nil); err == nil {
		t.Error("bad certInfo magic was accepted")
	}
}
