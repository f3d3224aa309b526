package payload

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrUnsupportedKey is returned for keys that are not RSA
	ErrUnsupportedKey = errors.New("unsupported key")
)

// Signer signs payload digests with an RSA key (PKCS#1 v1.5, SHA-256)
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner wraps key
func NewSigner(key *rsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// LoadSigner reads a private key in PEM (PKCS#1 or PKCS#8) or DER PKCS#8 (.pk8) form
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return NewSigner(key), nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("'%v': %v: %w", path, err, ErrUnsupportedKey)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("'%v': %T: %w", path, parsed, ErrUnsupportedKey)
	}
	return NewSigner(key), nil
}

// Size returns the length of one signature
func (s *Signer) Size() int {
	return s.key.Size()
}

// Public returns the verifier matching this signer
func (s *Signer) Public() *Verifier {
	return &Verifier{key: &s.key.PublicKey}
}

// Sign signs a SHA-256 digest
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(nil, s.key, crypto.SHA256, digest)
}

func (s *Signer) signatures(digest []byte) ([]byte, error) {
	sig, err := s.Sign(digest)
	if err != nil {
		return nil, err
	}
	return (&Signatures{Signatures: []Signature{{Data: sig, UnpaddedSignatureSize: uint32(len(sig))}}}).Marshal(), nil
}

// Verifier checks payload signatures against an RSA public key
type Verifier struct {
	key *rsa.PublicKey
}

// NewVerifier wraps key
func NewVerifier(key *rsa.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// LoadCertificate reads the public key of a PEM or DER X.509 certificate
func LoadCertificate(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCertificate(data)
}

// ParseCertificate reads the public key of a PEM or DER X.509 certificate
func ParseCertificate(data []byte) (*Verifier, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrUnsupportedKey)
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%T: %w", cert.PublicKey, ErrUnsupportedKey)
	}
	return NewVerifier(key), nil
}

// verify accepts when any of the signatures matches
func (v *Verifier) verify(digest []byte, sigs *Signatures) error {
	for _, sig := range sigs.Signatures {
		data := sig.Data
		if sig.UnpaddedSignatureSize > 0 && int(sig.UnpaddedSignatureSize) <= len(data) {
			data = data[:sig.UnpaddedSignatureSize]
		}
		if rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest, data) == nil {
			return nil
		}
	}
	return ErrSignatureMismatch
}
