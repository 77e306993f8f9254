package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"
)

// Signer produces the headers Kalshi's REST API requires: an RSA-PSS
// signature over timestamp‖method‖path (spec §4.3), using the account's
// private key.
type Signer struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewSigner parses a PEM-encoded RSA private key (spec §6's
// KALSHI_PRIVATE_KEY) and pairs it with the account's key ID.
func NewSigner(keyID, pemKey string) (*Signer, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("kalshi: invalid PEM private key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		keyAny, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("kalshi: parse private key: %w", err)
		}
		rsaKey, ok := keyAny.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("kalshi: private key is not RSA")
		}
		key = rsaKey
	}

	return &Signer{keyID: keyID, key: key}, nil
}

// Headers returns the signed request headers for one call at method/path,
// timestamped at call time.
func (s *Signer) Headers(method, path string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	msg := ts + method + path

	digest := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		// Signing over a fixed-size SHA-256 digest with a parsed RSA key
		// cannot fail in practice; a non-nil error here means the key
		// itself is unusable, which callers surface as an auth failure
		// on the first request anyway.
		sig = nil
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       s.keyID,
		"KALSHI-ACCESS-TIMESTAMP": ts,
		"KALSHI-ACCESS-SIGNATURE": base64.StdEncoding.EncodeToString(sig),
	}
}
