package secrets

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envAgeSecretKey = "AGE_SECRET_KEY"
	envAgePublicKey = "AGE_PUBLIC_KEY"

	refHRP = "credref"
)

// Sealer encrypts operator-supplied out-of-band credentials (iDRAC/BMC and
// hypervisor logins) so jobs only carry an opaque reference plus ciphertext.
// Sealing requires the age public key; unsealing requires the secret key,
// which only the executor side holds.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewSealerFromEnv initialises a Sealer from AGE_SECRET_KEY/AGE_PUBLIC_KEY.
// At least one of the two must be set; seal-only deployments set just the
// public key.
func NewSealerFromEnv() (*Sealer, error) {
	secret := strings.TrimSpace(os.Getenv(envAgeSecretKey))
	pub := strings.TrimSpace(os.Getenv(envAgePublicKey))

	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", envAgeSecretKey, envAgePublicKey)
	}

	s := &Sealer{}

	if secret != "" {
		identity, err := age.ParseX25519Identity(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
		}
		s.identity = identity
		s.recipient = identity.Recipient()
	}

	if pub != "" {
		recipient, err := age.ParseX25519Recipient(pub)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgePublicKey, err)
		}
		if s.recipient != nil && s.recipient.String() != recipient.String() {
			return nil, errors.New("AGE_PUBLIC_KEY does not match AGE_SECRET_KEY")
		}
		s.recipient = recipient
	}

	return s, nil
}

// Seal encrypts the plaintext credential payload and returns the reference
// handle and the base64 ciphertext.
func (s *Sealer) Seal(plaintext []byte) (ref string, ciphertext string, err error) {
	if s == nil || s.recipient == nil {
		return "", "", errors.New("sealer has no recipient key")
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", "", fmt.Errorf("init encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", "", err
	}
	if err := w.Close(); err != nil {
		return "", "", err
	}

	data := buf.Bytes()
	ref, err = referenceFor(data)
	if err != nil {
		return "", "", err
	}

	return ref, base64.StdEncoding.EncodeToString(data), nil
}

// Unseal decrypts a sealed credential, verifying it matches the reference.
func (s *Sealer) Unseal(ref, ciphertext string) ([]byte, error) {
	if s == nil || s.identity == nil {
		return nil, errors.New("sealer has no secret key")
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	want, err := referenceFor(data)
	if err != nil {
		return nil, err
	}
	if ref != "" && ref != want {
		return nil, errors.New("credential reference does not match ciphertext")
	}

	r, err := age.Decrypt(bytes.NewReader(data), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return io.ReadAll(r)
}

// referenceFor derives the opaque handle stored on job details: a bech32
// encoding of the ciphertext digest, so the handle leaks nothing and can be
// re-verified against the ciphertext.
func referenceFor(ciphertext []byte) (string, error) {
	sum := sha256.Sum256(ciphertext)
	converted, err := bech32.ConvertBits(sum[:20], 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(refHRP, converted)
}
