// Package keywrap wraps the per-asset data key for an asset's parties using
// age X25519 encryption. Identities are age keypairs: the registry stores
// the public key, the authentication collaborator holds the private key on
// the caller's behalf. Unwrapping is the terminal authorization check for
// decrypting content, independent of any session check performed upstream.
package keywrap

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

var (
	// ErrWrap reports a malformed recipient public key or a wrap failure.
	ErrWrap = errors.New("keywrap: wrap failed")
	// ErrUnwrap reports a decryption failure, including a private key that
	// does not correspond to any of the asset's parties.
	ErrUnwrap = errors.New("keywrap: unwrap failed")
)

// Keypair holds an age X25519 keypair. The private key is printed exactly
// once at registration time and never stored server-side.
type Keypair struct {
	PublicKey  string
	PrivateKey string
}

// Generate creates a fresh identity keypair.
func Generate() (Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{
		PublicKey:  identity.Recipient().String(),
		PrivateKey: identity.String(),
	}, nil
}

// ValidatePublicKey checks that a string is a well-formed age public key.
func ValidatePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrWrap, err)
	}
	return nil
}

// Wrap encrypts a data key to one or more party public keys. The result is
// a single blob that any named party can unwrap with their private key.
func Wrap(dataKey []byte, publicKeys ...string) ([]byte, error) {
	if len(publicKeys) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrWrap)
	}
	recipients := make([]age.Recipient, 0, len(publicKeys))
	for _, key := range publicKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWrap, err)
		}
		recipients = append(recipients, recipient)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrap, err)
	}
	if _, err := w.Write(dataKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrap, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrap, err)
	}
	return buf.Bytes(), nil
}

// Unwrap decrypts a wrapped data key with the caller's private key.
func Unwrap(wrapped []byte, privateKey string) ([]byte, error) {
	identity, err := age.ParseX25519Identity(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	r, err := age.Decrypt(bytes.NewReader(wrapped), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	dataKey, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	return dataKey, nil
}
