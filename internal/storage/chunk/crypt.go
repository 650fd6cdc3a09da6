package chunk

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/zeebo/blake3"
)

const (
	// KeySize is the per-asset AES-256 data key size.
	KeySize = 32
	// NonceSize is the AES-CTR initial counter block size.
	NonceSize = aes.BlockSize
	// DigestSize is the BLAKE3 ciphertext digest size.
	DigestSize = 32
)

const nonceContext = "sealstream 2025-11-04 chunk nonce v1"

// ErrIntegrity reports a ciphertext digest mismatch. Decryption never
// proceeds on an unverified chunk.
var ErrIntegrity = errors.New("chunk: ciphertext digest mismatch")

// NewKey generates a fresh random data key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveNonce derives the counter block for one chunk from the asset id and
// chunk index. The derivation is deterministic and unique per (asset, index);
// the data key is unique per asset, so counter streams never collide.
func DeriveNonce(assetID string, index int) [NonceSize]byte {
	material := make([]byte, 0, len(assetID)+8)
	material = append(material, assetID...)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(index))
	material = append(material, idx[:]...)

	var nonce [NonceSize]byte
	blake3.DeriveKey(nonceContext, material, nonce[:])
	return nonce
}

// Encrypt encrypts one plaintext chunk with AES-256-CTR and returns the
// ciphertext plus its BLAKE3 digest. The digest covers the ciphertext so
// tampering is detectable without key knowledge.
func Encrypt(plaintext, key []byte, nonce [NonceSize]byte) ([]byte, [DigestSize]byte, error) {
	stream, err := newCTR(key, nonce)
	if err != nil {
		return nil, [DigestSize]byte{}, err
	}
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)
	return ciphertext, blake3.Sum256(ciphertext), nil
}

// Decrypt verifies the ciphertext digest and decrypts one chunk. A digest
// mismatch yields ErrIntegrity and no plaintext. Counter mode makes every
// chunk independently decryptable, which is what enables random-access
// range reads.
func Decrypt(ciphertext, key []byte, nonce [NonceSize]byte, expected [DigestSize]byte) ([]byte, error) {
	if blake3.Sum256(ciphertext) != expected {
		return nil, ErrIntegrity
	}
	stream, err := newCTR(key, nonce)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

func newCTR(key []byte, nonce [NonceSize]byte) (cipher.Stream, error) {
	if len(key) != KeySize {
		return nil, errors.New("chunk: bad key size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, nonce[:]), nil
}

// Zero wipes a plaintext or key buffer in place.
func Zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
