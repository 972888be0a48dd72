package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"
)

const (
	keyLen   = 32
	nonceLen = 16
)

// Fixed derivation salt. The process secret is the only secret input; the
// salt just domain-separates the derived key from other scrypt uses.
var scryptSalt = []byte("mcproxy/vault/key/v1")

// deriveKey stretches the process secret into the 256-bit AEAD key.
func deriveKey(secret []byte) ([]byte, error) {
	key, err := scrypt.Key(secret, scryptSalt, 32768, 8, 1, keyLen)
	if err != nil {
		return nil, errors.Wrap(err, "vault: scrypt key derivation")
	}
	return key, nil
}

// sealer wraps AES-256-GCM with the 16-byte nonces the record format uses.
type sealer struct {
	gcm cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "vault: cipher init")
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return nil, errors.Wrap(err, "vault: GCM init")
	}
	return &sealer{gcm: gcm}, nil
}

// seal encrypts plaintext under a fresh random nonce. The returned
// ciphertext includes the authentication tag.
func (s *sealer) seal(plaintext []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, nonceLen)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, errors.Wrap(err, "vault: nonce")
	}
	ciphertext = s.gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// open decrypts and verifies the tag. It fails closed on any mismatch.
func (s *sealer) open(nonce, ciphertext []byte) ([]byte, error) {
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "vault: decrypt")
	}
	return plaintext, nil
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
