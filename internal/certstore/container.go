package certstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	containerKDFIters = 60_000
	containerKeyLen   = 32
	passphraseLen     = 32
	saltLen           = 16
)

// newPassphrase mints a fresh random passphrase for a single export.
func newPassphrase() ([]byte, error) {
	passphrase := make([]byte, passphraseLen)
	if _, err := rand.Read(passphrase); err != nil {
		return nil, fmt.Errorf("generate passphrase: %w", err)
	}
	return passphrase, nil
}

// container is the temporary encrypted wrapper a private key travels in
// between export and use. It exists only in memory and only for the duration
// of a single ExportAndUse call.
type container struct {
	salt       []byte
	nonce      []byte
	ciphertext []byte
}

// sealContainer encrypts DER-encoded key material under a freshly generated
// random passphrase. Every call produces an independent passphrase, salt, and
// nonce; nothing is cached between calls.
func sealContainer(der []byte) (*container, []byte, error) {
	passphrase, err := newPassphrase()
	if err != nil {
		return nil, nil, err
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generate salt: %w", err)
	}

	key := pbkdf2.Key(passphrase, salt, containerKDFIters, containerKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("container cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("container gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	c := &container{
		salt:       salt,
		nonce:      nonce,
		ciphertext: gcm.Seal(nil, nonce, der, nil),
	}
	return c, passphrase, nil
}

// openContainer decrypts a sealed container with its passphrase, returning
// the DER key material.
func openContainer(c *container, passphrase []byte) ([]byte, error) {
	key := pbkdf2.Key(passphrase, c.salt, containerKDFIters, containerKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("container cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("container gcm: %w", err)
	}
	der, err := gcm.Open(nil, c.nonce, c.ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	return der, nil
}

// wipe zeroes a byte slice. Best effort; the GC may have copied the data, but
// the live references are cleared as soon as a container is done with.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
