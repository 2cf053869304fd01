package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"os"
	"strings"

	"github.com/stackform-io/stackform/internal/errors"
)

const (
	// EncryptionKeyEnvVar is the environment variable for the snapshot
	// encryption passphrase.
	EncryptionKeyEnvVar = "STACKFORM_STATE_ENCRYPTION_KEY"

	encryptedHeader = "# STACKFORM_ENCRYPTED_SNAPSHOT\n"
)

// EncryptSnapshot encrypts snapshot content using AES-256-GCM with a key
// derived from the environment. Returns the content unchanged if no
// passphrase is configured.
func EncryptSnapshot(content []byte) ([]byte, error) {
	key := encryptionKey()
	if key == nil {
		return content, nil
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, errors.KindStateIO, "generating nonce")
	}

	ciphertext := gcm.Seal(nonce, nonce, content, nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	return []byte(encryptedHeader + encoded + "\n"), nil
}

// DecryptSnapshot decrypts snapshot content if it carries the encryption
// header; plain content passes through unchanged.
func DecryptSnapshot(content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}

	key := encryptionKey()
	if key == nil {
		return nil, errors.Newf(errors.KindStateIO,
			"snapshot is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	encoded := strings.TrimSpace(strings.TrimPrefix(string(content), encryptedHeader))
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStateIO, "decoding encrypted snapshot")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New(errors.KindStateIO, "encrypted snapshot is truncated")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStateIO, "decrypting snapshot (wrong key?)")
	}
	return plaintext, nil
}

// IsEncrypted checks whether snapshot content is encrypted.
func IsEncrypted(content []byte) bool {
	return strings.HasPrefix(string(content), encryptedHeader)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStateIO, "creating cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStateIO, "creating GCM")
	}
	return gcm, nil
}

// encryptionKey derives a 32-byte AES key from the passphrase in the
// environment, or nil if unset.
func encryptionKey() []byte {
	passphrase := os.Getenv(EncryptionKeyEnvVar)
	if passphrase == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}
