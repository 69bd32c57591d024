package backup

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4
)

// magic prefixes every encrypted snapshot.
var magic = []byte("NUDGEBK1")

var (
	// ErrDecrypt is returned for a wrong passphrase or a tampered archive.
	ErrDecrypt = errors.New("backup: cannot decrypt archive")
	// ErrFormat is returned when the input is not a backup archive.
	ErrFormat = errors.New("backup: not a backup archive")
)

// GenerateSalt returns 16 cryptographically random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMem, argonPar, keySize)
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt reads all of r and writes an archive to w:
// magic, 16-byte salt, 12-byte nonce, AES-256-GCM ciphertext.
// A fresh salt is generated for every archive.
func Encrypt(w io.Writer, r io.Reader, passphrase string) (int64, error) {
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	salt, err := GenerateSalt()
	if err != nil {
		return 0, err
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return 0, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return 0, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, magic)

	n, err := w.Write(out)
	if err != nil {
		return int64(n), fmt.Errorf("write archive: %w", err)
	}
	return int64(n), nil
}

// Decrypt reads an archive written by Encrypt and writes the plaintext to w.
func Decrypt(w io.Writer, r io.Reader, passphrase string) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read archive: %w", err)
	}
	if len(data) < len(magic)+saltSize+nonceSize || !bytes.Equal(data[:len(magic)], magic) {
		return 0, ErrFormat
	}
	data = data[len(magic):]
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	ciphertext := data[saltSize+nonceSize:]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return 0, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, magic)
	if err != nil {
		return 0, ErrDecrypt
	}
	n, err := w.Write(plaintext)
	if err != nil {
		return int64(n), fmt.Errorf("write snapshot: %w", err)
	}
	return int64(n), nil
}
