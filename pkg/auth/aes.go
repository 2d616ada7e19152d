package auth

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/ignis-framework/ignis/pkg/errors"
)

// Cipher encrypts and decrypts claim material. The default mode is
// aes-256-cbc with PKCS7 padding; the random IV is prepended to the
// ciphertext and the whole blob is base64-encoded.
type Cipher struct {
	key []byte
}

// NewCipher derives a 32-byte AES key from the configured secret.
func NewCipher(secret string) *Cipher {
	key := sha256.Sum256([]byte(secret))
	return &Cipher{key: key[:]}
}

// Encrypt returns base64(iv || AES-CBC(pkcs7(plaintext))).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.Wrap(err, errors.KindConfigInvalid, "invalid AES key")
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "failed to generate IV")
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(err, errors.KindUnauthenticated, "malformed ciphertext")
	}
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return "", errors.New(errors.KindUnauthenticated, "malformed ciphertext")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.Wrap(err, errors.KindConfigInvalid, "invalid AES key")
	}
	iv, body := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)
	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New(errors.KindUnauthenticated, "malformed padding")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, errors.New(errors.KindUnauthenticated, "malformed padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New(errors.KindUnauthenticated, "malformed padding")
		}
	}
	return data[:len(data)-padding], nil
}
