// Package vault encrypts and decrypts account secrets at rest.
//
// Ciphertexts are AES-256-CBC with a random IV per value, rendered as
// "<iv hex>:<ciphertext hex>". The AES key is derived once from the configured
// secret with scrypt and held inside the Vault; it is never printed.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	keyLen = 32
	// scrypt parameters are fixed so existing ciphertexts stay readable.
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

var scryptSalt = []byte("claude-relay-vault")

// ErrMalformedCiphertext is returned when a stored value is not "iv:ciphertext" hex.
var ErrMalformedCiphertext = errors.New("vault: malformed ciphertext")

// Vault is an opaque handle over the derived key.
type Vault struct {
	block cipher.Block
}

// New derives the vault key from secret.
func New(secret string) (*Vault, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("vault: empty secret")
	}
	key, err := scrypt.Key([]byte(secret), scryptSalt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	return &Vault{block: block}, nil
}

func (v *Vault) String() string { return "vault(redacted)" }

func (v *Vault) GoString() string { return "vault(redacted)" }

// Encrypt returns "ivhex:cipherhex". Empty input encrypts to an empty string.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("vault: read iv: %w", err)
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(v.block, iv).CryptBlocks(out, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Empty input decrypts to an empty string.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	ciphertext = strings.TrimSpace(ciphertext)
	if ciphertext == "" {
		return "", nil
	}
	ivHex, dataHex, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return "", ErrMalformedCiphertext
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrMalformedCiphertext
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil || len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", ErrMalformedCiphertext
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(v.block, iv).CryptBlocks(out, data)
	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrMalformedCiphertext
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, errors.New("vault: bad padding (wrong key?)")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("vault: bad padding (wrong key?)")
		}
	}
	return data[:len(data)-padding], nil
}
