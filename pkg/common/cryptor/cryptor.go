// Package cryptor provides the block cipher and digest used by the xtun wire
// protocol: AES-128-CBC with PKCS#7 padding keyed by an MD5 digest of the
// shared secret.
package cryptor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" //nolint:gosec // key derivation is fixed by the wire protocol
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// BlockSize is the cipher block size and the IV length.
const BlockSize = aes.BlockSize

// KeySize is the length of the digest used as AES-128 key material.
const KeySize = 16

var (
	// ErrPadding is returned when decrypted data carries invalid PKCS#7 padding.
	ErrPadding = errors.New("cryptor: invalid padding")
	// ErrBlockSize is returned when ciphertext is not a positive multiple of BlockSize.
	ErrBlockSize = errors.New("cryptor: ciphertext is not a multiple of the block size")
)

// Cipher is the block-chaining capability consumed by the framing codec.
// The key is fixed for the lifetime of a Cipher.
type Cipher interface {
	// Encrypt appends the padded ciphertext of plaintext to dst and returns the
	// extended slice.
	Encrypt(dst, iv, plaintext []byte) []byte
	// Decrypt decrypts ciphertext in place and returns the unpadded plaintext,
	// which aliases ciphertext.
	Decrypt(iv, ciphertext []byte) ([]byte, error)
}

// AESCBC implements Cipher with AES in CBC mode and PKCS#7 padding.
type AESCBC struct {
	block cipher.Block
}

var _ Cipher = (*AESCBC)(nil)

// NewAESCBC creates a cipher for the given key (16, 24 or 32 bytes).
func NewAESCBC(key []byte) (*AESCBC, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptor: create aes cipher: %w", err)
	}
	return &AESCBC{block: block}, nil
}

// PaddedSize returns the ciphertext length for n plaintext bytes. PKCS#7
// always adds at least one byte, so the result is never zero.
func PaddedSize(n int) int {
	return (n/BlockSize + 1) * BlockSize
}

// Encrypt implements Cipher.
func (c *AESCBC) Encrypt(dst, iv, plaintext []byte) []byte {
	size := PaddedSize(len(plaintext))
	start := len(dst)
	dst = grow(dst, size)
	out := dst[start : start+size]

	copy(out, plaintext)
	pad := byte(size - len(plaintext))
	for i := len(plaintext); i < size; i++ {
		out[i] = pad
	}

	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, out)
	return dst
}

// Decrypt implements Cipher.
func (c *AESCBC) Decrypt(iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, ErrBlockSize
	}

	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(ciphertext, ciphertext)

	pad := int(ciphertext[len(ciphertext)-1])
	if pad == 0 || pad > BlockSize || pad > len(ciphertext) {
		return nil, ErrPadding
	}
	for _, b := range ciphertext[len(ciphertext)-pad:] {
		if int(b) != pad {
			return nil, ErrPadding
		}
	}
	return ciphertext[:len(ciphertext)-pad], nil
}

// NewIV fills iv with random bytes.
func NewIV(iv []byte) error {
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("cryptor: generate iv: %w", err)
	}
	return nil
}

// Digest derives the fixed-length shared secret from a password: the hex
// encoded MD5 sum truncated to KeySize bytes. Clients send the same bytes as
// their authentication payload.
func Digest(password string) []byte {
	sum := md5.Sum([]byte(password)) //nolint:gosec // see package doc
	return []byte(hex.EncodeToString(sum[:])[:KeySize])
}

func grow(b []byte, n int) []byte {
	if cap(b)-len(b) >= n {
		return b[:len(b)+n]
	}
	nb := make([]byte, len(b)+n, 2*len(b)+n)
	copy(nb, b)
	return nb
}
