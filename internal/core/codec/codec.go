// Package codec implements the vendor's symmetric cipher framing: AES-128-CBC
// over zero-padded plaintext, carried as standard base64.
//
// Padding is the codec's job, not the cipher's. Plaintext is padded with zero
// bytes up to the next block boundary, and aligned plaintext is not padded at
// all. Decrypt strips every trailing zero byte, so plaintext that really ends
// in 0x00 does not survive a round trip. The vendor protocol depends on this.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"strings"
)

// BlockSize is the cipher block size in bytes.
const BlockSize = aes.BlockSize

// KeySize is the only accepted key length (AES-128).
const KeySize = 16

// Encrypt pads plaintext, encrypts it under key/iv and returns base64.
func Encrypt(plaintext string, key, iv []byte) (string, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return "", err
	}

	padded := Pad([]byte(plaintext))
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Spaces in ciphertext are read as '+', since some
// transports rewrite '+' to a space in transit.
func Decrypt(ciphertext string, key, iv []byte) (string, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(ciphertext, " ", "+"))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedCiphertext, err)
	}
	if len(raw)%BlockSize != 0 {
		return "", fmt.Errorf("%w: %d bytes", ErrBlockAlignment, len(raw))
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)

	return string(Unpad(out)), nil
}

// Pad appends zero bytes up to the next multiple of BlockSize. Input that is
// already aligned, including empty input, is returned unchanged.
func Pad(data []byte) []byte {
	rem := len(data) % BlockSize
	if rem == 0 {
		return data
	}
	padded := make([]byte, len(data)+BlockSize-rem)
	copy(padded, data)
	return padded
}

// Unpad removes all trailing zero bytes.
func Unpad(data []byte) []byte {
	return bytes.TrimRight(data, "\x00")
}

func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrKeySize, len(key))
	}
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrIVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("codec: new cipher: %w", err)
	}
	return block, nil
}
