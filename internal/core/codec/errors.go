package codec

import "errors"

var (
	// ErrKeySize is returned when the key is not exactly 16 bytes.
	ErrKeySize = errors.New("codec: key must be 16 bytes")

	// ErrIVSize is returned when the IV is not exactly one block.
	ErrIVSize = errors.New("codec: iv must be 16 bytes")

	// ErrMalformedCiphertext is returned when the ciphertext is not valid base64.
	ErrMalformedCiphertext = errors.New("codec: malformed ciphertext")

	// ErrBlockAlignment is returned when decoded ciphertext is not a whole number of blocks.
	ErrBlockAlignment = errors.New("codec: ciphertext not block aligned")
)
