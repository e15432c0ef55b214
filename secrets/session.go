// Package secrets holds the per-connection key material and the public
// obfuscation constants of the crypto manager protocol.
package secrets

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/xtea"
)

const (
	// WordMask is XORed over 32-bit metadata fields on the wire. It is a
	// protocol constant, not a secret.
	WordMask uint32 = 0x1f398ab3

	// ByteMask is XORed over every byte of every enciphered block on the
	// wire. Like WordMask, it is public.
	ByteMask byte = 0xb3

	// KeyLen is the number of session key bytes sent to the client.
	KeyLen = 9

	// BlockSize is the cipher block size; enciphered fields are sized in
	// multiples of it.
	BlockSize = xtea.BlockSize
)

// MaskWord applies the 32-bit wire mask. It is an involution: applying it
// twice yields the input.
func MaskWord(v uint32) uint32 {
	return v ^ WordMask
}

// MaskByte applies the byte wire mask to a single byte.
func MaskByte(b byte) byte {
	return b ^ ByteMask
}

// MaskBytes applies the byte wire mask to every byte of b, in place.
func MaskBytes(b []byte) {
	for i := range b {
		b[i] ^= ByteMask
	}
}

// SessionKey is the short per-connection secret established during key
// exchange. It is never sent unmasked and, once set on a connection, never
// changes.
type SessionKey [KeyLen]byte

// NewSessionKey generates a session key of mixed-case ASCII letters,
// uniformly at random.
func NewSessionKey() (SessionKey, error) {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

	var key SessionKey
	// Rejection sampling keeps the choice uniform over the 52 letters.
	buf := make([]byte, 1)
	for i := 0; i < KeyLen; {
		if _, err := rand.Read(buf); err != nil {
			return SessionKey{}, fmt.Errorf("session key rand: %s", err)
		}
		if int(buf[0]) >= 256-256%len(letters) {
			continue
		}
		key[i] = letters[int(buf[0])%len(letters)]
		i++
	}
	return key, nil
}

// Session is the pair of derived directions of the block cipher expanded
// from one SessionKey. Expanding equal keys yields sessions with identical
// behavior.
type Session struct {
	cipher *xtea.Cipher
}

// Expand runs the fixed key schedule: the key bytes are zero-padded to the
// cipher key size and expanded into the encrypt/decrypt tables.
func (k SessionKey) Expand() (*Session, error) {
	var keybuf [16]byte
	copy(keybuf[:], k[:])
	c, err := xtea.NewCipher(keybuf[:])
	if err != nil {
		return nil, fmt.Errorf("session key schedule: %s", err)
	}
	return &Session{cipher: c}, nil
}

// EncryptBlocks enciphers b in place, block by block. len(b) must be a
// multiple of BlockSize.
func (s *Session) EncryptBlocks(b []byte) error {
	if len(b)%BlockSize != 0 {
		return fmt.Errorf("encrypt: %d bytes is not a multiple of block size %d", len(b), BlockSize)
	}
	for i := 0; i < len(b); i += BlockSize {
		s.cipher.Encrypt(b[i:i+BlockSize], b[i:i+BlockSize])
	}
	return nil
}

// DecryptBlocks deciphers b in place, block by block. len(b) must be a
// multiple of BlockSize.
func (s *Session) DecryptBlocks(b []byte) error {
	if len(b)%BlockSize != 0 {
		return fmt.Errorf("decrypt: %d bytes is not a multiple of block size %d", len(b), BlockSize)
	}
	for i := 0; i < len(b); i += BlockSize {
		s.cipher.Decrypt(b[i:i+BlockSize], b[i:i+BlockSize])
	}
	return nil
}
