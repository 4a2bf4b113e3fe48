// Package primitives implements the fixed cryptographic contract the
// rest of signalcore builds on: Curve25519 Diffie-Hellman, XEdDSA
// signatures over the same Montgomery keys, HKDF/HMAC-SHA256 key
// derivation, AES-256-CBC with PKCS#7 padding, and a CSPRNG wrapper.
//
// Nothing in this package knows about sessions, chains, or the wire
// format — it is a small, deterministic surface that the ratchet, key
// helper, and wire packages all depend on directly.
package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyLen is the size in bytes of a raw Curve25519 key.
const KeyLen = 32

// DjbType is the type byte prepended to a public key when it appears
// inside a wire message ("type-prefixed" form).
const DjbType = 0x05

// ErrInvalidKeyLength is returned when a key does not have the
// expected 32-byte length.
var ErrInvalidKeyLength = errors.New("primitives: invalid key length")

// GenerateKeyPair returns a fresh Curve25519 (private, public) pair.
// The private scalar is clamped per X25519 before the public key is
// derived.
func GenerateKeyPair() (priv, pub [KeyLen]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// DH computes the X25519 shared secret. pub must be the raw 32-byte
// form (strip the 0x05 type byte before calling, if present).
func DH(priv, pub [KeyLen]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// Prefix prepends the DjbType byte, producing the 33-byte wire form
// of a public key.
func Prefix(pub [KeyLen]byte) []byte {
	out := make([]byte, 1+KeyLen)
	out[0] = DjbType
	copy(out[1:], pub[:])
	return out
}

// Strip removes a leading DjbType byte from a 33-byte prefixed public
// key, returning the raw 32-byte form.
func Strip(prefixed []byte) ([KeyLen]byte, error) {
	var out [KeyLen]byte
	if len(prefixed) != 1+KeyLen {
		return out, ErrInvalidKeyLength
	}
	copy(out[:], prefixed[1:])
	return out, nil
}

// HKDF runs HMAC-SHA256-based HKDF-Extract-then-Expand (RFC 5869) and
// returns L bytes. A nil salt defaults to 32 zero bytes, per spec.
func HKDF(ikm, salt, info []byte, l int) ([]byte, error) {
	if salt == nil {
		salt = make([]byte, sha256.Size)
	}
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, l)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HMACSHA256 returns the 32-byte HMAC-SHA256 of data keyed by key.
func HMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// pkcs7Pad pads data to a multiple of blockSize per PKCS#7.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("primitives: invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("primitives: invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("primitives: invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// AESCBCEncrypt encrypts plaintext under (key, iv) with PKCS#7
// padding. key must be 32 bytes, iv must be 16 bytes.
func AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// AESCBCDecrypt decrypts ciphertext under (key, iv) and strips
// PKCS#7 padding, failing on a malformed pad.
func AESCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("primitives: invalid ciphertext length")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

// Wipe zeroes p in place. Best-effort: the Go runtime gives no hard
// guarantee against compiler reordering or a key copy surviving in
// another stack frame, but it denies the easy case.
//
//go:noinline
func Wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
