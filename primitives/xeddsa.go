package primitives

import (
	"crypto/rand"
	"crypto/sha512"
	"io"
	"math/big"

	"filippo.io/edwards25519"
)

// SignatureLen is the size in bytes of an XEdDSA signature.
const SignatureLen = 64

// xeddsaNoncePrefix and xeddsaRandomLen follow the domain-separation
// convention the Signal XEdDSA write-up uses (a constant block of
// 0xFE bytes ahead of the scalar, distinct from the 0xFF*32 prefix
// used for X3DH's master-secret derivation) so a signing oracle can
// never be tricked into producing a valid X3DH DH computation or
// vice versa.
var xeddsaNoncePrefix = bytesRepeat(0xFE, 32)

const xeddsaRandomLen = 64

func bytesRepeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// Sign produces an XEdDSA signature over message using the Curve25519
// (Montgomery-form) private scalar identityPriv.
//
// crypto/ed25519 cannot be used directly here: it derives its signing
// scalar by SHA-512-hashing a seed, which would produce a different
// scalar than the one already in use for X25519 DH. XEdDSA instead
// signs with the very same clamped scalar used for DH, so the
// corresponding Edwards public point is birationally related to the
// Montgomery public key everyone else already has. That requires raw
// scalar/point arithmetic, which filippo.io/edwards25519 (the library
// crypto/ed25519 itself is built on) exposes and crypto/ed25519's
// high-level API does not.
func Sign(identityPriv [KeyLen]byte, message []byte) ([]byte, error) {
	a := new(edwards25519.Scalar).SetBytesWithClamping(identityPriv[:])
	A := new(edwards25519.Point).ScalarBaseMult(a)

	z := make([]byte, xeddsaRandomLen)
	if _, err := io.ReadFull(rand.Reader, z); err != nil {
		return nil, err
	}

	nonceHash := sha512.New()
	nonceHash.Write(xeddsaNoncePrefix)
	nonceHash.Write(a.Bytes())
	nonceHash.Write(z)
	nonceHash.Write(message)
	r, err := new(edwards25519.Scalar).SetUniformBytes(nonceHash.Sum(nil))
	if err != nil {
		return nil, err
	}
	R := new(edwards25519.Point).ScalarBaseMult(r)

	k, err := challengeScalar(R, A, message)
	if err != nil {
		return nil, err
	}

	s := new(edwards25519.Scalar).Add(r, new(edwards25519.Scalar).Multiply(k, a))

	sig := make([]byte, 0, SignatureLen)
	sig = append(sig, R.Bytes()...)
	sig = append(sig, s.Bytes()...)

	// s is always < L < 2^253, so its top three bits are zero; stash
	// A's sign bit there since the verifier only has A's Montgomery
	// u-coordinate, which loses that bit.
	sig[63] = (sig[63] & 0x7F) | (A.Bytes()[31] & 0x80)
	return sig, nil
}

// Verify checks an XEdDSA signature produced by Sign, given the
// signer's Curve25519 (Montgomery-form) public key. It returns false
// on any structural or mathematical failure; it never panics.
func Verify(identityPub [KeyLen]byte, message, sig []byte) bool {
	if len(sig) != SignatureLen {
		return false
	}
	signBit := sig[63] & 0x80

	R, err := new(edwards25519.Point).SetBytes(sig[:32])
	if err != nil {
		return false
	}

	aEnc, ok := montgomeryUToEdwardsY(identityPub)
	if !ok {
		return false
	}
	aEnc[31] = (aEnc[31] & 0x7F) | signBit
	A, err := new(edwards25519.Point).SetBytes(aEnc[:])
	if err != nil {
		return false
	}

	sBytes := append([]byte(nil), sig[32:]...)
	sBytes[31] &= 0x7F
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(sBytes)
	if err != nil {
		return false
	}

	k, err := challengeScalar(R, A, message)
	if err != nil {
		return false
	}

	lhs := new(edwards25519.Point).Add(R, new(edwards25519.Point).ScalarMult(k, A))
	rhs := new(edwards25519.Point).ScalarBaseMult(s)
	return constantTimeEqual(lhs.Bytes(), rhs.Bytes())
}

// challengeScalar computes H(R || A || M) mod L, the EdDSA challenge.
func challengeScalar(R, A *edwards25519.Point, message []byte) (*edwards25519.Scalar, error) {
	h := sha512.New()
	h.Write(R.Bytes())
	h.Write(A.Bytes())
	h.Write(message)
	return new(edwards25519.Scalar).SetUniformBytes(h.Sum(nil))
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// fieldPrime is 2^255 - 19, the modulus shared by Curve25519 and
// Edwards25519.
var fieldPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// montgomeryUToEdwardsY converts a Montgomery u-coordinate to the
// Edwards y-coordinate via y = (u-1)/(u+1), the standard birational
// map between Curve25519 and Edwards25519, computed mod p with
// math/big (division is a modular inverse via ModInverse).
func montgomeryUToEdwardsY(u [KeyLen]byte) ([KeyLen]byte, bool) {
	var out [KeyLen]byte
	uInt := leBytesToBig(u[:])
	uInt.Mod(uInt, fieldPrime)

	num := new(big.Int).Sub(uInt, big.NewInt(1))
	num.Mod(num, fieldPrime)

	den := new(big.Int).Add(uInt, big.NewInt(1))
	den.Mod(den, fieldPrime)

	denInv := new(big.Int).ModInverse(den, fieldPrime)
	if denInv == nil {
		return out, false
	}

	y := new(big.Int).Mul(num, denInv)
	y.Mod(y, fieldPrime)

	bigToLEBytes(y, out[:])
	return out, true
}

// leBytesToBig interprets b as a little-endian integer, the
// convention Curve25519 uses for u-coordinates.
func leBytesToBig(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}

// bigToLEBytes writes x into out as a little-endian 32-byte integer.
func bigToLEBytes(x *big.Int, out []byte) {
	be := x.FillBytes(make([]byte, len(out)))
	for i, v := range be {
		out[len(out)-1-i] = v
	}
}
