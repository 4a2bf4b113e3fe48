// Package keys implements the key helper: generation of identity
// keys, registration ids, signed prekeys, and one-time prekeys. Every
// generator is pure given the CSPRNG — no I/O, no session state.
package keys

import (
	"encoding/binary"
	"fmt"

	"github.com/duskline/signalcore/primitives"
)

// Keypair is a Curve25519 (private, public) pair.
type Keypair struct {
	Private [primitives.KeyLen]byte
	Public  [primitives.KeyLen]byte
}

// PrefixedPublic returns the 33-byte type-prefixed public key.
func (k Keypair) PrefixedPublic() []byte {
	return primitives.Prefix(k.Public)
}

// IdentityKeyPair is a Keypair designated long-term, additionally
// capable of XEdDSA signatures.
type IdentityKeyPair struct {
	Keypair
}

// Sign produces an XEdDSA signature over message.
func (k IdentityKeyPair) Sign(message []byte) ([]byte, error) {
	return primitives.Sign(k.Private, message)
}

// GenerateIdentityKeyPair creates a new long-term identity keypair.
func GenerateIdentityKeyPair() (IdentityKeyPair, error) {
	priv, pub, err := primitives.GenerateKeyPair()
	if err != nil {
		return IdentityKeyPair{}, fmt.Errorf("keys: generate identity: %w", err)
	}
	return IdentityKeyPair{Keypair{Private: priv, Public: pub}}, nil
}

// registrationIDModulus bounds registration ids to the 14-bit range
// [1, 16380].
const registrationIDModulus = 16380

// GenerateRegistrationID returns a uniformly distributed registration
// id in [1, 16380].
func GenerateRegistrationID() (uint32, error) {
	b, err := primitives.RandomBytes(4)
	if err != nil {
		return 0, fmt.Errorf("keys: generate registration id: %w", err)
	}
	v := binary.BigEndian.Uint32(b)
	return v%registrationIDModulus + 1, nil
}

// PreKey is a one-time Curve25519 keypair identified by KeyID.
type PreKey struct {
	KeyID   uint32
	Keypair Keypair
}

// GeneratePreKey creates a one-time prekey with the given id.
func GeneratePreKey(keyID uint32) (PreKey, error) {
	priv, pub, err := primitives.GenerateKeyPair()
	if err != nil {
		return PreKey{}, fmt.Errorf("keys: generate prekey %d: %w", keyID, err)
	}
	return PreKey{KeyID: keyID, Keypair: Keypair{Private: priv, Public: pub}}, nil
}

// SignedPreKey is a medium-term keypair signed by the owner's
// identity key.
type SignedPreKey struct {
	KeyID     uint32
	Keypair   Keypair
	Signature []byte
	Timestamp uint64
}

// GenerateSignedPreKey creates a signed prekey with the given id,
// signed by identity.
func GenerateSignedPreKey(identity IdentityKeyPair, signedKeyID uint32, timestamp uint64) (SignedPreKey, error) {
	priv, pub, err := primitives.GenerateKeyPair()
	if err != nil {
		return SignedPreKey{}, fmt.Errorf("keys: generate signed prekey %d: %w", signedKeyID, err)
	}
	kp := Keypair{Private: priv, Public: pub}
	sig, err := identity.Sign(kp.PrefixedPublic())
	if err != nil {
		return SignedPreKey{}, fmt.Errorf("keys: sign prekey %d: %w", signedKeyID, err)
	}
	return SignedPreKey{KeyID: signedKeyID, Keypair: kp, Signature: sig, Timestamp: timestamp}, nil
}

// PreKeyBundle is the published, signed collection of public keys a
// peer consumes to bootstrap a session.
type PreKeyBundle struct {
	RegistrationID uint32
	IdentityKey    [primitives.KeyLen]byte

	SignedPreKeyID        uint32
	SignedPreKeyPublic    [primitives.KeyLen]byte
	SignedPreKeySignature []byte

	HasPreKey    bool
	PreKeyID     uint32
	PreKeyPublic [primitives.KeyLen]byte
}

// VerifySignature checks the bundle's signed-prekey signature against
// its advertised identity key.
func (b PreKeyBundle) VerifySignature() bool {
	return primitives.Verify(b.IdentityKey, primitives.Prefix(b.SignedPreKeyPublic), b.SignedPreKeySignature)
}
