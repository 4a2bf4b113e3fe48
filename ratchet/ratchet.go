// Package ratchet implements the root-key/chain-key/message-key
// derivation and the Diffie-Hellman ratchet step. It has no I/O and
// no session bookkeeping; package session builds two-chain ratchet
// sessions out of these primitives.
package ratchet

import (
	"github.com/duskline/signalcore/primitives"
)

// rootInfo and messageInfo are the fixed HKDF info strings, matching
// the Signal v3 WhisperRatchet/WhisperMessageKeys constants.
var (
	rootInfo    = []byte("WhisperRatchet")
	messageInfo = []byte("WhisperMessageKeys")
	textInfo    = []byte("WhisperText")
)

// ChainKey is a 32-byte symmetric secret plus the number of message
// keys already derived from it.
type ChainKey struct {
	Key     [32]byte
	Counter uint32
}

// MessageKey is the per-message key material derived from a ChainKey
// step: an AES-CBC cipher key, an HMAC MAC key, and an IV.
type MessageKey struct {
	CipherKey [32]byte
	MacKey    [32]byte
	IV        [16]byte
	Counter   uint32
}

// RootKDF derives a new (root key, chain key) pair from the current
// root key and a fresh DH output.
func RootKDF(rootKey [32]byte, dhOutput []byte) (newRootKey [32]byte, newChainKey ChainKey, err error) {
	out, err := primitives.HKDF(dhOutput, rootKey[:], rootInfo, 64)
	if err != nil {
		return newRootKey, newChainKey, err
	}
	copy(newRootKey[:], out[0:32])
	copy(newChainKey.Key[:], out[32:64])
	return newRootKey, newChainKey, nil
}

// ChainStep advances a chain key by one step, returning the next
// chain key and the message key derived at the current counter.
func ChainStep(ck ChainKey) (next ChainKey, raw [32]byte) {
	mk := primitives.HMACSHA256(ck.Key[:], []byte{0x01})
	nk := primitives.HMACSHA256(ck.Key[:], []byte{0x02})
	copy(raw[:], mk)
	next.Counter = ck.Counter + 1
	copy(next.Key[:], nk)
	return next, raw
}

// DeriveMessageKey expands a chain step's raw output into cipher/mac
// keys and an IV.
func DeriveMessageKey(raw [32]byte, counter uint32) (MessageKey, error) {
	out, err := primitives.HKDF(raw[:], nil, messageInfo, 80)
	if err != nil {
		return MessageKey{}, err
	}
	var mk MessageKey
	copy(mk.CipherKey[:], out[0:32])
	copy(mk.MacKey[:], out[32:64])
	copy(mk.IV[:], out[64:80])
	mk.Counter = counter
	return mk, nil
}

// Step derives the next chain key and the MessageKey at the current
// counter in one call.
func Step(ck ChainKey) (ChainKey, MessageKey, error) {
	next, raw := ChainStep(ck)
	mk, err := DeriveMessageKey(raw, ck.Counter)
	if err != nil {
		return ChainKey{}, MessageKey{}, err
	}
	return next, mk, nil
}

// InitialSecrets computes the X3DH-derived initial root key and chain
// key from the ordered list of DH outputs: DH(IA,SPK), DH(EA,IB),
// DH(EA,SPK), and optionally DH(EA,OPK). dhOutputs must already be in
// that order.
func InitialSecrets(dhOutputs [][]byte) (rootKey [32]byte, chainKey ChainKey, err error) {
	master := make([]byte, 0, 32+32*len(dhOutputs))
	for i := 0; i < 32; i++ {
		master = append(master, 0xFF)
	}
	for _, dh := range dhOutputs {
		master = append(master, dh...)
	}
	derived, err := primitives.HKDF(master, nil, textInfo, 64)
	if err != nil {
		return rootKey, chainKey, err
	}
	copy(rootKey[:], derived[0:32])
	copy(chainKey.Key[:], derived[32:64])
	return rootKey, chainKey, nil
}
