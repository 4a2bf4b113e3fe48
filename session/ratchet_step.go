package session

import (
	"fmt"

	"github.com/duskline/signalcore/keys"
	"github.com/duskline/signalcore/primitives"
	"github.com/duskline/signalcore/ratchet"
)

// DHRatchetStep performs the receiver-side two-step DH ratchet
// described for a newly observed remote ephemeral key: it derives the
// receiving chain against remoteEphPub using the session's current
// sending keypair, generates a fresh sending keypair, derives the new
// sending chain against the same remote key, and installs both,
// retiring the prior sending chain's counter into PreviousCounter.
func (s *Session) DHRatchetStep(remoteEphPub [32]byte) error {
	dh1, err := primitives.DH(s.CurrentRatchet.EphemeralKeyPair.Private, remoteEphPub)
	if err != nil {
		return fmt.Errorf("session: ratchet step dh1: %w", err)
	}
	rootKey1, receivingChainKey, err := ratchet.RootKDF(s.CurrentRatchet.RootKey, dh1)
	if err != nil {
		return fmt.Errorf("session: ratchet step root kdf 1: %w", err)
	}

	newPriv, newPub, err := primitives.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("session: ratchet step keygen: %w", err)
	}
	newEph := keys.Keypair{Private: newPriv, Public: newPub}

	dh2, err := primitives.DH(newEph.Private, remoteEphPub)
	if err != nil {
		return fmt.Errorf("session: ratchet step dh2: %w", err)
	}
	rootKey2, sendingChainKey, err := ratchet.RootKDF(rootKey1, dh2)
	if err != nil {
		return fmt.Errorf("session: ratchet step root kdf 2: %w", err)
	}

	previousCounter := uint32(0)
	if sc := s.SendingChain(); sc != nil {
		previousCounter = sc.ChainKey.Counter
	}

	s.AddChain(primitives.Prefix(remoteEphPub), NewChain(receivingChainKey))
	receiving := s.ReceivingChain(remoteEphPub)
	receiving.IsSending = false
	receiving.RemotePub = remoteEphPub

	sendingChain := NewChain(sendingChainKey)
	sendingChain.IsSending = true
	sendingChain.KeyPair = newEph
	s.AddChain(newEph.PrefixedPublic(), sendingChain)

	s.CurrentRatchet.RootKey = rootKey2
	s.CurrentRatchet.EphemeralKeyPair = newEph
	s.CurrentRatchet.LastRemoteEphemeralKey = remoteEphPub
	s.CurrentRatchet.HasLastRemote = true
	s.CurrentRatchet.PreviousCounter = previousCounter

	s.RemoveOldChains()
	return nil
}
