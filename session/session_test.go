package session

import (
	"testing"

	"github.com/duskline/signalcore/keys"
	"github.com/duskline/signalcore/ratchet"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestNewSessionHasNoChains(t *testing.T) {
	s := NewSession()
	require.Nil(t, s.SendingChain())
	require.Nil(t, s.ReceivingChain([32]byte{1}))
}

func TestAddChainThenSendingChainLookup(t *testing.T) {
	s := NewSession()
	kp := keys.Keypair{Public: [32]byte{1, 2, 3}}
	s.CurrentRatchet.EphemeralKeyPair = kp
	chain := NewChain(ratchet.ChainKey{})
	chain.KeyPair = kp
	s.AddChain(kp.PrefixedPublic(), chain)

	require.Same(t, chain, s.SendingChain())
}

func TestReceivingChainKeyedByRemotePub(t *testing.T) {
	s := NewSession()
	remote := [32]byte{9, 9, 9}
	chain := NewChain(ratchet.ChainKey{})
	s.AddChain(prefixed(remote), chain)

	require.Same(t, chain, s.ReceivingChain(remote))
	require.Nil(t, s.ReceivingChain([32]byte{1}))
}

func prefixed(b [32]byte) []byte {
	out := make([]byte, 33)
	out[0] = 0x05
	copy(out[1:], b[:])
	return out
}

func TestStoreSkippedEvictsOldestBeyondCap(t *testing.T) {
	c := NewChain(ratchet.ChainKey{})
	for i := uint32(0); i < MaxSkippedPerChain+5; i++ {
		c.StoreSkipped(ratchet.MessageKey{Counter: i})
	}
	require.Len(t, c.MessageKeys, MaxSkippedPerChain)
	_, ok := c.MessageKeys[0]
	require.False(t, ok, "oldest skipped key should have been evicted")
	_, ok = c.MessageKeys[MaxSkippedPerChain+4]
	require.True(t, ok, "most recent skipped key should survive")
}

func TestTakeSkippedRemovesEntry(t *testing.T) {
	c := NewChain(ratchet.ChainKey{})
	c.StoreSkipped(ratchet.MessageKey{Counter: 3})

	mk, ok := c.TakeSkipped(3)
	require.True(t, ok)
	require.Equal(t, uint32(3), mk.Counter)

	_, ok = c.TakeSkipped(3)
	require.False(t, ok)
}

func TestRemoveOldChainsRespectsCapAndNeverEvictsLive(t *testing.T) {
	s := NewSession()
	liveKP := keys.Keypair{Public: [32]byte{1}}
	s.CurrentRatchet.EphemeralKeyPair = liveKP

	// Two retired chains together push the session's total skipped-key
	// count over the cap; neither alone would, since StoreSkipped only
	// enforces the per-chain limit.
	oldChainA := NewChain(ratchet.ChainKey{})
	for i := uint32(0); i < 1500; i++ {
		oldChainA.StoreSkipped(ratchet.MessageKey{Counter: i})
	}
	s.AddChain(prefixed([32]byte{2}), oldChainA)

	oldChainB := NewChain(ratchet.ChainKey{})
	for i := uint32(0); i < 600; i++ {
		oldChainB.StoreSkipped(ratchet.MessageKey{Counter: i})
	}
	s.AddChain(prefixed([32]byte{3}), oldChainB)

	liveChain := NewChain(ratchet.ChainKey{})
	liveChain.KeyPair = liveKP
	s.AddChain(liveKP.PrefixedPublic(), liveChain)

	s.RemoveOldChains()
	require.Nil(t, s.ReceivingChain([32]byte{2}), "oldest over-cap non-live chain should be evicted")
	require.Same(t, liveChain, s.SendingChain(), "live sending chain must survive eviction")
}

func TestRemoveOldChainsLogsEachEviction(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	s := NewSession()
	s.SetLogger(logger)
	liveKP := keys.Keypair{Public: [32]byte{1}}
	s.CurrentRatchet.EphemeralKeyPair = liveKP

	oldChain := NewChain(ratchet.ChainKey{})
	for i := uint32(0); i < MaxSkippedPerChain+10; i++ {
		oldChain.StoreSkipped(ratchet.MessageKey{Counter: i})
	}
	s.AddChain(prefixed([32]byte{2}), oldChain)
	// StoreSkipped caps oldChain at MaxSkippedPerChain, so a second
	// retired chain is needed to push the session total over the cap.
	newerChain := NewChain(ratchet.ChainKey{})
	for i := uint32(0); i < 10; i++ {
		newerChain.StoreSkipped(ratchet.MessageKey{Counter: i})
	}
	s.AddChain(prefixed([32]byte{3}), newerChain)
	liveChain := NewChain(ratchet.ChainKey{})
	liveChain.KeyPair = liveKP
	s.AddChain(liveKP.PrefixedPublic(), liveChain)

	s.RemoveOldChains()
	require.Equal(t, "evicted retired chain", hook.LastEntry().Message)
}

func TestRemoveOldChainsNeverEvictsSoleRemainingChain(t *testing.T) {
	s := NewSession()
	kp := keys.Keypair{Public: [32]byte{5}}
	s.CurrentRatchet.EphemeralKeyPair = kp
	chain := NewChain(ratchet.ChainKey{})
	chain.KeyPair = kp
	for i := uint32(0); i < MaxSkippedPerChain+10; i++ {
		chain.StoreSkipped(ratchet.MessageKey{Counter: i})
	}
	s.AddChain(kp.PrefixedPublic(), chain)

	s.RemoveOldChains()
	require.Same(t, chain, s.SendingChain())
}
