package ratchet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainStepAdvancesCounterAndIsDeterministic(t *testing.T) {
	ck := ChainKey{Key: [32]byte{1, 2, 3}}
	next1, raw1 := ChainStep(ck)
	next2, raw2 := ChainStep(ck)

	require.Equal(t, uint32(1), next1.Counter)
	require.Equal(t, next1, next2)
	require.Equal(t, raw1, raw2)
	require.NotEqual(t, ck.Key, next1.Key)
}

func TestStepProducesUsableMessageKeyAtCurrentCounter(t *testing.T) {
	ck := ChainKey{Key: [32]byte{9, 9, 9}, Counter: 5}
	next, mk, err := Step(ck)
	require.NoError(t, err)
	require.Equal(t, uint32(5), mk.Counter)
	require.Equal(t, uint32(6), next.Counter)
	require.NotEqual(t, mk.CipherKey, mk.MacKey)
}

func TestRootKDFDivergesWithDifferentDH(t *testing.T) {
	root := [32]byte{1}
	rk1, ck1, err := RootKDF(root, []byte("dh output a"))
	require.NoError(t, err)
	rk2, ck2, err := RootKDF(root, []byte("dh output b"))
	require.NoError(t, err)

	require.NotEqual(t, rk1, rk2)
	require.NotEqual(t, ck1.Key, ck2.Key)
}

func TestRootKDFDeterministic(t *testing.T) {
	root := [32]byte{7}
	rk1, ck1, err := RootKDF(root, []byte("same dh"))
	require.NoError(t, err)
	rk2, ck2, err := RootKDF(root, []byte("same dh"))
	require.NoError(t, err)
	require.Equal(t, rk1, rk2)
	require.Equal(t, ck1, ck2)
}

func TestInitialSecretsVariesWithDHOutputCount(t *testing.T) {
	three := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	four := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}

	rk3, _, err := InitialSecrets(three)
	require.NoError(t, err)
	rk4, _, err := InitialSecrets(four)
	require.NoError(t, err)
	require.NotEqual(t, rk3, rk4)
}

func TestDeriveMessageKeyFieldsAreIndependent(t *testing.T) {
	var raw [32]byte
	copy(raw[:], "fixed raw chain output material")
	mk, err := DeriveMessageKey(raw, 3)
	require.NoError(t, err)
	require.Equal(t, uint32(3), mk.Counter)
	require.NotEqual(t, mk.CipherKey[:], mk.MacKey[:])
	require.NotEqual(t, mk.MacKey[:16], mk.IV[:])
}
