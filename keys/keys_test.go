package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateIdentityKeyPairCanSign(t *testing.T) {
	id, err := GenerateIdentityKeyPair()
	require.NoError(t, err)

	sig, err := id.Sign([]byte("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, sig)
}

func TestGenerateRegistrationIDInRange(t *testing.T) {
	for i := 0; i < 50; i++ {
		id, err := GenerateRegistrationID()
		require.NoError(t, err)
		require.GreaterOrEqual(t, id, uint32(1))
		require.LessOrEqual(t, id, uint32(registrationIDModulus))
	}
}

func TestGeneratePreKeyID(t *testing.T) {
	pk, err := GeneratePreKey(42)
	require.NoError(t, err)
	require.Equal(t, uint32(42), pk.KeyID)
	require.NotEqual(t, [32]byte{}, pk.Keypair.Public)
}

func TestGenerateSignedPreKeySignatureVerifies(t *testing.T) {
	identity, err := GenerateIdentityKeyPair()
	require.NoError(t, err)

	spk, err := GenerateSignedPreKey(identity, 1, 1700000000)
	require.NoError(t, err)
	require.True(t, identity.Keypair.Public != spk.Keypair.Public)

	bundle := PreKeyBundle{
		IdentityKey:           identity.Public,
		SignedPreKeyPublic:    spk.Keypair.Public,
		SignedPreKeySignature: spk.Signature,
	}
	require.True(t, bundle.VerifySignature())
}

func TestPreKeyBundleVerifySignatureRejectsTamperedKey(t *testing.T) {
	identity, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	spk, err := GenerateSignedPreKey(identity, 1, 0)
	require.NoError(t, err)

	tamperedPub := spk.Keypair.Public
	tamperedPub[0] ^= 0xFF

	bundle := PreKeyBundle{
		IdentityKey:           identity.Public,
		SignedPreKeyPublic:    tamperedPub,
		SignedPreKeySignature: spk.Signature,
	}
	require.False(t, bundle.VerifySignature())
}

func TestPrefixedPublicLength(t *testing.T) {
	id, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	require.Len(t, id.PrefixedPublic(), 33)
}
