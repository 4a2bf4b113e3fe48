package protocol_test

import (
	"context"
	"testing"

	saferand "github.com/ericlagergren/saferand"
	"github.com/stretchr/testify/require"

	"github.com/duskline/signalcore/keys"
	"github.com/duskline/signalcore/memstore"
	"github.com/duskline/signalcore/protocol"
	"github.com/duskline/signalcore/queue"
)

// party bundles everything needed to drive one side of a conversation
// in these tests: its own store/address/cipher, plus the registration
// and prekey material the other side needs to bootstrap toward it.
type party struct {
	id       string
	identity keys.IdentityKeyPair
	regID    uint32
	store    *memstore.Store
	addr     protocol.Address
	queue    *queue.Queue
	cipher   *protocol.SessionCipher
	signed   keys.SignedPreKey
	oneTime  keys.PreKey
}

func newParty(t *testing.T, id, peerID string) *party {
	t.Helper()
	identity, err := keys.GenerateIdentityKeyPair()
	require.NoError(t, err)
	regID, err := keys.GenerateRegistrationID()
	require.NoError(t, err)
	signed, err := keys.GenerateSignedPreKey(identity, 1, 0)
	require.NoError(t, err)
	oneTime, err := keys.GeneratePreKey(1)
	require.NoError(t, err)

	store := memstore.New(identity, regID)
	store.AddSignedPreKey(signed)
	store.AddPreKey(oneTime)

	addr := protocol.NewAddress(peerID, 1)
	metrics := protocol.NewMetrics(nil)
	q := queue.New()
	return &party{
		id:       id,
		identity: identity,
		regID:    regID,
		store:    store,
		addr:     addr,
		queue:    q,
		cipher:   protocol.NewSessionCipher(store, addr, q, metrics, nil),
		signed:   signed,
		oneTime:  oneTime,
	}
}

func (p *party) bundle() keys.PreKeyBundle {
	return keys.PreKeyBundle{
		RegistrationID:        p.regID,
		IdentityKey:           p.identity.Public,
		SignedPreKeyID:        p.signed.KeyID,
		SignedPreKeyPublic:    p.signed.Keypair.Public,
		SignedPreKeySignature: p.signed.Signature,
		HasPreKey:             true,
		PreKeyID:              p.oneTime.KeyID,
		PreKeyPublic:          p.oneTime.Keypair.Public,
	}
}

func deliver(t *testing.T, from, to *party, res protocol.EncryptResult, ctx context.Context) []byte {
	t.Helper()
	var (
		plaintext []byte
		err       error
	)
	switch res.Type {
	case protocol.PreKeyType:
		plaintext, err = to.cipher.DecryptPreKeyWhisperMessage(ctx, res.Body)
	case protocol.WhisperType:
		plaintext, err = to.cipher.DecryptWhisperMessage(ctx, res.Body)
	default:
		t.Fatalf("unknown message type %v", res.Type)
	}
	require.NoError(t, err)
	return plaintext
}

func bootstrap(t *testing.T) (alice, bob *party) {
	t.Helper()
	ctx := context.Background()
	alice = newParty(t, "alice", "bob")
	bob = newParty(t, "bob", "alice")

	builder := protocol.NewSessionBuilder(alice.store, alice.addr, alice.queue, nil)
	require.NoError(t, builder.InitOutgoing(ctx, bob.bundle()))
	return alice, bob
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice, bob := bootstrap(t)

	res, err := alice.cipher.Encrypt(ctx, []byte("hello bob"))
	require.NoError(t, err)
	require.Equal(t, protocol.PreKeyType, res.Type)

	got := deliver(t, alice, bob, res, ctx)
	require.Equal(t, []byte("hello bob"), got)
}

func TestBidirectionalConversationSwitchesToWhisperType(t *testing.T) {
	ctx := context.Background()
	alice, bob := bootstrap(t)

	first, err := alice.cipher.Encrypt(ctx, []byte("first"))
	require.NoError(t, err)
	require.Equal(t, []byte("first"), deliver(t, alice, bob, first, ctx))

	reply, err := bob.cipher.Encrypt(ctx, []byte("reply"))
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), deliver(t, bob, alice, reply, ctx))

	// Once bob's reply establishes his side of the ratchet, alice's
	// next message no longer needs to carry bootstrap parameters.
	second, err := alice.cipher.Encrypt(ctx, []byte("second"))
	require.NoError(t, err)
	require.Equal(t, protocol.WhisperType, second.Type)
	require.Equal(t, []byte("second"), deliver(t, alice, bob, second, ctx))
}

func TestLongConversationPingPong(t *testing.T) {
	ctx := context.Background()
	alice, bob := bootstrap(t)

	send, recv := alice, bob
	for i := 0; i < 40; i++ {
		res, err := send.cipher.Encrypt(ctx, []byte("message"))
		require.NoError(t, err)
		require.Equal(t, []byte("message"), deliver(t, send, recv, res, ctx))
		send, recv = recv, send
	}
}

func TestOutOfOrderDeliveryWithinAChain(t *testing.T) {
	ctx := context.Background()
	alice, bob := bootstrap(t)

	first, err := alice.cipher.Encrypt(ctx, []byte("m0"))
	require.NoError(t, err)
	require.Equal(t, []byte("m0"), deliver(t, alice, bob, first, ctx))

	// Establish bob's own sending chain so subsequent alice messages
	// land as plain WhisperMessages within one stable chain.
	reply, err := bob.cipher.Encrypt(ctx, []byte("ack"))
	require.NoError(t, err)
	require.Equal(t, []byte("ack"), deliver(t, bob, alice, reply, ctx))

	const n = 20
	type sent struct {
		body      []byte
		plaintext []byte
	}
	msgs := make([]sent, n)
	for i := 0; i < n; i++ {
		pt := []byte{byte(i)}
		res, err := alice.cipher.Encrypt(ctx, pt)
		require.NoError(t, err)
		msgs[i] = sent{body: res.Body, plaintext: pt}
	}

	saferand.Shuffle(len(msgs), func(i, j int) {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	})

	for _, m := range msgs {
		got, err := bob.cipher.DecryptWhisperMessage(ctx, m.body)
		require.NoError(t, err)
		require.Equal(t, m.plaintext, got)
	}
}

func TestTamperedCiphertextFailsMAC(t *testing.T) {
	ctx := context.Background()
	alice, bob := bootstrap(t)

	res, err := alice.cipher.Encrypt(ctx, []byte("hello"))
	require.NoError(t, err)
	tampered := append([]byte(nil), res.Body...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = bob.cipher.DecryptPreKeyWhisperMessage(ctx, tampered)
	require.ErrorIs(t, err, protocol.ErrMAC)
}

func TestUntrustedIdentityRejectsBootstrap(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice", "bob")
	bob := newParty(t, "bob", "alice")
	bundle := bob.bundle()

	alice.store.TrustIdentity(alice.addr, [32]byte{1, 2, 3}) // a different, unrelated identity
	builder := protocol.NewSessionBuilder(alice.store, alice.addr, alice.queue, nil)
	err := builder.InitOutgoing(ctx, bundle)
	require.ErrorIs(t, err, protocol.ErrUntrustedIdentity)
}

func TestInvalidSignatureRejectsBootstrap(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice", "bob")
	bob := newParty(t, "bob", "alice")
	bundle := bob.bundle()
	bundle.SignedPreKeySignature[0] ^= 0xFF

	builder := protocol.NewSessionBuilder(alice.store, alice.addr, alice.queue, nil)
	err := builder.InitOutgoing(ctx, bundle)
	require.ErrorIs(t, err, protocol.ErrInvalidSignature)
}

func TestEncryptWithoutSessionReturnsErrNoSession(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice", "bob")
	_, err := alice.cipher.Encrypt(ctx, []byte("x"))
	require.ErrorIs(t, err, protocol.ErrNoSession)
}

// TestFailedCandidateDoesNotCorruptOpenSession reproduces a record
// holding two candidate sessions for one address — an open session
// from a fresh bootstrap, and an archived session from an earlier one
// — and delivers a message that only the archived session can decrypt.
// DecryptWhisperMessage must try the open session first, fail its MAC
// (after internally DH-ratcheting against a ratchet key that isn't
// really its peer's), and fall back to the archived session without
// leaving the open session's real ratchet state mutated by that
// failed attempt.
func TestFailedCandidateDoesNotCorruptOpenSession(t *testing.T) {
	ctx := context.Background()
	alice, bob := bootstrap(t)

	// Establish bob's first session for alice's address.
	m1, err := alice.cipher.Encrypt(ctx, []byte("m1"))
	require.NoError(t, err)
	require.Equal(t, []byte("m1"), deliver(t, alice, bob, m1, ctx))

	// Bob's reply acknowledges the first session on alice's side, so
	// her later messages on it are plain WhisperMessages.
	ack, err := bob.cipher.Encrypt(ctx, []byte("ack"))
	require.NoError(t, err)
	require.Equal(t, []byte("ack"), deliver(t, bob, alice, ack, ctx))

	// A second message still on the first session's chain, held back
	// until after alice rebootstraps so it only decrypts against the
	// (by then archived) first session.
	delayed, err := alice.cipher.Encrypt(ctx, []byte("delayed"))
	require.NoError(t, err)

	// Alice rebootstraps against bob (e.g. after reinstalling): a
	// second independent session, needing its own one-time prekey
	// since the first was already consumed establishing m1.
	secondOneTime, err := keys.GeneratePreKey(2)
	require.NoError(t, err)
	bob.store.AddPreKey(secondOneTime)
	secondBundle := bob.bundle()
	secondBundle.PreKeyID = secondOneTime.KeyID
	secondBundle.PreKeyPublic = secondOneTime.Keypair.Public

	builder := protocol.NewSessionBuilder(alice.store, alice.addr, alice.queue, nil)
	require.NoError(t, builder.InitOutgoing(ctx, secondBundle))

	second, err := alice.cipher.Encrypt(ctx, []byte("second-session-hello"))
	require.NoError(t, err)
	// Delivering this installs bob's second session as open, archiving
	// his first (now holding the not-yet-delivered "delayed" chain).
	require.Equal(t, []byte("second-session-hello"), deliver(t, alice, bob, second, ctx))

	// Now deliver the deferred message. Bob's open session is the
	// second one; it has no chain for the first session's ratchet
	// key, so the trial against it fails. It must fall back to the
	// archived first session and succeed there.
	require.Equal(t, []byte("delayed"), deliver(t, alice, bob, delayed, ctx))

	// The late delivery promotes the first session back to open and
	// archives the second. Exchange one more message on the SECOND
	// session (now archived on bob's side) to prove its real ratchet
	// state was never touched by the failed trial above — a corrupted
	// copy would fail this decrypt.
	third, err := alice.cipher.Encrypt(ctx, []byte("second-session-still-good"))
	require.NoError(t, err)
	require.Equal(t, []byte("second-session-still-good"), deliver(t, alice, bob, third, ctx))
}

func TestOneTimePreKeyConsumedAfterFirstDecrypt(t *testing.T) {
	ctx := context.Background()
	alice, bob := bootstrap(t)

	res, err := alice.cipher.Encrypt(ctx, []byte("hi"))
	require.NoError(t, err)
	_ = deliver(t, alice, bob, res, ctx)

	pk, err := bob.store.LoadPreKey(ctx, bob.oneTime.KeyID)
	require.NoError(t, err)
	require.Nil(t, pk)
}
