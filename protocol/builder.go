package protocol

import (
	"context"
	"fmt"

	"github.com/duskline/signalcore/keys"
	"github.com/duskline/signalcore/primitives"
	"github.com/duskline/signalcore/queue"
	"github.com/duskline/signalcore/ratchet"
	"github.com/duskline/signalcore/session"
	"github.com/sirupsen/logrus"
)

// SessionBuilder bootstraps sessions via X3DH, either as the
// initiator consuming a remote PreKeyBundle (InitOutgoing) or as the
// responder processing an inbound PreKeyWhisperMessage (InitIncoming).
type SessionBuilder struct {
	store  Store
	addr   Address
	queue  *queue.Queue
	logger *logrus.Logger
}

// NewSessionBuilder returns a builder for addr backed by store. q
// serializes every bootstrap against addr's job-queue bucket,
// matching the serialization every SessionCipher call for the same
// address goes through. A nil logger disables bootstrap logging.
func NewSessionBuilder(store Store, addr Address, q *queue.Queue, logger *logrus.Logger) *SessionBuilder {
	return &SessionBuilder{store: store, addr: addr, queue: q, logger: logger}
}

func (b *SessionBuilder) log() *logrus.Entry {
	if b.logger == nil {
		return logrus.NewEntry(logrus.New())
	}
	return b.logger.WithField("address", b.addr.String())
}

// InitOutgoing consumes a remote PreKeyBundle, verifies its signature
// and identity trust, derives the initial root/chain keys via X3DH,
// and installs a new open session with a sending chain already in
// place. The order of checks matters: no state is mutated before both
// the signature and trust checks pass. It runs on addr's job-queue
// bucket, so it cannot race a concurrent Encrypt/Decrypt* call for
// the same address.
func (b *SessionBuilder) InitOutgoing(ctx context.Context, bundle keys.PreKeyBundle) error {
	_, err := b.queue.Run(ctx, b.addr.String(), func(ctx context.Context) (any, error) {
		return nil, b.initOutgoing(ctx, bundle)
	})
	return err
}

func (b *SessionBuilder) initOutgoing(ctx context.Context, bundle keys.PreKeyBundle) error {
	if !bundle.VerifySignature() {
		b.log().Warn("signed prekey signature verification failed")
		return ErrInvalidSignature
	}

	trusted, err := b.store.IsTrustedIdentity(ctx, b.addr, bundle.IdentityKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if !trusted {
		b.log().Warn("untrusted identity rejected during outgoing bootstrap")
		return ErrUntrustedIdentity
	}

	ourIdentity, err := b.store.GetOurIdentity(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	baseKeyPriv, baseKeyPub, err := primitives.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("protocol: generate base key: %w", err)
	}
	baseKey := keys.Keypair{Private: baseKeyPriv, Public: baseKeyPub}

	dhOutputs, err := aliceDHOutputs(ourIdentity, baseKey, bundle)
	if err != nil {
		return fmt.Errorf("protocol: x3dh: %w", err)
	}
	rootKey, _, err := ratchet.InitialSecrets(dhOutputs)
	if err != nil {
		return fmt.Errorf("protocol: derive initial secrets: %w", err)
	}

	sess := session.NewSession()
	sess.SetLogger(b.logger)
	sess.RegistrationID = bundle.RegistrationID
	sess.CurrentRatchet.RootKey = rootKey
	sess.IndexInfo = session.IndexInfo{
		RemoteIdentityKey: bundle.IdentityKey,
		BaseKey:           baseKey.PrefixedPublic(),
		BaseKeyType:       session.OURS,
		Closed:            -1,
	}
	sess.PendingPreKey = &session.PendingPreKey{
		HasPreKeyID: bundle.HasPreKey,
		PreKeyID:    bundle.PreKeyID,
		SignedKeyID: bundle.SignedPreKeyID,
		BaseKey:     baseKey.PrefixedPublic(),
	}
	// Alice's first DH ratchet step always targets the bundle's
	// signed prekey, establishing the sending chain immediately.
	sess.CurrentRatchet.EphemeralKeyPair = baseKey
	if err := sess.DHRatchetStep(bundle.SignedPreKeyPublic); err != nil {
		return fmt.Errorf("protocol: initial ratchet step: %w", err)
	}

	record, err := b.loadOrNewRecord(ctx)
	if err != nil {
		return err
	}
	record.SetSession(sess)
	if err := b.store.StoreSession(ctx, b.addr, record); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	b.log().WithField("session", sess.TraceID).Info("session established as initiator")
	return nil
}

// InitIncoming installs a session from an inbound
// PreKeyWhisperMessage's bootstrap parameters, returning the session
// so the caller's cipher can decrypt the embedded WhisperMessage
// against it. It does not remove the consumed one-time prekey — the
// caller does that only after a successful decrypt.
//
// It is only ever called from SessionCipher.DecryptPreKeyWhisperMessage,
// itself already running on addr's job-queue bucket, so it does not
// enqueue its own work — doing so would deadlock the bucket's single
// worker goroutine against itself.
func (b *SessionBuilder) InitIncoming(ctx context.Context, remoteIdentityKey [32]byte, registrationID, signedPreKeyID uint32, hasPreKeyID bool, preKeyID uint32, baseKey [32]byte) (*session.Session, error) {
	trusted, err := b.store.IsTrustedIdentity(ctx, b.addr, remoteIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if !trusted {
		b.log().Warn("untrusted identity rejected during incoming bootstrap")
		return nil, ErrUntrustedIdentity
	}

	ourSignedPreKey, err := b.store.LoadSignedPreKey(ctx, signedPreKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if ourSignedPreKey == nil {
		return nil, &InvalidKeyIDError{KeyID: signedPreKeyID, Which: "signedPreKey"}
	}

	var ourPreKey *keys.PreKey
	if hasPreKeyID {
		ourPreKey, err = b.store.LoadPreKey(ctx, preKeyID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
		if ourPreKey == nil {
			return nil, &InvalidKeyIDError{KeyID: preKeyID, Which: "preKey"}
		}
	}

	ourIdentity, err := b.store.GetOurIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	dhOutputs, err := bobDHOutputs(ourIdentity, *ourSignedPreKey, ourPreKey, remoteIdentityKey, baseKey)
	if err != nil {
		return nil, fmt.Errorf("protocol: x3dh: %w", err)
	}
	rootKey, _, err := ratchet.InitialSecrets(dhOutputs)
	if err != nil {
		return nil, fmt.Errorf("protocol: derive initial secrets: %w", err)
	}

	// Mirror the first half of the initiator's bootstrap ratchet step
	// (DH(EA,SPK) against our own signed prekey) so that our root key
	// lines up with theirs before our own DHRatchetStep runs against
	// their first real ratchet key. The chain key half of this step is
	// discarded — it mirrors a receiving chain the initiator installs
	// but never uses, since their own reply key replaces it.
	preStepDH, err := primitives.DH(ourSignedPreKey.Keypair.Private, baseKey)
	if err != nil {
		return nil, fmt.Errorf("protocol: bootstrap pre-step dh: %w", err)
	}
	rootKey, _, err = ratchet.RootKDF(rootKey, preStepDH)
	if err != nil {
		return nil, fmt.Errorf("protocol: bootstrap pre-step root kdf: %w", err)
	}

	sess := session.NewSession()
	sess.SetLogger(b.logger)
	sess.RegistrationID = registrationID
	sess.CurrentRatchet.RootKey = rootKey
	sess.CurrentRatchet.EphemeralKeyPair = ourSignedPreKey.Keypair
	sess.CurrentRatchet.HasLastRemote = false
	sess.IndexInfo = session.IndexInfo{
		RemoteIdentityKey: remoteIdentityKey,
		BaseKey:           primitives.Prefix(baseKey),
		BaseKeyType:       session.THEIRS,
		Closed:            -1,
	}

	b.log().WithField("session", sess.TraceID).Info("session established as responder")
	return sess, nil
}

func (b *SessionBuilder) loadOrNewRecord(ctx context.Context) (*session.Record, error) {
	record, err := b.store.LoadSession(ctx, b.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if record == nil {
		record = session.NewRecord()
	}
	record.SetLogger(b.logger)
	return record, nil
}

// aliceDHOutputs computes DH(IA,SPK), DH(EA,IB), DH(EA,SPK), and
// optionally DH(EA,OPK), in that order, from the initiator's side.
func aliceDHOutputs(ourIdentity keys.IdentityKeyPair, baseKey keys.Keypair, bundle keys.PreKeyBundle) ([][]byte, error) {
	dh1, err := primitives.DH(ourIdentity.Private, bundle.SignedPreKeyPublic)
	if err != nil {
		return nil, err
	}
	dh2, err := primitives.DH(baseKey.Private, bundle.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh3, err := primitives.DH(baseKey.Private, bundle.SignedPreKeyPublic)
	if err != nil {
		return nil, err
	}
	out := [][]byte{dh1, dh2, dh3}
	if bundle.HasPreKey {
		dh4, err := primitives.DH(baseKey.Private, bundle.PreKeyPublic)
		if err != nil {
			return nil, err
		}
		out = append(out, dh4)
	}
	return out, nil
}

// bobDHOutputs mirrors aliceDHOutputs from the responder's side: each
// DH product is computed with our private scalar and the remote's
// public key, yielding the same shared values X25519 guarantees.
func bobDHOutputs(ourIdentity keys.IdentityKeyPair, ourSignedPreKey keys.SignedPreKey, ourPreKey *keys.PreKey, remoteIdentityKey, remoteBaseKey [32]byte) ([][]byte, error) {
	dh1, err := primitives.DH(ourSignedPreKey.Keypair.Private, remoteIdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := primitives.DH(ourIdentity.Private, remoteBaseKey)
	if err != nil {
		return nil, err
	}
	dh3, err := primitives.DH(ourSignedPreKey.Keypair.Private, remoteBaseKey)
	if err != nil {
		return nil, err
	}
	out := [][]byte{dh1, dh2, dh3}
	if ourPreKey != nil {
		dh4, err := primitives.DH(ourPreKey.Keypair.Private, remoteBaseKey)
		if err != nil {
			return nil, err
		}
		out = append(out, dh4)
	}
	return out, nil
}
