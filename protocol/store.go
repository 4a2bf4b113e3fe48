package protocol

import (
	"context"

	"github.com/duskline/signalcore/keys"
	"github.com/duskline/signalcore/session"
)

// Store is the external dependency the core consumes for everything
// persistent: session records, one-time and signed prekeys, identity
// trust decisions, and our own identity/registration id. Every method
// takes a context first so a real backend (Postgres, Redis, whatever
// the deployment uses) can honor cancellation and timeouts.
type Store interface {
	LoadSession(ctx context.Context, addr Address) (*session.Record, error)
	StoreSession(ctx context.Context, addr Address, record *session.Record) error

	IsTrustedIdentity(ctx context.Context, addr Address, identityKey [32]byte) (bool, error)

	LoadPreKey(ctx context.Context, keyID uint32) (*keys.PreKey, error)
	RemovePreKey(ctx context.Context, keyID uint32) error

	LoadSignedPreKey(ctx context.Context, keyID uint32) (*keys.SignedPreKey, error)

	GetOurRegistrationID(ctx context.Context) (uint32, error)
	GetOurIdentity(ctx context.Context) (keys.IdentityKeyPair, error)
}
