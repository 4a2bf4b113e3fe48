// Package memstore provides a reference in-memory implementation of
// protocol.Store, generalized from a single-process key/value map
// into the full session/prekey/identity surface the core consumes.
// It is what the demo binary and the test suite run against; a real
// deployment would back protocol.Store with Postgres, Redis, or
// whatever the application already uses. Storage is a handful of
// maps behind a single RWMutex — adequate for a reference store
// serving one process, not a concurrency model to imitate at scale.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/duskline/signalcore/keys"
	"github.com/duskline/signalcore/protocol"
	"github.com/duskline/signalcore/session"
)

// Store is a protocol.Store over plain maps guarded by one RWMutex.
// The zero value is not usable (its maps are nil); use New to get a
// fully-initialized store.
type Store struct {
	mu sync.RWMutex

	sessions     map[string]*session.Record
	preKeys      map[uint32]keys.PreKey
	signedPreKey map[uint32]keys.SignedPreKey
	trusted      map[string][32]byte

	ourIdentity      keys.IdentityKeyPair
	ourRegistrationID uint32
}

// New returns a Store seeded with our own identity and registration
// id — both of which a real deployment generates once via package
// keys and persists for the lifetime of the account.
func New(identity keys.IdentityKeyPair, registrationID uint32) *Store {
	return &Store{
		sessions:          make(map[string]*session.Record),
		preKeys:           make(map[uint32]keys.PreKey),
		signedPreKey:      make(map[uint32]keys.SignedPreKey),
		trusted:           make(map[string][32]byte),
		ourIdentity:       identity,
		ourRegistrationID: registrationID,
	}
}

// AddPreKey registers a one-time prekey the key helper generated.
func (s *Store) AddPreKey(pk keys.PreKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preKeys[pk.KeyID] = pk
}

// AddSignedPreKey registers a signed prekey the key helper generated.
func (s *Store) AddSignedPreKey(spk keys.SignedPreKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signedPreKey[spk.KeyID] = spk
}

// TrustIdentity records identityKey as trusted for addr — a stand-in
// for whatever TOFU or safety-number verification policy a real
// application enforces; the core itself makes no trust decisions.
func (s *Store) TrustIdentity(addr protocol.Address, identityKey [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trusted[addr.String()] = identityKey
}

func (s *Store) LoadSession(_ context.Context, addr protocol.Address) (*session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[addr.String()], nil
}

func (s *Store) StoreSession(_ context.Context, addr protocol.Address, record *session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[addr.String()] = record
	return nil
}

func (s *Store) IsTrustedIdentity(_ context.Context, addr protocol.Address, identityKey [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known, ok := s.trusted[addr.String()]
	if !ok {
		// Trust-on-first-use: an address we've never seen is trusted
		// and its identity key recorded.
		s.trusted[addr.String()] = identityKey
		return true, nil
	}
	return known == identityKey, nil
}

func (s *Store) LoadPreKey(_ context.Context, keyID uint32) (*keys.PreKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.preKeys[keyID]
	if !ok {
		return nil, nil
	}
	return &pk, nil
}

func (s *Store) RemovePreKey(_ context.Context, keyID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.preKeys, keyID)
	return nil
}

func (s *Store) LoadSignedPreKey(_ context.Context, keyID uint32) (*keys.SignedPreKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spk, ok := s.signedPreKey[keyID]
	if !ok {
		return nil, fmt.Errorf("memstore: signed prekey %d not found", keyID)
	}
	return &spk, nil
}

func (s *Store) GetOurRegistrationID(_ context.Context) (uint32, error) {
	return s.ourRegistrationID, nil
}

func (s *Store) GetOurIdentity(_ context.Context) (keys.IdentityKeyPair, error) {
	return s.ourIdentity, nil
}

var _ protocol.Store = (*Store)(nil)
