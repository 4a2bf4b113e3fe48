// Package session implements the session record: persistent ratchet
// state indexed by remote base key, with skipped-message-key
// management and the open/archived session lifecycle. It builds
// directly on package ratchet's pure KDF math and package keys'
// Keypair type.
package session

import (
	"github.com/duskline/signalcore/keys"
	"github.com/duskline/signalcore/primitives"
	"github.com/duskline/signalcore/ratchet"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BaseKeyType records which party generated a session's base key.
type BaseKeyType int

const (
	// OURS means we are the session initiator.
	OURS BaseKeyType = iota
	// THEIRS means the remote party initiated.
	THEIRS
)

// MaxSkippedPerChain and MaxArchivedSessions are the eviction caps for
// the skipped-message-key cache and the archived-session list.
const (
	MaxSkippedPerChain  = 2000
	MaxArchivedSessions = 40
)

// Chain is one side of a Double Ratchet chain: a sending chain owns
// an ephemeral keypair, a receiving chain holds only the peer's
// ephemeral public key. MessageKeys is the skipped-key cache.
type Chain struct {
	ChainKey    ratchet.ChainKey
	IsSending   bool
	KeyPair     keys.Keypair      // valid when IsSending
	RemotePub   [32]byte          // the chain's ephemeral public key (raw form)
	MessageKeys map[uint32]ratchet.MessageKey
	skipOrder   []uint32 // insertion order, oldest first, for eviction
}

// NewChain returns an empty chain seeded with ck.
func NewChain(ck ratchet.ChainKey) *Chain {
	return &Chain{ChainKey: ck, MessageKeys: make(map[uint32]ratchet.MessageKey)}
}

// StoreSkipped caches a message key for later out-of-order delivery,
// evicting the oldest entry in this chain once MaxSkippedPerChain is
// exceeded.
func (c *Chain) StoreSkipped(mk ratchet.MessageKey) {
	if _, exists := c.MessageKeys[mk.Counter]; !exists {
		c.skipOrder = append(c.skipOrder, mk.Counter)
	}
	c.MessageKeys[mk.Counter] = mk
	for len(c.MessageKeys) > MaxSkippedPerChain {
		oldest := c.skipOrder[0]
		c.skipOrder = c.skipOrder[1:]
		delete(c.MessageKeys, oldest)
	}
}

// TakeSkipped removes and returns the cached message key for counter,
// if present.
func (c *Chain) TakeSkipped(counter uint32) (ratchet.MessageKey, bool) {
	mk, ok := c.MessageKeys[counter]
	if !ok {
		return ratchet.MessageKey{}, false
	}
	delete(c.MessageKeys, counter)
	for i, n := range c.skipOrder {
		if n == counter {
			c.skipOrder = append(c.skipOrder[:i], c.skipOrder[i+1:]...)
			break
		}
	}
	return mk, true
}

// skippedCount returns the number of cached skipped keys in this
// chain, used to enforce the session-wide skip cap.
func (c *Chain) skippedCount() int { return len(c.MessageKeys) }

// Clone returns a deep copy of c, so a trial decrypt against the
// clone can never leak a mutation back into the original chain.
func (c *Chain) Clone() *Chain {
	out := &Chain{
		ChainKey:    c.ChainKey,
		IsSending:   c.IsSending,
		KeyPair:     c.KeyPair,
		RemotePub:   c.RemotePub,
		MessageKeys: make(map[uint32]ratchet.MessageKey, len(c.MessageKeys)),
		skipOrder:   append([]uint32(nil), c.skipOrder...),
	}
	for k, v := range c.MessageKeys {
		out.MessageKeys[k] = v
	}
	return out
}

// CurrentRatchet is the DH-ratchet half of a Session's state.
type CurrentRatchet struct {
	RootKey                [32]byte
	EphemeralKeyPair       keys.Keypair // our current sending ephemeral (DHs)
	LastRemoteEphemeralKey [32]byte     // DHr we last ratcheted against
	HasLastRemote          bool
	PreviousCounter        uint32
}

// IndexInfo identifies a session within its record.
type IndexInfo struct {
	RemoteIdentityKey [32]byte
	BaseKey           []byte // 33B, type-prefixed; the record index
	BaseKeyType       BaseKeyType
	Closed            int64 // -1 if open, else a logical closure order
}

// PendingPreKey is set on a session we initiated but have not yet had
// acknowledged by the peer (i.e. we are still sending
// PreKeyWhisperMessages).
type PendingPreKey struct {
	HasPreKeyID bool
	PreKeyID    uint32
	SignedKeyID uint32
	BaseKey     []byte // 33B
}

// Session is one open or archived ratchet.
type Session struct {
	// TraceID is a random id generated once per in-memory Session,
	// carried into log fields so a SessionBuilder/SessionCipher's log
	// lines for one ratchet can be correlated without logging key
	// material. It does not survive Serialize/Deserialize — a
	// reloaded session gets a new one, which is fine since it exists
	// only to tie together logs from a single process's lifetime.
	TraceID string

	RegistrationID uint32
	CurrentRatchet CurrentRatchet
	IndexInfo      IndexInfo
	PendingPreKey  *PendingPreKey

	chainOrder []string // prefixed-ephemeral-pubkey insertion order
	chains     map[string]*Chain

	logger *logrus.Logger
}

// NewSession returns an empty session with its chain map initialized.
func NewSession() *Session {
	return &Session{TraceID: uuid.NewString(), chains: make(map[string]*Chain)}
}

// SetLogger attaches a debug logger for chain-eviction transitions. A
// session with no logger attached never logs.
func (s *Session) SetLogger(logger *logrus.Logger) {
	s.logger = logger
}

func (s *Session) log() *logrus.Entry {
	if s.logger == nil {
		return logrus.NewEntry(logrus.New())
	}
	return s.logger.WithField("session", s.TraceID)
}

func chainMapKey(prefixedEphPub []byte) string { return string(prefixedEphPub) }

// SendingChain returns the session's current sending chain, if any.
func (s *Session) SendingChain() *Chain {
	key := chainMapKey(s.CurrentRatchet.EphemeralKeyPair.PrefixedPublic())
	return s.chains[key]
}

// ReceivingChain looks up the chain keyed by a remote ephemeral
// public key (raw 32B form).
func (s *Session) ReceivingChain(remotePub [32]byte) *Chain {
	key := chainMapKey(primitives.Prefix(remotePub))
	return s.chains[key]
}

// AddChain installs (or replaces) a chain keyed by ephPub (prefixed).
func (s *Session) AddChain(ephPubPrefixed []byte, c *Chain) {
	key := chainMapKey(ephPubPrefixed)
	if _, exists := s.chains[key]; !exists {
		s.chainOrder = append(s.chainOrder, key)
	}
	s.chains[key] = c
}

// totalSkipped counts skipped keys across every chain in the session,
// for enforcing the session-wide 2000 cap (invariant 2, second half).
func (s *Session) totalSkipped() int {
	n := 0
	for _, c := range s.chains {
		n += c.skippedCount()
	}
	return n
}

// RemoveOldChains evicts the oldest chains (by installation order)
// until the session's total skipped-key count is at most
// MaxSkippedPerChain.
func (s *Session) RemoveOldChains() {
	for s.totalSkipped() > MaxSkippedPerChain && len(s.chainOrder) > 1 {
		oldestKey := s.chainOrder[0]
		// Never evict the live sending or receiving chain.
		if oldestKey == chainMapKey(s.CurrentRatchet.EphemeralKeyPair.PrefixedPublic()) {
			break
		}
		s.chainOrder = s.chainOrder[1:]
		delete(s.chains, oldestKey)
		s.log().WithField("chain", oldestKey).Debug("evicted retired chain")
	}
}

// Clone returns a deep copy of s, sharing the same TraceID (it is the
// same logical session for log-correlation purposes) but none of its
// mutable state. A caller trying a candidate session against a
// message it may not match should clone it first and only fold the
// clone back in on success — no in-place mutation of a session is
// visible anywhere until the trial it was mutated for has actually
// succeeded.
func (s *Session) Clone() *Session {
	out := &Session{
		TraceID:        s.TraceID,
		RegistrationID: s.RegistrationID,
		CurrentRatchet: s.CurrentRatchet,
		IndexInfo:      s.IndexInfo,
		chainOrder:     append([]string(nil), s.chainOrder...),
		chains:         make(map[string]*Chain, len(s.chains)),
		logger:         s.logger,
	}
	out.IndexInfo.BaseKey = append([]byte(nil), s.IndexInfo.BaseKey...)
	if s.PendingPreKey != nil {
		pending := *s.PendingPreKey
		pending.BaseKey = append([]byte(nil), s.PendingPreKey.BaseKey...)
		out.PendingPreKey = &pending
	}
	for k, c := range s.chains {
		out.chains[k] = c.Clone()
	}
	return out
}
