package protocol

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/duskline/signalcore/keys"
	"github.com/duskline/signalcore/primitives"
	"github.com/duskline/signalcore/queue"
	"github.com/duskline/signalcore/ratchet"
	"github.com/duskline/signalcore/session"
	"github.com/duskline/signalcore/wire"
	"github.com/sirupsen/logrus"
)

// MessageType distinguishes the two ciphertext framings a cipher can
// produce, matching the Signal v3 envelope type field.
type MessageType int

const (
	// WhisperType is a normal, already-established-session message.
	WhisperType MessageType = 1
	// PreKeyType wraps a WhisperMessage with X3DH bootstrap parameters
	// for a session's first transmission.
	PreKeyType MessageType = 3
)

// EncryptResult is the output of SessionCipher.Encrypt.
type EncryptResult struct {
	Type           MessageType
	Body           []byte
	RegistrationID uint32
}

// SessionCipher encrypts and decrypts messages for one remote
// address, dispatching between PreKeyWhisperMessage and
// WhisperMessage framing as the session's state dictates. Every
// Encrypt/Decrypt* call runs on addr's job-queue bucket, so two
// concurrent calls for the same address are never interleaved against
// the same session state.
type SessionCipher struct {
	store   Store
	addr    Address
	queue   *queue.Queue
	builder *SessionBuilder
	metrics *Metrics
	logger  *logrus.Logger
}

// NewSessionCipher returns a cipher for addr. q is the shared job
// queue whose addr-keyed bucket serializes every call this cipher (and
// its internal SessionBuilder) makes. metrics and logger may both be
// nil.
func NewSessionCipher(store Store, addr Address, q *queue.Queue, metrics *Metrics, logger *logrus.Logger) *SessionCipher {
	return &SessionCipher{
		store:   store,
		addr:    addr,
		queue:   q,
		builder: NewSessionBuilder(store, addr, q, logger),
		metrics: metrics,
		logger:  logger,
	}
}

func (c *SessionCipher) log() *logrus.Entry {
	if c.logger == nil {
		return logrus.NewEntry(logrus.New())
	}
	return c.logger.WithField("address", c.addr.String())
}

// Encrypt produces either a WhisperMessage or a PreKeyWhisperMessage
// frame, advancing the session's sending chain by exactly one step.
func (c *SessionCipher) Encrypt(ctx context.Context, plaintext []byte) (EncryptResult, error) {
	out, err := c.queue.Run(ctx, c.addr.String(), func(ctx context.Context) (any, error) {
		return c.encrypt(ctx, plaintext)
	})
	if err != nil {
		return EncryptResult{}, err
	}
	return out.(EncryptResult), nil
}

func (c *SessionCipher) encrypt(ctx context.Context, plaintext []byte) (EncryptResult, error) {
	record, err := c.store.LoadSession(ctx, c.addr)
	if err != nil {
		return EncryptResult{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if record == nil {
		return EncryptResult{}, ErrNoSession
	}
	record.SetLogger(c.logger)
	sess := record.GetOpenSession()
	if sess == nil {
		return EncryptResult{}, ErrNoSession
	}
	sess.SetLogger(c.logger)
	chain := sess.SendingChain()
	if chain == nil {
		return EncryptResult{}, ErrNoSession
	}

	next, mk, err := ratchet.Step(chain.ChainKey)
	if err != nil {
		return EncryptResult{}, fmt.Errorf("protocol: derive message key: %w", err)
	}
	chain.ChainKey = next

	ciphertext, err := primitives.AESCBCEncrypt(mk.CipherKey[:], mk.IV[:], plaintext)
	if err != nil {
		return EncryptResult{}, fmt.Errorf("protocol: encrypt: %w", err)
	}

	msg := &wire.WhisperMessage{
		RatchetKey:      chain.KeyPair.PrefixedPublic(),
		Counter:         mk.Counter,
		PreviousCounter: sess.CurrentRatchet.PreviousCounter,
		Ciphertext:      ciphertext,
	}

	ourIdentity, err := c.store.GetOurIdentity(ctx)
	if err != nil {
		return EncryptResult{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	mac := computeMAC(mk.MacKey, primitives.Prefix(ourIdentity.Public), primitives.Prefix(sess.IndexInfo.RemoteIdentityKey), msg.EncodeBody())
	copy(msg.MAC[:], mac)

	body := msg.Encode()
	result := EncryptResult{Type: WhisperType, Body: body, RegistrationID: sess.RegistrationID}

	if sess.PendingPreKey != nil {
		ourRegID, err := c.store.GetOurRegistrationID(ctx)
		if err != nil {
			return EncryptResult{}, fmt.Errorf("%w: %v", ErrStore, err)
		}
		pkm := &wire.PreKeyWhisperMessage{
			RegistrationID: ourRegID,
			HasPreKeyID:    sess.PendingPreKey.HasPreKeyID,
			PreKeyID:       sess.PendingPreKey.PreKeyID,
			SignedPreKeyID: sess.PendingPreKey.SignedKeyID,
			BaseKey:        sess.PendingPreKey.BaseKey,
			IdentityKey:    primitives.Prefix(ourIdentity.Public),
			Message:        body,
		}
		result.Type = PreKeyType
		result.Body = pkm.Encode()
	}

	if err := c.store.StoreSession(ctx, c.addr, record); err != nil {
		return EncryptResult{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	c.metrics.incEncrypted()
	return result, nil
}

// DecryptWhisperMessage decrypts a normal (non-bootstrap) frame,
// trying the open session first and then archived sessions
// newest-first. A late-arriving message that succeeds against an
// archived session promotes it back to open.
func (c *SessionCipher) DecryptWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	out, err := c.queue.Run(ctx, c.addr.String(), func(ctx context.Context) (any, error) {
		return c.decryptWhisperMessage(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *SessionCipher) decryptWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	msg, err := wire.DecodeWhisperMessage(body)
	if err != nil {
		c.metrics.incDecryptError("structural")
		return nil, fmt.Errorf("%w: %v", ErrStructural, err)
	}

	record, err := c.store.LoadSession(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if record == nil {
		c.metrics.incDecryptError("no_session")
		return nil, ErrNoSession
	}
	record.SetLogger(c.logger)

	ourIdentity, err := c.store.GetOurIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	var lastErr error
	for _, sess := range record.Sessions() {
		sess.SetLogger(c.logger)
		// Trial each candidate against a clone: decryptWithSession
		// mutates the ratchet it's given (DH steps, skipped-key
		// fills, chain advances), and a failed MAC must leave the
		// real session untouched. Only a successful candidate's
		// mutations are folded back into the record.
		candidate := sess.Clone()
		plaintext, err := c.decryptWithSession(candidate, msg, ourIdentity)
		if err == nil {
			record.ReplaceSession(sess, candidate)
			if record.GetOpenSession() != candidate {
				record.PromoteState(candidate)
			}
			if err := c.store.StoreSession(ctx, c.addr, record); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStore, err)
			}
			c.metrics.incDecrypted()
			return plaintext, nil
		}
		lastErr = err
	}
	c.metrics.incDecryptError("terminal")
	return nil, lastErr
}

// DecryptPreKeyWhisperMessage decrypts a session's first inbound
// frame, bootstrapping a new session via SessionBuilder.InitIncoming
// when no matching session already exists. The store is left
// untouched unless the embedded WhisperMessage decrypts successfully.
func (c *SessionCipher) DecryptPreKeyWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	out, err := c.queue.Run(ctx, c.addr.String(), func(ctx context.Context) (any, error) {
		return c.decryptPreKeyWhisperMessage(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *SessionCipher) decryptPreKeyWhisperMessage(ctx context.Context, body []byte) ([]byte, error) {
	pkm, err := wire.DecodePreKeyWhisperMessage(body)
	if err != nil {
		c.metrics.incDecryptError("structural")
		return nil, fmt.Errorf("%w: %v", ErrStructural, err)
	}

	record, err := c.store.LoadSession(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if record == nil {
		record = session.NewRecord()
	}
	record.SetLogger(c.logger)

	remoteIdentityKey, err := primitives.Strip(pkm.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructural, err)
	}
	rawBaseKey, err := primitives.Strip(pkm.BaseKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructural, err)
	}

	sess := record.GetSessionByBaseKey(pkm.BaseKey)
	isNew := sess == nil
	if isNew {
		sess, err = c.builder.InitIncoming(ctx, remoteIdentityKey, pkm.RegistrationID, pkm.SignedPreKeyID, pkm.HasPreKeyID, pkm.PreKeyID, rawBaseKey)
		if err != nil {
			return nil, err
		}
	} else {
		sess.SetLogger(c.logger)
	}

	innerMsg, err := wire.DecodeWhisperMessage(pkm.Message)
	if err != nil {
		c.metrics.incDecryptError("structural")
		return nil, fmt.Errorf("%w: %v", ErrStructural, err)
	}

	ourIdentity, err := c.store.GetOurIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	// An existing session is trialled on a clone, so a failed decrypt
	// leaves the record's own copy untouched.
	candidate := sess
	if !isNew {
		candidate = sess.Clone()
	}
	plaintext, err := c.decryptWithSession(candidate, innerMsg, ourIdentity)
	if err != nil {
		c.metrics.incDecryptError("terminal")
		return nil, err
	}

	if isNew {
		record.SetSession(sess)
	} else {
		record.ReplaceSession(sess, candidate)
	}
	if err := c.store.StoreSession(ctx, c.addr, record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if pkm.HasPreKeyID {
		if err := c.store.RemovePreKey(ctx, pkm.PreKeyID); err != nil {
			c.log().WithError(err).WithField("session", sess.TraceID).Warn("failed to remove consumed one-time prekey")
		}
	}
	c.metrics.incDecrypted()
	return plaintext, nil
}

func (c *SessionCipher) decryptWithSession(sess *session.Session, msg *wire.WhisperMessage, ourIdentity keys.IdentityKeyPair) ([]byte, error) {
	remoteEphPub, err := primitives.Strip(msg.RatchetKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructural, err)
	}

	chain := sess.ReceivingChain(remoteEphPub)
	if chain == nil {
		isSameAsLast := sess.CurrentRatchet.HasLastRemote && remoteEphPub == sess.CurrentRatchet.LastRemoteEphemeralKey
		if isSameAsLast {
			return nil, &MessageCounterError{Counter: msg.Counter, Reason: "receiving chain missing for known ratchet key"}
		}
		if sess.CurrentRatchet.HasLastRemote {
			if prior := sess.ReceivingChain(sess.CurrentRatchet.LastRemoteEphemeralKey); prior != nil {
				if err := fillSkipped(prior, msg.PreviousCounter); err != nil {
					return nil, err
				}
			}
		}
		if err := sess.DHRatchetStep(remoteEphPub); err != nil {
			return nil, fmt.Errorf("protocol: dh ratchet: %w", err)
		}
		chain = sess.ReceivingChain(remoteEphPub)
	}

	mk, err := stepToCounter(chain, msg.Counter)
	if err != nil {
		return nil, err
	}

	mac := computeMAC(mk.MacKey, primitives.Prefix(sess.IndexInfo.RemoteIdentityKey), primitives.Prefix(ourIdentity.Public), msg.EncodeBody())
	if subtle.ConstantTimeCompare(mac, msg.MAC[:]) != 1 {
		return nil, ErrMAC
	}

	plaintext, err := primitives.AESCBCDecrypt(mk.CipherKey[:], mk.IV[:], msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	// A message from the peer on this session acknowledges it, so later
	// encrypts no longer carry the bootstrap parameters.
	sess.PendingPreKey = nil
	sess.RemoveOldChains()
	return plaintext, nil
}

// stepToCounter returns the MessageKey for counter, either from the
// skipped-key cache (counter behind the chain) or by advancing the
// chain forward, caching every intermediate key as skipped.
func stepToCounter(chain *session.Chain, counter uint32) (ratchet.MessageKey, error) {
	if counter < chain.ChainKey.Counter {
		mk, ok := chain.TakeSkipped(counter)
		if !ok {
			return ratchet.MessageKey{}, &MessageCounterError{Counter: counter, Reason: "skipped key missing"}
		}
		return mk, nil
	}

	if counter-chain.ChainKey.Counter > session.MaxSkippedPerChain {
		return ratchet.MessageKey{}, &MessageCounterError{Counter: counter, Reason: "gap exceeds skip cap"}
	}

	var result ratchet.MessageKey
	for chain.ChainKey.Counter <= counter {
		next, raw := ratchet.ChainStep(chain.ChainKey)
		mk, err := ratchet.DeriveMessageKey(raw, chain.ChainKey.Counter)
		if err != nil {
			return ratchet.MessageKey{}, fmt.Errorf("protocol: derive message key: %w", err)
		}
		if chain.ChainKey.Counter == counter {
			result = mk
		} else {
			chain.StoreSkipped(mk)
		}
		chain.ChainKey = next
	}
	return result, nil
}

// fillSkipped advances chain up to (but not including) upto, caching
// every intermediate key — used on a receiving DH ratchet to preserve
// message keys for counters the prior chain never delivered.
func fillSkipped(chain *session.Chain, upto uint32) error {
	if upto <= chain.ChainKey.Counter {
		return nil
	}
	if upto-chain.ChainKey.Counter > session.MaxSkippedPerChain {
		return &MessageCounterError{Counter: upto, Reason: "gap exceeds skip cap"}
	}
	for chain.ChainKey.Counter < upto {
		next, raw := ratchet.ChainStep(chain.ChainKey)
		mk, err := ratchet.DeriveMessageKey(raw, chain.ChainKey.Counter)
		if err != nil {
			return fmt.Errorf("protocol: derive message key: %w", err)
		}
		chain.StoreSkipped(mk)
		chain.ChainKey = next
	}
	return nil
}

func computeMAC(macKey [32]byte, senderIdentityPrefixed, receiverIdentityPrefixed []byte, body []byte) []byte {
	data := make([]byte, 0, len(senderIdentityPrefixed)+len(receiverIdentityPrefixed)+1+len(body))
	data = append(data, senderIdentityPrefixed...)
	data = append(data, receiverIdentityPrefixed...)
	data = append(data, wire.VersionByte())
	data = append(data, body...)
	full := primitives.HMACSHA256(macKey[:], data)
	return full[:wire.MacLen]
}
