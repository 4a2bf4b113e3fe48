package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for the parameterless failure kinds. Check with
// errors.Is; encrypt/decrypt operations wrap these with context via
// fmt.Errorf("%w", ...).
var (
	// ErrUntrustedIdentity is returned when the store rejects a
	// remote identity key during bootstrap or PreKey processing. No
	// session state is mutated.
	ErrUntrustedIdentity = errors.New("protocol: untrusted identity key")

	// ErrInvalidSignature is returned when a PreKeyBundle's
	// signed-prekey signature fails verification.
	ErrInvalidSignature = errors.New("protocol: invalid signed prekey signature")

	// ErrNoSession is returned when encrypt/decrypt is attempted
	// against an address with no session record, or no open session.
	ErrNoSession = errors.New("protocol: no session")

	// ErrMAC is returned when a WhisperMessage's MAC does not match.
	ErrMAC = errors.New("protocol: MAC mismatch")

	// ErrDecrypt is returned for AES padding failures or otherwise
	// malformed ciphertext, distinct from a MAC failure.
	ErrDecrypt = errors.New("protocol: decrypt failed")

	// ErrStructural is returned when a frame fails to parse. The
	// codec's error text is appended to the message; the codec's error
	// itself is not wrapped, so errors.Is does not match
	// wire.ErrStructural.
	ErrStructural = errors.New("protocol: structural decode error")

	// ErrStore is returned when the Store itself fails. The
	// underlying error's text is appended to the message; the
	// underlying error itself is not wrapped, so errors.Is and
	// errors.As do not reach it.
	ErrStore = errors.New("protocol: store failure")
)

// MessageCounterError is returned when a message's counter falls
// outside the range the receiving chain can service: either the
// referenced skipped key is missing, or the forward gap exceeds
// session.MaxSkippedPerChain.
type MessageCounterError struct {
	Counter uint32
	Reason  string
}

func (e *MessageCounterError) Error() string {
	return fmt.Sprintf("protocol: message counter %d: %s", e.Counter, e.Reason)
}

// InvalidKeyIDError is returned when an inbound PreKeyWhisperMessage
// names a signed-prekey or one-time-prekey id the store does not
// recognize.
type InvalidKeyIDError struct {
	KeyID uint32
	Which string // "preKey" or "signedPreKey"
}

func (e *InvalidKeyIDError) Error() string {
	return fmt.Sprintf("protocol: unknown %s id %d", e.Which, e.KeyID)
}
