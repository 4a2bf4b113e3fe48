// Package wire implements the length-prefixed protobuf-style framing
// for WhisperMessage and PreKeyWhisperMessage.
//
// The frames are hand-encoded with google.golang.org/protobuf's
// low-level protowire helpers rather than through generated
// `.pb.go` code: the field layout is small, fixed, and must match the
// Signal v3 WhisperText wire format byte-for-byte, so a hand-rolled
// codec over protowire's varint/length-delimited primitives gives the
// same interoperability guarantee a `.proto`-generated type would,
// without a code-generation step.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// CurrentVersion and MinVersion make up the version byte prefixing
// every frame: (CurrentVersion<<4)|MinVersion.
const (
	CurrentVersion = 3
	MinVersion     = 3
)

// MacLen is the length in bytes of the truncated HMAC-SHA256 MAC
// appended to a WhisperMessage.
const MacLen = 8

// PrefixedKeyLen is the length of a type-prefixed (0x05||32B) public
// key as it appears inside a wire frame.
const PrefixedKeyLen = 33

// ErrStructural is returned for any parse failure: malformed version
// byte, wrong-length key/MAC fields, or truncated protobuf framing.
var ErrStructural = errors.New("wire: structural decode error")

// WhisperMessage is the ciphertext frame of an established session.
type WhisperMessage struct {
	RatchetKey      []byte // 33B type-prefixed
	Counter         uint32
	PreviousCounter uint32
	Ciphertext      []byte
	MAC             [MacLen]byte // filled in/verified by the caller
}

const (
	fieldRatchetKey      = 1
	fieldCounter         = 2
	fieldPreviousCounter = 3
	fieldCiphertext      = 4
)

// EncodeBody serializes the protobuf body of a WhisperMessage
// (everything between the version byte and the MAC).
func (m *WhisperMessage) EncodeBody() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRatchetKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.RatchetKey)
	b = protowire.AppendTag(b, fieldCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Counter))
	b = protowire.AppendTag(b, fieldPreviousCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.PreviousCounter))
	b = protowire.AppendTag(b, fieldCiphertext, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ciphertext)
	return b
}

// Encode serializes the full frame: version byte || body || mac.
func (m *WhisperMessage) Encode() []byte {
	body := m.EncodeBody()
	out := make([]byte, 0, 1+len(body)+MacLen)
	out = append(out, versionByte())
	out = append(out, body...)
	out = append(out, m.MAC[:]...)
	return out
}

// DecodeWhisperMessage parses a full WhisperMessage frame, validating
// the version nibble, key lengths, and MAC length.
func DecodeWhisperMessage(data []byte) (*WhisperMessage, error) {
	if len(data) < 1+MacLen {
		return nil, fmt.Errorf("%w: frame too short", ErrStructural)
	}
	if err := checkVersion(data[0]); err != nil {
		return nil, err
	}
	body := data[1 : len(data)-MacLen]
	mac := data[len(data)-MacLen:]

	m := &WhisperMessage{}
	if err := m.decodeBody(body); err != nil {
		return nil, err
	}
	copy(m.MAC[:], mac)
	if len(m.RatchetKey) != PrefixedKeyLen {
		return nil, fmt.Errorf("%w: bad ratchetKey length %d", ErrStructural, len(m.RatchetKey))
	}
	return m, nil
}

func (m *WhisperMessage) decodeBody(body []byte) error {
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return fmt.Errorf("%w: bad tag", ErrStructural)
		}
		body = body[n:]
		switch num {
		case fieldRatchetKey:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return fmt.Errorf("%w: bad ratchetKey field", ErrStructural)
			}
			m.RatchetKey = append([]byte(nil), v...)
			body = body[n:]
		case fieldCounter:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return fmt.Errorf("%w: bad counter field", ErrStructural)
			}
			m.Counter = uint32(v)
			body = body[n:]
		case fieldPreviousCounter:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return fmt.Errorf("%w: bad previousCounter field", ErrStructural)
			}
			m.PreviousCounter = uint32(v)
			body = body[n:]
		case fieldCiphertext:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return fmt.Errorf("%w: bad ciphertext field", ErrStructural)
			}
			m.Ciphertext = append([]byte(nil), v...)
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return fmt.Errorf("%w: bad unknown field", ErrStructural)
			}
			body = body[n:]
		}
	}
	return nil
}

// PreKeyWhisperMessage wraps a WhisperMessage for a session's first
// transmission, carrying the X3DH bootstrap parameters the receiver
// needs. It has no MAC of its own; the embedded Message carries one.
type PreKeyWhisperMessage struct {
	RegistrationID uint32
	HasPreKeyID    bool
	PreKeyID       uint32
	SignedPreKeyID uint32
	BaseKey        []byte // 33B type-prefixed
	IdentityKey    []byte // 33B type-prefixed
	Message        []byte // full encoded WhisperMessage, incl. version+mac
}

const (
	fieldRegistrationID = 1
	fieldPreKeyID       = 2
	fieldSignedPreKeyID = 3
	fieldBaseKey        = 4
	fieldIdentityKey    = 5
	fieldMessage        = 6
)

// Encode serializes the full PreKeyWhisperMessage frame.
func (m *PreKeyWhisperMessage) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRegistrationID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.RegistrationID))
	if m.HasPreKeyID {
		b = protowire.AppendTag(b, fieldPreKeyID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.PreKeyID))
	}
	b = protowire.AppendTag(b, fieldSignedPreKeyID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SignedPreKeyID))
	b = protowire.AppendTag(b, fieldBaseKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.BaseKey)
	b = protowire.AppendTag(b, fieldIdentityKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.IdentityKey)
	b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Message)

	out := make([]byte, 0, 1+len(b))
	out = append(out, versionByte())
	out = append(out, b...)
	return out
}

// DecodePreKeyWhisperMessage parses a full PreKeyWhisperMessage frame.
func DecodePreKeyWhisperMessage(data []byte) (*PreKeyWhisperMessage, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: frame too short", ErrStructural)
	}
	if err := checkVersion(data[0]); err != nil {
		return nil, err
	}
	body := data[1:]
	m := &PreKeyWhisperMessage{}
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag", ErrStructural)
		}
		body = body[n:]
		switch num {
		case fieldRegistrationID:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad registrationId field", ErrStructural)
			}
			m.RegistrationID = uint32(v)
			body = body[n:]
		case fieldPreKeyID:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad preKeyId field", ErrStructural)
			}
			m.HasPreKeyID = true
			m.PreKeyID = uint32(v)
			body = body[n:]
		case fieldSignedPreKeyID:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad signedPreKeyId field", ErrStructural)
			}
			m.SignedPreKeyID = uint32(v)
			body = body[n:]
		case fieldBaseKey:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad baseKey field", ErrStructural)
			}
			m.BaseKey = append([]byte(nil), v...)
			body = body[n:]
		case fieldIdentityKey:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad identityKey field", ErrStructural)
			}
			m.IdentityKey = append([]byte(nil), v...)
			body = body[n:]
		case fieldMessage:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad message field", ErrStructural)
			}
			m.Message = append([]byte(nil), v...)
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad unknown field", ErrStructural)
			}
			body = body[n:]
		}
	}
	if len(m.BaseKey) != PrefixedKeyLen {
		return nil, fmt.Errorf("%w: bad baseKey length %d", ErrStructural, len(m.BaseKey))
	}
	if len(m.IdentityKey) != PrefixedKeyLen {
		return nil, fmt.Errorf("%w: bad identityKey length %d", ErrStructural, len(m.IdentityKey))
	}
	return m, nil
}

// VersionByte returns the version byte prefixing every frame, for
// callers (the MAC computation in package protocol) that need to
// reconstruct the exact bytes a frame's MAC was computed over.
func VersionByte() byte {
	return versionByte()
}

func versionByte() byte {
	return byte(CurrentVersion<<4) | byte(MinVersion)
}

func checkVersion(b byte) error {
	hi := b >> 4
	if hi < MinVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrStructural, hi)
	}
	return nil
}
