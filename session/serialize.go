package session

import (
	"fmt"

	"github.com/duskline/signalcore/primitives"
	"github.com/duskline/signalcore/ratchet"
	"google.golang.org/protobuf/encoding/protowire"
)

// Serialize produces a compact, self-describing binary encoding of
// the record sufficient to round-trip every stored field, including
// skipped message keys. It is framed with protowire the same way
// package wire frames on-the-wire messages.
func (r *Record) Serialize() []byte {
	var b []byte
	if r.open != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSession(r.open))
	}
	for _, s := range r.archived {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSession(s))
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.closeSeq))
	return b
}

// Deserialize parses bytes produced by Serialize.
func Deserialize(data []byte) (*Record, error) {
	r := &Record{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("session: bad record tag")
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("session: bad open session field")
			}
			s, err := decodeSession(v)
			if err != nil {
				return nil, err
			}
			r.open = s
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("session: bad archived session field")
			}
			s, err := decodeSession(v)
			if err != nil {
				return nil, err
			}
			r.archived = append(r.archived, s)
			data = data[n:]
		case 3:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("session: bad closeSeq field")
			}
			r.closeSeq = protowire.DecodeZigZag(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("session: bad unknown record field")
			}
			data = data[n:]
		}
	}
	return r, nil
}

func encodeSession(s *Session) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(s.RegistrationID))
	b = appendBytesField(b, 2, s.CurrentRatchet.RootKey[:])
	b = appendBytesField(b, 3, s.CurrentRatchet.EphemeralKeyPair.Private[:])
	b = appendBytesField(b, 4, s.CurrentRatchet.EphemeralKeyPair.Public[:])
	b = appendBytesField(b, 5, s.CurrentRatchet.LastRemoteEphemeralKey[:])
	b = appendBoolField(b, 6, s.CurrentRatchet.HasLastRemote)
	b = appendVarintField(b, 7, uint64(s.CurrentRatchet.PreviousCounter))
	b = appendBytesField(b, 8, s.IndexInfo.RemoteIdentityKey[:])
	b = appendBytesField(b, 9, s.IndexInfo.BaseKey)
	b = appendVarintField(b, 10, uint64(s.IndexInfo.BaseKeyType))
	b = protowire.AppendTag(b, 11, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(s.IndexInfo.Closed))
	if s.PendingPreKey != nil {
		b = appendBytesField(b, 12, encodePendingPreKey(s.PendingPreKey))
	}
	for _, key := range s.chainOrder {
		b = appendBytesField(b, 13, encodeChain(s.chains[key]))
	}
	return b
}

func decodeSession(data []byte) (*Session, error) {
	s := NewSession()
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("session: bad session tag")
		}
		data = data[n:]
		switch num {
		case 1:
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			s.RegistrationID = uint32(v)
			data = data[n:]
		case 2:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			copy(s.CurrentRatchet.RootKey[:], v)
			data = data[n:]
		case 3:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			copy(s.CurrentRatchet.EphemeralKeyPair.Private[:], v)
			data = data[n:]
		case 4:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			copy(s.CurrentRatchet.EphemeralKeyPair.Public[:], v)
			data = data[n:]
		case 5:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			copy(s.CurrentRatchet.LastRemoteEphemeralKey[:], v)
			data = data[n:]
		case 6:
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			s.CurrentRatchet.HasLastRemote = v != 0
			data = data[n:]
		case 7:
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			s.CurrentRatchet.PreviousCounter = uint32(v)
			data = data[n:]
		case 8:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			copy(s.IndexInfo.RemoteIdentityKey[:], v)
			data = data[n:]
		case 9:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			s.IndexInfo.BaseKey = append([]byte(nil), v...)
			data = data[n:]
		case 10:
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			s.IndexInfo.BaseKeyType = BaseKeyType(v)
			data = data[n:]
		case 11:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("session: bad closed field")
			}
			s.IndexInfo.Closed = protowire.DecodeZigZag(v)
			data = data[n:]
		case 12:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			ppk, err := decodePendingPreKey(v)
			if err != nil {
				return nil, err
			}
			s.PendingPreKey = ppk
			data = data[n:]
		case 13:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			c, key, err := decodeChain(v)
			if err != nil {
				return nil, err
			}
			s.AddChain([]byte(key), c)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("session: bad unknown session field")
			}
			data = data[n:]
		}
	}
	return s, nil
}

func encodePendingPreKey(p *PendingPreKey) []byte {
	var b []byte
	b = appendBoolField(b, 1, p.HasPreKeyID)
	b = appendVarintField(b, 2, uint64(p.PreKeyID))
	b = appendVarintField(b, 3, uint64(p.SignedKeyID))
	b = appendBytesField(b, 4, p.BaseKey)
	return b
}

func decodePendingPreKey(data []byte) (*PendingPreKey, error) {
	p := &PendingPreKey{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("session: bad pendingPreKey tag")
		}
		data = data[n:]
		switch num {
		case 1:
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			p.HasPreKeyID = v != 0
			data = data[n:]
		case 2:
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			p.PreKeyID = uint32(v)
			data = data[n:]
		case 3:
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, err
			}
			p.SignedKeyID = uint32(v)
			data = data[n:]
		case 4:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			p.BaseKey = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("session: bad unknown pendingPreKey field")
			}
			data = data[n:]
		}
	}
	return p, nil
}

func encodeChain(c *Chain) []byte {
	var b []byte
	b = appendBytesField(b, 1, c.ChainKey.Key[:])
	b = appendVarintField(b, 2, uint64(c.ChainKey.Counter))
	b = appendBoolField(b, 3, c.IsSending)
	b = appendBytesField(b, 4, c.KeyPair.Private[:])
	b = appendBytesField(b, 5, c.KeyPair.Public[:])
	b = appendBytesField(b, 6, c.RemotePub[:])
	for _, counter := range c.skipOrder {
		mk := c.MessageKeys[counter]
		b = appendBytesField(b, 7, encodeMessageKey(mk))
	}
	return b
}

func decodeChain(data []byte) (*Chain, string, error) {
	c := NewChain(ratchet.ChainKey{})
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, "", fmt.Errorf("session: bad chain tag")
		}
		data = data[n:]
		switch num {
		case 1:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, "", err
			}
			copy(c.ChainKey.Key[:], v)
			data = data[n:]
		case 2:
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, "", err
			}
			c.ChainKey.Counter = uint32(v)
			data = data[n:]
		case 3:
			v, n, err := consumeVarint(data)
			if err != nil {
				return nil, "", err
			}
			c.IsSending = v != 0
			data = data[n:]
		case 4:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, "", err
			}
			copy(c.KeyPair.Private[:], v)
			data = data[n:]
		case 5:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, "", err
			}
			copy(c.KeyPair.Public[:], v)
			data = data[n:]
		case 6:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, "", err
			}
			copy(c.RemotePub[:], v)
			data = data[n:]
		case 7:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, "", err
			}
			mk, err := decodeMessageKey(v)
			if err != nil {
				return nil, "", err
			}
			c.StoreSkipped(mk)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, "", fmt.Errorf("session: bad unknown chain field")
			}
			data = data[n:]
		}
	}
	var key string
	if c.IsSending {
		key = chainMapKey(c.KeyPair.PrefixedPublic())
	} else {
		key = chainMapKey(primitives.Prefix(c.RemotePub))
	}
	return c, key, nil
}

func encodeMessageKey(mk ratchet.MessageKey) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(mk.Counter))
	b = appendBytesField(b, 2, mk.CipherKey[:])
	b = appendBytesField(b, 3, mk.MacKey[:])
	b = appendBytesField(b, 4, mk.IV[:])
	return b
}

func decodeMessageKey(data []byte) (ratchet.MessageKey, error) {
	var mk ratchet.MessageKey
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return mk, fmt.Errorf("session: bad messageKey tag")
		}
		data = data[n:]
		switch num {
		case 1:
			v, n, err := consumeVarint(data)
			if err != nil {
				return mk, err
			}
			mk.Counter = uint32(v)
			data = data[n:]
		case 2:
			v, n, err := consumeBytes(data)
			if err != nil {
				return mk, err
			}
			copy(mk.CipherKey[:], v)
			data = data[n:]
		case 3:
			v, n, err := consumeBytes(data)
			if err != nil {
				return mk, err
			}
			copy(mk.MacKey[:], v)
			data = data[n:]
		case 4:
			v, n, err := consumeBytes(data)
			if err != nil {
				return mk, err
			}
			copy(mk.IV[:], v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return mk, fmt.Errorf("session: bad unknown messageKey field")
			}
			data = data[n:]
		}
	}
	return mk, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	n := uint64(0)
	if v {
		n = 1
	}
	return appendVarintField(b, num, n)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func consumeVarint(data []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, fmt.Errorf("session: bad varint field")
	}
	return v, n, nil
}

func consumeBytes(data []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, fmt.Errorf("session: bad bytes field")
	}
	return v, n, nil
}
