package custody

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"iter"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// GenesisHash is the prev_hash of every item's first event.
var GenesisHash = strings.Repeat("0", 64)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("custody: CBOR encoder initialization failed: " + err.Error())
	}
}

// record is the canonical form hashed into the chain. Integer keys keep the
// encoding stable across field renames.
type record struct {
	EvidenceID   string        `cbor:"1,keyasint"`
	Sequence     int64         `cbor:"2,keyasint"`
	Action       string        `cbor:"3,keyasint"`
	Actor        string        `cbor:"4,keyasint"`
	ClientOrigin string        `cbor:"5,keyasint"`
	UserAgent    string        `cbor:"6,keyasint,omitempty"`
	Notes        string        `cbor:"7,keyasint,omitempty"`
	Timestamp    int64         `cbor:"8,keyasint"`
	Verification *Verification `cbor:"9,keyasint,omitempty"`
	TaskID       string        `cbor:"10,keyasint,omitempty"`
	ResultID     string        `cbor:"11,keyasint,omitempty"`
	PrevHash     string        `cbor:"12,keyasint"`
}

// RecordHash is BLAKE3 over the deterministic CBOR encoding of ev, including
// its PrevHash.
func RecordHash(ev *Event) (string, error) {
	data, err := encMode.Marshal(record{
		EvidenceID:   ev.EvidenceID,
		Sequence:     ev.Sequence,
		Action:       string(ev.Action),
		Actor:        ev.Actor,
		ClientOrigin: ev.ClientOrigin,
		UserAgent:    ev.UserAgent,
		Notes:        ev.Notes,
		Timestamp:    ev.Timestamp.UnixNano(),
		Verification: ev.Verification,
		TaskID:       ev.TaskID,
		ResultID:     ev.ResultID,
		PrevHash:     ev.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("encode custody record: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Sealer links events into a hash chain and signs each record hash with a
// key derived from the vault master key.
type Sealer struct {
	key []byte
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("custody: signing key must be 32 bytes, got %d", len(key))
	}
	k := make([]byte, 32)
	copy(k, key)
	return &Sealer{key: k}, nil
}

// Seal fills PrevHash, RecordHash and Signature. Sequence and Timestamp must
// already be set.
func (s *Sealer) Seal(ev *Event, prevHash string) error {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	ev.PrevHash = prevHash
	h, err := RecordHash(ev)
	if err != nil {
		return err
	}
	ev.RecordHash = h
	ev.Signature = s.sign(h, ev.Timestamp.UnixNano())
	return nil
}

func (s *Sealer) sign(recordHash string, ts int64) string {
	mac, err := blake3.NewKeyed(s.key)
	if err != nil {
		panic("custody: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], uint64(ts))
	mac.Write([]byte(recordHash))
	mac.Write(tsb[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify walks events in order and reports the first one whose sequence,
// link, hash or signature does not check out.
func (s *Sealer) Verify(evidenceID string, events iter.Seq2[*Event, error]) (ChainReport, error) {
	rep := ChainReport{EvidenceID: evidenceID, Valid: true}
	prev := GenesisHash
	var want int64 = 1
	for ev, err := range events {
		if err != nil {
			return rep, err
		}
		rep.Events++
		fail := func(reason string) {
			rep.Valid = false
			rep.BrokenAt = ev.Sequence
			rep.Reason = reason
		}
		switch {
		case ev.Sequence != want:
			fail(fmt.Sprintf("sequence gap: expected %d", want))
		case ev.PrevHash != prev:
			fail("prev_hash does not match preceding record")
		default:
			h, err := RecordHash(ev)
			if err != nil {
				return rep, err
			}
			if subtle.ConstantTimeCompare([]byte(h), []byte(ev.RecordHash)) != 1 {
				fail("record_hash mismatch")
			} else if subtle.ConstantTimeCompare([]byte(s.sign(h, ev.Timestamp.UnixNano())), []byte(ev.Signature)) != 1 {
				fail("signature mismatch")
			}
		}
		if !rep.Valid {
			return rep, nil
		}
		prev = ev.RecordHash
		rep.LastHash = prev
		want++
	}
	return rep, nil
}
