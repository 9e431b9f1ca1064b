package db

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/latchbridge/latchbridge/pkg/event"
)

// PendingAttestation is the durable form of one digest's vote set. It is
// written on every accepted vote and deleted on settlement or expiry, so a
// restart resumes aggregation exactly where it left off.
type PendingAttestation struct {
	// Event is the observed event, or nil if only foreign votes arrived so
	// far and the digest preimage is still unknown locally.
	Event *event.BridgeEvent
	// FirstSeenHeight is the local height at which the first vote arrived.
	// Expiry is measured from here.
	FirstSeenHeight uint64
	// Signatures maps relayer address to the signature it submitted.
	Signatures map[common.Address][]byte
}

func pendingKey(digestHex string) []byte {
	return []byte(pendingPrefix + digestHex)
}

// MarshalBinary serializes a PendingAttestation.
//
//nolint:unparam // error return kept for encoding.BinaryMarshaler interface compatibility
func (p *PendingAttestation) MarshalBinary() ([]byte, error) {
	// Format:
	// [4 bytes] event body length (0 if no local observation)
	// [n bytes] event body
	// [8 bytes] first-seen height
	// [2 bytes] number of signatures
	// For each signature:
	//   [20 bytes] relayer address
	//   [2 bytes]  signature length
	//   [n bytes]  signature
	buf := new(bytes.Buffer)

	var body []byte
	if p.Event != nil {
		var err error
		body, err = p.Event.Marshal()
		if err != nil {
			return nil, err
		}
	}
	event.MustWrite(buf, binary.BigEndian, uint32(len(body))) // #nosec G115 -- event body is bounded
	buf.Write(body)
	event.MustWrite(buf, binary.BigEndian, p.FirstSeenHeight)
	event.MustWrite(buf, binary.BigEndian, uint16(len(p.Signatures))) // #nosec G115 -- bounded by relayer count

	for addr, sig := range p.Signatures {
		buf.Write(addr.Bytes())
		event.MustWrite(buf, binary.BigEndian, uint16(len(sig))) // #nosec G115 -- signatures are 65 bytes
		buf.Write(sig)
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary deserializes a PendingAttestation.
func (p *PendingAttestation) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return errors.New("data too short for event body length")
	}
	bodyLen := binary.BigEndian.Uint32(data)
	offset := 4

	if bodyLen > 0 {
		if offset+int(bodyLen) > len(data) {
			return errors.New("data too short for event body")
		}
		e, err := event.UnmarshalEvent(data[offset : offset+int(bodyLen)])
		if err != nil {
			return fmt.Errorf("failed to unmarshal event: %w", err)
		}
		p.Event = e
		offset += int(bodyLen)
	}

	if offset+8 > len(data) {
		return errors.New("data too short for first-seen height")
	}
	p.FirstSeenHeight = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	if offset+2 > len(data) {
		return errors.New("data too short for signature count")
	}
	numSigs := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2

	p.Signatures = make(map[common.Address][]byte, numSigs)
	for i := 0; i < numSigs; i++ {
		if offset+22 > len(data) {
			return errors.New("data too short for signature header")
		}
		addr := common.BytesToAddress(data[offset : offset+20])
		offset += 20
		sigLen := int(binary.BigEndian.Uint16(data[offset:]))
		offset += 2

		if offset+sigLen > len(data) {
			return errors.New("data too short for signature")
		}
		sig := make([]byte, sigLen)
		copy(sig, data[offset:offset+sigLen])
		offset += sigLen

		p.Signatures[addr] = sig
	}

	return nil
}

// StorePendingAttestation persists the vote set for a digest.
func (d *Database) StorePendingAttestation(digestHex string, p *PendingAttestation) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal pending attestation: %w", err)
	}

	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(digestHex), b)
	})
}

// GetPendingAttestation retrieves the vote set for a digest.
func (d *Database) GetPendingAttestation(digestHex string) (*PendingAttestation, error) {
	var p PendingAttestation

	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pendingKey(digestHex))
		if err != nil {
			return err
		}
		return item.Value(p.UnmarshalBinary)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrPendingNotFound
		}
		return nil, err
	}

	return &p, nil
}

// DeletePendingAttestation removes the vote set for a digest, after
// settlement or expiry.
func (d *Database) DeletePendingAttestation(digestHex string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pendingKey(digestHex))
	})
}

// LoadAllPendingAttestations loads every pending vote set, keyed by digest
// hex. Used to restore aggregation state after a restart.
func (d *Database) LoadAllPendingAttestations() (map[string]*PendingAttestation, error) {
	result := make(map[string]*PendingAttestation)

	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(pendingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key())
			digestHex := strings.TrimPrefix(key, pendingPrefix)

			var p PendingAttestation
			if err := item.Value(p.UnmarshalBinary); err != nil {
				return fmt.Errorf("failed to unmarshal pending attestation for key %s: %w", key, err)
			}

			result[digestHex] = &p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
