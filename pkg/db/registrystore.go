package db

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/latchbridge/latchbridge/pkg/event"
	"github.com/latchbridge/latchbridge/pkg/registry"
)

// StoreRelayerSnapshot persists the current registry state. Written after
// every successful governance change.
func (d *Database) StoreRelayerSnapshot(snap registry.Snapshot) error {
	// Format:
	// [4 bytes] quorum
	// [2 bytes] relayer count
	// For each relayer: [20 bytes] address, [1 byte] enabled flag
	buf := new(bytes.Buffer)
	event.MustWrite(buf, binary.BigEndian, uint32(snap.Quorum))        // #nosec G115 -- quorum is bounded by relayer count
	event.MustWrite(buf, binary.BigEndian, uint16(len(snap.Relayers))) // #nosec G115 -- relayer count is small
	for _, r := range snap.Relayers {
		buf.Write(r.Addr.Bytes())
		if r.Enabled {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}

	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(registryKey), buf.Bytes())
	})
}

// LoadRelayerSnapshot retrieves the persisted registry state.
func (d *Database) LoadRelayerSnapshot() (*registry.Snapshot, error) {
	var raw []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(registryKey))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}

	if len(raw) < 6 {
		return nil, fmt.Errorf("relayer snapshot too short: %d bytes", len(raw))
	}
	quorum := binary.BigEndian.Uint32(raw)
	count := int(binary.BigEndian.Uint16(raw[4:]))
	offset := 6

	if len(raw) != offset+count*21 {
		return nil, fmt.Errorf("relayer snapshot has wrong length for %d relayers", count)
	}

	snap := &registry.Snapshot{Quorum: int(quorum)}
	snap.Relayers = make([]registry.Relayer, count)
	for i := 0; i < count; i++ {
		snap.Relayers[i] = registry.Relayer{
			Addr:    common.BytesToAddress(raw[offset : offset+20]),
			Enabled: raw[offset+20] == 1,
		}
		offset += 21
	}

	return snap, nil
}
