// Package db persists the bridge core's durable state: the processed-event
// ledger, pending attestation state, and relayer-set snapshots. Everything
// lives in one BadgerDB keyspace, isolated by versioned key prefixes.
package db

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/latchbridge/latchbridge/pkg/event"
)

var (
	settlementsStoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "latchbridge_db_settlements_stored_total",
			Help: "Total number of settlement records written to the processed-event ledger",
		})
	processedCacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latchbridge_db_processed_cache_total",
			Help: "Processed-ledger lookups answered by the LRU cache vs the store",
		}, []string{"result"})
)

// Key prefixes. The processed prefix is append-only: entries under it are
// never deleted or overwritten.
const (
	processedPrefix = "PROCESSED:V1:"
	pendingPrefix   = "PENDING:V1:"
	registryKey     = "REGISTRY:V1:CURRENT"
)

var (
	ErrAlreadySettled     = errors.New("settlement record already present for this source tx")
	ErrSettlementNotFound = errors.New("no settlement record for this source tx")
	ErrSnapshotNotFound   = errors.New("no relayer snapshot in store")
	ErrPendingNotFound    = errors.New("no pending attestation state for this digest")
)

// processedCacheSize bounds the positive-hit cache in front of Badger. Hot
// retransmission storms hit the same few tx keys repeatedly.
const processedCacheSize = 4096

type Database struct {
	db *badger.DB

	// processedCache caches positive IsProcessed answers only. A processed
	// entry never goes away, so a cached true can never go stale.
	processedCache *lru.Cache
}

func newDatabase(db *badger.DB) (*Database, error) {
	cache, err := lru.New(processedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Database{db: db, processedCache: cache}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Conn returns a pointer to the underlying database connection.
func (d *Database) Conn() *badger.DB {
	return d.db
}

func processedKey(txKey string) []byte {
	return []byte(processedPrefix + txKey)
}

// SettlementRecord is the durable record of one settled event.
type SettlementRecord struct {
	// Event is the settled event.
	Event event.BridgeEvent
	// Digest is the canonical digest the quorum formed on.
	Digest common.Hash
	// SettledHeight is the local height at which settlement happened.
	SettledHeight uint64
	// Voters are the relayers whose attestations formed the quorum.
	Voters []common.Address
}

// MarshalBinary serializes a SettlementRecord.
//
//nolint:unparam // error return kept for encoding.BinaryMarshaler interface compatibility
func (r *SettlementRecord) MarshalBinary() ([]byte, error) {
	// Format:
	// [4 bytes] event body length
	// [n bytes] event body (canonical encoding)
	// [32 bytes] digest
	// [8 bytes] settled height
	// [1 byte]  number of voters
	// [20 bytes each] voter addresses
	body, err := r.Event.Marshal()
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	event.MustWrite(buf, binary.BigEndian, uint32(len(body))) // #nosec G115 -- event body is bounded
	buf.Write(body)
	buf.Write(r.Digest.Bytes())
	event.MustWrite(buf, binary.BigEndian, r.SettledHeight)
	buf.WriteByte(uint8(len(r.Voters))) // #nosec G115 -- voters bounded by relayer count
	for _, v := range r.Voters {
		buf.Write(v.Bytes())
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary deserializes a SettlementRecord.
func (r *SettlementRecord) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return errors.New("data too short for event body length")
	}
	bodyLen := binary.BigEndian.Uint32(data)
	offset := 4

	if offset+int(bodyLen) > len(data) {
		return errors.New("data too short for event body")
	}
	e, err := event.UnmarshalEvent(data[offset : offset+int(bodyLen)])
	if err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}
	r.Event = *e
	offset += int(bodyLen)

	if offset+32 > len(data) {
		return errors.New("data too short for digest")
	}
	r.Digest = common.BytesToHash(data[offset : offset+32])
	offset += 32

	if offset+8 > len(data) {
		return errors.New("data too short for settled height")
	}
	r.SettledHeight = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	if offset+1 > len(data) {
		return errors.New("data too short for voter count")
	}
	numVoters := int(data[offset])
	offset++

	if offset+numVoters*20 > len(data) {
		return errors.New("data too short for voters")
	}
	r.Voters = make([]common.Address, numVoters)
	for i := 0; i < numVoters; i++ {
		r.Voters[i] = common.BytesToAddress(data[offset : offset+20])
		offset += 20
	}

	return nil
}

// RecordSettlement appends a settlement record to the processed-event
// ledger. Fails with ErrAlreadySettled if the (chain, tx) pair is already
// present; the ledger never overwrites.
func (d *Database) RecordSettlement(rec *SettlementRecord) error {
	b, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal settlement record: %w", err)
	}

	txKey := rec.Event.TxKey()
	key := processedKey(txKey)

	err = d.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrAlreadySettled
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, b)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			return err
		}
		return fmt.Errorf("failed to commit settlement record: %w", err)
	}

	d.processedCache.Add(txKey, true)
	settlementsStoredTotal.Inc()
	return nil
}

// IsProcessed reports whether the (chain, tx) pair has already settled.
func (d *Database) IsProcessed(txKey string) (bool, error) {
	if _, ok := d.processedCache.Get(txKey); ok {
		processedCacheHitsTotal.WithLabelValues("hit").Inc()
		return true, nil
	}
	processedCacheHitsTotal.WithLabelValues("miss").Inc()

	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(processedKey(txKey))
		return err
	})
	if err == nil {
		d.processedCache.Add(txKey, true)
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

// GetSettlement retrieves the settlement record for a (chain, tx) pair.
func (d *Database) GetSettlement(txKey string) (*SettlementRecord, error) {
	var rec SettlementRecord

	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(processedKey(txKey))
		if err != nil {
			return err
		}
		return item.Value(rec.UnmarshalBinary)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}

	return &rec, nil
}
