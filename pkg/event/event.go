package event

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type (
	// BridgeEvent describes a single value-bearing event observed on an
	// external chain. It is immutable once observed; its canonical digest is
	// the hash of a fixed-order encoding of all fields.
	BridgeEvent struct {
		// SourceChain is the id of the chain the event was observed on.
		SourceChain ChainID
		// SourceTxID is the transaction id of the event on the source chain.
		// Variable length; length-prefixed in the canonical encoding.
		SourceTxID []byte
		// AssetID identifies the local asset class to credit.
		AssetID uint32
		// Amount of the asset, in the asset's smallest unit. Never zero.
		Amount uint64
		// Destination is the local account to credit.
		Destination Address
		// Nonce disambiguates multiple logical events within one source
		// transaction.
		Nonce uint64
	}

	// ChainID of an external chain.
	ChainID uint16

	// Address is a local account identifier. If the native address type of a
	// chain is < 32 bytes the value is zero-padded on the left.
	Address [32]byte
)

const (
	// TxIDLenMin is the shortest source transaction id we accept.
	TxIDLenMin = 1
	// TxIDLenMax is the longest source transaction id we accept. The length
	// is encoded in a single byte.
	TxIDLenMax = math.MaxUint8
)

var (
	ErrAmountZero         = errors.New("event amount must not be zero")
	ErrInvalidTxID        = errors.New("event source tx id length out of range")
	ErrInvalidDestination = errors.New("event destination account must not be zero")
)

var nullAddress = Address{}

func (c ChainID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// Validate rejects malformed events before they are digested or counted.
func (e *BridgeEvent) Validate() error {
	if e.Amount == 0 {
		return ErrAmountZero
	}
	if len(e.SourceTxID) < TxIDLenMin || len(e.SourceTxID) > TxIDLenMax {
		return ErrInvalidTxID
	}
	if e.Destination == nullAddress {
		return ErrInvalidDestination
	}
	return nil
}

// serializeBody returns the canonical encoding of the event: every field in a
// fixed order, fixed-width integers in big endian, and the single
// variable-length field length-prefixed. No two distinct field tuples
// serialize identically.
func (e *BridgeEvent) serializeBody() []byte {
	buf := new(bytes.Buffer)
	MustWrite(buf, binary.BigEndian, e.SourceChain)
	buf.WriteByte(uint8(len(e.SourceTxID))) // #nosec G115 -- bounded by Validate
	buf.Write(e.SourceTxID)
	MustWrite(buf, binary.BigEndian, e.AssetID)
	MustWrite(buf, binary.BigEndian, e.Amount)
	buf.Write(e.Destination[:])
	MustWrite(buf, binary.BigEndian, e.Nonce)
	return buf.Bytes()
}

// signingPrefix is prepended to the canonical encoding before hashing so that
// event digests cannot collide with signatures over other message types.
// Prefixes must be at least 32 bytes.
var signingPrefix = []byte("latchbridge_bridge_event_00000001")

// SigningDigest returns the canonical digest of the event. It is used both by
// relayers to know what to sign and by the aggregator to key votes.
// Deterministic: identical fields always produce an identical digest.
func (e *BridgeEvent) SigningDigest() common.Hash {
	return crypto.Keccak256Hash(signingPrefix, e.serializeBody())
}

// HexDigest returns the hex representation of the canonical digest.
func (e *BridgeEvent) HexDigest() string {
	return hex.EncodeToString(e.SigningDigest().Bytes())
}

// TxKey returns the processed-ledger key of the event: the
// (source chain, source tx id) pair. Two digests that differ in other fields
// but share a TxKey compete for the same, single settlement.
func (e *BridgeEvent) TxKey() string {
	return fmt.Sprintf("%d/%s", e.SourceChain, hex.EncodeToString(e.SourceTxID))
}

// MessageID returns a human-readable chain/tx/nonce tuple for logging.
func (e *BridgeEvent) MessageID() string {
	return fmt.Sprintf("%d/%s/%d", e.SourceChain, hex.EncodeToString(e.SourceTxID), e.Nonce)
}

// Marshal serializes the event. The storage format is the canonical signing
// body, so a stored event round-trips to the same digest.
func (e *BridgeEvent) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e.serializeBody(), nil
}

// UnmarshalEvent deserializes the canonical encoding of an event.
func UnmarshalEvent(data []byte) (*BridgeEvent, error) {
	e := &BridgeEvent{}
	reader := bytes.NewReader(data)

	if err := binary.Read(reader, binary.BigEndian, &e.SourceChain); err != nil {
		return nil, fmt.Errorf("failed to read source chain: %w", err)
	}

	txIDLen, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read tx id length: %w", err)
	}
	if txIDLen < TxIDLenMin {
		return nil, ErrInvalidTxID
	}
	e.SourceTxID = make([]byte, txIDLen)
	if n, err := reader.Read(e.SourceTxID); err != nil || n != int(txIDLen) {
		return nil, fmt.Errorf("failed to read tx id: %w", err)
	}

	if err := binary.Read(reader, binary.BigEndian, &e.AssetID); err != nil {
		return nil, fmt.Errorf("failed to read asset id: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &e.Amount); err != nil {
		return nil, fmt.Errorf("failed to read amount: %w", err)
	}
	if n, err := reader.Read(e.Destination[:]); err != nil || n != len(e.Destination) {
		return nil, fmt.Errorf("failed to read destination: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &e.Nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	if reader.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after event body", reader.Len())
	}

	return e, e.Validate()
}

// MustWrite calls binary.Write and panics on errors
func MustWrite(w io.Writer, order binary.ByteOrder, data interface{}) {
	if err := binary.Write(w, order, data); err != nil {
		panic(fmt.Errorf("failed to write binary data: %v", data).Error())
	}
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (a Address) Bytes() []byte {
	return a[:]
}

// StringToAddress converts a hex-encoded account into an Address.
func StringToAddress(value string) (Address, error) {
	var address Address

	value = strings.TrimPrefix(value, "0x")
	res, err := hex.DecodeString(value)
	if err != nil {
		return address, err
	}
	if len(res) > 32 {
		return address, fmt.Errorf("value must be no more than 32 bytes")
	}
	copy(address[32-len(res):], res)

	return address, nil
}

// BytesToAddress converts a byte slice into an Address, zero-padding on the
// left.
func BytesToAddress(b []byte) (Address, error) {
	var address Address
	if len(b) > 32 {
		return address, fmt.Errorf("value must be no more than 32 bytes")
	}

	copy(address[32-len(b):], b)
	return address, nil
}
