package settlement

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latchbridge/latchbridge/pkg/assetledger"
	"github.com/latchbridge/latchbridge/pkg/db"
	"github.com/latchbridge/latchbridge/pkg/event"
	"github.com/latchbridge/latchbridge/pkg/finality"
)

const assetUSD = uint32(7)

var (
	assetOwner, _ = event.StringToAddress("aa")
	voters        = []common.Address{
		common.HexToAddress("0x0000000000000000000000000000000000000001"),
		common.HexToAddress("0x0000000000000000000000000000000000000002"),
	}
)

func testEvent() event.BridgeEvent {
	dest, _ := event.StringToAddress("0000000000000000000000000290fb167208af455bb137780163b7b7a9a10c16")
	return event.BridgeEvent{
		SourceChain: 2,
		SourceTxID:  []byte{0xde, 0xad, 0xbe, 0xef},
		AssetID:     assetUSD,
		Amount:      100,
		Destination: dest,
		Nonce:       1,
	}
}

func newTestEngine(t *testing.T) (*Engine, *assetledger.Ledger, *finality.FixedHeightSource) {
	t.Helper()

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ledger := assetledger.NewLedger()
	require.NoError(t, ledger.CreateAsset(assetUSD, assetOwner, sdkmath.NewInt(1), sdkmath.NewInt(1_000_000)))

	heights := &finality.FixedHeightSource{}
	heights.Set(500)

	return NewEngine(database, ledger, heights, zap.NewNop()), ledger, heights
}

func TestSettleCreditsAndRecords(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)
	ev := testEvent()

	require.NoError(t, engine.Settle(&ev, ev.SigningDigest(), voters))

	assert.Equal(t, sdkmath.NewInt(100), ledger.Balance(assetUSD, ev.Destination))

	processed, err := engine.IsProcessed(&ev)
	require.NoError(t, err)
	assert.True(t, processed)

	rec, err := engine.Status(ev.TxKey())
	require.NoError(t, err)
	assert.Equal(t, ev, rec.Event)
	assert.Equal(t, uint64(500), rec.SettledHeight)
	assert.Equal(t, voters, rec.Voters)
}

func TestSettleIsExactlyOnce(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)
	ev := testEvent()

	require.NoError(t, engine.Settle(&ev, ev.SigningDigest(), voters))
	assert.ErrorIs(t, engine.Settle(&ev, ev.SigningDigest(), voters), ErrAlreadyProcessed)

	// No double credit.
	assert.Equal(t, sdkmath.NewInt(100), ledger.Balance(assetUSD, ev.Destination))
}

// Two digests for the same source tx can build quorum independently; only
// the first to settle wins.
func TestSettleRaceBetweenDigestsOfSameTx(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)

	a := testEvent()
	b := testEvent()
	b.Amount = 999 // different digest, same (chain, tx)
	require.NotEqual(t, a.SigningDigest(), b.SigningDigest())
	require.Equal(t, a.TxKey(), b.TxKey())

	require.NoError(t, engine.Settle(&a, a.SigningDigest(), voters))
	assert.ErrorIs(t, engine.Settle(&b, b.SigningDigest(), voters), ErrAlreadyProcessed)

	assert.Equal(t, sdkmath.NewInt(100), ledger.Balance(assetUSD, a.Destination))
}

func TestFailedCreditWritesNoLedgerEntry(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)

	ev := testEvent()
	ev.AssetID = 99 // not registered

	err := engine.Settle(&ev, ev.SigningDigest(), voters)
	assert.ErrorIs(t, err, assetledger.ErrUnknownAsset)

	// The event remains unsettled and is retryable once the asset exists.
	processed, perr := engine.IsProcessed(&ev)
	require.NoError(t, perr)
	assert.False(t, processed)

	require.NoError(t, ledger.CreateAsset(99, assetOwner, sdkmath.NewInt(1), sdkmath.NewInt(1_000_000)))
	assert.NoError(t, engine.Settle(&ev, ev.SigningDigest(), voters))
}

func TestSettleOverflowLeavesEventPending(t *testing.T) {
	engine, ledger, _ := newTestEngine(t)

	ev := testEvent()
	ev.Amount = 2_000_000 // above the asset's supply ceiling

	err := engine.Settle(&ev, ev.SigningDigest(), voters)
	assert.ErrorIs(t, err, assetledger.ErrInsufficientCapacity)

	assert.True(t, ledger.Balance(assetUSD, ev.Destination).IsZero())
	processed, perr := engine.IsProcessed(&ev)
	require.NoError(t, perr)
	assert.False(t, processed)
}

func TestSettleRejectsMalformedEvent(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	ev := testEvent()
	ev.Amount = 0
	assert.ErrorIs(t, engine.Settle(&ev, ev.SigningDigest(), voters), event.ErrAmountZero)
}

func TestStatusNotSettled(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ev := testEvent()

	_, err := engine.Status(ev.TxKey())
	assert.ErrorIs(t, err, db.ErrSettlementNotFound)
}
