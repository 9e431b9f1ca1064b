package assetledger

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latchbridge/latchbridge/pkg/event"
)

var (
	owner, _ = event.StringToAddress("aa")
	alice, _ = event.StringToAddress("01")
	bob, _   = event.StringToAddress("02")
)

const assetUSD = uint32(7)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger()
	require.NoError(t, l.CreateAsset(assetUSD, owner, sdkmath.NewInt(1), sdkmath.NewInt(1_000_000)))
	return l
}

func TestCreateAsset(t *testing.T) {
	l := newTestLedger(t)

	assert.ErrorIs(t, l.CreateAsset(assetUSD, owner, sdkmath.NewInt(1), sdkmath.NewInt(10)), ErrInUse)
	assert.ErrorIs(t, l.CreateAsset(8, owner, sdkmath.ZeroInt(), sdkmath.NewInt(10)), ErrMinBalanceZero)
}

func TestCreditAndBalances(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Credit(alice, assetUSD, 100))
	assert.Equal(t, sdkmath.NewInt(100), l.Balance(assetUSD, alice))
	assert.Equal(t, sdkmath.NewInt(100), l.TotalSupply(assetUSD))

	require.NoError(t, l.Credit(alice, assetUSD, 50))
	assert.Equal(t, sdkmath.NewInt(150), l.Balance(assetUSD, alice))
	assert.Equal(t, sdkmath.NewInt(150), l.TotalSupply(assetUSD))

	d, ok := l.Asset(assetUSD)
	require.True(t, ok)
	assert.Equal(t, uint32(1), d.Accounts)
}

func TestCreditFailures(t *testing.T) {
	l := newTestLedger(t)

	assert.ErrorIs(t, l.Credit(alice, assetUSD, 0), ErrAmountZero)
	assert.ErrorIs(t, l.Credit(alice, 99, 10), ErrUnknownAsset)

	// Exceeding the ceiling leaves supply and balances untouched.
	assert.ErrorIs(t, l.Credit(alice, assetUSD, 1_000_001), ErrInsufficientCapacity)
	assert.True(t, l.Balance(assetUSD, alice).IsZero())
	assert.True(t, l.TotalSupply(assetUSD).IsZero())

	// Exactly at the ceiling is fine.
	require.NoError(t, l.Credit(alice, assetUSD, 1_000_000))
	assert.ErrorIs(t, l.Credit(alice, assetUSD, 1), ErrInsufficientCapacity)
}

func TestCreditRespectsMinBalance(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.CreateAsset(assetUSD, owner, sdkmath.NewInt(10), sdkmath.NewInt(1000)))

	assert.ErrorIs(t, l.Credit(alice, assetUSD, 9), ErrBalanceLow)
	require.NoError(t, l.Credit(alice, assetUSD, 10))
}

func TestBurnUnwindsCredit(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit(alice, assetUSD, 100))

	require.NoError(t, l.Burn(alice, assetUSD, 100))
	assert.True(t, l.Balance(assetUSD, alice).IsZero())
	assert.True(t, l.TotalSupply(assetUSD).IsZero())

	d, ok := l.Asset(assetUSD)
	require.True(t, ok)
	assert.Equal(t, uint32(0), d.Accounts)

	assert.ErrorIs(t, l.Burn(alice, assetUSD, 1), ErrBalanceZero)
}

func TestBurnFailures(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit(alice, assetUSD, 100))

	assert.ErrorIs(t, l.Burn(alice, assetUSD, 0), ErrAmountZero)
	assert.ErrorIs(t, l.Burn(alice, 99, 10), ErrUnknownAsset)
	assert.ErrorIs(t, l.Burn(alice, assetUSD, 101), ErrBalanceLow)
	assert.Equal(t, sdkmath.NewInt(100), l.Balance(assetUSD, alice))
}

func TestTransfer(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit(alice, assetUSD, 100))

	require.NoError(t, l.Transfer(alice, bob, assetUSD, 40))
	assert.Equal(t, sdkmath.NewInt(60), l.Balance(assetUSD, alice))
	assert.Equal(t, sdkmath.NewInt(40), l.Balance(assetUSD, bob))

	// Supply is conserved by transfers.
	assert.Equal(t, sdkmath.NewInt(100), l.TotalSupply(assetUSD))

	assert.ErrorIs(t, l.Transfer(alice, bob, assetUSD, 61), ErrBalanceLow)
	assert.ErrorIs(t, l.Transfer(bob, alice, assetUSD, 0), ErrAmountZero)
}

func TestFrozenAccountBlocksMovement(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit(alice, assetUSD, 100))

	assert.ErrorIs(t, l.Freeze(alice, alice, assetUSD), ErrNoPermission)
	require.NoError(t, l.Freeze(owner, alice, assetUSD))

	assert.ErrorIs(t, l.Credit(alice, assetUSD, 10), ErrFrozen)
	assert.ErrorIs(t, l.Transfer(alice, bob, assetUSD, 10), ErrFrozen)

	require.NoError(t, l.Thaw(owner, alice, assetUSD))
	assert.NoError(t, l.Credit(alice, assetUSD, 10))
}

func TestFrozenAssetBlocksMovement(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Credit(alice, assetUSD, 100))

	require.NoError(t, l.FreezeAsset(owner, assetUSD))
	assert.ErrorIs(t, l.Credit(bob, assetUSD, 10), ErrFrozen)
	assert.ErrorIs(t, l.Transfer(alice, bob, assetUSD, 10), ErrFrozen)

	require.NoError(t, l.ThawAsset(owner, assetUSD))
	assert.NoError(t, l.Credit(bob, assetUSD, 10))
}
