// Package assetledger is the local balance ledger the settlement engine
// credits into. Asset classes carry an owner, a minimum account balance, and
// an issuance ceiling; accounts and whole assets can be frozen. All
// arithmetic is checked.
package assetledger

import (
	"errors"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/latchbridge/latchbridge/pkg/event"
)

var (
	creditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latchbridge_assetledger_credits_total",
			Help: "Total number of credit operations, grouped by result",
		}, []string{"result"})
)

var (
	ErrInUse                = errors.New("asset id already in use")
	ErrUnknownAsset         = errors.New("unknown asset")
	ErrAmountZero           = errors.New("amount must not be zero")
	ErrMinBalanceZero       = errors.New("minimum balance must not be zero")
	ErrBalanceLow           = errors.New("resulting balance below asset minimum")
	ErrBalanceZero          = errors.New("account holds no balance of this asset")
	ErrFrozen               = errors.New("account or asset is frozen")
	ErrNoPermission         = errors.New("caller does not own this asset")
	ErrInsufficientCapacity = errors.New("issuance would exceed the asset's supply ceiling")
)

// AssetDetails describes one asset class.
type AssetDetails struct {
	// Owner may freeze and thaw the asset and its accounts.
	Owner event.Address
	// Supply is the total amount in circulation.
	Supply sdkmath.Int
	// MaxSupply is the issuance ceiling. Credits that would push Supply past
	// it fail with ErrInsufficientCapacity.
	MaxSupply sdkmath.Int
	// MinBalance is the smallest balance an account may hold.
	MinBalance sdkmath.Int
	// Frozen blocks all balance movement for the asset.
	Frozen bool
	// Accounts is the number of accounts holding a balance.
	Accounts uint32
}

type accountKey struct {
	asset uint32
	who   event.Address
}

// Ledger is an in-process asset ledger. One mutation at a time; the mutex
// covers every balance-affecting operation.
type Ledger struct {
	mu sync.Mutex

	assets   map[uint32]*AssetDetails
	balances map[accountKey]sdkmath.Int
	frozen   map[accountKey]bool
}

func NewLedger() *Ledger {
	return &Ledger{
		assets:   map[uint32]*AssetDetails{},
		balances: map[accountKey]sdkmath.Int{},
		frozen:   map[accountKey]bool{},
	}
}

// CreateAsset registers a new asset class.
func (l *Ledger) CreateAsset(id uint32, owner event.Address, minBalance, maxSupply sdkmath.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.assets[id]; ok {
		return ErrInUse
	}
	if minBalance.IsNil() || !minBalance.IsPositive() {
		return ErrMinBalanceZero
	}
	if maxSupply.IsNil() || !maxSupply.IsPositive() {
		return ErrInsufficientCapacity
	}

	l.assets[id] = &AssetDetails{
		Owner:      owner,
		Supply:     sdkmath.ZeroInt(),
		MaxSupply:  maxSupply,
		MinBalance: minBalance,
	}
	return nil
}

// Credit mints amount of the asset to the account. This is the contract the
// settlement engine calls exactly once per settled event. The operation
// either fully applies or leaves the ledger untouched.
func (l *Ledger) Credit(who event.Address, id uint32, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == 0 {
		creditsTotal.WithLabelValues("amount_zero").Inc()
		return ErrAmountZero
	}

	d, ok := l.assets[id]
	if !ok {
		creditsTotal.WithLabelValues("unknown_asset").Inc()
		return ErrUnknownAsset
	}
	if d.Frozen {
		creditsTotal.WithLabelValues("frozen").Inc()
		return ErrFrozen
	}

	key := accountKey{asset: id, who: who}
	if l.frozen[key] {
		creditsTotal.WithLabelValues("frozen").Inc()
		return ErrFrozen
	}

	value := sdkmath.NewIntFromUint64(amount)
	newSupply := d.Supply.Add(value)
	if newSupply.GT(d.MaxSupply) {
		creditsTotal.WithLabelValues("insufficient_capacity").Inc()
		return ErrInsufficientCapacity
	}

	balance, held := l.balances[key]
	if !held {
		balance = sdkmath.ZeroInt()
	}
	newBalance := balance.Add(value)
	if newBalance.LT(d.MinBalance) {
		creditsTotal.WithLabelValues("balance_low").Inc()
		return ErrBalanceLow
	}

	if !held {
		d.Accounts++
	}
	d.Supply = newSupply
	l.balances[key] = newBalance
	creditsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Burn removes amount of the asset from the account and reduces supply. Used
// by the settlement engine to unwind a credit whose ledger write failed.
func (l *Ledger) Burn(who event.Address, id uint32, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == 0 {
		return ErrAmountZero
	}

	d, ok := l.assets[id]
	if !ok {
		return ErrUnknownAsset
	}

	key := accountKey{asset: id, who: who}
	balance, held := l.balances[key]
	if !held {
		return ErrBalanceZero
	}

	value := sdkmath.NewIntFromUint64(amount)
	if balance.LT(value) {
		return ErrBalanceLow
	}

	newBalance := balance.Sub(value)
	if newBalance.IsZero() {
		delete(l.balances, key)
		d.Accounts--
	} else {
		if newBalance.LT(d.MinBalance) {
			return ErrBalanceLow
		}
		l.balances[key] = newBalance
	}
	d.Supply = d.Supply.Sub(value)
	return nil
}

// Transfer moves amount of the asset between accounts.
func (l *Ledger) Transfer(from, to event.Address, id uint32, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == 0 {
		return ErrAmountZero
	}

	d, ok := l.assets[id]
	if !ok {
		return ErrUnknownAsset
	}
	if d.Frozen {
		return ErrFrozen
	}

	fromKey := accountKey{asset: id, who: from}
	toKey := accountKey{asset: id, who: to}
	if l.frozen[fromKey] || l.frozen[toKey] {
		return ErrFrozen
	}

	fromBalance, held := l.balances[fromKey]
	if !held {
		return ErrBalanceZero
	}

	value := sdkmath.NewIntFromUint64(amount)
	if fromBalance.LT(value) {
		return ErrBalanceLow
	}

	newFrom := fromBalance.Sub(value)
	if !newFrom.IsZero() && newFrom.LT(d.MinBalance) {
		return ErrBalanceLow
	}

	toBalance, toHeld := l.balances[toKey]
	if !toHeld {
		toBalance = sdkmath.ZeroInt()
	}
	newTo := toBalance.Add(value)
	if newTo.LT(d.MinBalance) {
		return ErrBalanceLow
	}

	if newFrom.IsZero() {
		delete(l.balances, fromKey)
		d.Accounts--
	} else {
		l.balances[fromKey] = newFrom
	}
	if !toHeld {
		d.Accounts++
	}
	l.balances[toKey] = newTo
	return nil
}

// Freeze blocks balance movement for one account of the asset. Owner only.
func (l *Ledger) Freeze(caller, who event.Address, id uint32) error {
	return l.setAccountFrozen(caller, who, id, true)
}

// Thaw re-enables a frozen account. Owner only.
func (l *Ledger) Thaw(caller, who event.Address, id uint32) error {
	return l.setAccountFrozen(caller, who, id, false)
}

func (l *Ledger) setAccountFrozen(caller, who event.Address, id uint32, frozen bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.assets[id]
	if !ok {
		return ErrUnknownAsset
	}
	if d.Owner != caller {
		return ErrNoPermission
	}

	key := accountKey{asset: id, who: who}
	if frozen {
		if _, held := l.balances[key]; !held {
			return ErrBalanceZero
		}
		l.frozen[key] = true
	} else {
		delete(l.frozen, key)
	}
	return nil
}

// FreezeAsset blocks all balance movement for the asset. Owner only.
func (l *Ledger) FreezeAsset(caller event.Address, id uint32) error {
	return l.setAssetFrozen(caller, id, true)
}

// ThawAsset re-enables a frozen asset. Owner only.
func (l *Ledger) ThawAsset(caller event.Address, id uint32) error {
	return l.setAssetFrozen(caller, id, false)
}

func (l *Ledger) setAssetFrozen(caller event.Address, id uint32, frozen bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.assets[id]
	if !ok {
		return ErrUnknownAsset
	}
	if d.Owner != caller {
		return ErrNoPermission
	}
	d.Frozen = frozen
	return nil
}

// Balance returns the account's balance of the asset, zero if none.
func (l *Ledger) Balance(id uint32, who event.Address) sdkmath.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.balances[accountKey{asset: id, who: who}]; ok {
		return b
	}
	return sdkmath.ZeroInt()
}

// TotalSupply returns the asset's circulating supply, zero if the asset is
// unknown.
func (l *Ledger) TotalSupply(id uint32) sdkmath.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d, ok := l.assets[id]; ok {
		return d.Supply
	}
	return sdkmath.ZeroInt()
}

// Asset returns a copy of the asset's details.
func (l *Ledger) Asset(id uint32) (AssetDetails, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.assets[id]
	if !ok {
		return AssetDetails{}, false
	}
	return *d, true
}
