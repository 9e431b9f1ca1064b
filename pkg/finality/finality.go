// Package finality decides whether an observed event is old enough to be
// attested. The core never observes the source chain itself; the gate is a
// policy check over the confirmation depth the attestation already carries,
// protecting quorum accumulation against source-chain reorganizations.
package finality

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/latchbridge/latchbridge/pkg/event"
)

var notYetFinalTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "latchbridge_finality_rejections_total",
		Help: "Total number of attestations rejected for insufficient confirmation depth, grouped by chain",
	}, []string{"chain"})

// ErrNotYetFinal blocks an attestation from counting but does not discard the
// event; the relayer may resubmit once the stated depth improves.
var ErrNotYetFinal = errors.New("event confirmation depth below configured finality minimum")

// HeightSource supplies the local block height used to timestamp pending
// vote sets and drive their expiry. Supplied by the surrounding ledger.
type HeightSource interface {
	Height() uint64
}

// Gate enforces a minimum confirmation depth per source chain before an
// event may be attested.
type Gate struct {
	mu sync.RWMutex

	// defaultMin applies to chains without an explicit override.
	defaultMin uint32
	perChain   map[event.ChainID]uint32
}

func NewGate(defaultMin uint32) *Gate {
	return &Gate{
		defaultMin: defaultMin,
		perChain:   map[event.ChainID]uint32{},
	}
}

// SetChainMinimum overrides the confirmation minimum for one chain.
func (g *Gate) SetChainMinimum(chain event.ChainID, min uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perChain[chain] = min
}

// Minimum returns the confirmation minimum in effect for chain.
func (g *Gate) Minimum(chain event.ChainID) uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if min, ok := g.perChain[chain]; ok {
		return min
	}
	return g.defaultMin
}

// Check returns ErrNotYetFinal if the attestation's claimed confirmation
// depth is below the minimum for its source chain.
func (g *Gate) Check(a *event.Attestation) error {
	if a.Confirmations < g.Minimum(a.Event.SourceChain) {
		notYetFinalTotal.WithLabelValues(a.Event.SourceChain.String()).Inc()
		return ErrNotYetFinal
	}
	return nil
}

// IsFinal reports whether an event attested at the given depth clears the
// gate for its chain.
func (g *Gate) IsFinal(e *event.BridgeEvent, confirmations uint32) bool {
	return confirmations >= g.Minimum(e.SourceChain)
}

// WallClockHeightSource derives a monotonic local height from wall time at a
// fixed block interval. It stands in for the ledger's real height feed in
// deployments and tests that have none.
type WallClockHeightSource struct {
	genesis   time.Time
	blockTime time.Duration
}

func NewWallClockHeightSource(genesis time.Time, blockTime time.Duration) *WallClockHeightSource {
	if blockTime <= 0 {
		blockTime = time.Second
	}
	return &WallClockHeightSource{genesis: genesis, blockTime: blockTime}
}

func (w *WallClockHeightSource) Height() uint64 {
	d := time.Since(w.genesis)
	if d < 0 {
		return 0
	}
	return uint64(d / w.blockTime)
}

// FixedHeightSource is a manually advanced height, used in tests.
type FixedHeightSource struct {
	mu sync.Mutex
	h  uint64
}

func (f *FixedHeightSource) Height() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.h
}

func (f *FixedHeightSource) Set(h uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.h = h
}
