// Package settlement executes the balance-affecting effect of a quorum and
// records it in the processed-event ledger, exactly once per source
// transaction.
package settlement

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/latchbridge/latchbridge/pkg/assetledger"
	"github.com/latchbridge/latchbridge/pkg/db"
	"github.com/latchbridge/latchbridge/pkg/event"
	"github.com/latchbridge/latchbridge/pkg/finality"
)

var (
	settlementsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "latchbridge_settlements_total",
			Help: "Total number of settled events",
		})
	settlementFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latchbridge_settlement_failures_total",
			Help: "Total number of failed settlement attempts, grouped by cause",
		}, []string{"cause"})
	settledValueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latchbridge_settled_value_total",
			Help: "Total value settled, grouped by asset id",
		}, []string{"asset"})
)

// ErrAlreadyProcessed means the (chain, tx) pair has already settled. For a
// retransmitted quorum this is benign; it is also how the loser of a race
// between two digests for the same tx finds out.
var ErrAlreadyProcessed = errors.New("source transaction already settled")

// Engine settles quorum events against the asset ledger and the
// processed-event ledger.
type Engine struct {
	// mu serializes the check-credit-record critical section. Two digests
	// for the same source tx may reach quorum independently; only the first
	// settle may win.
	mu sync.Mutex

	db      *db.Database
	ledger  *assetledger.Ledger
	heights finality.HeightSource
	logger  *zap.Logger
}

func NewEngine(database *db.Database, ledger *assetledger.Ledger, heights finality.HeightSource, logger *zap.Logger) *Engine {
	return &Engine{
		db:      database,
		ledger:  ledger,
		heights: heights,
		logger:  logger.With(zap.String("component", "settlement")),
	}
}

// IsProcessed reports whether the event's source tx has already settled.
func (e *Engine) IsProcessed(ev *event.BridgeEvent) (bool, error) {
	return e.db.IsProcessed(ev.TxKey())
}

// Settle credits the destination account and appends the (chain, tx) pair to
// the processed-event ledger. The two effects are atomic: a failed credit
// writes no ledger entry and leaves the event pending and retryable.
func (e *Engine) Settle(ev *event.BridgeEvent, digest common.Hash, voters []common.Address) error {
	if err := ev.Validate(); err != nil {
		settlementFailuresTotal.WithLabelValues("malformed_event").Inc()
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	processed, err := e.db.IsProcessed(ev.TxKey())
	if err != nil {
		settlementFailuresTotal.WithLabelValues("store").Inc()
		return fmt.Errorf("failed to check processed ledger: %w", err)
	}
	if processed {
		settlementFailuresTotal.WithLabelValues("already_processed").Inc()
		return ErrAlreadyProcessed
	}

	if err := e.ledger.Credit(ev.Destination, ev.AssetID, ev.Amount); err != nil {
		settlementFailuresTotal.WithLabelValues(creditFailureCause(err)).Inc()
		e.logger.Error("credit failed, event remains pending",
			zap.String("message_id", ev.MessageID()),
			zap.String("digest", digest.Hex()),
			zap.Error(err),
		)
		return fmt.Errorf("failed to credit destination account: %w", err)
	}

	rec := &db.SettlementRecord{
		Event:         *ev,
		Digest:        digest,
		SettledHeight: e.heights.Height(),
		Voters:        voters,
	}
	if err := e.db.RecordSettlement(rec); err != nil {
		// The credit landed but the ledger write did not. Unwind the credit
		// so the event stays unsettled as a whole and can be retried.
		if burnErr := e.ledger.Burn(ev.Destination, ev.AssetID, ev.Amount); burnErr != nil {
			// The account moved funds between our credit and the unwind.
			// Surface loudly; operators must reconcile by hand.
			e.logger.Error("failed to unwind credit after ledger write failure",
				zap.String("message_id", ev.MessageID()),
				zap.Error(burnErr),
			)
		}
		if errors.Is(err, db.ErrAlreadySettled) {
			settlementFailuresTotal.WithLabelValues("already_processed").Inc()
			return ErrAlreadyProcessed
		}
		settlementFailuresTotal.WithLabelValues("store").Inc()
		return fmt.Errorf("failed to record settlement: %w", err)
	}

	settlementsTotal.Inc()
	settledValueTotal.WithLabelValues(fmt.Sprintf("%d", ev.AssetID)).Add(float64(ev.Amount))

	e.logger.Info("event settled",
		zap.String("message_id", ev.MessageID()),
		zap.String("digest", digest.Hex()),
		zap.String("txhash_b58", base58.Encode(ev.SourceTxID)),
		zap.Uint64("amount", ev.Amount),
		zap.Uint32("asset", ev.AssetID),
		zap.Uint64("height", rec.SettledHeight),
		zap.Int("voters", len(voters)),
	)

	return nil
}

// Status returns the settlement record for a (chain, tx) pair, or
// db.ErrSettlementNotFound if the event has not settled.
func (e *Engine) Status(txKey string) (*db.SettlementRecord, error) {
	return e.db.GetSettlement(txKey)
}

func creditFailureCause(err error) string {
	switch {
	case errors.Is(err, assetledger.ErrUnknownAsset):
		return "unknown_asset"
	case errors.Is(err, assetledger.ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, assetledger.ErrFrozen):
		return "frozen"
	default:
		return "credit"
	}
}
