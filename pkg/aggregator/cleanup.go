package aggregator

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/latchbridge/latchbridge/pkg/event"
	"github.com/latchbridge/latchbridge/pkg/settlement"
)

var (
	aggregationStateEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "latchbridge_aggregation_state_entries",
			Help: "Current number of digests tracked in the aggregation state",
		})
	aggregationStateExpiration = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "latchbridge_aggregation_state_expirations_total",
			Help: "Total number of pending vote sets dropped for exceeding the expiry window",
		})
	aggregationStateRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "latchbridge_aggregation_state_retries_total",
			Help: "Total number of settlement retries for quorum digests",
		})
)

// CleanupInterval is how often the housekeeping pass runs.
const CleanupInterval = 30 * time.Second

// Run consumes attestations from attC until the context is cancelled,
// interleaving periodic housekeeping. A single goroutine owns the loop, so
// submissions are processed one at a time in arrival order.
func (p *Aggregator) Run(ctx context.Context, attC <-chan *event.Attestation) error {
	if err := p.restore(); err != nil {
		return err
	}

	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-attC:
			outcome, err := p.Submit(a)
			if err != nil {
				p.logger.Warn("attestation rejected",
					zap.String("message_id", a.Event.MessageID()),
					zap.String("relayer", a.Relayer.Hex()),
					zap.Error(err),
				)
				continue
			}
			if outcome == OutcomeQuorumReached {
				p.logger.Info("quorum reached",
					zap.String("message_id", a.Event.MessageID()),
					zap.String("digest", a.Event.HexDigest()),
				)
			}
		case <-ticker.C:
			p.handleCleanup()
		}
	}
}

// handleCleanup walks the aggregation state once. It drops settled entries
// past their retention window, expires pending vote sets whose event never
// reached quorum, and retries settlements that failed transiently.
func (p *Aggregator) handleCleanup() {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()

	height := p.heights.Height()
	now := time.Now()
	aggregationStateEntries.Set(float64(len(p.state.digests)))

	for digestHex, s := range p.state.digests {
		switch {
		case s.settled:
			// Keep settled entries around for a while so straggler votes are
			// swallowed by the in-memory state instead of hitting the store.
			if height >= s.settledAtHeight+p.cfg.SettledRetentionBlocks {
				p.forgetDigestLocked(digestHex, s)
			}

		case s.retrySettle:
			if now.After(s.nextRetry) {
				aggregationStateRetries.Inc()
				digest := s.event.SigningDigest()
				if _, err := p.settleLocked(digestHex, digest, s); err != nil &&
					!errors.Is(err, settlement.ErrAlreadyProcessed) {
					p.logger.Warn("settlement retry failed",
						zap.String("digest", digestHex),
						zap.Uint("retry", s.retryCtr),
						zap.Error(err),
					)
				}
			}

		case height >= s.firstSeenHeight+p.cfg.ExpiryBlocks:
			// The vote set went stale without quorum. Drop it entirely; a
			// fresh resubmission restarts aggregation from zero.
			aggregationStateExpiration.Inc()
			p.logger.Info("expiring pending vote set",
				zap.String("message_id", s.event.MessageID()),
				zap.String("digest", digestHex),
				zap.Int("votes", len(s.signatures)),
				zap.Uint64("first_seen_height", s.firstSeenHeight),
				zap.Uint64("height", height),
			)
			p.forgetDigestLocked(digestHex, s)
			p.dropPending(digestHex)
		}
	}
}

// forgetDigestLocked removes a digest and its per-relayer vote entries.
// Caller holds the state mutex.
func (p *Aggregator) forgetDigestLocked(digestHex string, s *state) {
	delete(p.state.digests, digestHex)

	txKey := s.event.TxKey()
	votes := p.state.votesByTx[txKey]
	for relayer, voted := range votes {
		if voted == digestHex {
			delete(votes, relayer)
		}
	}
	if len(votes) == 0 {
		delete(p.state.votesByTx, txKey)
	}
}

// restore rebuilds the in-memory aggregation state from persisted pending
// vote sets, dropping any whose source tx settled in the meantime.
func (p *Aggregator) restore() error {
	pending, err := p.db.LoadAllPendingAttestations()
	if err != nil {
		return err
	}

	p.state.mu.Lock()
	defer p.state.mu.Unlock()

	restored := 0
	for digestHex, rec := range pending {
		if rec.Event == nil {
			p.logger.Warn("dropping persisted vote set without event body",
				zap.String("digest", digestHex))
			p.dropPending(digestHex)
			continue
		}

		processed, err := p.settler.IsProcessed(rec.Event)
		if err != nil {
			return err
		}
		if processed {
			p.dropPending(digestHex)
			continue
		}

		p.state.digests[digestHex] = &state{
			firstObserved:   time.Now(),
			firstSeenHeight: rec.FirstSeenHeight,
			event:           rec.Event,
			signatures:      rec.Signatures,
		}
		txKey := rec.Event.TxKey()
		votes, ok := p.state.votesByTx[txKey]
		if !ok {
			votes = make(map[common.Address]string, len(rec.Signatures))
			p.state.votesByTx[txKey] = votes
		}
		for relayer := range rec.Signatures {
			votes[relayer] = digestHex
		}
		restored++
	}

	if restored > 0 {
		p.logger.Info("restored pending vote sets", zap.Int("count", restored))
	}
	return nil
}
