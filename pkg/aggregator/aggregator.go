// Package aggregator accumulates relayer attestations per canonical event
// digest and triggers settlement once the quorum threshold is met. Final
// settlement state is a pure function of the set of valid attestations
// received; arrival order never matters.
package aggregator

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/latchbridge/latchbridge/pkg/db"
	"github.com/latchbridge/latchbridge/pkg/event"
	"github.com/latchbridge/latchbridge/pkg/finality"
	"github.com/latchbridge/latchbridge/pkg/registry"
	"github.com/latchbridge/latchbridge/pkg/settlement"
)

var (
	attestationsReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "latchbridge_attestations_received_total",
			Help: "Total number of attestations received",
		})
	attestationsByRelayerTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latchbridge_attestations_by_relayer_total",
			Help: "Total number of verified attestations grouped by relayer address",
		}, []string{"addr"})
	attestationsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latchbridge_attestations_failed_total",
			Help: "Total number of rejected attestations, grouped by rejection cause",
		}, []string{"cause"})
	equivocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "latchbridge_equivocations_total",
			Help: "Total number of detected relayer equivocations",
		})
	quorumReachedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "latchbridge_quorum_reached_total",
			Help: "Total number of digests that reached quorum",
		})
)

var (
	ErrNotAuthorizedRelayer = errors.New("relayer is not an enabled registry member")
	// ErrConflictingAttestation flags an equivocation: the relayer already
	// voted for a different digest of the same source tx. Fatal to this
	// relayer's participation in the event; removal policy lives upstream.
	ErrConflictingAttestation = errors.New("relayer already attested a conflicting digest for this source tx")
)

// Outcome of a single attestation submission.
type Outcome int

const (
	// OutcomeNone accompanies a rejection.
	OutcomeNone Outcome = iota
	// OutcomeRecorded means the vote was counted and quorum is still open.
	OutcomeRecorded
	// OutcomeAlreadyVoted means the relayer already voted for this exact
	// digest; the resubmission is a no-op.
	OutcomeAlreadyVoted
	// OutcomeQuorumReached means this vote completed the quorum and the
	// event settled.
	OutcomeQuorumReached
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecorded:
		return "recorded"
	case OutcomeAlreadyVoted:
		return "already_voted"
	case OutcomeQuorumReached:
		return "quorum_reached"
	default:
		return "none"
	}
}

type (
	// state is the local view of one digest's aggregation.
	state struct {
		// First local sighting; expiry is measured from firstSeenHeight.
		firstObserved   time.Time
		firstSeenHeight uint64
		// The event behind the digest.
		event *event.BridgeEvent
		// signatures maps relayer address to the signature it submitted.
		signatures map[common.Address][]byte
		// settled is terminal: this digest settled, or lost the race to a
		// sibling digest of the same tx.
		settled         bool
		settledAtHeight uint64
		// retrySettle marks a quorum whose settlement attempt failed; the
		// cleanup loop retries it with backoff.
		retrySettle bool
		retryCtr    uint
		nextRetry   time.Time
		retryWait   *backoff.ExponentialBackOff
	}

	// Equivocation records a relayer attesting two different digests for
	// one source tx.
	Equivocation struct {
		Relayer     common.Address
		TxKey       string
		FirstDigest string
		OtherDigest string
		Height      uint64
	}

	// aggregationState is the full vote bookkeeping, all guarded by one
	// mutex: one mutation at a time, matching the sequential-ledger model.
	aggregationState struct {
		mu sync.Mutex
		// digests maps digest hex to its aggregation state.
		digests map[string]*state
		// votesByTx maps tx key -> relayer -> the digest hex that relayer
		// voted for. This is what makes equivocations visible.
		votesByTx map[string]map[common.Address]string
		// equivocators keeps the first detected offence per relayer.
		equivocators map[common.Address]Equivocation
	}
)

// Config tunes aggregation housekeeping. Zero values select the defaults.
type Config struct {
	// ExpiryBlocks is how many blocks past first sighting a pending vote
	// set survives without reaching quorum.
	ExpiryBlocks uint64
	// SettledRetentionBlocks is how long a settled state lingers so that
	// late duplicate votes die quietly instead of reopening aggregation.
	SettledRetentionBlocks uint64
}

const (
	DefaultExpiryBlocks           = 1000
	DefaultSettledRetentionBlocks = 100
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.ExpiryBlocks == 0 {
		out.ExpiryBlocks = DefaultExpiryBlocks
	}
	if out.SettledRetentionBlocks == 0 {
		out.SettledRetentionBlocks = DefaultSettledRetentionBlocks
	}
	return out
}

// Settler is the settlement engine as the aggregator sees it.
type Settler interface {
	IsProcessed(ev *event.BridgeEvent) (bool, error)
	Settle(ev *event.BridgeEvent, digest common.Hash, voters []common.Address) error
}

// Aggregator tallies attestations and drives settlement.
type Aggregator struct {
	registry *registry.Set
	gate     *finality.Gate
	heights  finality.HeightSource
	settler  Settler
	db       *db.Database
	cfg      Config

	state *aggregationState

	logger *zap.Logger
}

func New(
	reg *registry.Set,
	gate *finality.Gate,
	heights finality.HeightSource,
	settler Settler,
	database *db.Database,
	cfg Config,
	logger *zap.Logger,
) *Aggregator {
	return &Aggregator{
		registry: reg,
		gate:     gate,
		heights:  heights,
		settler:  settler,
		db:       database,
		cfg:      cfg.withDefaults(),
		state: &aggregationState{
			digests:      map[string]*state{},
			votesByTx:    map[string]map[common.Address]string{},
			equivocators: map[common.Address]Equivocation{},
		},
		logger: logger.With(zap.String("component", "aggregator")),
	}
}

// Submit processes one relayer attestation. Validation rejections never
// mutate state. AlreadyVoted is a soft outcome, not an error; a conflicting
// vote for the same source tx is an equivocation and is rejected.
func (p *Aggregator) Submit(a *event.Attestation) (Outcome, error) {
	attestationsReceivedTotal.Inc()

	// Attestations arrive from an untrusted transport: validate everything
	// before touching state.
	if err := a.Event.Validate(); err != nil {
		attestationsFailedTotal.WithLabelValues("malformed_event").Inc()
		return OutcomeNone, err
	}

	if !p.registry.IsAuthorized(a.Relayer) {
		attestationsFailedTotal.WithLabelValues("not_authorized").Inc()
		return OutcomeNone, ErrNotAuthorizedRelayer
	}

	if err := p.gate.Check(a); err != nil {
		attestationsFailedTotal.WithLabelValues("not_yet_final").Inc()
		return OutcomeNone, err
	}

	processed, err := p.settler.IsProcessed(&a.Event)
	if err != nil {
		attestationsFailedTotal.WithLabelValues("store").Inc()
		return OutcomeNone, fmt.Errorf("failed to check processed ledger: %w", err)
	}
	if processed {
		attestationsFailedTotal.WithLabelValues("already_processed").Inc()
		return OutcomeNone, settlement.ErrAlreadyProcessed
	}

	if err := a.VerifySignature(); err != nil {
		attestationsFailedTotal.WithLabelValues("invalid_signature").Inc()
		return OutcomeNone, err
	}

	// The attestation is now known to carry a valid signature by an enabled
	// relayer over a final, unsettled event.
	attestationsByRelayerTotal.WithLabelValues(a.Relayer.Hex()).Inc()

	digest := a.Event.SigningDigest()
	digestHex := a.Event.HexDigest()
	txKey := a.Event.TxKey()

	p.state.mu.Lock()
	defer p.state.mu.Unlock()

	if prior, ok := p.state.votesByTx[txKey][a.Relayer]; ok && prior != digestHex {
		p.recordEquivocation(a, txKey, prior, digestHex)
		return OutcomeNone, ErrConflictingAttestation
	}

	s, ok := p.state.digests[digestHex]
	if !ok {
		s = &state{
			firstObserved:   time.Now(),
			firstSeenHeight: p.heights.Height(),
			event:           copyEvent(&a.Event),
			signatures:      map[common.Address][]byte{},
		}
		p.state.digests[digestHex] = s
	}

	if s.settled {
		// The digest settled but the processed-ledger check above raced a
		// retransmission. Treat like any other late duplicate.
		return OutcomeAlreadyVoted, nil
	}

	if _, voted := s.signatures[a.Relayer]; voted {
		if p.logger.Level().Enabled(zapcore.DebugLevel) {
			p.logger.Debug("duplicate vote ignored",
				zap.String("message_id", a.Event.MessageID()),
				zap.String("digest", digestHex),
				zap.String("relayer", a.Relayer.Hex()),
			)
		}
		return OutcomeAlreadyVoted, nil
	}

	s.signatures[a.Relayer] = a.Signature
	votes, ok := p.state.votesByTx[txKey]
	if !ok {
		votes = map[common.Address]string{}
		p.state.votesByTx[txKey] = votes
	}
	votes[a.Relayer] = digestHex

	p.persistPending(digestHex, s)

	if p.logger.Level().Enabled(zapcore.DebugLevel) {
		p.logger.Debug("attestation recorded",
			zap.String("message_id", a.Event.MessageID()),
			zap.String("digest", digestHex),
			zap.String("relayer", a.Relayer.Hex()),
			zap.Int("have_votes", len(s.signatures)),
			zap.Int("required_votes", p.registry.Quorum()),
		)
	}

	// Votes cast while a relayer was enabled stay valid even if the relayer
	// is disabled later, so the quorum check is over everything recorded.
	if len(s.signatures) < p.registry.Quorum() {
		return OutcomeRecorded, nil
	}

	return p.settleLocked(digestHex, digest, s)
}

// settleLocked runs a settlement attempt for a quorum digest. Caller holds
// the state mutex.
func (p *Aggregator) settleLocked(digestHex string, digest common.Hash, s *state) (Outcome, error) {
	voters := sortedVoters(s.signatures)

	err := p.settler.Settle(s.event, digest, voters)
	switch {
	case err == nil:
		s.settled = true
		s.retrySettle = false
		s.settledAtHeight = p.heights.Height()
		quorumReachedTotal.Inc()
		p.dropPending(digestHex)
		return OutcomeQuorumReached, nil

	case errors.Is(err, settlement.ErrAlreadyProcessed):
		// A sibling digest of the same tx settled first. Terminal for this
		// digest as well.
		s.settled = true
		s.retrySettle = false
		s.settledAtHeight = p.heights.Height()
		p.dropPending(digestHex)
		p.logger.Warn("quorum digest lost settlement race",
			zap.String("message_id", s.event.MessageID()),
			zap.String("digest", digestHex),
		)
		return OutcomeNone, settlement.ErrAlreadyProcessed

	default:
		// The quorum stands; only this settlement attempt failed. Leave the
		// event pending and let the cleanup loop retry with backoff.
		if s.retryWait == nil {
			s.retryWait = backoff.NewExponentialBackOff()
			s.retryWait.MaxElapsedTime = 0
		}
		s.retrySettle = true
		s.retryCtr++
		s.nextRetry = time.Now().Add(s.retryWait.NextBackOff())
		p.logger.Error("settlement failed, event remains pending",
			zap.String("message_id", s.event.MessageID()),
			zap.String("digest", digestHex),
			zap.Uint("retry", s.retryCtr),
			zap.Error(err),
		)
		return OutcomeNone, err
	}
}

func (p *Aggregator) recordEquivocation(a *event.Attestation, txKey, prior, digestHex string) {
	equivocationsTotal.Inc()
	if _, ok := p.state.equivocators[a.Relayer]; !ok {
		p.state.equivocators[a.Relayer] = Equivocation{
			Relayer:     a.Relayer,
			TxKey:       txKey,
			FirstDigest: prior,
			OtherDigest: digestHex,
			Height:      p.heights.Height(),
		}
	}
	p.logger.Error("relayer equivocation detected",
		zap.String("relayer", a.Relayer.Hex()),
		zap.String("tx", txKey),
		zap.String("first_digest", prior),
		zap.String("conflicting_digest", digestHex),
	)
}

// persistPending writes the vote set through to the store. Persistence
// failures are surfaced but do not reject the vote; the in-memory state
// remains authoritative until the next successful write.
func (p *Aggregator) persistPending(digestHex string, s *state) {
	rec := &db.PendingAttestation{
		Event:           s.event,
		FirstSeenHeight: s.firstSeenHeight,
		Signatures:      s.signatures,
	}
	if err := p.db.StorePendingAttestation(digestHex, rec); err != nil {
		p.logger.Error("failed to persist pending attestation state",
			zap.String("digest", digestHex),
			zap.Error(err),
		)
	}
}

func (p *Aggregator) dropPending(digestHex string) {
	if err := p.db.DeletePendingAttestation(digestHex); err != nil {
		p.logger.Error("failed to delete pending attestation state",
			zap.String("digest", digestHex),
			zap.Error(err),
		)
	}
}

// Equivocators returns the first recorded offence per equivocating relayer,
// for upstream removal policy.
func (p *Aggregator) Equivocators() []Equivocation {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()

	out := make([]Equivocation, 0, len(p.state.equivocators))
	for _, e := range p.state.equivocators {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Relayer.Bytes(), out[j].Relayer.Bytes()) < 0
	})
	return out
}

// PendingDigest summarizes one unsettled vote set, for the status surface.
type PendingDigest struct {
	Digest          string
	MessageID       string
	Votes           int
	FirstSeenHeight uint64
}

// Pending returns every unsettled vote set for the given tx key, or all of
// them if txKey is empty.
func (p *Aggregator) Pending(txKey string) []PendingDigest {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()

	var out []PendingDigest
	for digestHex, s := range p.state.digests {
		if s.settled {
			continue
		}
		if txKey != "" && s.event.TxKey() != txKey {
			continue
		}
		out = append(out, PendingDigest{
			Digest:          digestHex,
			MessageID:       s.event.MessageID(),
			Votes:           len(s.signatures),
			FirstSeenHeight: s.firstSeenHeight,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Digest < out[j].Digest })
	return out
}

func copyEvent(e *event.BridgeEvent) *event.BridgeEvent {
	out := *e
	out.SourceTxID = make([]byte, len(e.SourceTxID))
	copy(out.SourceTxID, e.SourceTxID)
	return &out
}

func sortedVoters(signatures map[common.Address][]byte) []common.Address {
	voters := make([]common.Address, 0, len(signatures))
	for addr := range signatures {
		voters = append(voters, addr)
	}
	sort.Slice(voters, func(i, j int) bool {
		return bytes.Compare(voters[i].Bytes(), voters[j].Bytes()) < 0
	})
	return voters
}
