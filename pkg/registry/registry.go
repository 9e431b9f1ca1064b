package registry

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	enabledRelayersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "latchbridge_registry_enabled_relayers",
			Help: "Current number of enabled relayers in the registry",
		})
	quorumGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "latchbridge_registry_quorum",
			Help: "Current quorum threshold (M)",
		})
	registryChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latchbridge_registry_changes_total",
			Help: "Total number of applied registry changes, grouped by kind",
		}, []string{"kind"})
)

var (
	ErrNotGovernance     = errors.New("caller is not the governance authority")
	ErrAlreadyRegistered = errors.New("relayer already registered")
	ErrNotRegistered     = errors.New("relayer not registered")
	ErrInvalidQuorum     = errors.New("quorum must satisfy 1 <= M <= enabled relayer count")
)

// Relayer is a single registered attestor identity. Relayers are never
// deleted, only disabled, so the historical record of who attested what
// stays intact.
type Relayer struct {
	Addr    common.Address
	Enabled bool
}

// Set is the governance-controlled registry of relayer identities plus the
// quorum threshold. All mutations are gated on an explicit caller identity
// matched against the configured governance authority; there is no ambient
// permission state. The combined invariant 1 <= M <= enabled count holds
// after every successful mutation.
type Set struct {
	mu sync.RWMutex

	governance common.Address
	relayers   []Relayer
	index      map[common.Address]int
	quorum     int

	// onUpdate, if set, receives a snapshot after every successful Apply.
	// Registered once during wiring, before the set is shared.
	onUpdate func(Snapshot)

	logger *zap.Logger
}

// Change describes an atomic registry update. Additions, removals, and an
// optional new quorum are validated together against the combined invariant
// before any of them take effect.
type Change struct {
	Add    []common.Address
	Remove []common.Address
	// Quorum, if non-nil, sets the new threshold in the same transaction.
	Quorum *int
}

func NewSet(governance common.Address, logger *zap.Logger) *Set {
	return &Set{
		governance: governance,
		index:      map[common.Address]int{},
		logger:     logger.With(zap.String("component", "registry")),
	}
}

// Governance returns the configured governance authority.
func (s *Set) Governance() common.Address {
	return s.governance
}

// AddRelayer registers a new enabled relayer. Privileged.
func (s *Set) AddRelayer(caller, addr common.Address) error {
	return s.Apply(caller, Change{Add: []common.Address{addr}})
}

// RemoveRelayer disables a relayer without purging its history. Privileged.
// Fails with ErrInvalidQuorum if disabling the relayer would make the current
// threshold unreachable; lower the quorum in the same Apply call instead.
func (s *Set) RemoveRelayer(caller, addr common.Address) error {
	return s.Apply(caller, Change{Remove: []common.Address{addr}})
}

// SetQuorum sets the threshold M. Privileged.
func (s *Set) SetQuorum(caller common.Address, m int) error {
	return s.Apply(caller, Change{Quorum: &m})
}

// OnUpdate registers a callback invoked with a snapshot after every
// successful Apply, outside the registry lock. Used to persist governance
// changes. Must be registered before the set is shared across goroutines.
func (s *Set) OnUpdate(fn func(Snapshot)) {
	s.onUpdate = fn
}

// Apply validates and commits a combined registry change as one transaction.
// Either every part of the change takes effect or none of it does.
func (s *Set) Apply(caller common.Address, c Change) error {
	snap, err := s.applyLocked(caller, c)
	if err != nil {
		return err
	}
	if s.onUpdate != nil {
		s.onUpdate(snap)
	}
	return nil
}

func (s *Set) applyLocked(caller common.Address, c Change) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.governance {
		return Snapshot{}, ErrNotGovernance
	}

	// Validate the whole change against a scratch view before mutating. The
	// scratch map carries enabled-state overrides within this change, so a
	// duplicate entry in Add or Remove is caught here instead of inflating
	// the count the commit pass below would collapse.
	scratch := map[common.Address]bool{}
	enabledInScratch := func(addr common.Address) bool {
		if v, ok := scratch[addr]; ok {
			return v
		}
		i, ok := s.index[addr]
		return ok && s.relayers[i].Enabled
	}

	enabled := s.enabledCountLocked()
	for _, addr := range c.Add {
		if enabledInScratch(addr) {
			return Snapshot{}, ErrAlreadyRegistered
		}
		scratch[addr] = true
		enabled++
	}
	for _, addr := range c.Remove {
		if !enabledInScratch(addr) {
			return Snapshot{}, ErrNotRegistered
		}
		scratch[addr] = false
		enabled--
	}

	quorum := s.quorum
	if c.Quorum != nil {
		quorum = *c.Quorum
	}
	if quorum < 1 || quorum > enabled {
		return Snapshot{}, ErrInvalidQuorum
	}

	// Commit.
	for _, addr := range c.Add {
		if i, ok := s.index[addr]; ok {
			// Re-enabling a previously disabled identity keeps its slot.
			s.relayers[i].Enabled = true
		} else {
			s.index[addr] = len(s.relayers)
			s.relayers = append(s.relayers, Relayer{Addr: addr, Enabled: true})
		}
		registryChangesTotal.WithLabelValues("add").Inc()
	}
	for _, addr := range c.Remove {
		s.relayers[s.index[addr]].Enabled = false
		registryChangesTotal.WithLabelValues("remove").Inc()
	}
	if c.Quorum != nil {
		registryChangesTotal.WithLabelValues("set_quorum").Inc()
	}
	s.quorum = quorum

	enabledRelayersGauge.Set(float64(enabled))
	quorumGauge.Set(float64(quorum))

	s.logger.Info("registry updated",
		zap.Int("added", len(c.Add)),
		zap.Int("removed", len(c.Remove)),
		zap.Int("enabled", enabled),
		zap.Int("quorum", quorum),
	)

	relayers := make([]Relayer, len(s.relayers))
	copy(relayers, s.relayers)
	return Snapshot{Relayers: relayers, Quorum: quorum}, nil
}

// IsAuthorized reports whether addr is a currently enabled relayer.
func (s *Set) IsAuthorized(addr common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[addr]
	return ok && s.relayers[i].Enabled
}

// Quorum returns the current threshold M.
func (s *Set) Quorum() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quorum
}

// EnabledCount returns the number of currently enabled relayers.
func (s *Set) EnabledCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabledCountLocked()
}

func (s *Set) enabledCountLocked() int {
	n := 0
	for _, r := range s.relayers {
		if r.Enabled {
			n++
		}
	}
	return n
}

// Relayers returns a copy of every registered relayer, disabled ones
// included.
func (s *Set) Relayers() []Relayer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Relayer, len(s.relayers))
	copy(out, s.relayers)
	return out
}

// Snapshot captures the durable state of the registry.
type Snapshot struct {
	Relayers []Relayer
	Quorum   int
}

// Snapshot returns the current registry state for persistence.
func (s *Set) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	relayers := make([]Relayer, len(s.relayers))
	copy(relayers, s.relayers)
	return Snapshot{Relayers: relayers, Quorum: s.quorum}
}

// Restore replaces the registry state from a snapshot, bypassing the
// governance check. Only for start-up recovery from the local store.
func (s *Set) Restore(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := make(map[common.Address]int, len(snap.Relayers))
	enabled := 0
	for i, r := range snap.Relayers {
		if _, ok := index[r.Addr]; ok {
			return ErrAlreadyRegistered
		}
		index[r.Addr] = i
		if r.Enabled {
			enabled++
		}
	}
	if snap.Quorum < 1 || snap.Quorum > enabled {
		return ErrInvalidQuorum
	}

	s.relayers = make([]Relayer, len(snap.Relayers))
	copy(s.relayers, snap.Relayers)
	s.index = index
	s.quorum = snap.Quorum

	enabledRelayersGauge.Set(float64(enabled))
	quorumGauge.Set(float64(snap.Quorum))
	return nil
}
