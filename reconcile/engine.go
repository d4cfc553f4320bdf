// Package reconcile compares the off-chain XP counter against the on-chain
// registration record and submits the minimal write to close the gap.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/encody/duopow/duolingo"
	"github.com/encody/duopow/ethaddr"
	"github.com/encody/duopow/observability"
)

var (
	// ErrUserNotFound indicates the handle does not resolve off-chain.
	ErrUserNotFound = errors.New("reconcile: user not found")
	// ErrNoAddressLinked indicates the bio carries no embedded address.
	ErrNoAddressLinked = errors.New("reconcile: no address linked in bio")
	// ErrNotRegistered indicates the external id has no on-chain record.
	ErrNotRegistered = errors.New("reconcile: not registered on-chain")
)

// ProfileReader is the off-chain read surface the engine depends on.
type ProfileReader interface {
	FetchByHandle(ctx context.Context, handle string) (duolingo.Identity, error)
	FetchXP(ctx context.Context, externalID uint64) (uint64, error)
}

// Registry is the on-chain read/write surface the engine depends on. Write
// calls return once submitted, not once finalized.
type Registry interface {
	Lookup(ctx context.Context, externalID uint64) (common.Address, *big.Int, error)
	Register(ctx context.Context, externalID uint64, addr common.Address, initialXP *big.Int) (common.Hash, error)
	UpdateAddress(ctx context.Context, externalID uint64, addr common.Address) (common.Hash, error)
	ReportXP(ctx context.Context, externalID uint64, newTotal *big.Int) (common.Hash, error)
	Unregister(ctx context.Context, externalID uint64) (common.Hash, error)
}

// Outcome classifies the action a RegisterOrUpdate pass took.
type Outcome int

const (
	// OutcomeRegistered means a fresh registration was submitted.
	OutcomeRegistered Outcome = iota
	// OutcomeAddressUpdated means the recorded address was replaced.
	OutcomeAddressUpdated
	// OutcomeAlreadyRegistered means addresses matched and nothing was written.
	OutcomeAlreadyRegistered
)

// RegistrationResult reports what a RegisterOrUpdate pass decided.
type RegistrationResult struct {
	ExternalID uint64
	Address    common.Address
	Outcome    Outcome
	TxHash     common.Hash // zero when no write happened
}

// Report is the read-only output of a Check pass.
type Report struct {
	ExternalID    uint64
	Handle        string
	BioAddress    common.Address
	ChainAddress  common.Address
	Registered    bool
	AddressesOK   bool
	OffChainXP    uint64
	ReportedXP    *big.Int
	MintableDelta *big.Int
}

// MintResult reports what an UpdateRewards pass did. Minted is zero when
// there was nothing to mint and no write was issued.
type MintResult struct {
	ExternalID uint64
	Minted     *big.Int
	TxHash     common.Hash
}

// Engine runs reconciliation passes. Each pass is a read-then-decide-then-
// write sequence with at most one write and no internal retries; a failed
// write surfaces to the caller. Writes for the same external id are
// serialized engine-side so two concurrent passes cannot both decide
// "register" from the same stale read.
type Engine struct {
	profiles ProfileReader
	registry Registry
	logger   *slog.Logger
	metrics  *observability.EngineMetrics

	mu      sync.Mutex
	idLocks map[uint64]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics installs engine instrumentation.
func WithMetrics(m *observability.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs a reconciliation engine.
func New(profiles ProfileReader, registry Registry, opts ...Option) (*Engine, error) {
	if profiles == nil {
		return nil, errors.New("profile reader required")
	}
	if registry == nil {
		return nil, errors.New("registry required")
	}
	e := &Engine{
		profiles: profiles,
		registry: registry,
		logger:   slog.Default(),
		idLocks:  make(map[uint64]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// snapshot is one logical view of both systems for a single pass. The
// off-chain XP read and the on-chain read are issued concurrently and both
// awaited before any decision, so the window in which the two sides diverge
// stays as small as the transport allows. The residual race is accepted; a
// later pass self-heals because it re-reads before deciding.
type snapshot struct {
	identity   duolingo.Identity
	bioAddress common.Address
	hasAddress bool
	offChainXP uint64
	chainAddr  common.Address
	reportedXP *big.Int
}

func (s snapshot) registered() bool { return s.chainAddr != (common.Address{}) }

// delta is the mintable amount, floored at zero: if off-chain XP appears to
// have decreased the result is zero, never negative.
func (s snapshot) delta() *big.Int {
	off := new(big.Int).SetUint64(s.offChainXP)
	if off.Cmp(s.reportedXP) <= 0 {
		return new(big.Int)
	}
	return off.Sub(off, s.reportedXP)
}

func (e *Engine) snapshot(ctx context.Context, handle string) (snapshot, error) {
	identity, err := e.profiles.FetchByHandle(ctx, handle)
	if errors.Is(err, duolingo.ErrNotFound) {
		return snapshot{}, fmt.Errorf("%w: %q", ErrUserNotFound, handle)
	}
	if err != nil {
		return snapshot{}, err
	}

	snap := snapshot{identity: identity}
	snap.bioAddress, snap.hasAddress = ethaddr.Extract(identity.Bio)

	var (
		wg     sync.WaitGroup
		offErr error
		onErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		snap.offChainXP, offErr = e.profiles.FetchXP(ctx, identity.ExternalID)
	}()
	go func() {
		defer wg.Done()
		snap.chainAddr, snap.reportedXP, onErr = e.registry.Lookup(ctx, identity.ExternalID)
	}()
	wg.Wait()
	if offErr != nil {
		return snapshot{}, fmt.Errorf("off-chain read: %w", offErr)
	}
	if onErr != nil {
		return snapshot{}, fmt.Errorf("on-chain read: %w", onErr)
	}
	return snap, nil
}

// Check reports both addresses and the mintable delta without mutating
// anything on either side.
func (e *Engine) Check(ctx context.Context, handle string) (Report, error) {
	started := time.Now()
	snap, err := e.snapshot(ctx, handle)
	if err != nil {
		e.metrics.ObservePass("check", "error", time.Since(started))
		return Report{}, err
	}
	if !snap.hasAddress {
		e.metrics.ObservePass("check", "no_address", time.Since(started))
		return Report{}, fmt.Errorf("%w: %q", ErrNoAddressLinked, handle)
	}
	e.metrics.ObservePass("check", "ok", time.Since(started))
	return Report{
		ExternalID:    snap.identity.ExternalID,
		Handle:        snap.identity.Handle,
		BioAddress:    snap.bioAddress,
		ChainAddress:  snap.chainAddr,
		Registered:    snap.registered(),
		AddressesOK:   snap.registered() && snap.bioAddress == snap.chainAddr,
		OffChainXP:    snap.offChainXP,
		ReportedXP:    snap.reportedXP,
		MintableDelta: snap.delta(),
	}, nil
}

// RegisterOrUpdate reconciles the on-chain address with the bio address:
// unregistered ids get a fresh registration carrying the current off-chain
// XP, mismatched addresses get an update, matching addresses are a no-op.
func (e *Engine) RegisterOrUpdate(ctx context.Context, handle string) (RegistrationResult, error) {
	started := time.Now()
	snap, err := e.snapshot(ctx, handle)
	if err != nil {
		e.metrics.ObservePass("register_or_update", "error", time.Since(started))
		return RegistrationResult{}, err
	}
	if !snap.hasAddress {
		e.metrics.ObservePass("register_or_update", "no_address", time.Since(started))
		return RegistrationResult{}, fmt.Errorf("%w: %q", ErrNoAddressLinked, handle)
	}

	id := snap.identity.ExternalID
	unlock := e.lockID(id)
	defer unlock()

	result := RegistrationResult{ExternalID: id, Address: snap.bioAddress}
	switch {
	case !snap.registered():
		hash, err := e.registry.Register(ctx, id, snap.bioAddress, new(big.Int).SetUint64(snap.offChainXP))
		if err != nil {
			e.metrics.ObservePass("register_or_update", "error", time.Since(started))
			return RegistrationResult{}, err
		}
		e.metrics.RecordSubmission("userRegister")
		e.logger.Info("registration submitted", "external_id", id, "address", snap.bioAddress.Hex(), "tx", hash.Hex())
		result.Outcome = OutcomeRegistered
		result.TxHash = hash
	case snap.chainAddr != snap.bioAddress:
		hash, err := e.registry.UpdateAddress(ctx, id, snap.bioAddress)
		if err != nil {
			e.metrics.ObservePass("register_or_update", "error", time.Since(started))
			return RegistrationResult{}, err
		}
		e.metrics.RecordSubmission("userUpdateAddress")
		e.logger.Info("address update submitted", "external_id", id, "address", snap.bioAddress.Hex(), "tx", hash.Hex())
		result.Outcome = OutcomeAddressUpdated
		result.TxHash = hash
	default:
		// Addresses already match; skip the write entirely.
		result.Outcome = OutcomeAlreadyRegistered
	}
	e.metrics.ObservePass("register_or_update", outcomeLabel(result.Outcome), time.Since(started))
	return result, nil
}

// UpdateRewards reports the current off-chain XP total when it exceeds the
// recorded one. The recorded value is monotonically non-decreasing: when the
// off-chain counter is lower or equal the pass issues no write at all.
func (e *Engine) UpdateRewards(ctx context.Context, handle string) (MintResult, error) {
	started := time.Now()
	snap, err := e.snapshot(ctx, handle)
	if err != nil {
		e.metrics.ObservePass("update_rewards", "error", time.Since(started))
		return MintResult{}, err
	}
	if !snap.registered() {
		e.metrics.ObservePass("update_rewards", "not_registered", time.Since(started))
		return MintResult{}, fmt.Errorf("%w: %q", ErrNotRegistered, handle)
	}

	id := snap.identity.ExternalID
	result := MintResult{ExternalID: id, Minted: snap.delta()}
	if result.Minted.Sign() == 0 {
		e.metrics.ObservePass("update_rewards", "nothing_to_mint", time.Since(started))
		return result, nil
	}

	unlock := e.lockID(id)
	defer unlock()

	hash, err := e.registry.ReportXP(ctx, id, new(big.Int).SetUint64(snap.offChainXP))
	if err != nil {
		e.metrics.ObservePass("update_rewards", "error", time.Since(started))
		return MintResult{}, err
	}
	e.metrics.RecordSubmission("reportXp")
	e.logger.Info("xp report submitted", "external_id", id, "total", snap.offChainXP, "minted", result.Minted.String(), "tx", hash.Hex())
	result.TxHash = hash
	e.metrics.ObservePass("update_rewards", "minted", time.Since(started))
	return result, nil
}

// Unregister removes the on-chain record for a handle.
func (e *Engine) Unregister(ctx context.Context, handle string) (common.Hash, error) {
	started := time.Now()
	snap, err := e.snapshot(ctx, handle)
	if err != nil {
		e.metrics.ObservePass("unregister", "error", time.Since(started))
		return common.Hash{}, err
	}
	if !snap.registered() {
		e.metrics.ObservePass("unregister", "not_registered", time.Since(started))
		return common.Hash{}, fmt.Errorf("%w: %q", ErrNotRegistered, handle)
	}

	id := snap.identity.ExternalID
	unlock := e.lockID(id)
	defer unlock()

	hash, err := e.registry.Unregister(ctx, id)
	if err != nil {
		e.metrics.ObservePass("unregister", "error", time.Since(started))
		return common.Hash{}, err
	}
	e.metrics.RecordSubmission("userUnregister")
	e.logger.Info("unregister submitted", "external_id", id, "tx", hash.Hex())
	e.metrics.ObservePass("unregister", "ok", time.Since(started))
	return hash, nil
}

// lockID serializes writes per external id. Two conversations reconciling
// the same account still race against the chain's own serialization for the
// read half, but cannot both submit from the same engine instance at once.
func (e *Engine) lockID(id uint64) func() {
	e.mu.Lock()
	lock, ok := e.idLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.idLocks[id] = lock
	}
	e.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func outcomeLabel(o Outcome) string {
	switch o {
	case OutcomeRegistered:
		return "registered"
	case OutcomeAddressUpdated:
		return "updated"
	case OutcomeAlreadyRegistered:
		return "noop"
	default:
		return "unknown"
	}
}
