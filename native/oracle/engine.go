package oracle

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"chainscore/core/events"
	"chainscore/core/types"
	"chainscore/native/bank"
	"chainscore/observability/metrics"
)

// DefaultVaultAddress is the module account holding escrowed payments when no
// vault is configured.
var DefaultVaultAddress = common.BytesToAddress(ethcrypto.Keccak256([]byte("chainscore/oracle/vault"))[12:])

// StateTx is the transactional state view mutated by a single ledger
// operation. Nothing is visible to other readers until Commit.
type StateTx interface {
	OracleRequestGet(id common.Hash) (*Request, bool, error)
	OracleRequestPut(req *Request) error
	OracleNonce(addr common.Address) (uint64, error)
	OracleSetNonce(addr common.Address, nonce uint64) error
	OracleTrackOpen(sender common.Address, id common.Hash) error
	OracleReleaseOpen(sender common.Address, id common.Hash) error
	OracleOpenRequests(sender common.Address) ([]common.Hash, error)
	bank.State
	Commit() error
	Discard()
}

// State opens ledger transactions.
type State interface {
	OracleBegin() StateTx
}

// FeeSchedule is the per-spec fee and quorum lookup.
type FeeSchedule interface {
	FeeFor(spec common.Hash) (*big.Int, bool)
	QuorumFor(spec common.Hash) (uint32, bool)
}

// AggregatorSource is optionally implemented by a FeeSchedule to select the
// aggregation policy per spec. Specs default to the median.
type AggregatorSource interface {
	AggregatorFor(spec common.Hash) (Aggregator, bool)
}

// SenderAuthority is the authorized-senders lookup.
type SenderAuthority interface {
	IsAuthorized(spec common.Hash, identity common.Address) bool
}

// Engine is the request ledger. Every exported operation runs in its own state
// transaction under the engine lock, so operations are serialized and either
// commit fully or leave state untouched.
type Engine struct {
	mu         sync.Mutex
	state      State
	schedule   FeeSchedule
	senders    SenderAuthority
	vault      common.Address
	dispatcher Dispatcher
	emitter    events.Emitter
	logger     *slog.Logger
	metrics    *metrics.OracleMetrics
	nowFn      func() int64
}

// NewEngine creates an oracle engine with a no-op emitter and dispatcher.
// Callers must configure state, schedule and senders before use.
func NewEngine() *Engine {
	return &Engine{
		vault:      DefaultVaultAddress,
		dispatcher: noopDispatcher{},
		emitter:    events.NoopEmitter{},
		logger:     slog.Default(),
		metrics:    metrics.Oracle(),
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state State) { e.state = state }

// SetSchedule configures the per-spec fee and quorum lookup.
func (e *Engine) SetSchedule(schedule FeeSchedule) { e.schedule = schedule }

// SetSenders configures which identities may confirm each spec.
func (e *Engine) SetSenders(senders SenderAuthority) { e.senders = senders }

// SetVault overrides the account that holds escrowed payments.
func (e *Engine) SetVault(addr common.Address) { e.vault = addr }

// Vault returns the escrow account address.
func (e *Engine) Vault() common.Address { return e.vault }

// SetDispatcher configures the callback dispatcher. Passing nil discards
// callbacks.
func (e *Engine) SetDispatcher(d Dispatcher) {
	if d == nil {
		e.dispatcher = noopDispatcher{}
		return
	}
	e.dispatcher = d
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures the logger used for post-commit failures.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(event *types.Event) {
	if e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(oracleEvent{evt: event})
}

func (e *Engine) begin() (StateTx, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if e.schedule == nil {
		return nil, errNilSchedule
	}
	return e.state.OracleBegin(), nil
}

func (e *Engine) reject(operation string, err error) error {
	e.metrics.ObserveRejection(operation, ErrorReason(err))
	return err
}

func (e *Engine) aggregatorFor(spec common.Hash) Aggregator {
	if src, ok := e.schedule.(AggregatorSource); ok {
		if agg, ok := src.AggregatorFor(spec); ok && agg != nil {
			return agg
		}
	}
	return MedianAggregator{}
}

func loadRequest(tx StateTx, id common.Hash) (*Request, error) {
	req, ok, err := tx.OracleRequestGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRequestNotFound
	}
	return req, nil
}

// Create claims the sender's next nonce, escrows payment and stores a new
// request expiring expiresIn seconds from now.
func (e *Engine) Create(sender common.Address, spec common.Hash, dataVersion uint64, payment *big.Int, callback CallbackTarget, expiresIn int64) (*Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := e.create(sender, spec, dataVersion, payment, callback, expiresIn)
	if err != nil {
		return nil, e.reject("create", err)
	}
	e.metrics.ObserveTransition(req.Status.String())
	e.emit(NewCreatedEvent(req))
	return req.Clone(), nil
}

func (e *Engine) create(sender common.Address, spec common.Hash, dataVersion uint64, payment *big.Int, callback CallbackTarget, expiresIn int64) (*Request, error) {
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer tx.Discard()

	if expiresIn <= 0 {
		return nil, ErrInvalidExpiration
	}
	now := e.now()
	if expiresIn > maxInt64-now {
		return nil, fmt.Errorf("%w: expiration overflows", ErrInvalidExpiration)
	}
	fee, ok := e.schedule.FeeFor(spec)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSpec, spec.Hex())
	}
	amount := big.NewInt(0)
	if payment != nil {
		amount.Set(payment)
	}
	if amount.Sign() < 0 || (fee != nil && amount.Cmp(fee) < 0) {
		return nil, fmt.Errorf("%w: payment %s below fee %s", ErrIllegalFee, amount, fee)
	}

	nonce, err := NewNonceRegistry(tx).Next(sender)
	if err != nil {
		return nil, err
	}
	id := RequestID(sender, nonce)
	if _, exists, err := tx.OracleRequestGet(id); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: id %s already stored", ErrDuplicateRequest, id.Hex())
	}
	req := &Request{
		ID:               id,
		Sender:           sender,
		Nonce:            nonce,
		SpecID:           spec,
		DataVersion:      dataVersion,
		Payment:          amount,
		Callback:         callback,
		CreatedAt:        now,
		CancelExpiration: now + expiresIn,
		Status:           StatusCreated,
	}
	if err := NewFeeSettlement(tx, e.vault).Escrow(sender, amount); err != nil {
		return nil, err
	}
	if err := tx.OracleRequestPut(req); err != nil {
		return nil, err
	}
	if err := tx.OracleTrackOpen(sender, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("oracle: commit create: %w", err)
	}
	return req, nil
}

const maxInt64 = int64(^uint64(0) >> 1)

// Confirm records from's report against the request and resolves it as soon as
// the spec's quorum is reached.
func (e *Engine) Confirm(id common.Hash, from common.Address, data *uint256.Int) (*Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, conf, payouts, err := e.confirm(id, from, data)
	if err != nil {
		return nil, e.reject("confirm", err)
	}
	e.metrics.ObserveConfirmation()
	e.emit(NewConfirmedEvent(req, conf))
	if req.Status == StatusResolved {
		e.metrics.ObserveTransition(req.Status.String())
		e.metrics.ObserveResolveLatency(float64(req.ResolvedAt - req.CreatedAt))
		e.emit(NewResolvedEvent(req))
		for _, p := range payouts {
			e.emit(NewPaidEvent(req, p))
		}
		e.dispatch(req)
	} else if len(req.Confirmations) == 1 {
		e.metrics.ObserveTransition(req.Status.String())
	}
	return req.Clone(), nil
}

func (e *Engine) confirm(id common.Hash, from common.Address, data *uint256.Int) (*Request, Confirmation, []Payout, error) {
	tx, err := e.begin()
	if err != nil {
		return nil, Confirmation{}, nil, err
	}
	defer tx.Discard()

	req, err := loadRequest(tx, id)
	if err != nil {
		return nil, Confirmation{}, nil, err
	}
	if !req.Active() {
		return nil, Confirmation{}, nil, fmt.Errorf("%w: status %s", ErrRequestNotActive, req.Status)
	}
	now := e.now()
	if req.Expired(now) {
		return nil, Confirmation{}, nil, ErrRequestExpired
	}
	quorum, ok := e.schedule.QuorumFor(req.SpecID)
	if !ok {
		return nil, Confirmation{}, nil, fmt.Errorf("%w: %s", ErrInvalidSpec, req.SpecID.Hex())
	}
	if e.senders == nil {
		return nil, Confirmation{}, nil, errNilAuthority
	}
	if !e.senders.IsAuthorized(req.SpecID, from) {
		return nil, Confirmation{}, nil, fmt.Errorf("%w: %s is not an authorized oracle", ErrUnauthorized, from.Hex())
	}
	if req.ConfirmedBy(from) {
		return nil, Confirmation{}, nil, ErrDuplicateConfirmation
	}
	value := new(uint256.Int)
	if data != nil {
		value.Set(data)
	}
	conf := Confirmation{ID: ConfirmationID(req.ID, from), From: from, Data: value}
	req.Confirmations = append(req.Confirmations, conf)
	req.Status = StatusConfirming

	var payouts []Payout
	agg := e.aggregatorFor(req.SpecID)
	if agg.QuorumReached(req.Confirmations, quorum) {
		final, err := agg.Aggregate(req.Confirmations)
		if err != nil {
			return nil, Confirmation{}, nil, err
		}
		req.FinalData = final
		req.Status = StatusResolved
		req.ResolvedAt = now
		payouts, err = NewFeeSettlement(tx, e.vault).PayOracles(req)
		if err != nil {
			return nil, Confirmation{}, nil, err
		}
		if err := tx.OracleReleaseOpen(req.Sender, req.ID); err != nil {
			return nil, Confirmation{}, nil, err
		}
	}
	if err := tx.OracleRequestPut(req); err != nil {
		return nil, Confirmation{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, Confirmation{}, nil, fmt.Errorf("oracle: commit confirm: %w", err)
	}
	return req, conf, payouts, nil
}

func (e *Engine) dispatch(req *Request) {
	msg := CallbackMessage{
		RequestID:  req.ID,
		Sender:     req.Sender,
		Callback:   req.Callback,
		FinalData:  req.FinalData.Clone(),
		ResolvedAt: req.ResolvedAt,
	}
	if err := e.dispatcher.Dispatch(msg); err != nil {
		e.metrics.ObserveDispatchFailure()
		e.logger.Error("oracle callback dispatch failed",
			slog.String("request", req.ID.Hex()),
			slog.String("contract", req.Callback.Contract.Hex()),
			slog.String("function", req.Callback.Function),
			slog.Any("error", err))
	}
}

// Cancel lets the sender reclaim the full payment once the request has expired
// without resolving.
func (e *Engine) Cancel(id common.Hash, caller common.Address) (*Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := e.close(id, &caller, StatusCancelled)
	if err != nil {
		return nil, e.reject("cancel", err)
	}
	e.metrics.ObserveTransition(req.Status.String())
	e.emit(NewCancelledEvent(req))
	return req.Clone(), nil
}

// Expire closes an expired, unresolved request and refunds the sender. Anyone
// may invoke it.
func (e *Engine) Expire(id common.Hash) (*Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := e.close(id, nil, StatusExpired)
	if err != nil {
		return nil, e.reject("expire", err)
	}
	e.metrics.ObserveTransition(req.Status.String())
	e.emit(NewExpiredEvent(req))
	return req.Clone(), nil
}

// close refunds and moves an expired request to the terminal status. A nil
// caller skips the sender check.
func (e *Engine) close(id common.Hash, caller *common.Address, status Status) (*Request, error) {
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer tx.Discard()

	req, err := loadRequest(tx, id)
	if err != nil {
		return nil, err
	}
	if caller != nil && *caller != req.Sender {
		return nil, fmt.Errorf("%w: only the sender may cancel", ErrUnauthorized)
	}
	if !req.Active() {
		return nil, fmt.Errorf("%w: status %s", ErrRequestNotActive, req.Status)
	}
	now := e.now()
	if !req.Expired(now) {
		return nil, fmt.Errorf("%w: expires at %d", ErrTooEarly, req.CancelExpiration)
	}
	if err := NewFeeSettlement(tx, e.vault).Refund(req, req.Payment); err != nil {
		return nil, err
	}
	req.Status = status
	req.ResolvedAt = now
	if err := tx.OracleRequestPut(req); err != nil {
		return nil, err
	}
	if err := tx.OracleReleaseOpen(req.Sender, req.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("oracle: commit %s: %w", status, err)
	}
	return req, nil
}

// Request returns a copy of the stored request.
func (e *Engine) Request(id common.Hash) (*Request, error) {
	if e.state == nil {
		return nil, errNilState
	}
	tx := e.state.OracleBegin()
	defer tx.Discard()
	req, err := loadRequest(tx, id)
	if err != nil {
		return nil, err
	}
	return req.Clone(), nil
}

// OpenRequests lists the unresolved requests of sender in creation order.
func (e *Engine) OpenRequests(sender common.Address) ([]common.Hash, error) {
	if e.state == nil {
		return nil, errNilState
	}
	tx := e.state.OracleBegin()
	defer tx.Discard()
	return tx.OracleOpenRequests(sender)
}

// Nonce returns the nonce the next request from identity will use.
func (e *Engine) Nonce(identity common.Address) (uint64, error) {
	if e.state == nil {
		return 0, errNilState
	}
	tx := e.state.OracleBegin()
	defer tx.Discard()
	return NewNonceRegistry(tx).Peek(identity)
}

// Balance returns the fee-token balance of addr.
func (e *Engine) Balance(addr common.Address) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	tx := e.state.OracleBegin()
	defer tx.Discard()
	return bank.NewLedger(tx).Balance(addr)
}
