// Package lifecycle drives submitted remittances from draft to a terminal
// ledger outcome and publishes every step as an immutable snapshot.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"homeward/internal/contracts"
	"homeward/internal/ledger"
	"homeward/internal/remittance"
)

var (
	ErrNotFound       = errors.New("remittance not found")
	ErrNotValidated   = errors.New("request has not been validated")
	ErrMissingDraftID = errors.New("draft id is required")
	ErrNotCancellable = errors.New("remittance was already accepted by the ledger")
	ErrClosed         = errors.New("lifecycle manager is closed")

	ErrInvalidCompletion = errors.New("invalid completion")
)

const maxReceiptRetryInterval = 30 * time.Second

// Invalidator drops cached read-model entries for accounts whose ledger state
// may have changed.
type Invalidator interface {
	InvalidateAccounts(ctx context.Context, accounts ...string) error
}

// Recorder keeps an audit trail of snapshots.
type Recorder interface {
	Record(ctx context.Context, snap Snapshot) error
}

type Config struct {
	// Contract is the remittance contract address.
	Contract string
	// Decimals is the ledger's native unit precision.
	Decimals int32
	// PendingNotifyInterval spaces "still pending" heartbeats; zero disables them.
	PendingNotifyInterval time.Duration
	// ReceiptTimeout bounds the wait for a terminal receipt; zero waits forever.
	ReceiptTimeout time.Duration
	// ReceiptRetryInterval is the first delay before a failed receipt wait is
	// retried. It doubles up to 30s.
	ReceiptRetryInterval time.Duration
}

type Option func(*Manager)

func WithInvalidator(inv Invalidator) Option { return func(m *Manager) { m.invalidator = inv } }

func WithRecorder(rec Recorder) Option { return func(m *Manager) { m.recorder = rec } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(m *Manager) { m.tracer = t } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithIDGenerator(gen func() string) Option { return func(m *Manager) { m.newID = gen } }

// Manager owns every RemittanceTransaction for the life of the process.
type Manager struct {
	client      ledger.Client
	cfg         Config
	invalidator Invalidator
	recorder    Recorder
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	txs    map[string]*entry
	drafts map[string]string
	order  []string
	closed bool

	subMu   sync.Mutex
	subs    map[uint64]*Subscription
	nextSub uint64
}

type entry struct {
	mu sync.Mutex
	tx Snapshot

	cancelSubmit    context.CancelFunc
	cancelRequested bool
	accepted        chan struct{} // closed once SubmitCall resolves
	done            chan struct{} // closed on a terminal state
}

func NewManager(client ledger.Client, cfg Config, opts ...Option) *Manager {
	if cfg.Decimals == 0 {
		cfg.Decimals = remittance.DefaultDecimals
	}
	if cfg.ReceiptRetryInterval <= 0 {
		cfg.ReceiptRetryInterval = time.Second
	}
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		client:  client,
		cfg:     cfg,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("homeward/lifecycle"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		baseCtx: ctx,
		stop:    stop,
		txs:     make(map[string]*entry),
		drafts:  make(map[string]string),
		subs:    make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("lifecycle")
	return m
}

// Submit moves draft to Submitting and hands it to the ledger. It returns as
// soon as the transaction exists; follow progress with Subscribe or Await.
// Submitting the same draft again returns the existing transaction and does
// not call the ledger a second time.
func (m *Manager) Submit(ctx context.Context, draft Draft) (Snapshot, error) {
	if draft.ID == "" {
		return Snapshot{}, ErrMissingDraftID
	}
	req := draft.Request
	if !req.Valid() {
		return Snapshot{}, ErrNotValidated
	}
	return m.start(ctx, draft.ID, Snapshot{
		Operation:          OperationCreate,
		Amount:             req.Amount,
		FeeEstimate:        remittance.ComputeFee(req.Amount, m.cfg.Decimals),
		SenderAddress:      req.SenderAddress,
		RecipientAddress:   req.RecipientAddress,
		RecipientName:      req.RecipientName,
		OriginCountry:      req.OriginCountry,
		DestinationCountry: req.DestinationCountry,
		Purpose:            req.Purpose,
	})
}

// Completion marks a transfer already recorded on the ledger as delivered.
// Sender and Recipient are the transfer's accounts, whose read-model entries
// are dropped once the completion settles.
type Completion struct {
	DraftID    string
	LedgerTxID string
	Caller     string
	Sender     string
	Recipient  string
	Amount     decimal.Decimal
	Fee        decimal.Decimal
}

// Complete sends completeTransaction for c.LedgerTxID and tracks it through
// the same lifecycle as a submission. Repeating a draft id returns the
// existing transaction.
func (m *Manager) Complete(ctx context.Context, c Completion) (Snapshot, error) {
	if c.DraftID == "" {
		return Snapshot{}, ErrMissingDraftID
	}
	id, ok := new(big.Int).SetString(strings.TrimSpace(c.LedgerTxID), 10)
	if !ok || id.Sign() < 0 {
		return Snapshot{}, fmt.Errorf("%w: ledger transaction id %q", ErrInvalidCompletion, c.LedgerTxID)
	}
	for _, acc := range []string{c.Caller, c.Sender, c.Recipient} {
		if !common.IsHexAddress(acc) {
			return Snapshot{}, fmt.Errorf("%w: %q is not an account address", ErrInvalidCompletion, acc)
		}
	}
	return m.start(ctx, c.DraftID, Snapshot{
		Operation:        OperationComplete,
		LedgerTxID:       id.String(),
		Caller:           common.HexToAddress(c.Caller).Hex(),
		SenderAddress:    common.HexToAddress(c.Sender).Hex(),
		RecipientAddress: common.HexToAddress(c.Recipient).Hex(),
		Amount:           c.Amount,
		FeeEstimate:      c.Fee,
	})
}

// start registers tx as a new Draft, moves it to Submitting and launches its
// driver. A known draft id returns the existing transaction instead.
func (m *Manager) start(ctx context.Context, draftID string, tx Snapshot) (Snapshot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if id, ok := m.drafts[draftID]; ok {
		e := m.txs[id]
		m.mu.Unlock()
		m.logger.Debug("duplicate submit ignored", zap.String("draft_id", draftID), zap.String("request_id", id))
		return e.snapshot(), nil
	}

	now := m.now()
	tx.RequestID = m.newID()
	tx.DraftID = draftID
	tx.State = StateDraft
	tx.CreatedAt = now
	tx.UpdatedAt = now
	e := &entry{
		tx:       tx,
		accepted: make(chan struct{}),
		done:     make(chan struct{}),
	}
	submitCtx, cancel := context.WithCancel(trace.ContextWithSpanContext(m.baseCtx, trace.SpanContextFromContext(ctx)))
	e.cancelSubmit = cancel

	m.txs[tx.RequestID] = e
	m.drafts[draftID] = tx.RequestID
	m.order = append(m.order, tx.RequestID)

	first, err := m.apply(e, StateSubmitting, nil)
	if err != nil {
		m.mu.Unlock()
		cancel()
		return Snapshot{}, err
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.drive(submitCtx, e, first)
	return first, nil
}

// Resume re-attaches receipt waits for transactions a previous run left in
// PendingConfirmation. Other snapshots, and ids already known, are skipped.
// It returns how many waits were resumed.
func (m *Manager) Resume(snaps []Snapshot) int {
	resumed := 0
	for _, snap := range snaps {
		if snap.State != StatePendingConfirmation || snap.LedgerCallHandle == "" {
			continue
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			break
		}
		if _, ok := m.txs[snap.RequestID]; ok {
			m.mu.Unlock()
			continue
		}
		e := &entry{
			tx:           snap,
			cancelSubmit: func() {},
			accepted:     make(chan struct{}),
			done:         make(chan struct{}),
		}
		close(e.accepted)
		m.txs[snap.RequestID] = e
		if snap.DraftID != "" {
			m.drafts[snap.DraftID] = snap.RequestID
		}
		m.order = append(m.order, snap.RequestID)
		m.wg.Add(1)
		m.mu.Unlock()

		go m.resume(e)
		resumed++
	}
	return resumed
}

func (m *Manager) resume(e *entry) {
	defer m.wg.Done()
	snap := e.snapshot()
	_, span := m.tracer.Start(m.baseCtx, "remittance.resume", trace.WithAttributes(
		attribute.String("remittance.request_id", snap.RequestID),
		attribute.String("ledger.handle", snap.LedgerCallHandle),
	))
	defer span.End()

	m.logger.Info("resuming receipt wait",
		zap.String("request_id", snap.RequestID),
		zap.String("handle", snap.LedgerCallHandle),
	)
	m.settle(span, e, ledger.CallHandle(snap.LedgerCallHandle))
}

func (m *Manager) buildCall(tx Snapshot) ledger.Call {
	if tx.Operation == OperationComplete {
		id, _ := new(big.Int).SetString(tx.LedgerTxID, 10)
		return ledger.Call{
			Contract: m.cfg.Contract,
			From:     tx.Caller,
			Method:   contracts.MethodCompleteTransaction,
			Args:     []any{id},
		}
	}
	amount := remittance.ToBaseUnits(tx.Amount, m.cfg.Decimals)
	return ledger.Call{
		Contract: m.cfg.Contract,
		From:     tx.SenderAddress,
		Method:   contracts.MethodCreateRemittance,
		Args: []any{
			amount,
			remittance.ToBaseUnits(tx.FeeEstimate, m.cfg.Decimals),
			tx.RecipientName,
			tx.DestinationCountry,
			string(tx.Purpose),
			tx.RecipientAddress,
			[]byte{}, // input proof, produced by the wallet when amounts are encrypted
		},
		Value: amount,
	}
}

// drive is the only goroutine that transitions e after Submit returns.
func (m *Manager) drive(ctx context.Context, e *entry, first Snapshot) {
	defer m.wg.Done()
	m.record(first)

	ctx, span := m.tracer.Start(ctx, "remittance.lifecycle", trace.WithAttributes(
		attribute.String("remittance.request_id", first.RequestID),
		attribute.String("remittance.operation", string(first.Operation)),
		attribute.String("remittance.amount", first.Amount.String()),
		attribute.String("remittance.destination", first.DestinationCountry),
	))
	defer span.End()

	handle, err := m.client.SubmitCall(ctx, m.buildCall(first))

	e.mu.Lock()
	cancelled := e.cancelRequested
	e.cancelSubmit()
	e.mu.Unlock()
	close(e.accepted)

	if err != nil {
		reason, detail := m.rejectionReason(err, cancelled)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		m.fail(e, FailureRejection, reason, detail, nil)
		return
	}

	if _, err := m.transition(e, StatePendingConfirmation, func(tx *Snapshot) {
		tx.LedgerCallHandle = string(handle)
	}); err != nil {
		m.logger.Error("apply pending transition", zap.String("request_id", first.RequestID), zap.Error(err))
		return
	}
	span.AddEvent("accepted", trace.WithAttributes(attribute.String("ledger.handle", string(handle))))

	m.settle(span, e, handle)
}

// settle waits for the terminal receipt of an accepted call and applies it.
func (m *Manager) settle(span trace.Span, e *entry, handle ledger.CallHandle) {
	receipt, err := m.awaitReceipt(trace.ContextWithSpan(m.baseCtx, span), e, handle)
	switch {
	case err != nil && m.baseCtx.Err() != nil:
		m.logger.Warn("stopped waiting for receipt on shutdown",
			zap.String("request_id", e.snapshot().RequestID),
			zap.String("handle", string(handle)),
		)
	case err != nil:
		// only the receipt timeout ends a wait before the ledger answers
		span.SetStatus(codes.Error, ReasonReceiptTimeout)
		m.fail(e, FailureReceipt, ReasonReceiptTimeout, err.Error(), nil)
	case receipt.Status == ledger.ReceiptSuccess:
		confirmedAt := receipt.Timestamp
		if confirmedAt.IsZero() {
			confirmedAt = m.now()
		}
		m.finish(e, StateConfirmed, func(tx *Snapshot) {
			tx.ConfirmedAt = &confirmedAt
			tx.BlockNumber = receipt.BlockNumber
		})
	default:
		detail := receipt.ErrorDetail
		if detail == "" {
			detail = "the ledger reported the call as failed"
		}
		span.SetStatus(codes.Error, ReasonCallReverted)
		m.fail(e, FailureReceipt, ReasonCallReverted, detail, &receipt)
	}
}

// awaitReceipt waits for the single terminal receipt of handle and emits
// heartbeats in the meantime. A failed wait leaves the call pending: it is
// retried on the same handle with a growing delay, one wait at a time, until
// a receipt arrives or ctx ends.
func (m *Manager) awaitReceipt(ctx context.Context, e *entry, handle ledger.CallHandle) (ledger.Receipt, error) {
	if m.cfg.ReceiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ReceiptTimeout)
		defer cancel()
	}

	type result struct {
		receipt ledger.Receipt
		err     error
	}
	resCh := make(chan result, 1)
	wait := func() {
		go func() {
			r, err := m.client.WaitForReceipt(ctx, handle)
			resCh <- result{r, err}
		}()
	}
	wait()

	var tick <-chan time.Time
	if m.cfg.PendingNotifyInterval > 0 {
		ticker := time.NewTicker(m.cfg.PendingNotifyInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	backoff := m.cfg.ReceiptRetryInterval
	retryTimer := time.NewTimer(backoff)
	retryTimer.Stop()
	defer retryTimer.Stop()
	var retry <-chan time.Time

	for {
		select {
		case res := <-resCh:
			if res.err == nil {
				return res.receipt, nil
			}
			if ctx.Err() != nil {
				return ledger.Receipt{}, ctx.Err()
			}
			m.logger.Warn("receipt wait failed, call stays pending",
				zap.String("request_id", e.snapshot().RequestID),
				zap.String("handle", string(handle)),
				zap.Duration("retry_in", backoff),
				zap.Error(res.err),
			)
			retryTimer.Reset(backoff)
			retry = retryTimer.C
			backoff = min(backoff*2, maxReceiptRetryInterval)
		case <-retry:
			retry = nil
			wait()
		case <-tick:
			m.publish(Event{Kind: EventPending, Snapshot: e.snapshot(), At: m.now()})
		case <-ctx.Done():
			return ledger.Receipt{}, ctx.Err()
		}
	}
}

func (m *Manager) rejectionReason(err error, cancelled bool) (string, string) {
	switch {
	case cancelled:
		return ReasonUserCancelled, "cancelled before the ledger accepted the call"
	case m.baseCtx.Err() != nil:
		return ReasonShutdown, err.Error()
	}
	if rej, ok := ledger.AsRejection(err); ok {
		detail := rej.Detail
		if detail == "" {
			detail = string(rej.Reason)
		}
		return string(rej.Reason), detail
	}
	return string(ledger.ReasonRejected), err.Error()
}

func (m *Manager) fail(e *entry, kind FailureKind, reason, detail string, receipt *ledger.Receipt) {
	m.finish(e, StateFailed, func(tx *Snapshot) {
		tx.LastError = reason
		tx.ErrorDetail = detail
		tx.FailureKind = kind
		if receipt != nil {
			tx.BlockNumber = receipt.BlockNumber
		}
	})
}

// finish applies a terminal transition, then invalidates the read model for
// the accounts involved. A terminal state is reached at most once, so the
// invalidation runs at most once per transaction.
func (m *Manager) finish(e *entry, to State, mutate func(*Snapshot)) {
	snap, err := m.transition(e, to, mutate)
	if err != nil {
		m.logger.Error("apply terminal transition", zap.String("request_id", e.snapshot().RequestID), zap.Error(err))
		return
	}
	defer close(e.done)

	if m.invalidator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.invalidator.InvalidateAccounts(ctx, snap.Accounts()...); err != nil {
		m.logger.Error("read model invalidation failed",
			zap.String("request_id", snap.RequestID),
			zap.Strings("accounts", snap.Accounts()),
			zap.Error(err),
		)
	}
}

// transition applies, publishes and records one state change.
func (m *Manager) transition(e *entry, to State, mutate func(*Snapshot)) (Snapshot, error) {
	snap, err := m.apply(e, to, mutate)
	if err != nil {
		return Snapshot{}, err
	}
	m.record(snap)
	return snap, nil
}

// apply mutates e under its lock and publishes the resulting event while still
// holding it, so subscribers see one transaction's events in order.
func (m *Manager) apply(e *entry, to State, mutate func(*Snapshot)) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.tx.State
	if !canTransition(from, to) {
		return Snapshot{}, fmt.Errorf("illegal transition %s -> %s for %s", from, to, e.tx.RequestID)
	}
	if mutate != nil {
		mutate(&e.tx)
	}
	e.tx.State = to
	e.tx.Sequence++
	e.tx.UpdatedAt = m.now()
	snap := e.copyLocked()

	m.logger.Info("remittance transition",
		zap.String("request_id", snap.RequestID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("last_error", snap.LastError),
	)
	m.publish(Event{Kind: EventTransition, From: from, Snapshot: snap, At: snap.UpdatedAt})
	return snap, nil
}

func (m *Manager) record(snap Snapshot) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.recorder.Record(ctx, snap); err != nil {
		m.logger.Error("journal record failed", zap.String("request_id", snap.RequestID), zap.Error(err))
	}
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, s := range m.subs {
		s.deliver(ev)
	}
}

// Cancel abandons a transaction that the ledger has not accepted yet. It waits
// for the submission to resolve: if the ledger accepted the call in the
// meantime, the acceptance stands and ErrNotCancellable is returned.
func (m *Manager) Cancel(ctx context.Context, requestID string) (Snapshot, error) {
	e, err := m.lookup(requestID)
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	if e.tx.State != StateSubmitting {
		snap := e.copyLocked()
		e.mu.Unlock()
		return snap, ErrNotCancellable
	}
	e.cancelRequested = true
	e.cancelSubmit()
	e.mu.Unlock()

	select {
	case <-e.accepted:
	case <-ctx.Done():
		return e.snapshot(), ctx.Err()
	}
	// The driver applies the outcome right after acceptance resolves.
	snap, err := m.waitPastSubmitting(ctx, e)
	if err != nil {
		return snap, err
	}
	if snap.State != StateFailed {
		return snap, ErrNotCancellable
	}
	return snap, nil
}

func (m *Manager) waitPastSubmitting(ctx context.Context, e *entry) (Snapshot, error) {
	sub := m.Subscribe(ForRequest(e.snapshot().RequestID))
	defer sub.Close()

	if snap := e.snapshot(); snap.State != StateSubmitting {
		return snap, nil
	}
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return e.snapshot(), ErrClosed
			}
			if ev.Snapshot.State != StateSubmitting {
				return ev.Snapshot, nil
			}
		case <-ctx.Done():
			return e.snapshot(), ctx.Err()
		}
	}
}

// Await blocks until the transaction reaches a terminal state.
func (m *Manager) Await(ctx context.Context, requestID string) (Snapshot, error) {
	e, err := m.lookup(requestID)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-e.done:
		return e.snapshot(), nil
	case <-ctx.Done():
		return e.snapshot(), ctx.Err()
	}
}

func (m *Manager) Get(requestID string) (Snapshot, error) {
	e, err := m.lookup(requestID)
	if err != nil {
		return Snapshot{}, err
	}
	return e.snapshot(), nil
}

// List returns every transaction of the session in submission order.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.order))
	for _, id := range m.order {
		entries = append(entries, m.txs[id])
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

func (m *Manager) lookup(requestID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.txs[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Subscribe registers an observer for transitions and pending heartbeats.
// Callers must Close the subscription when done.
func (m *Manager) Subscribe(filter Filter) *Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSub++
	s := newSubscription(m.nextSub, filter, m.unsubscribe)
	if m.subs == nil {
		s.finish()
		return s
	}
	m.subs[s.id] = s
	return s
}

func (m *Manager) unsubscribe(id uint64) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	delete(m.subs, id)
}

// Close stops accepting submissions and waits for in-flight transactions to
// finish. When ctx expires first, outstanding receipt waits are abandoned and
// those transactions stay pending.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		m.stop()
		<-done
	}
	m.stop()

	m.subMu.Lock()
	for _, s := range m.subs {
		s.finish()
	}
	m.subs = nil
	m.subMu.Unlock()
	return err
}

func (e *entry) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyLocked()
}

func (e *entry) copyLocked() Snapshot {
	snap := e.tx
	if e.tx.ConfirmedAt != nil {
		t := *e.tx.ConfirmedAt
		snap.ConfirmedAt = &t
	}
	return snap
}
