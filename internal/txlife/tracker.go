// Package txlife tracks submitted transactions from SENT to a terminal stage and fires
// the callbacks their submitters registered.
package txlife

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ledgerview/internal/domain"
	"ledgerview/internal/store"
)

var ErrInvalidTransition = errors.New("invalid transition")

// CorrelationMissError reports a signal whose key matches no record. It indicates a
// dropped record or a mismatched key, never a user error.
type CorrelationMissError struct {
	Signal string
	Key    Key
}

func (e *CorrelationMissError) Error() string {
	return fmt.Sprintf("correlation miss: %s signal for %s", e.Signal, e.Key)
}

// ErrorNotifier receives user-facing failure notices.
type ErrorNotifier interface {
	NotifyError(ctx context.Context, message string)
}

// Transition describes what a signal did. Duplicate is set for redelivered terminal
// signals, which change nothing.
type Transition struct {
	Record    domain.TransactionRecord
	From      domain.Stage
	Duplicate bool
}

type Options struct {
	Logger   *slog.Logger
	Notifier ErrorNotifier
	Now      func() time.Time
	NewKey   func() string
}

type request struct {
	fn    func() (Transition, []func(), error)
	reply chan response
}

type response struct {
	tr      Transition
	effects []func()
	err     error
}

// Tracker serializes all lifecycle writes through one mailbox goroutine started by Run.
type Tracker struct {
	store    *store.Store
	registry *Registry
	log      *slog.Logger
	notifier ErrorNotifier
	now      func() time.Time
	newKey   func() string
	inbox    chan request
	misses   atomic.Int64
}

func New(st *store.Store, opts Options) *Tracker {
	t := &Tracker{
		store:    st,
		registry: NewRegistry(),
		log:      opts.Logger,
		notifier: opts.Notifier,
		now:      opts.Now,
		newKey:   opts.NewKey,
		inbox:    make(chan request),
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	if t.now == nil {
		t.now = func() time.Time { return time.Now().UTC() }
	}
	if t.newKey == nil {
		t.newKey = func() string { return uuid.NewString() }
	}
	return t
}

func (t *Tracker) Registry() *Registry { return t.registry }

// Misses returns how many correlation misses have been reported.
func (t *Tracker) Misses() int64 { return t.misses.Load() }

// Run processes signals until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-t.inbox:
			tr, effects, err := req.fn()
			req.reply <- response{tr: tr, effects: effects, err: err}
		}
	}
}

// call hands fn to the mailbox and runs the returned effects in the caller's goroutine.
// Once the mailbox accepted fn the reply is always awaited, so effects are never lost.
func (t *Tracker) call(ctx context.Context, fn func() (Transition, []func(), error)) (Transition, error) {
	req := request{fn: fn, reply: make(chan response, 1)}
	select {
	case t.inbox <- req:
	case <-ctx.Done():
		return Transition{}, ctx.Err()
	}
	resp := <-req.reply
	for _, effect := range resp.effects {
		effect()
	}
	return resp.tr, resp.err
}

func (t *Tracker) miss(ctx context.Context, signal string, k Key) error {
	t.misses.Add(1)
	err := &CorrelationMissError{Signal: signal, Key: k}
	t.log.ErrorContext(ctx, "transaction correlation miss", "category", "consistency", "signal", signal, "key", k.String())
	return err
}

// locate resolves k through the registry and finds the record in the latest snapshot.
func (t *Tracker) locate(ctx context.Context, signal string, k Key) (domain.TransactionRecord, error) {
	id, ok := t.registry.Resolve(k)
	if !ok {
		return domain.TransactionRecord{}, t.miss(ctx, signal, k)
	}
	snap := t.store.Snapshot()
	i := snap.TransactionIndex(id)
	if i < 0 {
		return domain.TransactionRecord{}, t.miss(ctx, signal, k)
	}
	return snap.Transactions[i], nil
}

func (t *Tracker) advance(rec domain.TransactionRecord, to domain.Stage) domain.TransactionRecord {
	now := t.now()
	rec.Stage = to
	rec.UpdatedAt = now
	rec.History = append(slices.Clip(rec.History), domain.StageChange{Stage: to, At: now})
	return rec
}

func invalid(from, to domain.Stage) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Submit records a SENT transaction under a fresh temporary key.
func (t *Tracker) Submit(ctx context.Context, intent domain.Intent) (Transition, error) {
	return t.call(ctx, func() (Transition, []func(), error) {
		now := t.now()
		rec := domain.TransactionRecord{
			ID:        uuid.NewString(),
			TempKey:   t.newKey(),
			Stage:     domain.StageSent,
			Contract:  intent.Contract,
			Method:    intent.Method,
			History:   []domain.StageChange{{Stage: domain.StageSent, At: now}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := t.registry.Bind(rec.TempKey, rec.ID); err != nil {
			return Transition{}, nil, err
		}
		if _, err := t.store.Dispatch(store.AppendTransaction{Record: rec}); err != nil {
			return Transition{}, nil, err
		}
		return Transition{Record: rec}, nil, nil
	})
}

// Enrich attaches descriptive text and callbacks to a SENT record.
func (t *Tracker) Enrich(ctx context.Context, tempKey, methodStr, displayStr string, cbs Callbacks) (Transition, error) {
	return t.call(ctx, func() (Transition, []func(), error) {
		rec, err := t.locate(ctx, "enrich", Temp(tempKey))
		if err != nil {
			return Transition{}, nil, err
		}
		from := rec.Stage
		if from != domain.StageSent {
			return Transition{}, nil, invalid(from, domain.StageEnriched)
		}
		rec = t.advance(rec, domain.StageEnriched)
		rec.MethodStr = methodStr
		rec.DisplayStr = displayStr
		rec.Callbacks = cbs.Names()
		if _, err := t.store.Dispatch(store.ReplaceTransaction{Record: rec}); err != nil {
			return Transition{}, nil, err
		}
		t.registry.Attach(rec.ID, cbs)
		return Transition{Record: rec, From: from}, nil, nil
	})
}

// Broadcasted commits the BROADCASTED stage together with the PENDING verifier update
// returned by the pre-broadcast hook, then re-keys the record to txHash. Nothing is
// re-keyed or marked as hooked when the commit fails.
func (t *Tracker) Broadcasted(ctx context.Context, tempKey, txHash string) (Transition, error) {
	return t.call(ctx, func() (Transition, []func(), error) {
		rec, err := t.locate(ctx, "broadcasted", Temp(tempKey))
		if err != nil {
			return Transition{}, nil, err
		}
		from := rec.Stage
		if from == domain.StageBroadcasted && rec.TxHash == txHash {
			return Transition{Record: rec, From: from, Duplicate: true}, nil, nil
		}
		if from != domain.StageEnriched {
			return Transition{}, nil, invalid(from, domain.StageBroadcasted)
		}
		if err := t.registry.CheckRekey(tempKey, txHash); err != nil {
			return Transition{}, nil, err
		}
		pending, hooked := t.registry.Hook(rec.ID)
		rec = t.advance(rec, domain.StageBroadcasted)
		rec.TxHash = txHash
		_, err = t.store.Transact(func(s store.Snapshot) ([]store.Update, error) {
			updates := []store.Update{store.ReplaceTransaction{Record: rec}}
			if hooked {
				updates = append(updates, t.pendingUpdates(ctx, s, pending)...)
			}
			return updates, nil
		})
		if err != nil {
			return Transition{}, nil, err
		}
		// The mailbox is the only writer of hash keys, so the check above still holds.
		if err := t.registry.Rekey(tempKey, txHash); err != nil {
			return Transition{}, nil, err
		}
		t.registry.MarkHooked(rec.ID)
		return Transition{Record: rec, From: from}, nil, nil
	})
}

// pendingUpdates resolves the hook result against s. The entry moves to PENDING with an
// empty message; terminal entries are left alone.
func (t *Tracker) pendingUpdates(ctx context.Context, s store.Snapshot, p PendingVerifier) []store.Update {
	vt, ok := s.VerifierTypeByName(p.VerifierTypeName)
	if !ok {
		t.log.WarnContext(ctx, "pre-broadcast hook names unknown verifier type", "verifier_type", p.VerifierTypeName)
		return nil
	}
	c, ok := s.Claim(p.Claim)
	if !ok {
		t.log.WarnContext(ctx, "pre-broadcast hook names unknown claim", "claim", p.Claim.String())
		return nil
	}
	if c.VerifierStatuses[vt.Address].State.Terminal() {
		return nil
	}
	return []store.Update{
		store.SetVerifierStatus{Key: p.Claim, Verifier: vt.Address, State: domain.VerifierStatePending},
		store.SetVerifierMessage{Key: p.Claim, Verifier: vt.Address, Message: ""},
	}
}

// Succeeded stores the receipt of a broadcast transaction and fires transactionCompleted.
func (t *Tracker) Succeeded(ctx context.Context, txHash string, receipt domain.Receipt) (Transition, error) {
	return t.call(ctx, func() (Transition, []func(), error) {
		rec, err := t.locate(ctx, "succeeded", Hash(txHash))
		if err != nil {
			return Transition{}, nil, err
		}
		from := rec.Stage
		if from == domain.StageSuccessful {
			return Transition{Record: rec, From: from, Duplicate: true}, nil, nil
		}
		if from != domain.StageBroadcasted {
			return Transition{}, nil, invalid(from, domain.StageSuccessful)
		}
		if receipt.TxHash == "" {
			receipt.TxHash = txHash
		}
		rec = t.advance(rec, domain.StageSuccessful)
		rec.Receipt = &receipt
		if _, err := t.store.Dispatch(store.ReplaceTransaction{Record: rec}); err != nil {
			return Transition{}, nil, err
		}
		id := rec.ID
		fire := func() { t.registry.Fire(id, domain.CallbackTransactionCompleted, receipt) }
		return Transition{Record: rec, From: from}, []func(){fire}, nil
	})
}

// Failed stores the error, fires transactionFailed and emits a failure notice. The
// record is looked up by temporary key because the broadcast itself may have failed.
func (t *Tracker) Failed(ctx context.Context, tempKey string, txErr domain.TxError) (Transition, error) {
	return t.call(ctx, func() (Transition, []func(), error) {
		rec, err := t.locate(ctx, "failed", Temp(tempKey))
		if err != nil {
			return Transition{}, nil, err
		}
		from := rec.Stage
		if from == domain.StageError {
			return Transition{Record: rec, From: from, Duplicate: true}, nil, nil
		}
		if from.Terminal() {
			return Transition{}, nil, invalid(from, domain.StageError)
		}
		rec = t.advance(rec, domain.StageError)
		rec.Err = &txErr
		if _, err := t.store.Dispatch(store.ReplaceTransaction{Record: rec}); err != nil {
			return Transition{}, nil, err
		}
		id, msg := rec.ID, txErr.Message
		effects := []func(){func() { t.registry.Fire(id, domain.CallbackTransactionFailed, msg) }}
		if t.notifier != nil {
			effects = append(effects, func() { t.notifier.NotifyError(ctx, "Transaction failed: "+msg) })
		}
		return Transition{Record: rec, From: from}, effects, nil
	})
}

// DryRunFailed appends a standalone DRY_RUN_FAILED entry. It has no key and no callbacks.
func (t *Tracker) DryRunFailed(ctx context.Context, methodStr, displayStr, reason string) (Transition, error) {
	return t.call(ctx, func() (Transition, []func(), error) {
		now := t.now()
		rec := domain.TransactionRecord{
			ID:         uuid.NewString(),
			Stage:      domain.StageDryRunFailed,
			MethodStr:  methodStr,
			DisplayStr: displayStr,
			Err:        &domain.TxError{Message: reason},
			History:    []domain.StageChange{{Stage: domain.StageDryRunFailed, At: now}},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if _, err := t.store.Dispatch(store.AppendTransaction{Record: rec}); err != nil {
			return Transition{}, nil, err
		}
		return Transition{Record: rec}, nil, nil
	})
}
