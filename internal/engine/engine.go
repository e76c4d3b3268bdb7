package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ledgerview/internal/domain"
	"ledgerview/internal/events"
	"ledgerview/internal/notify"
	"ledgerview/internal/reconcile"
	"ledgerview/internal/store"
	"ledgerview/internal/telemetry"
	"ledgerview/internal/txlife"
)

type Options struct {
	Identity domain.Address
	Notifier notify.Notifier
	// Journal is optional; without it nothing is persisted.
	Journal *events.Writer
	Log     *slog.Logger
	Now     func() time.Time
	NewKey  func() string
}

// Engine owns the store and the transaction tracker and is the only writer of either.
type Engine struct {
	Store    *store.Store
	Tracker  *txlife.Tracker
	Notifier notify.Notifier
	Journal  *events.Writer
	Log      *slog.Logger
	tracer   trace.Tracer
}

func New(opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	n := opts.Notifier
	if n == nil {
		n = notify.LogNotifier{Log: log}
	}
	st := store.New(store.Empty(opts.Identity))
	return &Engine{
		Store: st,
		Tracker: txlife.New(st, txlife.Options{
			Logger:   log.With("component", "txlife"),
			Notifier: n,
			Now:      opts.Now,
			NewKey:   opts.NewKey,
		}),
		Notifier: n,
		Journal:  opts.Journal,
		Log:      log,
		tracer:   telemetry.Tracer("engine"),
	}
}

// Run drives the transaction mailbox until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.Tracker.Run(ctx)
}

// Close stops accepting store writes. Snapshot keeps working.
func (e *Engine) Close() error {
	return e.Store.Close()
}

func (e *Engine) Snapshot() store.Snapshot {
	return e.Store.Snapshot()
}

// Load commits a bulk load as one batch: verifier types from config, or the tokens,
// claims, balances and messages fetched at startup.
func (e *Engine) Load(ctx context.Context, updates ...store.Update) (store.Snapshot, error) {
	return e.commit(ctx, "Load", events.Record{Type: events.TypeStateLoaded, EntityKind: events.KindState}, updates...)
}

// EnrichMessage fills in a stub message once its content has been fetched.
func (e *Engine) EnrichMessage(ctx context.Context, id string, content domain.MessageContent) (store.Snapshot, error) {
	id = domain.NormalizeMessageID(id)
	return e.commit(ctx, "EnrichMessage", events.Record{Type: events.TypeMessageEnriched, EntityKind: "message", EntityID: id},
		store.EnrichMessage{ID: id, Content: content})
}

// MarkTokenOPAT flags a token as an OPAT. Unknown addresses change nothing.
func (e *Engine) MarkTokenOPAT(ctx context.Context, addr domain.Address) (store.Snapshot, error) {
	return e.commit(ctx, "MarkTokenOPAT", events.Record{Type: events.TypeTokenMarkedOPAT, EntityKind: "token", EntityID: string(addr)},
		store.MarkTokenOPAT{Address: addr})
}

// commit dispatches out-of-band updates that do not come from contract events and
// journals rec when the batch was committed.
func (e *Engine) commit(ctx context.Context, name string, rec events.Record, updates ...store.Update) (store.Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "engine."+name, trace.WithAttributes(attribute.Int("updates", len(updates))))
	defer span.End()
	snap, err := e.Store.Dispatch(updates...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.Log.ErrorContext(ctx, "state update failed", "op", name, "err", err)
		return snap, err
	}
	if len(updates) == 0 {
		return snap, nil
	}
	e.Log.InfoContext(ctx, "state updated", "op", name, "updates", len(updates), "version", snap.Version)
	rec.Payload = events.Payload{"updates": len(updates), "version": snap.Version}
	e.journal(ctx, rec)
	return snap, nil
}

// OnEvent reconciles one contract event. Translation and commit happen under one store
// transaction, so the decision is always taken against the state it is applied to.
// Rejections have no side effects.
func (e *Engine) OnEvent(ctx context.Context, evt domain.Event) (reconcile.Decision, error) {
	ctx, span := e.tracer.Start(ctx, "engine.OnEvent", trace.WithAttributes(attribute.String("event.kind", string(evt.Kind()))))
	defer span.End()

	var d reconcile.Decision
	snap, err := e.Store.Transact(func(s store.Snapshot) ([]store.Update, error) {
		d = reconcile.Translate(s, evt)
		if !d.Accepted {
			return nil, nil
		}
		return d.Updates, nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.Log.ErrorContext(ctx, "apply event failed", "kind", evt.Kind(), "err", err)
		return reconcile.Decision{}, err
	}
	span.SetAttributes(attribute.Bool("event.accepted", d.Accepted))
	origin := evt.Source()
	if !d.Accepted {
		attrs := []any{"kind", evt.Kind(), "reason", d.Reason, "block", origin.BlockNumber, "tx_hash", origin.TxHash}
		if d.CausalGap {
			e.Log.WarnContext(ctx, "event arrived before its cause", attrs...)
		} else {
			e.Log.DebugContext(ctx, "event rejected", attrs...)
		}
		return d, nil
	}
	e.Log.InfoContext(ctx, "event accepted", "kind", evt.Kind(), "version", snap.Version, "updates", len(d.Updates))
	kind, id := entityOf(evt)
	e.journal(ctx, events.Record{
		Type:        events.TypeEventAccepted,
		EntityKind:  kind,
		EntityID:    id,
		TxHash:      origin.TxHash,
		BlockNumber: origin.BlockNumber,
		Payload:     events.Payload{"kind": evt.Kind(), "event": evt, "display": d.Display, "version": snap.Version},
	})
	if d.Display != "" {
		e.Notifier.Notify(ctx, d.Display)
	}
	return d, nil
}

func entityOf(evt domain.Event) (kind, id string) {
	switch ev := evt.(type) {
	case domain.TokenCreated:
		return "token", string(ev.Address)
	case domain.SupplyUpdated:
		return "token", string(ev.TokenAddr)
	case domain.ClaimSubmitted:
		return "claim", domain.ClaimKey{Token: ev.TokenAddr, ClaimID: string(ev.ClaimID)}.String()
	case domain.ClaimApproved:
		return "claim", domain.ClaimKey{Token: ev.TokenAddr, ClaimID: string(ev.ClaimID)}.String()
	case domain.ClaimRejected:
		return "claim", domain.ClaimKey{Token: ev.TokenAddr, ClaimID: string(ev.ClaimID)}.String()
	case domain.VerifierApproved:
		return "claim", domain.ClaimKey{Token: ev.TokenAddrToReceiveVerifierNotice, ClaimID: string(ev.ClaimID)}.String()
	case domain.VerifierRejected:
		return "claim", domain.ClaimKey{Token: ev.TokenAddrToReceiveVerifierNotice, ClaimID: string(ev.ClaimID)}.String()
	case domain.MessageCreated:
		return "message", string(ev.MessageID)
	case domain.MessageRead:
		return "message", string(ev.MessageID)
	case domain.SubmissionAdded:
		return "submission", string(ev.SubmissionID)
	}
	return "unknown", ""
}

// journal is best effort: a failed write is logged and never fails the operation.
func (e *Engine) journal(ctx context.Context, rec events.Record) {
	if e.Journal == nil || e.Journal.DB == nil {
		return
	}
	if _, err := e.Journal.Append(ctx, rec); err != nil {
		e.Log.ErrorContext(ctx, "journal write failed", "type", rec.Type, "err", err)
	}
}

func (e *Engine) Submit(ctx context.Context, intent domain.Intent) (txlife.Transition, error) {
	return e.signal(ctx, "Submit", func(ctx context.Context) (txlife.Transition, error) {
		return e.Tracker.Submit(ctx, intent)
	})
}

func (e *Engine) Enrich(ctx context.Context, tempKey, methodStr, displayStr string, cbs txlife.Callbacks) (txlife.Transition, error) {
	return e.signal(ctx, "Enrich", func(ctx context.Context) (txlife.Transition, error) {
		return e.Tracker.Enrich(ctx, tempKey, methodStr, displayStr, cbs)
	})
}

func (e *Engine) Broadcasted(ctx context.Context, tempKey, txHash string) (txlife.Transition, error) {
	return e.signal(ctx, "Broadcasted", func(ctx context.Context) (txlife.Transition, error) {
		return e.Tracker.Broadcasted(ctx, tempKey, txHash)
	})
}

func (e *Engine) Succeeded(ctx context.Context, txHash string, receipt domain.Receipt) (txlife.Transition, error) {
	return e.signal(ctx, "Succeeded", func(ctx context.Context) (txlife.Transition, error) {
		return e.Tracker.Succeeded(ctx, txHash, receipt)
	})
}

func (e *Engine) Failed(ctx context.Context, tempKey string, txErr domain.TxError) (txlife.Transition, error) {
	return e.signal(ctx, "Failed", func(ctx context.Context) (txlife.Transition, error) {
		return e.Tracker.Failed(ctx, tempKey, txErr)
	})
}

func (e *Engine) DryRunFailed(ctx context.Context, methodStr, displayStr, reason string) (txlife.Transition, error) {
	return e.signal(ctx, "DryRunFailed", func(ctx context.Context) (txlife.Transition, error) {
		return e.Tracker.DryRunFailed(ctx, methodStr, displayStr, reason)
	})
}

// signal wraps a tracker call with a span and journals the resulting stage change.
func (e *Engine) signal(ctx context.Context, name string, call func(context.Context) (txlife.Transition, error)) (txlife.Transition, error) {
	ctx, span := e.tracer.Start(ctx, "engine."+name)
	defer span.End()
	tr, err := call(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		var miss *txlife.CorrelationMissError
		if errors.As(err, &miss) {
			e.journal(ctx, events.Record{
				Type:       events.TypeCorrelationMiss,
				EntityKind: events.KindTransaction,
				Payload:    events.Payload{"signal": miss.Signal, "key": miss.Key.String()},
			})
		}
		return tr, err
	}
	rec := tr.Record
	span.SetAttributes(
		attribute.String("tx.id", rec.ID),
		attribute.String("tx.stage", string(rec.Stage)),
		attribute.Bool("tx.duplicate", tr.Duplicate),
	)
	if tr.Duplicate {
		e.Log.DebugContext(ctx, "duplicate transaction signal", "signal", name, "id", rec.ID, "stage", rec.Stage)
		return tr, nil
	}
	e.Log.InfoContext(ctx, "transaction stage changed", "id", rec.ID, "from", tr.From, "to", rec.Stage)
	e.journal(ctx, events.Record{
		Type:       events.TxType(string(rec.Stage)),
		EntityKind: events.KindTransaction,
		EntityID:   rec.ID,
		TxHash:     rec.TxHash,
		Payload:    rec,
	})
	return tr, nil
}
