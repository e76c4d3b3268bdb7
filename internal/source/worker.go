package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"ledgerview/internal/domain"
	"ledgerview/internal/reconcile"
)

const defaultBatch = 50

// Handler is the part of the engine the worker drives.
type Handler interface {
	OnEvent(ctx context.Context, evt domain.Event) (reconcile.Decision, error)
}

// Result is the outcome of one message. Err is set when the message could not be decoded
// or applied; Decision is zero in that case.
type Result struct {
	Message  Message
	Kind     domain.EventKind
	Decision reconcile.Decision
	Err      error
}

type Worker struct {
	Consumer Consumer
	Handler  Handler
	Log      *slog.Logger
	Interval time.Duration
	Batch    int
}

// Run polls until ctx is done. Failures are logged; a bad message never stops the loop.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, err := w.processOnce(ctx)
		switch {
		case errors.Is(err, io.EOF):
			w.logger().InfoContext(ctx, "event source exhausted")
			return nil
		case err != nil && !errors.Is(err, context.Canceled):
			w.logger().ErrorContext(ctx, "consumer iteration failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain processes messages until the consumer reports io.EOF, without waiting between
// batches.
func (w *Worker) Drain(ctx context.Context) ([]Result, error) {
	var all []Result
	for {
		results, err := w.processOnce(ctx)
		all = append(all, results...)
		if errors.Is(err, io.EOF) {
			return all, nil
		}
		if err != nil {
			return all, err
		}
	}
}

func (w *Worker) processOnce(ctx context.Context) ([]Result, error) {
	batch := w.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	msgs, pollErr := w.Consumer.Poll(ctx, batch)
	results := make([]Result, 0, len(msgs))
	for _, msg := range msgs {
		results = append(results, w.handle(ctx, msg))
	}
	return results, pollErr
}

func (w *Worker) handle(ctx context.Context, msg Message) Result {
	res := Result{Message: msg}
	var env domain.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		res.Err = fmt.Errorf("decode envelope: %w", err)
		w.logger().WarnContext(ctx, "skipping malformed message", "topic", msg.Topic, "offset", msg.Offset, "err", err)
		return res
	}
	res.Kind = env.Kind
	evt, err := domain.DecodeEnvelope(env)
	if err != nil {
		res.Err = err
		w.logger().WarnContext(ctx, "skipping undecodable event", "topic", msg.Topic, "offset", msg.Offset, "kind", env.Kind, "err", err)
		return res
	}
	d, err := w.Handler.OnEvent(ctx, evt)
	if err != nil {
		res.Err = err
		w.logger().ErrorContext(ctx, "event not applied", "topic", msg.Topic, "offset", msg.Offset, "kind", env.Kind, "err", err)
		return res
	}
	res.Decision = d
	return res
}

func (w *Worker) logger() *slog.Logger {
	if w.Log == nil {
		return slog.Default()
	}
	return w.Log
}
