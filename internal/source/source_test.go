package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"ledgerview/internal/config"
	"ledgerview/internal/domain"
	"ledgerview/internal/engine"
	"ledgerview/internal/reconcile"
	"ledgerview/internal/telemetry"
)

func envelopeLine(t *testing.T, evt domain.Event) string {
	t.Helper()
	env, err := domain.EncodeEnvelope(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestFileConsumerBatchesAndReportsEOF(t *testing.T) {
	c := NewFileConsumer("events.jsonl", strings.NewReader("{\"a\":1}\n\n  \n{\"b\":2}\n{\"c\":3}"))
	ctx := context.Background()
	first, err := c.Poll(ctx, 2)
	if err != nil || len(first) != 2 {
		t.Fatalf("first poll: %d %v", len(first), err)
	}
	if first[1].Offset != 4 || first[1].Topic != "events.jsonl" {
		t.Fatalf("blank lines should be skipped but counted: %+v", first[1])
	}
	rest, err := c.Poll(ctx, 10)
	if !errors.Is(err, io.EOF) || len(rest) != 1 || string(rest[0].Payload) != `{"c":3}` {
		t.Fatalf("last poll: %+v %v", rest, err)
	}
	if again, err := c.Poll(ctx, 10); len(again) != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("exhausted consumer yielded %v %v", again, err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewKafkaConsumerValidates(t *testing.T) {
	cases := []config.KafkaConfig{
		{Topic: "events", GroupID: "g"},
		{Brokers: []string{"localhost:9092"}, Topic: "events"},
		{Brokers: []string{"localhost:9092"}, GroupID: "g"},
	}
	for i, cfg := range cases {
		if _, err := NewKafkaConsumer(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestDrainSkipsBadMessagesAndKeepsGoing(t *testing.T) {
	eng := engine.New(engine.Options{Identity: "0xMe", Log: telemetry.Discard()})
	lines := []string{
		envelopeLine(t, domain.TokenCreated{Address: "0xA1", Creator: "0xOther", Name: "Recycling", Symbol: "RCY"}),
		"not json",
		`{"kind":"Mystery","payload":{}}`,
		envelopeLine(t, domain.TokenCreated{Address: "0xA1", Creator: "0xOther", Name: "Recycling", Symbol: "RCY"}),
		envelopeLine(t, domain.MessageCreated{Receiver: "0xMe", MessageID: "7"}),
	}
	w := &Worker{
		Consumer: NewFileConsumer("replay", strings.NewReader(strings.Join(lines, "\n"))),
		Handler:  eng,
		Log:      telemetry.Discard(),
		Batch:    2,
	}
	results, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected a result per line, got %d", len(results))
	}
	if !results[0].Decision.Accepted || results[1].Err == nil {
		t.Fatalf("unexpected first results %+v", results[:2])
	}
	var unknown domain.UnknownKindError
	if !errors.As(results[2].Err, &unknown) {
		t.Fatalf("expected unknown kind error, got %v", results[2].Err)
	}
	if results[3].Decision.Accepted || results[3].Decision.Reason != reconcile.ReasonDuplicate {
		t.Fatalf("redelivery should be rejected: %+v", results[3].Decision)
	}
	if !results[4].Decision.Accepted {
		t.Fatalf("message after bad lines was dropped: %+v", results[4])
	}
	snap := eng.Snapshot()
	if len(snap.Tokens) != 1 || len(snap.Messages) != 1 || snap.Version != 2 {
		t.Fatalf("unexpected snapshot v%d tokens=%d messages=%d", snap.Version, len(snap.Tokens), len(snap.Messages))
	}
}

type stubHandler struct{ calls int }

func (h *stubHandler) OnEvent(context.Context, domain.Event) (reconcile.Decision, error) {
	h.calls++
	return reconcile.Decision{Accepted: true}, nil
}

func TestRunStopsAtEndOfFileAndOnCancel(t *testing.T) {
	h := &stubHandler{}
	line := envelopeLine(t, domain.MessageRead{Receiver: "0xMe", MessageID: "1"})
	w := &Worker{Consumer: NewFileConsumer("f", strings.NewReader(line)), Handler: h, Log: telemetry.Discard(), Interval: time.Millisecond}
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run over a finite source: %v", err)
	}
	if h.calls != 1 {
		t.Fatalf("calls = %d", h.calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- (&Worker{Consumer: NoopConsumer{}, Handler: h, Log: telemetry.Discard(), Interval: time.Millisecond}).Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}
