package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"ledgerview/internal/config"
)

// Message is one raw envelope pulled from a source.
type Message struct {
	Topic   string
	Offset  int64
	Payload []byte
}

// Consumer yields raw messages. A consumer that has nothing more to give returns io.EOF
// alongside its final batch.
type Consumer interface {
	Poll(ctx context.Context, max int) ([]Message, error)
	Close() error
}

type KafkaConsumer struct {
	reader *kafka.Reader
}

func NewKafkaConsumer(cfg config.KafkaConfig) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: reader}, nil
}

func (c *KafkaConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	out := make([]Message, 0, max)
	for i := 0; i < max; i++ {
		readCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		msg, err := c.reader.ReadMessage(readCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				return out, nil
			case errors.Is(err, context.Canceled):
				return out, ctx.Err()
			default:
				return out, err
			}
		}
		out = append(out, Message{Topic: msg.Topic, Offset: msg.Offset, Payload: msg.Value})
	}
	return out, nil
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// FileConsumer reads newline-delimited envelopes. Blank lines are skipped; Offset is the
// 1-based line number.
type FileConsumer struct {
	name    string
	scanner *bufio.Scanner
	closer  io.Closer
	line    int64
	done    bool
}

func NewFileConsumer(name string, r io.Reader) *FileConsumer {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	c := &FileConsumer{name: name, scanner: sc}
	if rc, ok := r.(io.Closer); ok {
		c.closer = rc
	}
	return c
}

func OpenFile(path string) (*FileConsumer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	return NewFileConsumer(path, f), nil
}

func (c *FileConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	if c.done {
		return nil, io.EOF
	}
	if max <= 0 {
		max = 1
	}
	out := make([]Message, 0, max)
	for len(out) < max {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if !c.scanner.Scan() {
			c.done = true
			if err := c.scanner.Err(); err != nil {
				return out, fmt.Errorf("%s line %d: %w", c.name, c.line+1, err)
			}
			return out, io.EOF
		}
		c.line++
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, Message{Topic: c.name, Offset: c.line, Payload: bytes.Clone(line)})
	}
	return out, nil
}

func (c *FileConsumer) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// NoopConsumer never yields anything; serve uses it when no source is configured.
type NoopConsumer struct{}

func (NoopConsumer) Poll(context.Context, int) ([]Message, error) { return nil, nil }
func (NoopConsumer) Close() error                                 { return nil }
