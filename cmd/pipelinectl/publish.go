package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"
)

type publishOpts struct {
	url       string
	eventType string
	exchange  string
	version   int
	producer  string
	traceID   string
	data      string
	file      string
	legacy    bool
}

func parsePublish(args []string) (publishOpts, error) {
	var o publishOpts
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&o.url, "url", "", "broker url (default $RABBIT_URL)")
	fs.StringVar(&o.eventType, "type", "", "event type, also the routing key")
	fs.StringVar(&o.exchange, "exchange", "", "exchange (default: the type's exchange)")
	fs.IntVar(&o.version, "version", events.CurrentVersion, "envelope version")
	fs.StringVar(&o.producer, "producer", "pipelinectl", "envelope producer")
	fs.StringVar(&o.traceID, "trace", "", "trace id (default: random)")
	fs.StringVar(&o.data, "data", "", "payload JSON")
	fs.StringVar(&o.file, "file", "", "read payload JSON from file ('-' for stdin)")
	fs.BoolVar(&o.legacy, "legacy", false, "publish the bare payload without an envelope")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	if o.eventType == "" {
		return o, errors.New("-type is required")
	}
	if o.exchange == "" {
		ex, ok := events.ExchangeFor(o.eventType)
		if !ok {
			return o, fmt.Errorf("no exchange known for %q; pass -exchange", o.eventType)
		}
		o.exchange = ex
	}
	if (o.data == "") == (o.file == "") {
		return o, errors.New("exactly one of -data or -file is required")
	}
	if o.traceID == "" {
		o.traceID = uuid.NewString()
	}
	return o, nil
}

func readPayload(o publishOpts, stdin io.Reader) (json.RawMessage, error) {
	var raw []byte
	switch {
	case o.data != "":
		raw = []byte(o.data)
	case o.file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	default:
		b, err := os.ReadFile(o.file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", o.file, err)
		}
		raw = b
	}
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") || !json.Valid([]byte(trimmed)) {
		return nil, errors.New("payload must be a JSON object")
	}
	return json.RawMessage(trimmed), nil
}

// buildMessage returns the broker message for o and its message id.
func buildMessage(o publishOpts, payload json.RawMessage) (rabbitmq.Message, error) {
	m := rabbitmq.Message{
		Exchange:      o.exchange,
		RoutingKey:    o.eventType,
		CorrelationID: o.traceID,
	}
	if o.legacy {
		m.MessageID = uuid.NewString()
		m.Body = payload
		return m, nil
	}

	env := events.New(o.eventType, o.producer, o.traceID, payload)
	env.Version = o.version
	body, err := events.Marshal(env)
	if err != nil {
		return rabbitmq.Message{}, err
	}
	m.MessageID = env.MessageID
	m.Body = body
	return m, nil
}

func runPublish(ctx context.Context, args []string, stdout io.Writer) error {
	o, err := parsePublish(args)
	if err != nil {
		return err
	}
	payload, err := readPayload(o, os.Stdin)
	if err != nil {
		return err
	}
	m, err := buildMessage(o, payload)
	if err != nil {
		return err
	}

	conn, err := dial(o.url)
	if err != nil {
		return err
	}
	defer conn.Release()

	pub, err := rabbitmq.NewPublisher(conn, rabbitmq.PublisherConfig{
		AppID:     "pipelinectl",
		Exchanges: []string{o.exchange},
	}, zlog.Logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	if err := pub.PublishEvent(ctx, m); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "published %s to %s (message_id=%s trace_id=%s)\n", o.eventType, o.exchange, m.MessageID, o.traceID)
	return nil
}
