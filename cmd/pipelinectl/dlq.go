package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	zlog "github.com/rs/zerolog/log"

	"github.com/baechuer/dealer-pipeline/internal/awsclient"
	"github.com/baechuer/dealer-pipeline/internal/config"
	"github.com/baechuer/dealer-pipeline/internal/deadletter"
	"github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"
)

type dlqOpts struct {
	action string
	url    string
	queue  string
	limit  int
	bucket string
	prefix string
}

func parseDLQ(args []string) (dlqOpts, error) {
	var o dlqOpts
	if len(args) == 0 {
		return o, errors.New("dlq needs an action: peek, replay or archive")
	}
	o.action = args[0]
	switch o.action {
	case "peek", "replay", "archive":
	default:
		return o, fmt.Errorf("unknown dlq action %q", o.action)
	}

	fs := flag.NewFlagSet("dlq "+o.action, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&o.url, "url", "", "broker url (default $RABBIT_URL)")
	fs.StringVar(&o.queue, "queue", "", "work queue or its .dlq")
	fs.IntVar(&o.limit, "n", 0, "max messages (0 = all; peek defaults to 20)")
	fs.StringVar(&o.bucket, "bucket", config.GetEnv("DLQ_ARCHIVE_BUCKET", ""), "archive bucket")
	fs.StringVar(&o.prefix, "prefix", config.GetEnv("DLQ_ARCHIVE_PREFIX", "dead-letters"), "archive key prefix")
	if err := fs.Parse(args[1:]); err != nil {
		return o, err
	}

	if o.queue == "" {
		return o, errors.New("-queue is required")
	}
	if o.action == "peek" && o.limit <= 0 {
		o.limit = 20
	}
	if o.action == "archive" && o.bucket == "" {
		return o, errors.New("-bucket (or DLQ_ARCHIVE_BUCKET) is required")
	}
	return o, nil
}

func runDLQ(ctx context.Context, args []string, stdout io.Writer) error {
	o, err := parseDLQ(args)
	if err != nil {
		return err
	}

	conn, err := dial(o.url)
	if err != nil {
		return err
	}
	defer conn.Release()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	switch o.action {
	case "peek":
		letters, err := deadletter.NewTool(ch, nil, zlog.Logger).Peek(ctx, o.queue, o.limit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		for _, l := range letters {
			if err := enc.Encode(l); err != nil {
				return err
			}
		}
		fmt.Fprintf(stdout, "%d letter(s) in %s\n", len(letters), deadletter.DLQName(o.queue))
		return nil

	case "replay":
		pub, err := rabbitmq.NewPublisher(conn, rabbitmq.PublisherConfig{AppID: "pipelinectl"}, zlog.Logger)
		if err != nil {
			return err
		}
		defer pub.Close()

		n, err := deadletter.NewTool(ch, pub, zlog.Logger).Replay(ctx, o.queue, o.limit)
		fmt.Fprintf(stdout, "replayed %d letter(s)\n", n)
		return err

	default:
		client, err := awsclient.NewS3(ctx, config.LoadAWS())
		if err != nil {
			return err
		}
		arch, err := deadletter.NewS3Archiver(client, o.bucket, o.prefix)
		if err != nil {
			return err
		}
		n, err := deadletter.NewTool(ch, nil, zlog.Logger).Archive(ctx, o.queue, o.limit, arch)
		fmt.Fprintf(stdout, "archived %d letter(s) to s3://%s/%s\n", n, o.bucket, o.prefix)
		return err
	}
}
