// Command pipelinectl is the operator tool for the event pipeline: it
// publishes test events and works dead-letter queues.
//
//	pipelinectl publish -type reservation.created -data '{"reservationId":42,...}'
//	pipelinectl publish -legacy -type vehicle.reserved -file payload.json
//	pipelinectl dlq peek    -queue dealer-service.reservation-created -n 10
//	pipelinectl dlq replay  -queue dealer-service.reservation-created
//	pipelinectl dlq archive -queue dealer-service.reservation-created -bucket dlq-archive
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	zlog "github.com/rs/zerolog/log"

	"github.com/baechuer/dealer-pipeline/internal/config"
	"github.com/baechuer/dealer-pipeline/internal/logger"
	"github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"
)

const usage = `usage: pipelinectl <command> [flags]

commands:
  publish              wrap a JSON payload in an envelope and publish it
  dlq peek|replay|archive  inspect or drain a dead-letter queue
`

func main() {
	config.LoadDotEnv()
	logger.InitWithWriter(os.Stderr, "pipelinectl")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "publish":
		err = runPublish(ctx, args[1:], stdout)
	case "dlq":
		err = runDLQ(ctx, args[1:], stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s", args[0], usage)
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

// dial connects with RABBIT_URL unless a flag overrides it.
func dial(url string) (*rabbitmq.Conn, error) {
	if url == "" {
		url = config.FirstNonEmpty([]string{"RABBIT_URL", "RABBITMQ_URL"}, "")
	}
	if url == "" {
		return nil, fmt.Errorf("missing required env var: RABBIT_URL")
	}
	return rabbitmq.Dial(url, zlog.Logger)
}
