// Command querygate-worker executes one approved request. It is launched by
// the querygate server's process sandbox with an empty environment, reads a
// single job frame from stdin and writes log and result frames to stdout.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/querygate/internal/driver"
	"github.com/seantiz/querygate/internal/worker"
)

func main() {
	log.SetOutput(os.Stderr)
	log.SetFlags(0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	relational := driver.NewRelational(1, false)
	document := driver.NewDocument(1, false)
	drivers := driver.NewRegistry(relational, document)

	err := worker.Run(ctx, os.Stdin, os.Stdout, drivers)
	relational.Close()
	document.Close()
	if err != nil {
		log.Fatalf("querygate-worker: %v", err)
	}
}
