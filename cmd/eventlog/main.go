// Package main starts the event log service process lifecycle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	eventlogcmd "github.com/louisbranch/eventlog/internal/cmd/eventlog"
	"github.com/louisbranch/eventlog/internal/platform/config"
)

func main() {
	cfg, err := eventlogcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	config.ExitOnError(err)
	log.SetPrefix("[EVENTLOG] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eventlogcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
