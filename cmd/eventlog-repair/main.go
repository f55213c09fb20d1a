// Package main repairs a bbolt journal left behind by an unclean shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	repaircmd "github.com/louisbranch/eventlog/internal/cmd/repair"
	"github.com/louisbranch/eventlog/internal/platform/config"
)

func main() {
	cfg, err := repaircmd.ParseConfig(flag.CommandLine, os.Args[1:])
	config.ExitOnError(err)
	log.SetPrefix("[EVENTLOG-REPAIR] ")

	if err := repaircmd.Run(context.Background(), cfg, os.Stdout); err != nil {
		config.Exitf("repair: %v", err)
	}
}
