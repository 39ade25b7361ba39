// sentineld is the host-resident security-defense daemon: it tails system
// logs, reduces them to classified events, batches and reasons over them
// with an LLM, and wires up the interactive chat agent the dashboard uses
// to inspect and approve proposed actions. PTY sessions are served by the
// separate ptysvc process.
//
// Usage:
//
//	sentineld --config /etc/sentinel/config.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentic-eda/sentinel/internal/config"
	"github.com/agentic-eda/sentinel/internal/daemon"
)

var (
	flagConfig  = flag.String("config", "/etc/sentinel/config.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("sentineld %s", daemon.Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		cancel()
	}()

	d, err := daemon.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize daemon: %v", err)
	}
	if err := d.Run(ctx); err != nil {
		log.Fatalf("Daemon failed: %v", err)
	}
}
