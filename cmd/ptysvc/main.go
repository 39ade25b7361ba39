// ptysvc is the PTY session multiplexer: a separate process that listens
// on a Unix-domain socket and serves sentineld's interactive shell
// sessions, independent of the main daemon's log-reduction loop. The
// socket path comes from --socket, or from AGENT_PTY_SOCKET when the flag
// is not given.
//
// Usage:
//
//	ptysvc --socket /run/sentinel/pty.sock
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentic-eda/sentinel/internal/ptyservice"
)

var (
	flagSocket  = flag.String("socket", "/run/sentinel/pty.sock", "Unix socket path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("ptysvc %s", Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	socketPath := *flagSocket
	socketFlagSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "socket" {
			socketFlagSet = true
		}
	})
	if v := os.Getenv("AGENT_PTY_SOCKET"); v != "" && !socketFlagSet {
		socketPath = v
	}

	svc := ptyservice.New(socketPath)
	if err := svc.Start(); err != nil {
		log.Fatalf("Failed to start pty service: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		svc.Stop()
	}()

	if err := svc.Serve(); err != nil {
		log.Fatalf("pty service failed: %v", err)
	}
}
