// Package daemon wires together the log tailer, reducer, batching
// scheduler, reasoning clients, service discovery, and chat agent into
// the long-running sentineld process. PTY sessions are served by a
// separate process (cmd/ptysvc), not by this package.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/agentic-eda/sentinel/internal/agentloop"
	"github.com/agentic-eda/sentinel/internal/batch"
	"github.com/agentic-eda/sentinel/internal/config"
	"github.com/agentic-eda/sentinel/internal/discovery"
	"github.com/agentic-eda/sentinel/internal/evidence"
	"github.com/agentic-eda/sentinel/internal/reasoning"
	"github.com/agentic-eda/sentinel/internal/reduction"
	"github.com/agentic-eda/sentinel/internal/sdnotify"
	"github.com/agentic-eda/sentinel/internal/store"
	"github.com/agentic-eda/sentinel/internal/tailer"
	"github.com/agentic-eda/sentinel/internal/tools"
)

// Version is set at build time.
var Version = "0.1.0"

// discoveryInterval gates how often RunIfNeeded is polled from the main
// loop; the discoverer itself enforces the real 30-minute scan interval.
const discoveryInterval = 5 * time.Minute

// watchdogInterval is how often Run pings sd_notify's watchdog, well
// inside the systemd unit's expected WatchdogSec.
const watchdogInterval = 15 * time.Second

// chatAdapter bridges agentloop.LLM's single-shot []Message call to
// reasoning.ChatClient's []ChatTurn signature, so the reasoning package
// never has to import agentloop (which already depends on tools, which
// the reasoning package has no business knowing about).
type chatAdapter struct {
	client *reasoning.ChatClient
}

func (a chatAdapter) Call(messages []agentloop.Message) (string, error) {
	turns := make([]reasoning.ChatTurn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, reasoning.ChatTurn{Role: m.Role, Content: m.Content})
	}
	return a.client.Call(turns)
}

// Daemon owns every subsystem started by sentineld.
type Daemon struct {
	cfg *config.Config

	store      *store.Store
	tail       *tailer.Tailer
	reducer    *reduction.Reducer
	budget     *reasoning.BudgetTracker
	reasoner   *reasoning.Client
	scheduler  *batch.Scheduler
	signer     *evidence.FlagSigner
	discoverer *discovery.Discoverer

	agent *agentloop.Agent
}

// New constructs a Daemon from cfg, opening the event store and signing
// key and wiring every subsystem together. It does not start any
// background goroutines; call Run for that.
func New(cfg *config.Config) (*Daemon, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SigningKeyPath()), 0o755); err != nil {
		return nil, fmt.Errorf("create keys dir: %w", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	signingKey, pubHex, err := evidence.LoadOrCreateSigningKey(cfg.SigningKeyPath())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	signer := evidence.NewFlagSigner(signingKey)
	log.Printf("[daemon] flag signing key ready (pubkey=%s...)", truncate(pubHex, 12))

	reducer := reduction.New(cfg, st)

	budget := reasoning.NewBudgetTracker(reasoning.BudgetConfig{
		DailyBudgetUSD:     cfg.LLM.DailyBudgetUSD,
		MaxCallsPerHour:    cfg.LLM.MaxCallsPerHour,
		MaxConcurrentCalls: cfg.LLM.MaxConcurrentCalls,
	})
	reasoner := reasoning.NewClient(reasoning.ClientConfig{
		APIURL:         cfg.LLM.APIURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		Sensitivity:    cfg.Sensitivity,
	}, budget)

	tail := tailer.Start(cfg.LogFiles)

	scheduler := batch.New(batch.Config{
		BatchIntervalSeconds: cfg.BatchIntervalSeconds,
	}, st, tail, reducer, reasoner, signer.Sign)

	discoverer := discovery.New(discovery.ClientConfig{
		APIURL:  cfg.LLM.APIURL,
		Model:   cfg.LLM.Model,
		APIKey:  cfg.LLM.APIKey,
		Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	}, cfg.ManualTrustedPorts)

	chatClient := reasoning.NewChatClient(reasoning.ClientConfig{
		APIURL:         cfg.LLM.APIURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
	})
	registry := tools.NewRegistry(st)
	agent := agentloop.New(st, registry, chatAdapter{client: chatClient})

	return &Daemon{
		cfg:        cfg,
		store:      st,
		tail:       tail,
		reducer:    reducer,
		budget:     budget,
		reasoner:   reasoner,
		scheduler:  scheduler,
		signer:     signer,
		discoverer: discoverer,
		agent:      agent,
	}, nil
}

// Agent exposes the chat agent so command-layer callers (e.g. a future
// dashboard handler) can drive conversations.
func (d *Daemon) Agent() *agentloop.Agent {
	return d.agent
}

// Store exposes the event store for read-only reporting callers.
func (d *Daemon) Store() *store.Store {
	return d.store
}

// Run starts every subsystem and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	log.Printf("[daemon] sentineld v%s starting (network_tag=%s, sensitivity=%d)",
		Version, d.cfg.NetworkTag, d.cfg.Sensitivity)

	if err := d.scheduler.Seed(); err != nil {
		log.Printf("[daemon] scheduler seed failed: %v (continuing from batch 0)", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.scheduler.Run(ctx)
	}()

	d.runDiscoveryIfNeeded(ctx)

	if err := sdnotify.Ready(); err != nil {
		log.Printf("[daemon] sd_notify READY failed: %v", err)
	}

	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()
	discoveryTick := time.NewTicker(discoveryInterval)
	defer discoveryTick.Stop()

	log.Printf("[daemon] main loop started (batch_interval=%ds)", d.cfg.BatchIntervalSeconds)

	for {
		select {
		case <-ctx.Done():
			log.Println("[daemon] shutting down...")
			_ = sdnotify.Stopping()
			d.tail.Stop()
			if err := d.store.Close(); err != nil {
				log.Printf("[daemon] store close error: %v", err)
			}
			return nil
		case err := <-errCh:
			if err != nil {
				log.Printf("[daemon] subsystem exited with error: %v", err)
			}
		case <-watchdog.C:
			_ = sdnotify.Watchdog()
		case <-discoveryTick.C:
			d.runDiscoveryIfNeeded(ctx)
		}
	}
}

// runDiscoveryIfNeeded runs one service-discovery pass (rate-limited
// internally by the discoverer) and stores the resulting trusted ports
// under the trusted_ports_dynamic config key the reducer consults.
func (d *Daemon) runDiscoveryIfNeeded(ctx context.Context) {
	result, err := d.discoverer.RunIfNeeded(ctx)
	if err != nil {
		log.Printf("[daemon] discovery error: %v", err)
		return
	}
	if result == nil {
		return
	}
	log.Printf("[daemon] discovery: %d trusted ports, %d labeled services",
		len(result.TrustedPorts), len(result.Services))

	if err := persistTrustedPorts(d.store, result.TrustedPorts); err != nil {
		log.Printf("[daemon] failed to persist discovered trusted ports: %v", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
