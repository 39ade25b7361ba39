// Package reduction narrows the raw line stream down to typed security
// events: a noise gate drops chatter, a trust filter drops traffic from
// already-classified-safe internal ports, and what survives is handed to
// the grammar parser.
package reduction

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentic-eda/sentinel/internal/config"
	"github.com/agentic-eda/sentinel/internal/grammar"
)

// ConfigReader is the subset of the store the reducer needs to pick up
// operator-edited ignore lists and the discovery-derived trusted port set
// without caching them across calls.
type ConfigReader interface {
	GetConfig(key, defaultVal string) (string, error)
}

// Stats tracks the reducer's running counters plus an exponentially
// smoothed parse latency, useful for the agent's diagnostic tooling.
type Stats struct {
	RawLines          int64
	NoiseFiltered     int64
	TrustFiltered     int64
	ParseFailed       int64
	EventsOutput      int64
	AvgParseLatencyMs float64
}

// Reducer applies the noise gate, trust filter, and grammar parser to
// individual lines.
type Reducer struct {
	cfg   *config.Config
	store ConfigReader

	mu    sync.Mutex
	stats Stats
}

// New constructs a Reducer over the given static config and a config
// reader for the mutable ignore/trust lists.
func New(cfg *config.Config, store ConfigReader) *Reducer {
	return &Reducer{cfg: cfg, store: store}
}

var (
	noiseSRC = regexp.MustCompile(`SRC=([\d.]+)`)
	noiseDPT = regexp.MustCompile(`DPT=(\d+)`)
)

const emaAlpha = 0.2

// Process runs one raw line through the noise gate, trust filter, and
// parser, returning the resulting event if the line survives all three
// stages.
func (r *Reducer) Process(line string) (grammar.Event, bool) {
	r.mu.Lock()
	r.stats.RawLines++
	r.mu.Unlock()

	ignoredPorts, ignoredIPs := r.loadIgnoreLists()
	if r.isNoise(line, ignoredPorts, ignoredIPs) {
		r.mu.Lock()
		r.stats.NoiseFiltered++
		r.mu.Unlock()
		return grammar.Event{}, false
	}

	trustedPorts := r.loadTrustedPorts()
	if r.isTrustedInternal(line, trustedPorts) {
		r.mu.Lock()
		r.stats.TrustFiltered++
		r.mu.Unlock()
		return grammar.Event{}, false
	}

	start := time.Now()
	ev, ok := grammar.Parse(time.Now(), line, r.cfg.NetworkTag)
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats.AvgParseLatencyMs == 0 {
		r.stats.AvgParseLatencyMs = elapsedMs
	} else {
		r.stats.AvgParseLatencyMs = emaAlpha*elapsedMs + (1-emaAlpha)*r.stats.AvgParseLatencyMs
	}
	if !ok {
		r.stats.ParseFailed++
		return grammar.Event{}, false
	}
	r.stats.EventsOutput++
	return ev, true
}

// Stats returns a snapshot of the running counters.
func (r *Reducer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reducer) loadIgnoreLists() (ports map[string]bool, ips map[string]bool) {
	ports = make(map[string]bool)
	for _, p := range r.cfg.IgnoredPorts {
		ports[p] = true
	}
	ips = make(map[string]bool)
	for _, ip := range r.cfg.IgnoredIPs {
		ips[ip] = true
	}
	if r.store == nil {
		return ports, ips
	}
	if raw, err := r.store.GetConfig("ignored_ports", ""); err == nil && raw != "" {
		for _, p := range strings.Split(raw, "\n") {
			if p = strings.TrimSpace(p); p != "" {
				ports[p] = true
			}
		}
	}
	if raw, err := r.store.GetConfig("ignored_ips", ""); err == nil && raw != "" {
		for _, ip := range strings.Split(raw, "\n") {
			if ip = strings.TrimSpace(ip); ip != "" {
				ips[ip] = true
			}
		}
	}
	return ports, ips
}

func (r *Reducer) loadTrustedPorts() map[string]bool {
	trusted := make(map[string]bool)
	for _, p := range r.cfg.ManualTrustedPorts {
		trusted[strconv.Itoa(p)] = true
	}
	if r.store == nil {
		return trusted
	}
	raw, err := r.store.GetConfig("trusted_ports_dynamic", "")
	if err != nil || raw == "" {
		return trusted
	}
	var dynamic []int
	if err := json.Unmarshal([]byte(raw), &dynamic); err != nil {
		return trusted
	}
	for _, p := range dynamic {
		trusted[strconv.Itoa(p)] = true
	}
	return trusted
}

func (r *Reducer) isNoise(line string, ignoredPorts, ignoredIPs map[string]bool) bool {
	for _, pattern := range config.DefaultNoisePatterns {
		if strings.Contains(line, pattern) {
			return true
		}
	}
	if m := noiseDPT.FindStringSubmatch(line); m != nil && ignoredPorts[m[1]] {
		return true
	}
	if m := noiseSRC.FindStringSubmatch(line); m != nil && ignoredIPs[m[1]] {
		return true
	}
	return false
}

func (r *Reducer) isTrustedInternal(line string, trustedPorts map[string]bool) bool {
	m := noiseSRC.FindStringSubmatch(line)
	if m == nil || !strings.HasPrefix(m[1], r.cfg.InternalSubnet) {
		return false
	}
	dpt := noiseDPT.FindStringSubmatch(line)
	if dpt == nil {
		return false
	}
	return trustedPorts[dpt[1]]
}
