// Package discovery identifies locally listening services via `ss`,
// classifies them as trusted or unknown with an LLM pass, and folds in
// a static manual allowlist so the reduction pipeline knows which
// ports are expected noise on this particular host.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const scanInterval = 30 * time.Minute

// Service is one locally listening TCP service, as reported by `ss`.
type Service struct {
	Port    int    `json:"port"`
	Process string `json:"process"`
	Address string `json:"address"`
}

var reListenLine = regexp.MustCompile(`:(\d+)$`)
var reProcName = regexp.MustCompile(`\("([^"]+)"`)

// GetListeningPorts shells out to `ss -tlnp` and parses its output into
// a list of listening services.
func GetListeningPorts(ctx context.Context) ([]Service, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "ss", "-tlnp").Output()
	if err != nil {
		return nil, fmt.Errorf("ss -tlnp: %w", err)
	}

	var services []Service
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > 0 {
		lines = lines[1:] // header row
	}
	for _, line := range lines {
		parts := strings.Fields(line)
		if len(parts) < 6 {
			continue
		}
		localAddr := parts[3]
		m := reListenLine.FindStringSubmatch(localAddr)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		process := "unknown"
		for _, p := range parts {
			if strings.Contains(p, "users:") {
				if pm := reProcName.FindStringSubmatch(p); pm != nil {
					process = pm[1]
				}
			}
		}
		services = append(services, Service{Port: port, Process: process, Address: localAddr})
	}
	return services, nil
}

// knownServices maps well-known ports to a human label, seeded from the
// operator's own home-network service list.
var knownServices = map[int]string{
	22:    "SSH",
	53:    "DNS",
	80:    "HTTP",
	443:   "HTTPS",
	1234:  "LM-Studio",
	1716:  "KDE-Connect",
	1883:  "MQTT",
	3000:  "Node.js",
	3306:  "MySQL",
	3389:  "RDP",
	5000:  "Flask/Dev",
	5432:  "PostgreSQL",
	6379:  "Redis",
	8080:  "HTTP-Proxy",
	9000:  "PHP-FPM/Squeezebox",
	24800: "Synergy",
	27017: "MongoDB",
	27036: "Steam",
	27060: "Steam",
	32400: "Plex",
}

// IdentifyService labels a port/process pair using the known-service
// table first, then a handful of process-name substring heuristics.
func IdentifyService(port int, process string) string {
	if label, ok := knownServices[port]; ok {
		return label
	}
	lower := strings.ToLower(process)
	switch {
	case strings.Contains(lower, "steam"):
		return "Steam"
	case strings.Contains(lower, "lm-studio"), strings.Contains(lower, "lmstudio"):
		return "LM-Studio"
	case strings.Contains(lower, "code"):
		return "VS-Code"
	case strings.Contains(lower, "kde"):
		return "KDE-Service"
	}
	if process != "unknown" {
		return process
	}
	return fmt.Sprintf("Unknown:%d", port)
}

const servicePrompt = `You are a network security expert analyzing a Linux server.

This is a personal home machine, so common applications like Steam, media servers,
development tools, and desktop sharing are EXPECTED and SAFE.

For each service, determine if it's TRUSTED (safe for a home network).

TRUSTED (safe) examples:
- Gaming: Steam, game servers
- Media: Plex, Squeezebox, Jellyfin, Kodi
- Development: VS Code, LM Studio, Docker, Node.js, Flask
- Desktop: Synergy, KDE Connect, VNC, RDP
- System: SSH, HTTP, databases
- Communication: MQTT, Home Assistant

Only mark as UNKNOWN if it's:
- A service you've never heard of
- Suspicious malware-like process names
- Crypto miners or botnets

Respond with JSON only:
{
    "trusted_ports": [list of port numbers that are safe],
    "services": {"port": "service_name", ...}
}`

// Analysis is the LLM's (or fallback's) verdict on a set of services.
type Analysis struct {
	TrustedPorts []int             `json:"trusted_ports"`
	Services     map[string]string `json:"services"`
	Warnings     []string          `json:"warnings"`
}

var fallbackTrustedPorts = []int{22, 80, 443, 53}

// ClientConfig configures the LLM endpoint used to classify services.
type ClientConfig struct {
	APIURL  string
	Model   string
	APIKey  string
	Timeout time.Duration
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

var reMarkdownFence = regexp.MustCompile("```json?\\s*")

// AnalyzeServicesWithLLM classifies services via cfg's chat endpoint,
// falling back to a conservative default trust list and a warning on
// any failure (network, non-200, or malformed JSON).
func AnalyzeServicesWithLLM(cfg ClientConfig, services []Service) Analysis {
	if len(services) == 0 {
		return Analysis{TrustedPorts: []int{}, Services: map[string]string{}, Warnings: []string{}}
	}

	var lines []string
	for _, s := range services {
		lines = append(lines, fmt.Sprintf("Port %d: %s (process: %s)", s.Port, IdentifyService(s.Port, s.Process), s.Process))
	}

	payload := chatPayload{
		Model: cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: servicePrompt},
			{Role: "user", Content: fmt.Sprintf("Analyze these %d open ports:\n%s", len(services), strings.Join(lines, "\n"))},
		},
		Temperature: 0.1,
		MaxTokens:   500,
	}

	analysis, err := callAndParse(cfg, payload)
	if err != nil {
		log.Printf("[discovery] LLM service analysis error: %v", err)
		serviceMap := map[string]string{}
		for _, s := range services {
			serviceMap[strconv.Itoa(s.Port)] = IdentifyService(s.Port, s.Process)
		}
		return Analysis{
			TrustedPorts: append([]int{}, fallbackTrustedPorts...),
			Services:     serviceMap,
			Warnings:     []string{"LLM unavailable - using default trust list"},
		}
	}
	return analysis
}

func callAndParse(cfg ClientConfig, payload chatPayload) (Analysis, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Analysis{}, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	req, err := http.NewRequest(http.MethodPost, cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return Analysis{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return Analysis{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Analysis{}, fmt.Errorf("llm endpoint returned status %d", resp.StatusCode)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Analysis{}, err
	}
	if len(cr.Choices) == 0 {
		return Analysis{}, fmt.Errorf("llm response had no choices")
	}

	content := cr.Choices[0].Message.Content
	content = reMarkdownFence.ReplaceAllString(content, "")
	content = strings.ReplaceAll(content, "```", "")
	content = strings.TrimSpace(content)

	var analysis Analysis
	if err := json.Unmarshal([]byte(content), &analysis); err != nil {
		return Analysis{}, fmt.Errorf("parse llm json: %w", err)
	}
	if analysis.Services == nil {
		analysis.Services = map[string]string{}
	}
	if analysis.Warnings == nil {
		analysis.Warnings = []string{}
	}
	return analysis, nil
}

// Result is the combined, manually-widened trust decision for a
// discovery pass.
type Result struct {
	TrustedPorts []int
	Services     map[string]string
}

// Discoverer runs `ss`-based discovery, classifies findings via an LLM,
// and widens the trust set with a static manual allowlist.
type Discoverer struct {
	cfg           ClientConfig
	manualTrusted []int

	mu      sync.Mutex
	lastRun time.Time
	running int32
}

// New constructs a Discoverer.
func New(cfg ClientConfig, manualTrustedPorts []int) *Discoverer {
	return &Discoverer{cfg: cfg, manualTrusted: manualTrustedPorts}
}

// Discover runs one discovery pass unconditionally.
func (d *Discoverer) Discover(ctx context.Context) (Result, error) {
	services, err := GetListeningPorts(ctx)
	if err != nil {
		return Result{}, err
	}
	log.Printf("[discovery] found %d listening ports", len(services))

	analysis := AnalyzeServicesWithLLM(d.cfg, services)

	trusted := map[int]bool{}
	for _, p := range analysis.TrustedPorts {
		trusted[p] = true
	}
	for _, p := range d.manualTrusted {
		trusted[p] = true
	}
	ports := make([]int, 0, len(trusted))
	for p := range trusted {
		ports = append(ports, p)
	}

	return Result{TrustedPorts: ports, Services: analysis.Services}, nil
}

// RunIfNeeded runs a discovery pass only if the scan interval has
// elapsed since the last run, guarding against overlapping runs with an
// atomic compare-and-swap the way periodic scan loops in this codebase
// do.
func (d *Discoverer) RunIfNeeded(ctx context.Context) (*Result, error) {
	if !atomic.CompareAndSwapInt32(&d.running, 0, 1) {
		return nil, nil
	}
	defer atomic.StoreInt32(&d.running, 0)

	d.mu.Lock()
	since := time.Since(d.lastRun)
	first := d.lastRun.IsZero()
	d.mu.Unlock()

	if !first && since < scanInterval {
		return nil, nil
	}

	d.mu.Lock()
	d.lastRun = time.Now()
	d.mu.Unlock()

	result, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return &result, nil
}
