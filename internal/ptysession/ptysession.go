// Package ptysession manages interactive PTY-backed shell sessions: one
// per approved command, readable/writable like a real terminal, torn
// down with an escalating signal sequence.
package ptysession

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const (
	defaultTimeout = 300 * time.Second
	readChunk      = 4096
	killPollCount  = 10
	killPollDelay  = 100 * time.Millisecond
)

// Session is one running PTY-backed shell command.
type Session struct {
	ID      string
	Command string
	Timeout time.Duration

	createdAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
	exitCode     *int
	done         chan struct{}
}

// New builds a Session that has not yet been started.
func New(id, command string, timeoutSeconds int) *Session {
	timeout := defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	now := time.Now()
	return &Session{
		ID:           id,
		Command:      command,
		Timeout:      timeout,
		createdAt:    now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

func buildEnv() []string {
	env := make([]string, 0, len(os.Environ())+3)
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "TERM=") || strings.HasPrefix(e, "COLUMNS=") || strings.HasPrefix(e, "LINES=") {
			continue
		}
		env = append(env, e)
	}
	return append(env, "TERM=xterm-256color", "COLUMNS=80", "LINES=24")
}

// Start forks /bin/bash -c <command> behind a new PTY.
func (s *Session) Start() error {
	cmd := exec.Command("/bin/bash", "-c", s.Command)
	cmd.Env = buildEnv()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return fmt.Errorf("start pty session %s: %w", s.ID, err)
	}
	s.cmd = cmd
	s.ptmx = ptmx

	go s.waitForExit()

	log.Printf("[ptysession] %s started: pid=%d command=%.50s", s.ID, cmd.Process.Pid, s.Command)
	return nil
}

func (s *Session) waitForExit() {
	err := s.cmd.Wait()
	code := exitCodeFromError(err)

	s.mu.Lock()
	s.exitCode = &code
	s.mu.Unlock()
	close(s.done)
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -int(status.Signal())
			}
			return status.ExitStatus()
		}
	}
	return -1
}

// ReadOutput waits up to timeout for output, returning nil, nil if none
// arrived before the deadline. A non-nil error means the session's PTY
// is gone.
func (s *Session) ReadOutput(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.ptmx == nil {
		return nil, nil
	}

	if err := s.ptmx.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil
	}

	buf := make([]byte, readChunk)
	n, err := s.ptmx.Read(buf)
	if n > 0 {
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()
		return buf[:n], nil
	}
	if err != nil {
		if os.IsTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	return nil, nil
}

// WriteInput writes data to the session's stdin.
func (s *Session) WriteInput(data string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.ptmx == nil {
		return fmt.Errorf("session %s is closed", s.ID)
	}
	if _, err := s.ptmx.Write([]byte(data)); err != nil {
		return fmt.Errorf("write to pty session %s: %w", s.ID, err)
	}
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

// SendSignal forwards sig to the session's process group leader.
func (s *Session) SendSignal(sig syscall.Signal) {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(sig)
}

// IsRunning reports whether the underlying process has not yet exited.
func (s *Session) IsRunning() bool {
	select {
	case <-s.done:
		return false
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.closed
	}
}

// ExitCode returns the process exit code, or nil if it hasn't exited.
func (s *Session) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// CreatedAt returns when the session was constructed.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// IsTimedOut reports whether the session has been idle longer than its
// configured timeout.
func (s *Session) IsTimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) > s.Timeout
}

// Close tears the session down: SIGTERM, a short poll for exit, then
// SIGKILL if it hasn't gone away.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.ptmx != nil {
		s.ptmx.Close()
	}

	if s.cmd == nil || s.cmd.Process == nil {
		return
	}

	_ = s.cmd.Process.Signal(syscall.SIGTERM)

	exited := false
	for i := 0; i < killPollCount; i++ {
		select {
		case <-s.done:
			exited = true
		default:
		}
		if exited {
			break
		}
		time.Sleep(killPollDelay)
	}
	if !exited {
		_ = s.cmd.Process.Signal(syscall.SIGKILL)
		<-s.done
	}

	log.Printf("[ptysession] %s closed", s.ID)
}

// Manager tracks the set of live PTY sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create starts a new session under id, replacing and closing any prior
// session with the same id.
func (m *Manager) Create(id, command string, timeoutSeconds int) (*Session, error) {
	m.mu.Lock()
	if old, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		m.mu.Unlock()
		old.Close()
		m.mu.Lock()
	}
	m.mu.Unlock()

	s := New(id, command, timeoutSeconds)
	if err := s.Start(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the session registered under id, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Summary is a point-in-time snapshot of one session, suitable for
// listing over the wire.
type Summary struct {
	SessionID string    `json:"session_id"`
	Command   string    `json:"command"`
	Running   bool      `json:"running"`
	Created   time.Time `json:"created"`
}

const commandPreviewLen = 50

// Summaries returns a snapshot of every tracked session.
func (m *Manager) Summaries() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		cmd := s.Command
		if len(cmd) > commandPreviewLen {
			cmd = cmd[:commandPreviewLen]
		}
		out = append(out, Summary{
			SessionID: s.ID,
			Command:   cmd,
			Running:   s.IsRunning(),
			Created:   s.CreatedAt(),
		})
	}
	return out
}

// Close closes and removes the session registered under id.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// CleanupStale closes and removes any session that has timed out or
// already exited.
func (m *Manager) CleanupStale() {
	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.IsTimedOut() {
			log.Printf("[ptysession] %s timed out, closing", id)
			stale = append(stale, id)
		} else if !s.IsRunning() {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.Close(id)
	}
}

// ActiveCount returns the number of tracked sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every tracked session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}
