// Package ptyservice exposes ptysession sessions over a Unix domain
// socket: a newline-delimited JSON protocol for creating, attaching to,
// listing, and closing interactive shell sessions.
package ptyservice

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentic-eda/sentinel/internal/ptysession"
)

const (
	initialLineTimeout = 30 * time.Second
	inputPollTimeout   = 100 * time.Millisecond
	outputPollTimeout  = 50 * time.Millisecond
	drainPollTimeout   = 10 * time.Millisecond
	maxIdlePolls       = 50
	drainAttempts      = 10
	cleanupInterval    = 30 * time.Second
)

var passwordPrompts = []string{
	"[sudo] password",
	"password:",
	"password for",
	"enter passphrase",
	"enter password",
	"authentication password",
}

var confirmPrompts = []string{
	"[y/n]",
	"(y/n)",
	"[yes/no]",
	"(yes/no)",
	"continue? [",
	"proceed? [",
	"are you sure",
	"do you want to continue",
}

func detectPromptType(output string) string {
	lower := strings.ToLower(output)
	for _, p := range passwordPrompts {
		if strings.Contains(lower, p) {
			return "password"
		}
	}
	for _, p := range confirmPrompts {
		if strings.Contains(lower, p) {
			return "confirm"
		}
	}
	return ""
}

// Service listens on a Unix domain socket and dispatches session
// lifecycle requests against a ptysession.Manager.
type Service struct {
	socketPath string
	manager    *ptysession.Manager

	listener net.Listener
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Service bound to socketPath.
func New(socketPath string) *Service {
	return &Service{
		socketPath: socketPath,
		manager:    ptysession.NewManager(),
		stopCh:     make(chan struct{}),
	}
}

// Start opens the listening socket and begins the background cleanup
// loop. Call Serve to accept connections.
func (s *Service) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if _, err := os.Stat(s.socketPath); err == nil {
		os.Remove(s.socketPath)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o666); err != nil {
		lis.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = lis

	log.Printf("[ptyservice] listening on %s", s.socketPath)

	s.wg.Add(1)
	go s.cleanupLoop()

	return nil
}

// Serve blocks accepting connections until Stop is called.
func (s *Service) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener, tears down every session, and removes the
// socket file.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
		s.manager.CloseAll()
		s.wg.Wait()
		os.Remove(s.socketPath)
		log.Printf("[ptyservice] stopped")
	})
}

func (s *Service) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.manager.CleanupStale()
		}
	}
}

type request struct {
	Action    string `json:"action"`
	Command   string `json:"command"`
	Timeout   int    `json:"timeout"`
	SessionID string `json:"session_id"`
}

func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(initialLineTimeout))
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	var req request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		log.Printf("[ptyservice] invalid JSON from client: %v", err)
		return
	}

	var writeMu sync.Mutex

	switch req.Action {
	case "create":
		if req.Command == "" {
			send(conn, &writeMu, map[string]any{"status": "error", "message": "No command provided"})
			return
		}
		sessionID := newSessionID()
		session, err := s.manager.Create(sessionID, req.Command, req.Timeout)
		if err != nil {
			send(conn, &writeMu, map[string]any{"status": "error", "message": "Failed to create PTY session"})
			return
		}
		send(conn, &writeMu, map[string]any{"status": "created", "session_id": sessionID})
		s.streamSession(session, conn, reader, &writeMu)

	case "attach":
		session, ok := s.manager.Get(req.SessionID)
		if !ok {
			send(conn, &writeMu, map[string]any{"status": "error", "message": "Session not found"})
			return
		}
		send(conn, &writeMu, map[string]any{"status": "attached", "session_id": req.SessionID})
		s.streamSession(session, conn, reader, &writeMu)

	case "list":
		send(conn, &writeMu, map[string]any{"status": "ok", "sessions": s.listSessions()})

	case "close":
		s.manager.Close(req.SessionID)
		send(conn, &writeMu, map[string]any{"status": "closed", "session_id": req.SessionID})

	default:
		send(conn, &writeMu, map[string]any{"status": "error", "message": fmt.Sprintf("Unknown action: %s", req.Action)})
	}
}

func newSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

func (s *Service) listSessions() []ptysession.Summary {
	return s.manager.Summaries()
}

func (s *Service) streamSession(session *ptysession.Session, conn net.Conn, reader *bufio.Reader, writeMu *sync.Mutex) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamOutput(session, conn, writeMu)
	}()
	go func() {
		defer wg.Done()
		streamInput(session, conn, reader)
	}()
	wg.Wait()
}

func streamOutput(session *ptysession.Session, conn net.Conn, writeMu *sync.Mutex) {
	idle := 0
	for {
		output, err := session.ReadOutput(outputPollTimeout)
		if err != nil {
			send(conn, writeMu, map[string]any{"event": "error", "message": err.Error()})
			break
		}
		if len(output) > 0 {
			idle = 0
			text := string(output)
			msg := map[string]any{"event": "output", "data": text}
			if hint := detectPromptType(text); hint != "" {
				msg["prompt_hint"] = hint
			}
			send(conn, writeMu, msg)
		} else {
			idle++
		}

		if !session.IsRunning() {
			for i := 0; i < drainAttempts; i++ {
				remaining, _ := session.ReadOutput(drainPollTimeout)
				if len(remaining) == 0 {
					break
				}
				send(conn, writeMu, map[string]any{"event": "output", "data": string(remaining)})
			}
			break
		}

		if idle > maxIdlePolls {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	send(conn, writeMu, map[string]any{
		"event":      "done",
		"session_id": session.ID,
		"exit_code":  session.ExitCode(),
	})
}

func streamInput(session *ptysession.Session, conn net.Conn, reader *bufio.Reader) {
	for session.IsRunning() {
		conn.SetReadDeadline(time.Now().Add(inputPollTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		var req map[string]any
		if json.Unmarshal([]byte(line), &req) != nil {
			continue
		}

		switch req["type"] {
		case "input":
			if data, ok := req["data"].(string); ok {
				session.WriteInput(data)
			}
		case "signal":
			sig := "SIGINT"
			if v, ok := req["signal"].(string); ok {
				sig = v
			}
			switch sig {
			case "SIGINT":
				session.SendSignal(syscall.SIGINT)
			case "SIGTERM":
				session.SendSignal(syscall.SIGTERM)
			}
		}
	}
}

func send(conn net.Conn, writeMu *sync.Mutex, msg map[string]any) {
	writeMu.Lock()
	defer writeMu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write(append(encoded, '\n'))
}
