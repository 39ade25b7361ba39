package ptyservice

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDetectPromptType_Password(t *testing.T) {
	if got := detectPromptType("Please enter password: "); got != "password" {
		t.Errorf("got %q, want password", got)
	}
	if got := detectPromptType("[sudo] password for root:"); got != "password" {
		t.Errorf("got %q, want password", got)
	}
}

func TestDetectPromptType_Confirm(t *testing.T) {
	if got := detectPromptType("Do you want to continue? [Y/n]"); got != "confirm" {
		t.Errorf("got %q, want confirm", got)
	}
}

func TestDetectPromptType_NoMatch(t *testing.T) {
	if got := detectPromptType("just some regular output"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func startTestService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "pty.sock")
	svc := New(sockPath)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	go svc.Serve()
	t.Cleanup(svc.Stop)
	return svc, sockPath
}

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendRequest(t *testing.T, conn net.Conn, req map[string]any) {
	t.Helper()
	enc, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(append(enc, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readJSONLine(t *testing.T, reader *bufio.Reader) map[string]any {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return m
}

func TestService_SocketPermissions(t *testing.T) {
	_, sockPath := startTestService(t)
	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o666 {
		t.Errorf("socket perm = %v, want 0666", info.Mode().Perm())
	}
}

func TestService_CreateAndStreamEcho(t *testing.T) {
	_, sockPath := startTestService(t)
	conn := dial(t, sockPath)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	sendRequest(t, conn, map[string]any{"action": "create", "command": "echo from-test"})
	reader := bufio.NewReader(conn)

	created := readJSONLine(t, reader)
	if created["status"] != "created" {
		t.Fatalf("got %+v", created)
	}

	sawOutput := false
	sawDone := false
	for i := 0; i < 50 && !sawDone; i++ {
		msg := readJSONLine(t, reader)
		switch msg["event"] {
		case "output":
			if data, _ := msg["data"].(string); data != "" {
				sawOutput = true
			}
		case "done":
			sawDone = true
		}
	}
	if !sawOutput {
		t.Error("expected at least one output event")
	}
	if !sawDone {
		t.Error("expected a done event")
	}
}

func TestService_UnknownAction(t *testing.T) {
	_, sockPath := startTestService(t)
	conn := dial(t, sockPath)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	sendRequest(t, conn, map[string]any{"action": "teleport"})
	reader := bufio.NewReader(conn)
	resp := readJSONLine(t, reader)
	if resp["status"] != "error" {
		t.Fatalf("got %+v", resp)
	}
}

func TestService_CreateMissingCommand(t *testing.T) {
	_, sockPath := startTestService(t)
	conn := dial(t, sockPath)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	sendRequest(t, conn, map[string]any{"action": "create"})
	reader := bufio.NewReader(conn)
	resp := readJSONLine(t, reader)
	if resp["status"] != "error" {
		t.Fatalf("got %+v", resp)
	}
}

func TestService_ListAndClose(t *testing.T) {
	svc, sockPath := startTestService(t)

	sess, err := svc.manager.Create("list-test", "sleep 5", 30)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer svc.manager.Close(sess.ID)

	conn := dial(t, sockPath)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	sendRequest(t, conn, map[string]any{"action": "list"})
	reader := bufio.NewReader(conn)
	resp := readJSONLine(t, reader)
	if resp["status"] != "ok" {
		t.Fatalf("got %+v", resp)
	}
	sessions, ok := resp["sessions"].([]any)
	if !ok || len(sessions) != 1 {
		t.Fatalf("got sessions=%+v", resp["sessions"])
	}

	conn2 := dial(t, sockPath)
	defer conn2.Close()
	conn2.SetDeadline(time.Now().Add(5 * time.Second))
	sendRequest(t, conn2, map[string]any{"action": "close", "session_id": "list-test"})
	reader2 := bufio.NewReader(conn2)
	closeResp := readJSONLine(t, reader2)
	if closeResp["status"] != "closed" {
		t.Fatalf("got %+v", closeResp)
	}
}
