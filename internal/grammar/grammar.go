// Package grammar classifies raw syslog/auth.log lines into a closed set
// of security event kinds.
package grammar

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind enumerates the event kinds this grammar recognizes. The set is
// closed: lines that match none of these patterns produce no event.
type Kind string

const (
	KindNetPing             Kind = "NET_PING"
	KindNetConn             Kind = "NET_CONN"
	KindSSHAuthFail         Kind = "SSH_AUTH_FAIL"
	KindSSHAuthSuccess      Kind = "SSH_AUTH_SUCCESS"
	KindSSHInvalidUser      Kind = "SSH_INVALID_USER"
	KindSSHConnectionClosed Kind = "SSH_CONNECTION_CLOSED"
	KindSudoExec            Kind = "SUDO_EXEC"
	KindSudoAuthFail        Kind = "SUDO_AUTH_FAIL"
	KindSessionOpen         Kind = "SESSION_OPEN"
	KindSessionClose        Kind = "SESSION_CLOSE"
)

// Event is a single normalized, typed occurrence extracted from a raw line.
// Not every field applies to every Kind; String renders only the ones a
// given kind carries.
type Event struct {
	Timestamp time.Time
	Kind      Kind
	SourceIP  string
	Port      string
	Proto     string
	User      string
	Method    string
	Session   string
	TTY       string
	Command   string
	Service   string
	Raw       string
}

// String renders the event as "KIND Key=Value ...", matching the reference
// implementation's per-kind field layout exactly, since this is the text
// the reasoning batch prompt sees for each event.
func (e Event) String() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	switch e.Kind {
	case KindNetPing:
		fmt.Fprintf(&b, " Source=%s", e.SourceIP)
	case KindNetConn:
		fmt.Fprintf(&b, " Source=%s Port=%s Proto=%s", e.SourceIP, e.Port, e.Proto)
	case KindSSHAuthFail:
		fmt.Fprintf(&b, " User=%s Source=%s Method=%s", e.User, e.SourceIP, e.Method)
	case KindSSHAuthSuccess:
		fmt.Fprintf(&b, " User=%s Source=%s Method=%s", e.User, e.SourceIP, e.Method)
	case KindSSHInvalidUser:
		fmt.Fprintf(&b, " User=%s Source=%s", e.User, e.SourceIP)
	case KindSSHConnectionClosed:
		fmt.Fprintf(&b, " User=%s Source=%s", e.User, e.SourceIP)
	case KindSudoExec:
		fmt.Fprintf(&b, " User=%s Session=%s TTY=%s Command=%s", e.User, e.Session, e.TTY, e.Command)
	case KindSudoAuthFail:
		fmt.Fprintf(&b, " User=%s Session=%s TTY=%s", e.User, e.Session, e.TTY)
	case KindSessionOpen, KindSessionClose:
		fmt.Fprintf(&b, " Service=%s User=%s", e.Service, e.User)
	}
	return b.String()
}

var (
	reSrc      = regexp.MustCompile(`SRC=([\d.]+)`)
	reDpt      = regexp.MustCompile(`DPT=(\d+)`)
	reProto    = regexp.MustCompile(`PROTO=(\w+)`)
	reIPFrom   = regexp.MustCompile(`from ([\d.]+)`)
	reUserFor  = regexp.MustCompile(`for (\w+)`)
	reInvUser  = regexp.MustCompile(`Invalid user (\w+)`)
	reClosedIP = regexp.MustCompile(`([\d.]+) port`)
	reClosedU  = regexp.MustCompile(`user ([\w-]+)`)
	reSudoUser = regexp.MustCompile(`sudo: (\w+) :`)
	reCommand  = regexp.MustCompile(`COMMAND=(.+)$`)
	reTTY      = regexp.MustCompile(`TTY=([^;]+)`)
	reLogname  = regexp.MustCompile(`logname=(\w+)`)
	reLowerTTY = regexp.MustCompile(`tty=([^;]+)`)
	reForUser  = regexp.MustCompile(`for user (\w+)`)
	rePamUnix  = regexp.MustCompile(`pam_unix\((\w+)`)
)

const unknown = "unknown"

func firstGroup(re *regexp.Regexp, line string) string {
	if m := re.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return unknown
}

// sudoSessionClass classifies a sudo line's TTY into the reference
// implementation's SSH/LOCAL/fallback buckets. elseKind differs between
// SUDO_EXEC (CRON) and SUDO_AUTH_FAIL (UNKNOWN): the reference preserves
// that asymmetry exactly, so callers must pass their own fallback.
func sudoSessionClass(tty, elseKind string) string {
	if strings.Contains(tty, "pts") {
		return "SSH"
	}
	if strings.Contains(tty, "tty") {
		return "LOCAL"
	}
	return elseKind
}

// Parse classifies a single raw log line; any leading syslog timestamp is
// left in the line and not interpreted. ts is stamped onto the event as
// given by the caller; networkTag is the operator-configured marker (config.NetworkTag) that
// identifies the firewall/router log lines rule 1 dispatches on. Parse
// itself is pure and stateless, safe to call from any goroutine. ok is
// false when the line matches no known pattern.
func Parse(ts time.Time, line string, networkTag string) (Event, bool) {
	if networkTag != "" && strings.Contains(line, networkTag) {
		src := reSrc.FindStringSubmatch(line)
		if src != nil {
			if strings.Contains(line, "PROTO=ICMP") {
				return Event{Timestamp: ts, Kind: KindNetPing, SourceIP: src[1], Raw: line}, true
			}
			if dpt := reDpt.FindStringSubmatch(line); dpt != nil {
				proto := "?"
				if m := reProto.FindStringSubmatch(line); m != nil {
					proto = m[1]
				}
				return Event{Timestamp: ts, Kind: KindNetConn, SourceIP: src[1], Port: dpt[1], Proto: proto, Raw: line}, true
			}
		}
	}

	switch {
	case strings.Contains(line, "sshd") && strings.Contains(line, "Failed password"):
		return Event{
			Timestamp: ts, Kind: KindSSHAuthFail,
			User: firstGroup(reUserFor, line), SourceIP: firstGroup(reIPFrom, line),
			Method: "password", Raw: line,
		}, true

	case strings.Contains(line, "sshd") && strings.Contains(line, "Accepted"):
		method := "password"
		if strings.Contains(line, "publickey") {
			method = "key"
		}
		return Event{
			Timestamp: ts, Kind: KindSSHAuthSuccess,
			User: firstGroup(reUserFor, line), SourceIP: firstGroup(reIPFrom, line),
			Method: method, Raw: line,
		}, true

	case strings.Contains(line, "sshd") && strings.Contains(line, "Invalid user"):
		return Event{
			Timestamp: ts, Kind: KindSSHInvalidUser,
			User: firstGroup(reInvUser, line), SourceIP: firstGroup(reIPFrom, line), Raw: line,
		}, true

	case strings.Contains(line, "sshd") && strings.Contains(line, "Connection closed"):
		return Event{
			Timestamp: ts, Kind: KindSSHConnectionClosed,
			User: firstGroup(reClosedU, line), SourceIP: firstGroup(reClosedIP, line), Raw: line,
		}, true

	case strings.Contains(line, "sudo:") && strings.Contains(line, "COMMAND="):
		tty := unknown
		if m := reTTY.FindStringSubmatch(line); m != nil {
			tty = m[1]
		}
		return Event{
			Timestamp: ts, Kind: KindSudoExec,
			User: firstGroup(reSudoUser, line), Session: sudoSessionClass(tty, "CRON"),
			TTY: tty, Command: firstGroup(reCommand, line), Raw: line,
		}, true

	case strings.Contains(line, "sudo") && strings.Contains(line, "authentication failure"):
		tty := unknown
		if m := reLowerTTY.FindStringSubmatch(line); m != nil {
			tty = m[1]
		}
		return Event{
			Timestamp: ts, Kind: KindSudoAuthFail,
			User: firstGroup(reLogname, line), Session: sudoSessionClass(tty, "UNKNOWN"),
			TTY: tty, Raw: line,
		}, true

	case strings.Contains(line, "session opened") && strings.Contains(line, "pam_unix"):
		if svc := rePamUnix.FindStringSubmatch(line); svc != nil && svc[1] != "sudo" && svc[1] != "cron" {
			return Event{
				Timestamp: ts, Kind: KindSessionOpen,
				Service: svc[1], User: firstGroup(reForUser, line), Raw: line,
			}, true
		}
		return Event{}, false

	case strings.Contains(line, "session closed") && strings.Contains(line, "pam_unix"):
		if svc := rePamUnix.FindStringSubmatch(line); svc != nil && svc[1] != "sudo" && svc[1] != "cron" {
			return Event{
				Timestamp: ts, Kind: KindSessionClose,
				Service: svc[1], User: firstGroup(reForUser, line), Raw: line,
			}, true
		}
		return Event{}, false

	default:
		return Event{}, false
	}
}
