package reduction

import (
	"testing"

	"github.com/agentic-eda/sentinel/internal/config"
	"github.com/agentic-eda/sentinel/internal/grammar"
)

type fakeStore struct {
	values map[string]string
}

func (f *fakeStore) GetConfig(key, defaultVal string) (string, error) {
	if v, ok := f.values[key]; ok {
		return v, nil
	}
	return defaultVal, nil
}

func newTestReducer(store ConfigReader) *Reducer {
	cfg := config.DefaultConfig()
	return New(&cfg, store)
}

func TestProcess_NoisePatternFiltered(t *testing.T) {
	r := newTestReducer(nil)
	_, ok := r.Process(`host kernel: audit: type=1400 apparmor="DENIED"`)
	if ok {
		t.Fatal("expected noise line to be filtered")
	}
	if r.Stats().NoiseFiltered != 1 {
		t.Errorf("NoiseFiltered = %d, want 1", r.Stats().NoiseFiltered)
	}
}

func TestProcess_IgnoredPortFiltered(t *testing.T) {
	r := newTestReducer(nil)
	line := `host kernel: [UFW BLOCK] IN=eth0 SRC=8.8.8.8 DST=10.0.0.2 PROTO=UDP DPT=443`
	_, ok := r.Process(line)
	if ok {
		t.Fatal("expected default-ignored port 443 to be filtered as noise")
	}
}

func TestProcess_DynamicIgnoredPortFromStore(t *testing.T) {
	store := &fakeStore{values: map[string]string{"ignored_ports": "9999"}}
	r := newTestReducer(store)
	line := `host kernel: [UFW BLOCK] IN=eth0 SRC=8.8.8.8 DST=10.0.0.2 PROTO=UDP DPT=9999`
	_, ok := r.Process(line)
	if ok {
		t.Fatal("expected dynamically ignored port to be filtered")
	}
}

func TestProcess_TrustedInternalFiltered(t *testing.T) {
	store := &fakeStore{values: map[string]string{"trusted_ports_dynamic": "[9001]"}}
	r := newTestReducer(store)
	line := `host kernel: [UFW BLOCK] IN=eth0 SRC=10.0.0.55 DST=10.0.0.2 PROTO=TCP DPT=9001`
	_, ok := r.Process(line)
	if ok {
		t.Fatal("expected trusted internal traffic to be filtered")
	}
	if r.Stats().TrustFiltered != 1 {
		t.Errorf("TrustFiltered = %d, want 1", r.Stats().TrustFiltered)
	}
}

func TestProcess_SurvivesToEvent(t *testing.T) {
	r := newTestReducer(nil)
	line := `host sshd[1]: Failed password for root from 198.51.100.9 port 22 ssh2`
	ev, ok := r.Process(line)
	if !ok {
		t.Fatal("expected event")
	}
	if ev.SourceIP != "198.51.100.9" {
		t.Errorf("SourceIP = %q", ev.SourceIP)
	}
	if r.Stats().EventsOutput != 1 {
		t.Errorf("EventsOutput = %d, want 1", r.Stats().EventsOutput)
	}
}

func TestProcess_NetworkTagLinesYieldNetConn(t *testing.T) {
	r := newTestReducer(nil)
	for i := 0; i < 10; i++ {
		line := `host kernel: [Agent] IN=eth0 OUT= SRC=198.51.100.9 DST=10.0.0.2 PROTO=TCP SPT=1111 DPT=8081`
		ev, ok := r.Process(line)
		if !ok {
			t.Fatalf("line %d: expected NET_CONN event", i)
		}
		if ev.Kind != grammar.KindNetConn {
			t.Fatalf("line %d: Kind = %v, want NET_CONN", i, ev.Kind)
		}
	}
	if r.Stats().EventsOutput != 10 {
		t.Errorf("EventsOutput = %d, want 10", r.Stats().EventsOutput)
	}
}

func TestProcess_TrustedInternalFilteredBeforeNetworkTagParse(t *testing.T) {
	store := &fakeStore{values: map[string]string{"trusted_ports_dynamic": "[2222]"}}
	r := newTestReducer(store)
	line := `host kernel: [Agent] IN=eth0 OUT= SRC=10.0.0.5 DST=10.0.0.2 PROTO=TCP SPT=1111 DPT=2222`
	_, ok := r.Process(line)
	if ok {
		t.Fatal("expected trusted internal traffic to be filtered before reaching the parser")
	}
	if r.Stats().TrustFiltered != 1 {
		t.Errorf("TrustFiltered = %d, want 1", r.Stats().TrustFiltered)
	}
	if r.Stats().ParseFailed != 0 {
		t.Errorf("ParseFailed = %d, want 0 (line should never reach the parser)", r.Stats().ParseFailed)
	}
}

func TestProcess_ParseFailedCounted(t *testing.T) {
	r := newTestReducer(nil)
	_, ok := r.Process(`host some unrelated daemon chatter`)
	if ok {
		t.Fatal("expected no event")
	}
	if r.Stats().ParseFailed != 1 {
		t.Errorf("ParseFailed = %d, want 1", r.Stats().ParseFailed)
	}
}

func TestProcess_AvgLatencyTracked(t *testing.T) {
	r := newTestReducer(nil)
	r.Process(`host sshd[1]: Failed password for root from 1.2.3.4 port 22 ssh2`)
	if r.Stats().AvgParseLatencyMs < 0 {
		t.Errorf("AvgParseLatencyMs = %v, want >= 0", r.Stats().AvgParseLatencyMs)
	}
}
