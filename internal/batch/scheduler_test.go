package batch

import (
	"testing"

	"github.com/agentic-eda/sentinel/internal/grammar"
	"github.com/agentic-eda/sentinel/internal/reasoning"
	"github.com/agentic-eda/sentinel/internal/store"
	"github.com/agentic-eda/sentinel/internal/tailer"
)

type fakeStore struct {
	latestDecisionID int64
	orphaned         []store.EventRow
	nextEventID      int64
	decisions        []insertedDecision
	flags            []insertedFlag
}

type insertedDecision struct {
	batchID    int64
	eventCount int
	verdict    string
	reason     string
}

type insertedFlag struct {
	eventIDs []int64
	severity string
	summary  string
	sig      string
}

func (f *fakeStore) InsertEvent(eventType, sourceIP, port, rawEvent string, batchID int64) (int64, error) {
	f.nextEventID++
	return f.nextEventID, nil
}

func (f *fakeStore) InsertDecision(batchID int64, eventCount int, verdict string, confidence float64, reason string, threatIPs []string) (int64, error) {
	f.decisions = append(f.decisions, insertedDecision{batchID, eventCount, verdict, reason})
	return int64(len(f.decisions)), nil
}

func (f *fakeStore) InsertFlag(eventIDs []int64, severity, summary string, suggestedActions []string, evidenceSig string) (int64, error) {
	f.flags = append(f.flags, insertedFlag{eventIDs, severity, summary, evidenceSig})
	return int64(len(f.flags)), nil
}

func (f *fakeStore) GetLatestDecisionID() (int64, error) {
	return f.latestDecisionID, nil
}

func (f *fakeStore) GetEventsByBatchID(batchID int64) ([]store.EventRow, error) {
	return f.orphaned, nil
}

type fakeLines struct {
	batches [][]tailer.Line
	idx     int
}

func (f *fakeLines) Poll() []tailer.Line {
	if f.idx >= len(f.batches) {
		return nil
	}
	lines := f.batches[f.idx]
	f.idx++
	return lines
}

type fakeReducer struct{}

func (fakeReducer) Process(line string) (grammar.Event, bool) {
	if line == "noise" {
		return grammar.Event{}, false
	}
	return grammar.Event{Kind: grammar.KindSSHAuthFail, SourceIP: "1.2.3.4", Raw: line}, true
}

type fakeReasoner struct {
	verdict *reasoning.Verdict
}

func (f fakeReasoner) AnalyzeBatch(events []string) *reasoning.Verdict {
	return f.verdict
}

func TestSeed_FreshStart(t *testing.T) {
	fs := &fakeStore{latestDecisionID: 4}
	s := New(Config{BatchIntervalSeconds: 5}, fs, &fakeLines{}, fakeReducer{}, fakeReasoner{}, nil)
	if err := s.Seed(); err != nil {
		t.Fatal(err)
	}
	if s.BatchID() != 5 {
		t.Errorf("BatchID = %d, want 5", s.BatchID())
	}
	if len(s.buffer) != 0 {
		t.Errorf("expected empty buffer on fresh start, got %d", len(s.buffer))
	}
}

func TestSeed_RecoversOrphanedEvents(t *testing.T) {
	fs := &fakeStore{
		latestDecisionID: 2,
		orphaned: []store.EventRow{
			{ID: 10, EventType: "SSH_AUTH_FAIL", SourceIP: "1.2.3.4", BatchID: 3},
			{ID: 11, EventType: "SSH_AUTH_FAIL", SourceIP: "5.6.7.8", BatchID: 3},
		},
	}
	s := New(Config{BatchIntervalSeconds: 5}, fs, &fakeLines{}, fakeReducer{}, fakeReasoner{}, nil)
	if err := s.Seed(); err != nil {
		t.Fatal(err)
	}
	if len(s.buffer) != 2 {
		t.Fatalf("expected 2 recovered events, got %d", len(s.buffer))
	}
	if !s.hasBufferStart {
		t.Error("expected buffer start to be set after recovery")
	}
}

func TestTick_IngestsAndFiltersNoise(t *testing.T) {
	fs := &fakeStore{}
	lines := &fakeLines{batches: [][]tailer.Line{
		{{Text: "noise"}, {Text: "real event"}},
	}}
	s := New(Config{BatchIntervalSeconds: 9999}, fs, lines, fakeReducer{}, fakeReasoner{verdict: &reasoning.Verdict{}}, nil)
	s.tick()
	if len(s.buffer) != 1 {
		t.Fatalf("expected 1 surviving event, got %d", len(s.buffer))
	}
}

func TestFire_InsertsDecisionAndAdvancesBatchID(t *testing.T) {
	fs := &fakeStore{}
	lines := &fakeLines{batches: [][]tailer.Line{{{Text: "real event"}}}}
	verdict := &reasoning.Verdict{Flagged: false, Severity: "info", Summary: "fine"}
	s := New(Config{BatchIntervalSeconds: 0}, fs, lines, fakeReducer{}, fakeReasoner{verdict: verdict}, nil)

	s.tick()

	if len(fs.decisions) != 1 {
		t.Fatalf("expected 1 decision inserted, got %d", len(fs.decisions))
	}
	if fs.decisions[0].verdict != "ALLOW" {
		t.Errorf("verdict = %q, want ALLOW", fs.decisions[0].verdict)
	}
	if s.BatchID() != 1 {
		t.Errorf("BatchID = %d, want 1 after first batch fires", s.BatchID())
	}
}

func TestFire_FlaggedInsertsFlagWithSignature(t *testing.T) {
	fs := &fakeStore{}
	lines := &fakeLines{batches: [][]tailer.Line{{{Text: "real event"}}}}
	verdict := &reasoning.Verdict{Flagged: true, Severity: "critical", Summary: "bad", SuggestedActions: []string{"review"}}
	signed := false
	sign := func(summary string, eventIDs []int64) string {
		signed = true
		return "sig-abc"
	}
	s := New(Config{BatchIntervalSeconds: 0}, fs, lines, fakeReducer{}, fakeReasoner{verdict: verdict}, sign)

	s.tick()

	if !signed {
		t.Error("expected signer to be invoked for a flagged batch")
	}
	if len(fs.flags) != 1 || fs.flags[0].sig != "sig-abc" {
		t.Fatalf("got %+v", fs.flags)
	}
}

func TestFire_NotFlaggedSkipsFlagInsert(t *testing.T) {
	fs := &fakeStore{}
	lines := &fakeLines{batches: [][]tailer.Line{{{Text: "real event"}}}}
	verdict := &reasoning.Verdict{Flagged: false}
	s := New(Config{BatchIntervalSeconds: 0}, fs, lines, fakeReducer{}, fakeReasoner{verdict: verdict}, nil)

	s.tick()

	if len(fs.flags) != 0 {
		t.Errorf("expected no flags inserted, got %d", len(fs.flags))
	}
}
