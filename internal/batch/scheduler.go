// Package batch runs the time-windowed event batching loop: lines come in
// from the reducer, accumulate into the current batch, and once the
// configured interval elapses the whole batch is sent to the reasoning
// client and the resulting verdict is persisted.
package batch

import (
	"context"
	"log"
	"time"

	"github.com/agentic-eda/sentinel/internal/grammar"
	"github.com/agentic-eda/sentinel/internal/reasoning"
	"github.com/agentic-eda/sentinel/internal/store"
	"github.com/agentic-eda/sentinel/internal/tailer"
)

// EventStore is the subset of internal/store.Store the scheduler needs.
type EventStore interface {
	InsertEvent(eventType, sourceIP, port, rawEvent string, batchID int64) (int64, error)
	InsertDecision(batchID int64, eventCount int, verdict string, confidence float64, reason string, threatIPs []string) (int64, error)
	InsertFlag(eventIDs []int64, severity, summary string, suggestedActions []string, evidenceSig string) (int64, error)
	GetLatestDecisionID() (int64, error)
	GetEventsByBatchID(batchID int64) ([]store.EventRow, error)
}

// LineSource supplies raw log lines.
type LineSource interface {
	Poll() []tailer.Line
}

// Reducer narrows raw lines down to classified events.
type Reducer interface {
	Process(line string) (grammar.Event, bool)
}

// Reasoner classifies a batch of normalized event strings.
type Reasoner interface {
	AnalyzeBatch(events []string) *reasoning.Verdict
}

// Signer produces a tamper-evidence signature over a flag's canonical
// payload. It may be nil, in which case flags are persisted unsigned.
type Signer func(summary string, eventIDs []int64) string

// Scheduler owns the batching window and drives events from LineSource
// through Reducer into Reasoner, persisting the outcome to EventStore.
type Scheduler struct {
	cfg      Config
	store    EventStore
	lines    LineSource
	reducer  Reducer
	reasoner Reasoner
	sign     Signer

	batchID          int64
	buffer           []grammar.Event
	eventIDsForBatch []int64
	bufferStart      time.Time
	hasBufferStart   bool
}

// Config is the subset of daemon configuration the scheduler consults.
type Config struct {
	BatchIntervalSeconds int
	PollInterval         time.Duration
}

// New constructs a Scheduler. Call Seed before Run to resume batch
// numbering across restarts.
func New(cfg Config, st EventStore, lines LineSource, reducer Reducer, reasoner Reasoner, sign Signer) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Scheduler{cfg: cfg, store: st, lines: lines, reducer: reducer, reasoner: reasoner, sign: sign}
}

// Seed resumes batch_id numbering from the latest persisted decision, and
// folds back any events that were written under that id by a session that
// crashed before recording its closing decision.
func (s *Scheduler) Seed() error {
	latestDecision, err := s.store.GetLatestDecisionID()
	if err != nil {
		return err
	}
	s.batchID = latestDecision + 1

	orphaned, err := s.store.GetEventsByBatchID(s.batchID)
	if err != nil {
		return err
	}
	if len(orphaned) == 0 {
		return nil
	}

	log.Printf("[batch] recovering %d orphaned event(s) from batch %d", len(orphaned), s.batchID)
	for _, e := range orphaned {
		s.buffer = append(s.buffer, grammar.Event{
			Kind:     grammar.Kind(e.EventType),
			SourceIP: e.SourceIP,
			Port:     e.Port,
			Raw:      e.RawEvent,
		})
		s.eventIDsForBatch = append(s.eventIDsForBatch, e.ID)
	}
	s.hasBufferStart = true
	s.bufferStart = time.Now()
	return nil
}

// Run blocks, polling LineSource and firing batches until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	for _, line := range s.lines.Poll() {
		s.ingest(line)
	}
	s.maybeFire()
}

func (s *Scheduler) ingest(line tailer.Line) {
	ev, ok := s.reducer.Process(line.Text)
	if !ok {
		return
	}
	id, err := s.store.InsertEvent(string(ev.Kind), ev.SourceIP, ev.Port, ev.Raw, s.batchID)
	if err != nil {
		log.Printf("[batch] insert event failed: %v", err)
		return
	}
	s.buffer = append(s.buffer, ev)
	s.eventIDsForBatch = append(s.eventIDsForBatch, id)
	if !s.hasBufferStart {
		s.hasBufferStart = true
		s.bufferStart = time.Now()
	}
}

func (s *Scheduler) maybeFire() {
	if !s.hasBufferStart {
		return
	}
	interval := time.Duration(s.cfg.BatchIntervalSeconds) * time.Second
	if time.Since(s.bufferStart) < interval {
		return
	}
	s.fire()
}

func (s *Scheduler) fire() {
	texts := make([]string, len(s.buffer))
	for i, ev := range s.buffer {
		texts[i] = ev.String()
	}

	verdict := s.reasoner.AnalyzeBatch(texts)

	verdictLabel := "ALLOW"
	if verdict.Flagged {
		verdictLabel = "FLAG"
	}

	if _, err := s.store.InsertDecision(s.batchID, len(s.buffer), verdictLabel, 0.0, verdict.Summary, []string{}); err != nil {
		log.Printf("[batch] insert decision failed: %v", err)
	}

	if verdict.Flagged {
		var sig string
		if s.sign != nil {
			sig = s.sign(verdict.Summary, s.eventIDsForBatch)
		}
		if _, err := s.store.InsertFlag(s.eventIDsForBatch, verdict.Severity, verdict.Summary, verdict.SuggestedActions, sig); err != nil {
			log.Printf("[batch] insert flag failed: %v", err)
		}
		log.Printf("[batch] batch %d flagged (%s): %s", s.batchID, verdict.Severity, verdict.Summary)
	} else {
		log.Printf("[batch] batch %d allowed: %s", s.batchID, verdict.Summary)
	}

	s.buffer = nil
	s.eventIDsForBatch = nil
	s.hasBufferStart = false
	s.batchID++
}

// BatchID exposes the current in-progress batch id, primarily for tests
// and diagnostics.
func (s *Scheduler) BatchID() int64 {
	return s.batchID
}
