package journal_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cssmod/internal/journal"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(context.Background(), journal.PathIn(t.TempDir()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestSummaryCountsOutcomes(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []journal.Record{
		{At: base, RequestID: "a", SourcePath: "/a.css", ContentHash: "h1", Outcome: journal.OutcomeMiss, Duration: 40 * time.Millisecond},
		{At: base.Add(time.Second), RequestID: "b", SourcePath: "/a.css", ContentHash: "h1", Outcome: journal.OutcomeHit},
		{At: base.Add(2 * time.Second), RequestID: "c", SourcePath: "/a.css", ContentHash: "h1", Outcome: journal.OutcomeHit},
		{At: base.Add(3 * time.Second), RequestID: "d", SourcePath: "/missing.css", Outcome: journal.OutcomeError, Error: "no such file"},
	}
	for _, rec := range records {
		if err := j.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	summary, err := j.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Total != 4 || summary.Hits != 2 || summary.Misses != 1 || summary.Errors != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if !summary.LastRequest.Equal(base.Add(3 * time.Second)) {
		t.Fatalf("last request = %v", summary.LastRequest)
	}
	if rate := summary.HitRate(); rate < 0.66 || rate > 0.67 {
		t.Fatalf("hit rate = %v", rate)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	for _, id := range []string{"one", "two", "three"} {
		if err := j.Record(ctx, journal.Record{RequestID: id, SourcePath: "/x.css", Outcome: journal.OutcomeMiss, Duration: 5 * time.Millisecond}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	recent, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].RequestID != "three" || recent[1].RequestID != "two" {
		t.Fatalf("recent = %+v", recent)
	}
	if recent[0].Duration != 5*time.Millisecond {
		t.Fatalf("duration = %v", recent[0].Duration)
	}
}

func TestEmptySummary(t *testing.T) {
	j := openJournal(t)
	summary, err := j.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Total != 0 || !summary.LastRequest.IsZero() || summary.HitRate() != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), journal.FileName)
	ctx := context.Background()
	j, err := journal.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Record(ctx, journal.Record{RequestID: "x", SourcePath: "/x.css", Outcome: journal.OutcomeHit}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := journal.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	summary, err := reopened.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Total != 1 {
		t.Fatalf("total = %d", summary.Total)
	}
}

func TestRecordConcurrentWriters(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	const (
		writers   = 64
		perWriter = 10
	)
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				rec := journal.Record{
					RequestID:  fmt.Sprintf("w%d-%d", w, i),
					SourcePath: "/a.css",
					Outcome:    journal.OutcomeMiss,
				}
				if err := j.Record(ctx, rec); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Record: %v", err)
	}

	summary, err := j.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Total != writers*perWriter {
		t.Fatalf("total = %d, want %d", summary.Total, writers*perWriter)
	}
}
