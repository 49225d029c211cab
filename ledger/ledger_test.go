package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"transitwatch/pkg/campaign"
)

func testEvent(id, text string) campaign.RTEvent {
	return campaign.RTEvent{
		EventID:    id,
		SubscrID:   42,
		ScenarioID: "S1",
		ChangeType: "DELAY",
		ObservedAt: time.Date(2026, 3, 14, 8, 40, 0, 0, time.UTC),
		Text:       text,
	}
}

func TestAppendDedupIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt_events.ndjson")
	l, skipped, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer l.Close()
	if skipped != 0 {
		t.Fatalf("skipped = %d on fresh file, want 0", skipped)
	}

	ev := testEvent("E1", "Train 88576 delayed 5 min")
	const n = 5
	var dups int
	for range n {
		outcome, err := l.Append(ev)
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if outcome == Duplicate {
			dups++
		}
	}

	if l.Size() != 1 {
		t.Errorf("Size() = %d after %d identical appends, want 1", l.Size(), n)
	}
	if dups != n-1 {
		t.Errorf("duplicates = %d, want %d", dups, n-1)
	}
}

func TestAppendChangedPayloadWritesRevision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt_events.ndjson")
	l, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer l.Close()

	if _, err := l.Append(testEvent("E1", "delayed 5 min")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	outcome, err := l.Append(testEvent("E1", "delayed 10 min"))
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if outcome != Updated {
		t.Fatalf("outcome = %v, want Updated", outcome)
	}

	all := l.All()
	if len(all) != 2 {
		t.Fatalf("len(All()) = %d, want 2", len(all))
	}
	if all[0].Revision != 0 || all[1].Revision != 1 {
		t.Errorf("revisions = %d, %d, want 0, 1", all[0].Revision, all[1].Revision)
	}
}

func TestAppendIgnoresCaptureTimeFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt_events.ndjson")
	l, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer l.Close()

	ev := testEvent("E1", "delayed 5 min")
	if _, err := l.Append(ev); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	// A later poll returning the same change carries a new observation time
	// and correlation id. That must not defeat dedup.
	ev.ObservedAt = ev.ObservedAt.Add(2 * time.Minute)
	ev.CorrID = "different-corr-id"
	outcome, err := l.Append(ev)
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if outcome != Duplicate {
		t.Errorf("outcome = %v, want Duplicate", outcome)
	}
}

func TestOpenReplaysDedupState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt_events.ndjson")

	l, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := l.Append(testEvent("E1", "delayed 5 min")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// Simulated restart: the reopened ledger must remember E1.
	reopened, skipped, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()
	if skipped != 0 {
		t.Fatalf("skipped = %d, want 0", skipped)
	}

	outcome, err := reopened.Append(testEvent("E1", "delayed 5 min"))
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if outcome != Duplicate {
		t.Errorf("outcome after reopen = %v, want Duplicate", outcome)
	}
	if reopened.Size() != 1 {
		t.Errorf("Size() after reopen = %d, want 1", reopened.Size())
	}
}

func TestReadEventsToleratesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt_events.ndjson")
	content := `{"eventId":"E1","changeType":"DELAY","observedAt":"2026-03-14T08:40:00Z"}
{"eventId":"E2","changeType":"CANCEL","observedAt":"2026-03-14T08:41:00Z"}
{"eventId":"E3","changeTy`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	events, skipped, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents() error: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("len(events) = %d, want 2", len(events))
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
}

func TestReadEventsMissingFile(t *testing.T) {
	events, skipped, err := ReadEvents(filepath.Join(t.TempDir(), "absent.ndjson"))
	if err != nil {
		t.Fatalf("ReadEvents() error: %v", err)
	}
	if len(events) != 0 || skipped != 0 {
		t.Errorf("got %d events, %d skipped, want 0, 0", len(events), skipped)
	}
}

func TestReadNotificationsRejectsIncompleteRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.ndjson")
	content := `{"id":"1001","postedAt":"2026-03-14T08:42:10Z","package":"de.db.navigator","title":"Train delayed","text":"by 5 minutes"}
{"id":"1002","package":"de.db.navigator","title":"no timestamp"}
not json at all`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	notifs, skipped, err := ReadNotifications(path)
	if err != nil {
		t.Fatalf("ReadNotifications() error: %v", err)
	}
	if len(notifs) != 1 {
		t.Fatalf("len(notifs) = %d, want 1", len(notifs))
	}
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
	if notifs[0].ID != "1001" {
		t.Errorf("ID = %q, want 1001", notifs[0].ID)
	}
}

func TestLatestRevisions(t *testing.T) {
	events := []campaign.RTEvent{
		{EventID: "E1", Revision: 0, Text: "delayed 5 min"},
		{EventID: "E2", Revision: 0, Text: "cancelled"},
		{EventID: "E1", Revision: 1, Text: "delayed 10 min"},
	}

	latest := LatestRevisions(events)
	if len(latest) != 2 {
		t.Fatalf("len(latest) = %d, want 2", len(latest))
	}
	// First-appearance order is preserved, content is the newest revision.
	if latest[0].EventID != "E1" || latest[0].Text != "delayed 10 min" {
		t.Errorf("latest[0] = %+v, want E1 at revision 1", latest[0])
	}
	if latest[1].EventID != "E2" {
		t.Errorf("latest[1].EventID = %q, want E2", latest[1].EventID)
	}
}
