package notiflog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"transitwatch/ledger"
)

const sampleExport = `{
	"device": {"offset": 3600000},
	"posted": [
		{
			"packageName": "de.db.navigator",
			"postTime": 1773477730000,
			"titleBig": "Train delayed",
			"textBig": "Train 88576 delayed by 5 minutes",
			"category": "transport",
			"nid": 1001
		},
		{
			"packageName": "de.db.navigator",
			"when": 1773477800000,
			"title": "Platform change",
			"text": "Now departing from track 7",
			"key": "0|de.db.navigator|1002"
		},
		{
			"packageName": "de.db.navigator",
			"postTime": 1773477900000,
			"isGroupSummary": true,
			"title": "3 notifications"
		},
		{
			"packageName": "com.other.app",
			"postTime": 1773478000000,
			"title": "unrelated"
		},
		{
			"packageName": "de.db.navigator",
			"title": "no timestamp at all"
		}
	],
	"removed": [
		{
			"packageName": "de.db.navigator",
			"postTime": 1773478100000,
			"title": "dismissed"
		}
	]
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeExport(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.json")
	if err := os.WriteFile(path, []byte(sampleExport), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConvert(t *testing.T) {
	out := filepath.Join(t.TempDir(), "notifications.ndjson")
	written, err := Convert(writeExport(t), out, Options{}, discardLogger())
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	// Group summary and the record without a timestamp are dropped,
	// removed[] is excluded by default.
	if written != 3 {
		t.Fatalf("written = %d, want 3", written)
	}

	notifs, skipped, err := ledger.ReadNotifications(out)
	if err != nil {
		t.Fatalf("ReadNotifications() error: %v", err)
	}
	if skipped != 0 {
		t.Errorf("skipped = %d, want 0", skipped)
	}
	if len(notifs) != 3 {
		t.Fatalf("len(notifs) = %d, want 3", len(notifs))
	}

	first := notifs[0]
	if first.ID != "1001" {
		t.Errorf("ID = %q, want numeric nid rendered as string", first.ID)
	}
	if first.Title != "Train delayed" || first.Text != "Train 88576 delayed by 5 minutes" {
		t.Errorf("big fields not preferred: %q / %q", first.Title, first.Text)
	}
	if first.Channel != "transport" {
		t.Errorf("Channel = %q, want transport", first.Channel)
	}
	if first.Kind != "posted" {
		t.Errorf("Kind = %q, want posted", first.Kind)
	}
	if want := time.UnixMilli(1773477730000).UTC(); !first.PostedAt.Equal(want) {
		t.Errorf("PostedAt = %v, want %v", first.PostedAt, want)
	}
	// Device offset is +1h, so local time renders one hour ahead of UTC.
	if want := time.UnixMilli(1773477730000).In(time.FixedZone("device", 3600)).Format(time.RFC3339); first.PostedAtLocal != want {
		t.Errorf("PostedAtLocal = %q, want %q", first.PostedAtLocal, want)
	}

	second := notifs[1]
	if second.ID != "0|de.db.navigator|1002" {
		t.Errorf("ID = %q, want key fallback", second.ID)
	}
	if second.Title != "Platform change" {
		t.Errorf("Title = %q, want plain title fallback", second.Title)
	}
}

func TestConvertPackageFilter(t *testing.T) {
	out := filepath.Join(t.TempDir(), "notifications.ndjson")
	written, err := Convert(writeExport(t), out, Options{Packages: []string{"de.db.navigator"}}, discardLogger())
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	if written != 2 {
		t.Errorf("written = %d, want 2 (other package filtered)", written)
	}
}

func TestConvertIncludeRemoved(t *testing.T) {
	out := filepath.Join(t.TempDir(), "notifications.ndjson")
	written, err := Convert(writeExport(t), out, Options{IncludeRemoved: true}, discardLogger())
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	if written != 4 {
		t.Fatalf("written = %d, want 4", written)
	}

	notifs, _, err := ledger.ReadNotifications(out)
	if err != nil {
		t.Fatal(err)
	}
	if notifs[len(notifs)-1].Kind != "removed" {
		t.Errorf("last record kind = %q, want removed", notifs[len(notifs)-1].Kind)
	}
}

func TestConvertOverwriteAndAppend(t *testing.T) {
	out := filepath.Join(t.TempDir(), "notifications.ndjson")
	export := writeExport(t)

	if _, err := Convert(export, out, Options{}, discardLogger()); err != nil {
		t.Fatal(err)
	}
	// Default mode replaces the previous import.
	if _, err := Convert(export, out, Options{}, discardLogger()); err != nil {
		t.Fatal(err)
	}
	notifs, _, err := ledger.ReadNotifications(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(notifs) != 3 {
		t.Errorf("len(notifs) = %d after overwrite, want 3", len(notifs))
	}

	if _, err := Convert(export, out, Options{Append: true}, discardLogger()); err != nil {
		t.Fatal(err)
	}
	notifs, _, err = ledger.ReadNotifications(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(notifs) != 6 {
		t.Errorf("len(notifs) = %d after append, want 6", len(notifs))
	}
}
