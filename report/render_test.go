package report

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"transitwatch/match"
	"transitwatch/pkg/campaign"
)

func TestWriteAll(t *testing.T) {
	res := match.Result{
		Matches: []campaign.Match{matchWith("DELAY", "S1", 1, 130)},
		UnmatchedEvents: []campaign.RTEvent{
			{EventID: "E9", ChangeType: "CANCEL", ScenarioID: "S1", SubscrID: 1},
		},
		UnmatchedNotifications: []campaign.DeviceNotification{
			{ID: "99", Package: "de.db.navigator", Title: "unrelated"},
		},
	}
	summary := Aggregate(res)

	dir := filepath.Join(t.TempDir(), "report")
	if err := WriteAll(dir, res, summary, true); err != nil {
		t.Fatalf("WriteAll() error: %v", err)
	}

	for _, name := range []string{
		"matches.csv",
		"unmatched_events.csv",
		"unmatched_notifications.csv",
		"metrics_by_change_type.csv",
		"metrics_by_subscription.csv",
		"metrics_by_scenario.csv",
		"report_summary.json",
		"report.md",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}

	f, err := os.Open(filepath.Join(dir, "matches.csv"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse matches.csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("matches.csv has %d rows, want header + 1", len(rows))
	}
	if rows[0][0] != "subscrId" {
		t.Errorf("header starts with %q, want subscrId", rows[0][0])
	}

	md, err := os.ReadFile(filepath.Join(dir, "report.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(md), "Match rate: 50.00%") {
		t.Errorf("report.md missing overall match rate:\n%s", md)
	}
}

func TestWriteAllSkipsMarkdown(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "report")
	if err := WriteAll(dir, match.Result{}, Aggregate(match.Result{}), false); err != nil {
		t.Fatalf("WriteAll() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "report.md")); !os.IsNotExist(err) {
		t.Errorf("report.md written despite markdown=false")
	}
}
