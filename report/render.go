package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"transitwatch/match"
	"transitwatch/storage"
)

// WriteAll renders every report artifact into dir: the match table, both
// unmatched tables, the per-group metric tables, a JSON summary, and a
// Markdown digest.
func WriteAll(dir string, res match.Result, summary Summary, markdown bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	if err := writeMatches(filepath.Join(dir, "matches.csv"), res); err != nil {
		return err
	}
	if err := writeUnmatchedEvents(filepath.Join(dir, "unmatched_events.csv"), res); err != nil {
		return err
	}
	if err := writeUnmatchedNotifications(filepath.Join(dir, "unmatched_notifications.csv"), res); err != nil {
		return err
	}

	groups := map[string][]GroupStats{
		"metrics_by_change_type.csv":  summary.ByChangeType,
		"metrics_by_subscription.csv": summary.BySubscription,
		"metrics_by_scenario.csv":     summary.ByScenario,
	}
	for name, stats := range groups {
		if err := writeGroupStats(filepath.Join(dir, name), stats); err != nil {
			return err
		}
	}

	if err := storage.WriteJSON(filepath.Join(dir, "report_summary.json"), summary); err != nil {
		return err
	}

	if markdown {
		md := renderMarkdown(summary)
		if err := os.WriteFile(filepath.Join(dir, "report.md"), []byte(md), 0o600); err != nil {
			return fmt.Errorf("write report.md: %w", err)
		}
	}
	return nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return f.Close()
}

func writeMatches(path string, res match.Result) error {
	header := []string{
		"subscrId", "scenarioId", "changeType", "eventObservedUtc",
		"notifPostedUtc", "delaySec", "score", "eventText", "notifTitle", "notifText",
	}
	rows := make([][]string, 0, len(res.Matches))
	for _, m := range res.Matches {
		rows = append(rows, []string{
			strconv.Itoa(m.Event.SubscrID),
			m.Event.ScenarioID,
			m.Event.ChangeType,
			m.Event.ObservedAt.UTC().Format(time.RFC3339),
			m.Notification.PostedAt.UTC().Format(time.RFC3339),
			strconv.FormatFloat(m.DelaySec, 'f', 1, 64),
			strconv.Itoa(m.Score),
			match.EventText(m.Event),
			m.Notification.Title,
			m.Notification.Text,
		})
	}
	return writeCSV(path, header, rows)
}

func writeUnmatchedEvents(path string, res match.Result) error {
	header := []string{"subscrId", "scenarioId", "changeType", "eventId", "revision", "observedUtc", "eventText"}
	rows := make([][]string, 0, len(res.UnmatchedEvents))
	for _, ev := range res.UnmatchedEvents {
		rows = append(rows, []string{
			strconv.Itoa(ev.SubscrID),
			ev.ScenarioID,
			ev.ChangeType,
			ev.EventID,
			strconv.Itoa(ev.Revision),
			ev.ObservedAt.UTC().Format(time.RFC3339),
			match.EventText(ev),
		})
	}
	return writeCSV(path, header, rows)
}

func writeUnmatchedNotifications(path string, res match.Result) error {
	header := []string{"id", "key", "package", "channel", "postedUtc", "title", "text"}
	rows := make([][]string, 0, len(res.UnmatchedNotifications))
	for _, n := range res.UnmatchedNotifications {
		rows = append(rows, []string{
			n.ID,
			n.Key,
			n.Package,
			n.Channel,
			n.PostedAt.UTC().Format(time.RFC3339),
			n.Title,
			n.Text,
		})
	}
	return writeCSV(path, header, rows)
}

func writeGroupStats(path string, stats []GroupStats) error {
	header := []string{"group", "matched", "unmatchedEvents", "matchRate", "meanDelaySec", "medianDelaySec"}
	rows := make([][]string, 0, len(stats))
	for _, g := range stats {
		rows = append(rows, []string{
			g.Group,
			strconv.Itoa(g.Matched),
			strconv.Itoa(g.UnmatchedEvents),
			strconv.FormatFloat(g.MatchRate, 'f', 4, 64),
			strconv.FormatFloat(g.MeanDelaySec, 'f', 1, 64),
			strconv.FormatFloat(g.MedianDelaySec, 'f', 1, 64),
		})
	}
	return writeCSV(path, header, rows)
}

func renderMarkdown(s Summary) string {
	var b strings.Builder
	b.WriteString("# Campaign Report\n\n")
	fmt.Fprintf(&b, "- Total events: %d\n", s.TotalEvents)
	fmt.Fprintf(&b, "- Matched events: %d\n", s.MatchedEvents)
	fmt.Fprintf(&b, "- Unmatched events: %d\n", s.UnmatchedEvents)
	fmt.Fprintf(&b, "- Unmatched notifications: %d\n", s.UnmatchedNotifications)
	fmt.Fprintf(&b, "- Match rate: %.2f%%\n", s.MatchRate*100)
	if s.SkippedLedgerLines > 0 {
		fmt.Fprintf(&b, "- Skipped ledger lines: %d\n", s.SkippedLedgerLines)
	}
	b.WriteString("\n## Delivery delay\n")
	fmt.Fprintf(&b, "- Mean: %.1fs\n", s.Delay.MeanSec)
	fmt.Fprintf(&b, "- Median: %.1fs\n", s.Delay.MedianSec)
	fmt.Fprintf(&b, "- P90: %.1fs\n", s.Delay.P90Sec)
	fmt.Fprintf(&b, "- P95: %.1fs\n", s.Delay.P95Sec)

	sections := []struct {
		title string
		stats []GroupStats
	}{
		{"By change type", s.ByChangeType},
		{"By subscription", s.BySubscription},
		{"By scenario", s.ByScenario},
	}
	for _, sec := range sections {
		if len(sec.stats) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n", sec.title)
		b.WriteString("| Group | Matched | Unmatched | Rate | Median delay |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, g := range sec.stats {
			fmt.Fprintf(&b, "| %s | %d | %d | %.2f%% | %.1fs |\n",
				g.Group, g.Matched, g.UnmatchedEvents, g.MatchRate*100, g.MedianDelaySec)
		}
	}
	return b.String()
}
