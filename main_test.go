package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"transitwatch/hafas"
)

func TestRunRejectsBadInvocations(t *testing.T) {
	t.Setenv("ARCHIVE_BUCKET", "")
	t.Setenv("ARCHIVE_PATH", "")

	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"subscribe without scenario", []string{"subscribe"}},
		{"poll without run dir", []string{"poll"}},
		{"report without run dir", []string{"report"}},
		{"import without export", []string{"import-notification-log"}},
		{"import with both outputs", []string{"import-notification-log", "-export-json", "x.json", "-out-ndjson", "a", "-run-dir", "b"}},
		{"archive without target", []string{"archive", "-run-dir", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != exitConfig {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, exitConfig)
			}
		})
	}
}

func TestRunReportOnEmptyRun(t *testing.T) {
	runDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(runDir, "subs"), 0o755); err != nil {
		t.Fatal(err)
	}

	if got := run([]string{"report", "-run-dir", runDir}); got != exitOK {
		t.Fatalf("run(report) = %d, want %d", got, exitOK)
	}
	if _, err := os.Stat(filepath.Join(runDir, "report", "report_summary.json")); err != nil {
		t.Errorf("summary not written: %v", err)
	}
}

func TestCheckGateConfig(t *testing.T) {
	fixture := func() hafas.Config {
		return hafas.Config{
			BaseURL:   "https://gate.example/gate",
			AID:       "aid",
			UserID:    "user",
			ClientID:  "HAFAS",
			ChannelID: "ANDROID-abc",
		}
	}

	cfg := fixture()
	if err := checkGateConfig(&cfg); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	swapped := fixture()
	swapped.ClientID = "ANDROID-abc"
	if err := checkGateConfig(&swapped); err == nil {
		t.Error("channel id in client-id slot not rejected")
	}

	missing := fixture()
	missing.AID = ""
	if err := checkGateConfig(&missing); err == nil {
		t.Error("missing aid not rejected")
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a,b", []string{"a", "b"}},
		{" a , ,b ", []string{"a", "b"}},
	}
	for _, tt := range tests {
		if got := splitList(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
