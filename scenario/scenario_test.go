package scenario

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"transitwatch/pkg/campaign"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSONAppliesDefaults(t *testing.T) {
	path := writeFile(t, "scenario.json", `{
		"campaignName": "march-campaign",
		"items": [
			{"scenarioId": "S1", "beginDate": "20260314", "ctxRecon": "T$A=1@..."}
		]
	}`)

	sc, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if sc.PollSec != DefaultPollSec {
		t.Errorf("PollSec = %d, want %d", sc.PollSec, DefaultPollSec)
	}
	if sc.PreWindowMin != DefaultPreWindowMin {
		t.Errorf("PreWindowMin = %d, want %d", sc.PreWindowMin, DefaultPreWindowMin)
	}
	if sc.PostWindowMin != DefaultPostWindowMin {
		t.Errorf("PostWindowMin = %d, want %d", sc.PostWindowMin, DefaultPostWindowMin)
	}
	if sc.IdleGraceMin != DefaultIdleGraceMin {
		t.Errorf("IdleGraceMin = %d, want %d", sc.IdleGraceMin, DefaultIdleGraceMin)
	}
	if sc.MaxRuntimeMin != 0 {
		t.Errorf("MaxRuntimeMin = %d, want 0 (unlimited)", sc.MaxRuntimeMin)
	}

	item := sc.Items[0]
	if item.NPass != 1 {
		t.Errorf("NPass = %d, want 1", item.NPass)
	}
	if item.EndDate != "20260314" {
		t.Errorf("EndDate = %q, want beginDate fallback", item.EndDate)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "scenario.yaml", `
campaignName: march-campaign
pollSec: 60
items:
  - scenarioId: S1
    beginDate: "20260314"
    endDate: "20260315"
    nPass: 2
    ctxRecon: "T$A=1@..."
    hysteresis:
      notificationStartMin: 30
      minDeviationIntervalMin: 3
`)

	sc, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if sc.PollSec != 60 {
		t.Errorf("PollSec = %d, want 60", sc.PollSec)
	}
	if got := sc.Items[0].Hysteresis.NotificationStartMin; got != 30 {
		t.Errorf("NotificationStartMin = %d, want 30", got)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *campaign.Scenario {
		return &campaign.Scenario{
			CampaignName:  "c",
			PollSec:       120,
			PreWindowMin:  10,
			PostWindowMin: 30,
			IdleGraceMin:  15,
			Items: []campaign.ScenarioItem{
				{ScenarioID: "S1", BeginDate: "20260314", EndDate: "20260314", NPass: 1, CtxRecon: "ctx"},
			},
		}
	}

	tests := []struct {
		name      string
		mutate    func(*campaign.Scenario)
		wantField string
	}{
		{
			name:   "valid scenario passes",
			mutate: func(*campaign.Scenario) {},
		},
		{
			name:      "empty campaign name",
			mutate:    func(sc *campaign.Scenario) { sc.CampaignName = "  " },
			wantField: "campaignName",
		},
		{
			name:      "negative pollSec",
			mutate:    func(sc *campaign.Scenario) { sc.PollSec = -1 },
			wantField: "pollSec",
		},
		{
			name:      "negative pre window",
			mutate:    func(sc *campaign.Scenario) { sc.PreWindowMin = -5 },
			wantField: "preWindowMin",
		},
		{
			name:      "no items",
			mutate:    func(sc *campaign.Scenario) { sc.Items = nil },
			wantField: "items",
		},
		{
			name:      "missing ctxRecon",
			mutate:    func(sc *campaign.Scenario) { sc.Items[0].CtxRecon = "" },
			wantField: "items[0].ctxRecon",
		},
		{
			name:      "bad service day",
			mutate:    func(sc *campaign.Scenario) { sc.Items[0].BeginDate = "2026-03-14" },
			wantField: "items[0].beginDate",
		},
		{
			name:      "end before begin",
			mutate:    func(sc *campaign.Scenario) { sc.Items[0].EndDate = "20260313" },
			wantField: "items[0].endDate",
		},
		{
			name: "duplicate scenario ids",
			mutate: func(sc *campaign.Scenario) {
				sc.Items = append(sc.Items, sc.Items[0])
			},
			wantField: "items[1].scenarioId",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := valid()
			tt.mutate(sc)
			err := Validate(sc)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestLoadRejectsInvalidDocument(t *testing.T) {
	path := writeFile(t, "scenario.json", `{"campaignName": "c", "items": []}`)
	_, err := Load(path)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Load() = %v, want *ValidationError", err)
	}
}
