// Package scenario loads and validates campaign scenario documents.
package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"transitwatch/pkg/campaign"
)

// Defaults applied to fields the document omits.
const (
	DefaultPollSec       = 120
	DefaultPreWindowMin  = 10
	DefaultPostWindowMin = 30
	DefaultIdleGraceMin  = 15
)

// ValidationError describes a scenario document that cannot be run.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid scenario: %s %s", e.Field, e.Reason)
}

// Load reads a scenario document, JSON or YAML by extension, applies
// defaults and validates it. Any problem is reported before a single
// subscription is created.
func Load(path string) (*campaign.Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var sc campaign.Scenario
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return nil, fmt.Errorf("parse scenario yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &sc); err != nil {
			return nil, fmt.Errorf("parse scenario json: %w", err)
		}
	}

	applyDefaults(&sc)
	if err := Validate(&sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func applyDefaults(sc *campaign.Scenario) {
	if sc.PollSec == 0 {
		sc.PollSec = DefaultPollSec
	}
	if sc.PreWindowMin == 0 {
		sc.PreWindowMin = DefaultPreWindowMin
	}
	if sc.PostWindowMin == 0 {
		sc.PostWindowMin = DefaultPostWindowMin
	}
	if sc.IdleGraceMin == 0 {
		sc.IdleGraceMin = DefaultIdleGraceMin
	}
	for i := range sc.Items {
		item := &sc.Items[i]
		if item.NPass == 0 {
			item.NPass = 1
		}
		if item.EndDate == "" {
			item.EndDate = item.BeginDate
		}
	}
}

// Validate checks a scenario after defaults have been applied.
func Validate(sc *campaign.Scenario) error {
	if strings.TrimSpace(sc.CampaignName) == "" {
		return &ValidationError{Field: "campaignName", Reason: "must not be empty"}
	}
	if sc.PollSec < 1 {
		return &ValidationError{Field: "pollSec", Reason: "must be at least 1"}
	}
	if sc.PreWindowMin < 0 {
		return &ValidationError{Field: "preWindowMin", Reason: "must not be negative"}
	}
	if sc.PostWindowMin < 0 {
		return &ValidationError{Field: "postWindowMin", Reason: "must not be negative"}
	}
	if sc.IdleGraceMin < 0 {
		return &ValidationError{Field: "idleGraceMin", Reason: "must not be negative"}
	}
	if sc.MaxRuntimeMin < 0 {
		return &ValidationError{Field: "maxRuntimeMin", Reason: "must not be negative"}
	}
	if len(sc.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "must contain at least one scenario"}
	}

	seen := make(map[string]bool, len(sc.Items))
	for i, item := range sc.Items {
		where := fmt.Sprintf("items[%d].", i)
		if strings.TrimSpace(item.ScenarioID) == "" {
			return &ValidationError{Field: where + "scenarioId", Reason: "must not be empty"}
		}
		if seen[item.ScenarioID] {
			return &ValidationError{Field: where + "scenarioId", Reason: fmt.Sprintf("duplicate id %q", item.ScenarioID)}
		}
		seen[item.ScenarioID] = true
		if strings.TrimSpace(item.CtxRecon) == "" {
			return &ValidationError{Field: where + "ctxRecon", Reason: "must not be empty"}
		}
		if err := checkServiceDay(item.BeginDate); err != nil {
			return &ValidationError{Field: where + "beginDate", Reason: err.Error()}
		}
		if err := checkServiceDay(item.EndDate); err != nil {
			return &ValidationError{Field: where + "endDate", Reason: err.Error()}
		}
		if item.EndDate < item.BeginDate {
			return &ValidationError{Field: where + "endDate", Reason: "must not precede beginDate"}
		}
		if item.NPass < 1 {
			return &ValidationError{Field: where + "nPass", Reason: "must be at least 1"}
		}
	}
	return nil
}

func checkServiceDay(day string) error {
	if _, err := time.Parse("20060102", day); err != nil {
		return fmt.Errorf("must be a yyyyMMdd service day, got %q", day)
	}
	return nil
}
