// Package report reduces correlation results into delivery-quality metrics
// and renders the report artifacts.
package report

import (
	"sort"
	"strconv"

	"transitwatch/match"
	"transitwatch/pkg/campaign"
)

// DelayStats summarize the signed event-to-notification delays among
// matches, in seconds.
type DelayStats struct {
	MeanSec   float64 `json:"meanSec"`
	MedianSec float64 `json:"medianSec"`
	P90Sec    float64 `json:"p90Sec"`
	P95Sec    float64 `json:"p95Sec"`
}

// GroupStats holds per-group delivery metrics. MatchRate is matched over
// matched plus unmatched events in the group.
type GroupStats struct {
	Group           string  `json:"group"`
	Matched         int     `json:"matched"`
	UnmatchedEvents int     `json:"unmatchedEvents"`
	MatchRate       float64 `json:"matchRate"`
	MeanDelaySec    float64 `json:"meanDelaySec"`
	MedianDelaySec  float64 `json:"medianDelaySec"`
}

// Summary is the full metrics table set derived from one correlation pass.
type Summary struct {
	TotalEvents            int          `json:"totalEvents"`
	MatchedEvents          int          `json:"matchedEvents"`
	UnmatchedEvents        int          `json:"unmatchedEvents"`
	UnmatchedNotifications int          `json:"unmatchedNotifications"`
	MatchRate              float64      `json:"matchRate"`
	SkippedLedgerLines     int          `json:"skippedLedgerLines"`
	Delay                  DelayStats   `json:"delay"`
	ByChangeType           []GroupStats `json:"byChangeType"`
	BySubscription         []GroupStats `json:"bySubscription"`
	ByScenario             []GroupStats `json:"byScenario"`
}

// Aggregate computes grouped statistics from a correlation result. Inputs
// are never mutated.
func Aggregate(res match.Result) Summary {
	matched := len(res.Matches)
	total := matched + len(res.UnmatchedEvents)

	s := Summary{
		TotalEvents:            total,
		MatchedEvents:          matched,
		UnmatchedEvents:        len(res.UnmatchedEvents),
		UnmatchedNotifications: len(res.UnmatchedNotifications),
		MatchRate:              rate(matched, total),
		Delay:                  delayStats(delays(res.Matches)),
		ByChangeType:           groupBy(res, func(ev campaign.RTEvent) string { return ev.ChangeType }),
		BySubscription:         groupBy(res, func(ev campaign.RTEvent) string { return strconv.Itoa(ev.SubscrID) }),
		ByScenario:             groupBy(res, func(ev campaign.RTEvent) string { return ev.ScenarioID }),
	}
	return s
}

func groupBy(res match.Result, key func(campaign.RTEvent) string) []GroupStats {
	type bucket struct {
		delays    []float64
		matched   int
		unmatched int
	}
	buckets := make(map[string]*bucket)
	get := func(k string) *bucket {
		b, ok := buckets[k]
		if !ok {
			b = &bucket{}
			buckets[k] = b
		}
		return b
	}

	for _, m := range res.Matches {
		b := get(key(m.Event))
		b.matched++
		b.delays = append(b.delays, m.DelaySec)
	}
	for _, ev := range res.UnmatchedEvents {
		get(key(ev)).unmatched++
	}

	out := make([]GroupStats, 0, len(buckets))
	for k, b := range buckets {
		d := delayStats(b.delays)
		out = append(out, GroupStats{
			Group:           k,
			Matched:         b.matched,
			UnmatchedEvents: b.unmatched,
			MatchRate:       rate(b.matched, b.matched+b.unmatched),
			MeanDelaySec:    d.MeanSec,
			MedianDelaySec:  d.MedianSec,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

func delays(matches []campaign.Match) []float64 {
	out := make([]float64, len(matches))
	for i, m := range matches {
		out[i] = m.DelaySec
	}
	return out
}

func delayStats(values []float64) DelayStats {
	if len(values) == 0 {
		return DelayStats{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	return DelayStats{
		MeanSec:   sum / float64(len(sorted)),
		MedianSec: median(sorted),
		P90Sec:    percentile(sorted, 0.90),
		P95Sec:    percentile(sorted, 0.95),
	}
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentile uses nearest-rank on the sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1)*p + 0.5)
	return sorted[idx]
}

func rate(matched, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(matched) / float64(total)
}
