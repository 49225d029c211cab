package match

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"transitwatch/pkg/campaign"
)

// Options control candidate generation and acceptance.
type Options struct {
	Scorer    Scorer
	Packages  []string      // device package allow-list; empty allows all
	MaxSkew   time.Duration // max |postedAt - observedAt| for a candidate pair
	Threshold int           // inclusive minimum score, 0-100
}

// Validate rejects misconfiguration once at startup, not per comparison.
func (o Options) Validate() error {
	if o.Threshold < 0 || o.Threshold > 100 {
		return fmt.Errorf("match threshold %d outside [0,100]", o.Threshold)
	}
	if o.MaxSkew <= 0 {
		return fmt.Errorf("max time skew must be positive, got %s", o.MaxSkew)
	}
	return nil
}

// Result is the full output of one correlation pass.
type Result struct {
	Matches                []campaign.Match
	UnmatchedEvents        []campaign.RTEvent
	UnmatchedNotifications []campaign.DeviceNotification
}

type candidate struct {
	score   int
	skew    time.Duration // signed: postedAt - observedAt
	eventIx int
	notifIx int
}

// Correlate pairs events with notifications. Candidates are limited to
// pairs within MaxSkew whose package passes the allow-list; surviving
// candidates are assigned greedily by descending score, one-to-one.
// Notifications are not deduplicated here: the slot id is not globally
// unique, so every record is its own candidate.
func Correlate(events []campaign.RTEvent, notifs []campaign.DeviceNotification, opts Options) (Result, error) {
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = TokenSetScorer{}
	}

	allowed := make(map[string]bool, len(opts.Packages))
	for _, pkg := range opts.Packages {
		allowed[pkg] = true
	}

	var candidates []candidate
	for ei, ev := range events {
		if ev.ObservedAt.IsZero() {
			continue
		}
		for ni, n := range notifs {
			if len(allowed) > 0 && !allowed[n.Package] {
				continue
			}
			skew := n.PostedAt.Sub(ev.ObservedAt)
			if absDuration(skew) > opts.MaxSkew {
				continue
			}
			score := scorePair(scorer, ev, n)
			if score < opts.Threshold {
				continue
			}
			candidates = append(candidates, candidate{score: score, skew: skew, eventIx: ei, notifIx: ni})
		}
	}

	// Deterministic greedy assignment: best score first, ties broken by
	// smaller absolute skew, then earlier event, then input order.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if sa, sb := absDuration(a.skew), absDuration(b.skew); sa != sb {
			return sa < sb
		}
		if ta, tb := events[a.eventIx].ObservedAt, events[b.eventIx].ObservedAt; !ta.Equal(tb) {
			return ta.Before(tb)
		}
		if a.eventIx != b.eventIx {
			return a.eventIx < b.eventIx
		}
		return a.notifIx < b.notifIx
	})

	eventUsed := make([]bool, len(events))
	notifUsed := make([]bool, len(notifs))
	var res Result

	for _, c := range candidates {
		if eventUsed[c.eventIx] || notifUsed[c.notifIx] {
			continue
		}
		eventUsed[c.eventIx] = true
		notifUsed[c.notifIx] = true
		res.Matches = append(res.Matches, campaign.Match{
			Event:        events[c.eventIx],
			Notification: notifs[c.notifIx],
			Score:        c.score,
			DelaySec:     c.skew.Seconds(),
		})
	}

	for i, ev := range events {
		if !eventUsed[i] {
			res.UnmatchedEvents = append(res.UnmatchedEvents, ev)
		}
	}
	for i, n := range notifs {
		if !notifUsed[i] {
			res.UnmatchedNotifications = append(res.UnmatchedNotifications, n)
		}
	}
	return res, nil
}

// keywords whose presence on both sides nudges the score up. They mark the
// change classes the campaign cares about.
var keywords = []string{"delay", "cancel", "platform", "track", "suppressed"}

func scorePair(scorer Scorer, ev campaign.RTEvent, n campaign.DeviceNotification) int {
	eventText := EventText(ev)
	notifText := strings.TrimSpace(n.Title + " " + n.Text)

	score := scorer.Score(eventText, notifText)

	el, nl := strings.ToLower(eventText), strings.ToLower(notifText)
	for _, word := range keywords {
		if strings.Contains(el, word) && strings.Contains(nl, word) {
			score += 5
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}

// EventText derives the descriptive text of an event for scoring and
// reporting. Feed title and message win; bare change records fall back to
// the change classification and times.
func EventText(ev campaign.RTEvent) string {
	text := strings.TrimSpace(strings.TrimSpace(ev.Title) + " " + strings.TrimSpace(ev.Text))
	if text != "" {
		return text
	}
	return strings.TrimSpace(strings.Join([]string{ev.ChangeType, ev.PlannedTime, ev.NewTime}, " "))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
