// Package window computes the interesting time range of a subscription and
// the polling cadence around it.
package window

import (
	"time"

	"transitwatch/pkg/campaign"
)

const (
	// backoffFactor slows polling outside the window to conserve the
	// upstream rate budget.
	backoffFactor = 4
	maxBackoff    = 15 * time.Minute
)

// Compute derives the subscription window from the feed-predicted departure
// and arrival times. A zero arrival falls back to the departure; if both are
// zero the window degrades to the full scenario validity range rather than
// failing.
func Compute(dep, arr, validityStart, validityEnd time.Time, preMin, postMin int) campaign.SubscriptionWindow {
	if dep.IsZero() && arr.IsZero() {
		return campaign.SubscriptionWindow{Start: validityStart, End: validityEnd}
	}

	anchorStart := dep
	if anchorStart.IsZero() {
		anchorStart = arr
	}
	anchorEnd := arr
	if anchorEnd.IsZero() {
		anchorEnd = dep
	}

	w := campaign.SubscriptionWindow{
		Start: anchorStart.Add(-time.Duration(preMin) * time.Minute),
		End:   anchorEnd.Add(time.Duration(postMin) * time.Minute),
	}
	if w.End.Before(w.Start) {
		w.End = w.Start
	}
	return w
}

// IdleDeadline returns the instant after which a quiet subscription may be
// considered finished, measured from the last observed activity.
func IdleDeadline(lastActivity time.Time, idleGraceMin int) time.Time {
	return lastActivity.Add(time.Duration(idleGraceMin) * time.Minute)
}

// Cadence returns how long to wait before the next poll: the configured
// interval while inside the window or within idle grace of it, a longer
// backoff interval otherwise.
func Cadence(now time.Time, w campaign.SubscriptionWindow, idleDeadline time.Time, pollSec int) time.Duration {
	base := time.Duration(pollSec) * time.Second
	if w.Contains(now) || !now.After(idleDeadline) {
		return base
	}
	backoff := base * backoffFactor
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
