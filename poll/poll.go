// Package poll drives the monitoring campaign: a single cooperative loop
// that polls every active subscription at its own cadence, feeds observed
// events into the per-subscription ledger, and decides when each
// subscription is finished.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"transitwatch/ledger"
	"transitwatch/pkg/campaign"
	"transitwatch/storage"
	"transitwatch/window"
)

// ErrPartialFailure signals that the campaign completed but at least one
// subscription terminated with doneReason=error.
var ErrPartialFailure = errors.New("one or more subscriptions failed")

// FetchResult is what one poll of the upstream feed yields.
type FetchResult struct {
	Departure time.Time
	Arrival   time.Time
	Events    []campaign.RTEvent
	CorrID    string
}

// Fetcher is the upstream feed collaborator. Transport retries are its
// concern; an error returned here is terminal for the subscription.
// attempt is the zero-based poll count, available for raw-log naming.
type Fetcher interface {
	FetchEvents(ctx context.Context, subscrID, attempt int) (*FetchResult, error)
}

// Auditor records one structured line per poll attempt.
type Auditor interface {
	Append(v any) error
}

// Config holds campaign-wide scheduling parameters.
type Config struct {
	PollSec       int
	PreWindowMin  int
	PostWindowMin int
	IdleGraceMin  int
	MaxRuntimeMin int // 0 = unlimited
}

// Subscription is one monitored journey with its scheduling state and
// event ledger. The scheduler owns and mutates State; nothing else does.
type Subscription struct {
	Ledger        *ledger.Ledger
	Dir           string // subscription directory inside the run
	ScenarioID    string
	SubscrID      int
	ValidityStart time.Time
	ValidityEnd   time.Time

	State  campaign.PollState
	Window campaign.SubscriptionWindow
}

// AttemptRecord is the audit-trail line emitted after every poll attempt.
type AttemptRecord struct {
	Timestamp        time.Time `json:"ts"`
	SubscrID         int       `json:"subscrId"`
	ScenarioID       string    `json:"scenarioId"`
	PollCount        int       `json:"pollCount"`
	CorrID           string    `json:"corrId,omitempty"`
	WindowStartUTC   string    `json:"windowStartUtc,omitempty"`
	WindowEndUTC     string    `json:"windowEndUtc,omitempty"`
	WindowStartLocal string    `json:"windowStartLocal,omitempty"`
	WindowEndLocal   string    `json:"windowEndLocal,omitempty"`
	IdleDeadline     time.Time `json:"idleDeadline"`
	NextDueAt        time.Time `json:"nextDueAt,omitzero"`
	NewEvents        int       `json:"newEvents"`
	DedupSkipped     int       `json:"dedupSkipped"`
	UpdatedEvents    int       `json:"updatedEvents"`
	Done             bool      `json:"done"`
	DoneReason       string    `json:"doneReason"`
	Error            string    `json:"error,omitempty"`
}

// Scheduler runs the campaign loop. Now and Sleep are injectable so tests
// can drive time explicitly.
type Scheduler struct {
	fetcher Fetcher
	audit   Auditor
	logger  *slog.Logger
	cfg     Config

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New creates a scheduler with the real clock.
func New(fetcher Fetcher, audit Auditor, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		fetcher: fetcher,
		audit:   audit,
		logger:  logger,
		cfg:     cfg,
		Now:     time.Now,
		Sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// dueItem orders subscriptions by next due time; idx keeps pops stable
// when due times collide.
type dueItem struct {
	due time.Time
	idx int
	sub *Subscription
}

type dueHeap []dueItem

func (h dueHeap) Len() int { return len(h) }
func (h dueHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].idx < h[j].idx
}
func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) push(it dueItem) {
	*h = append(*h, it)
	i := len(*h) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !(*h).Less(i, parent) {
			break
		}
		(*h).Swap(i, parent)
		i = parent
	}
}

func (h *dueHeap) pop() dueItem {
	old := *h
	top := old[0]
	n := len(old) - 1
	old[0] = old[n]
	*h = old[:n]
	i := 0
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < n && (*h).Less(left, smallest) {
			smallest = left
		}
		if right < n && (*h).Less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			break
		}
		(*h).Swap(i, smallest)
		i = smallest
	}
	return top
}

// Run polls every subscription until all reach a terminal state. A
// cancelled context transitions the remaining subscriptions to manual_stop
// at the next iteration boundary; an in-flight fetch is never preempted.
func (s *Scheduler) Run(ctx context.Context, subs []*Subscription) error {
	if len(subs) == 0 {
		return nil
	}

	start := s.Now()
	// Stagger the first round across one poll interval to avoid bursting
	// the upstream rate budget.
	slot := time.Duration(s.cfg.PollSec) * time.Second / time.Duration(len(subs))

	var heap dueHeap
	for i, sub := range subs {
		sub.State = campaign.PollState{
			StartedAt:      start,
			LastActivityAt: start,
			IdleDeadline:   window.IdleDeadline(start, s.cfg.IdleGraceMin),
			NextDueAt:      start.Add(time.Duration(i) * slot),
			Done:           campaign.Running,
		}
		sub.Window = campaign.SubscriptionWindow{Start: sub.ValidityStart, End: sub.ValidityEnd}
		heap.push(dueItem{due: sub.State.NextDueAt, idx: i, sub: sub})
	}

	s.logger.Info("Campaign polling started",
		"subscriptions", len(subs),
		"poll_sec", s.cfg.PollSec,
		"idle_grace_min", s.cfg.IdleGraceMin,
		"max_runtime_min", s.cfg.MaxRuntimeMin)

	anyFailed := false
	for heap.Len() > 0 {
		if ctx.Err() != nil {
			s.stopRemaining(&heap)
			break
		}

		it := heap.pop()
		if wait := it.due.Sub(s.Now()); wait > 0 {
			if err := s.Sleep(ctx, wait); err != nil {
				s.markStopped(it.sub)
				s.stopRemaining(&heap)
				break
			}
		}

		s.pollOnce(ctx, it.sub)

		switch it.sub.State.Done {
		case campaign.Running:
			heap.push(dueItem{due: it.sub.State.NextDueAt, idx: it.idx, sub: it.sub})
		case campaign.DoneError:
			anyFailed = true
		default:
		}
	}

	s.logger.Info("Campaign polling finished", "failed", anyFailed)
	if anyFailed {
		return ErrPartialFailure
	}
	return nil
}

// pollOnce performs one attempt for one subscription: fetch, append,
// termination checks, reschedule, audit.
func (s *Scheduler) pollOnce(ctx context.Context, sub *Subscription) {
	attempt := sub.State.PollCount

	res, err := s.fetcher.FetchEvents(ctx, sub.SubscrID, attempt)
	now := s.Now()
	sub.State.PollCount++

	if err != nil {
		sub.State.Done = campaign.DoneError
		s.logger.Warn("Subscription fetch failed, stopping subscription",
			"subscr_id", sub.SubscrID, "scenario_id", sub.ScenarioID, "error", err)
		s.emitAttempt(sub, now, 0, 0, 0, "", err)
		s.persistState(sub)
		return
	}

	sub.Window = window.Compute(res.Departure, res.Arrival, sub.ValidityStart, sub.ValidityEnd,
		s.cfg.PreWindowMin, s.cfg.PostWindowMin)

	var newEvents, dedupSkipped, updated int
	activity := false
	for _, ev := range res.Events {
		ev.SubscrID = sub.SubscrID
		ev.ScenarioID = sub.ScenarioID
		ev.CorrID = res.CorrID
		if ev.ObservedAt.IsZero() {
			ev.ObservedAt = now
		}

		outcome, appendErr := sub.Ledger.Append(ev)
		if appendErr != nil {
			sub.State.Done = campaign.DoneError
			s.logger.Warn("Ledger append failed, stopping subscription",
				"subscr_id", sub.SubscrID, "event_id", ev.EventID, "error", appendErr)
			s.emitAttempt(sub, now, newEvents, dedupSkipped, updated, res.CorrID, appendErr)
			s.persistState(sub)
			return
		}
		switch outcome {
		case ledger.Appended:
			newEvents++
			activity = true
		case ledger.Duplicate:
			dedupSkipped++
		case ledger.Updated:
			updated++
			activity = true
		}
	}

	// Any new activity pushes the idle deadline forward, even outside the
	// window: an active subscription is never stopped prematurely.
	if activity {
		sub.State.LastActivityAt = now
		sub.State.IdleDeadline = window.IdleDeadline(now, s.cfg.IdleGraceMin)
	}

	// Termination checks, first match wins.
	idleFor := now.Sub(sub.State.LastActivityAt)
	switch {
	case now.After(sub.Window.End) && idleFor >= time.Duration(s.cfg.IdleGraceMin)*time.Minute:
		sub.State.Done = campaign.WindowElapsedIdle
	case s.cfg.MaxRuntimeMin > 0 && now.Sub(sub.State.StartedAt) >= time.Duration(s.cfg.MaxRuntimeMin)*time.Minute:
		sub.State.Done = campaign.MaxRuntimeExceeded
	default:
		cadence := window.Cadence(now, sub.Window, sub.State.IdleDeadline, s.cfg.PollSec)
		sub.State.NextDueAt = now.Add(cadence)
	}

	s.emitAttempt(sub, now, newEvents, dedupSkipped, updated, res.CorrID, nil)
	s.persistState(sub)

	if sub.State.Done.Terminal() {
		s.logger.Info("Subscription finished",
			"subscr_id", sub.SubscrID,
			"scenario_id", sub.ScenarioID,
			"done_reason", string(sub.State.Done),
			"polls", sub.State.PollCount,
			"events", sub.Ledger.Size())
	}
}

// markStopped freezes one subscription as manually stopped and audits it.
func (s *Scheduler) markStopped(sub *Subscription) {
	if sub.State.Done.Terminal() {
		return
	}
	sub.State.Done = campaign.ManualStop
	s.emitAttempt(sub, s.Now(), 0, 0, 0, "", nil)
	s.persistState(sub)
	s.logger.Info("Subscription stopped", "subscr_id", sub.SubscrID, "scenario_id", sub.ScenarioID)
}

func (s *Scheduler) stopRemaining(heap *dueHeap) {
	for heap.Len() > 0 {
		it := heap.pop()
		s.markStopped(it.sub)
	}
}

func (s *Scheduler) emitAttempt(sub *Subscription, now time.Time, newEvents, dedupSkipped, updated int, corrID string, attemptErr error) {
	rec := AttemptRecord{
		Timestamp:     now,
		SubscrID:      sub.SubscrID,
		ScenarioID:    sub.ScenarioID,
		PollCount:     sub.State.PollCount,
		CorrID:        corrID,
		IdleDeadline:  sub.State.IdleDeadline,
		NewEvents:     newEvents,
		DedupSkipped:  dedupSkipped,
		UpdatedEvents: updated,
		Done:          sub.State.Done.Terminal(),
		DoneReason:    string(sub.State.Done),
	}
	if !sub.Window.Start.IsZero() {
		rec.WindowStartUTC = sub.Window.Start.UTC().Format(time.RFC3339)
		rec.WindowEndUTC = sub.Window.End.UTC().Format(time.RFC3339)
		rec.WindowStartLocal = sub.Window.Start.Local().Format(time.RFC3339)
		rec.WindowEndLocal = sub.Window.End.Local().Format(time.RFC3339)
	}
	if sub.State.Done == campaign.Running {
		rec.NextDueAt = sub.State.NextDueAt
	}
	if attemptErr != nil {
		rec.Error = attemptErr.Error()
	}

	if err := s.audit.Append(rec); err != nil {
		// The audit trail is best effort once polling is underway; losing
		// a line must not take the campaign down.
		s.logger.Warn("Failed to append audit record", "subscr_id", sub.SubscrID, "error", err)
	}

	s.logger.Debug("Poll attempt",
		"subscr_id", sub.SubscrID,
		"poll_count", sub.State.PollCount,
		"new_events", newEvents,
		"dedup_skipped", dedupSkipped,
		"updated_events", updated,
		"done_reason", string(sub.State.Done))
}

func (s *Scheduler) persistState(sub *Subscription) {
	if sub.Dir == "" {
		return
	}
	path := filepath.Join(sub.Dir, "poll", "state.json")
	if err := storage.WriteJSON(path, sub.State); err != nil {
		s.logger.Warn("Failed to persist poll state", "subscr_id", sub.SubscrID, "error", err)
	}
}

// LoadSubscriptions reads subs/*/manifest.json under runDir and opens each
// subscription's ledger.
func LoadSubscriptions(runDir string, logger *slog.Logger) ([]*Subscription, error) {
	pattern := filepath.Join(runDir, "subs", "*", "manifest.json")
	manifests, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob manifests: %w", err)
	}
	if len(manifests) == 0 {
		return nil, fmt.Errorf("no subscriptions under %s", runDir)
	}

	var subs []*Subscription
	for _, path := range manifests {
		var m Manifest
		if err := storage.ReadJSON(path, &m); err != nil {
			logger.Warn("Skipping unreadable manifest", "path", path, "error", err)
			continue
		}
		dir := filepath.Dir(path)
		led, skipped, err := ledger.Open(filepath.Join(dir, "poll", "rt_events.ndjson"))
		if err != nil {
			return nil, fmt.Errorf("open ledger for %s: %w", m.ScenarioID, err)
		}
		if skipped > 0 {
			logger.Warn("Skipped unparseable ledger lines on replay", "scenario_id", m.ScenarioID, "skipped", skipped)
		}
		subs = append(subs, &Subscription{
			Ledger:        led,
			Dir:           dir,
			ScenarioID:    m.ScenarioID,
			SubscrID:      m.SubscrID,
			ValidityStart: serviceDayStart(m.BeginDate),
			ValidityEnd:   serviceDayEnd(m.EndDate),
		})
	}
	return subs, nil
}

// Manifest is the per-subscription record written by the subscribe phase.
type Manifest struct {
	ScenarioID        string              `json:"scenarioId"`
	CtxRecon          string              `json:"ctxRecon"`
	BeginDate         string              `json:"beginDate"`
	EndDate           string              `json:"endDate"`
	NPass             int                 `json:"nPass"`
	SubscrID          int                 `json:"subscrId"`
	HysteresisStored  any                 `json:"hysteresisStored,omitempty"`
	HysteresisWanted campaign.Hysteresis `json:"hysteresisRequested"`
	SubscribedAt     time.Time           `json:"subscribedAt,omitzero"`
	SubscribeCorrID  string              `json:"subscribeCorrId,omitempty"`
}

// serviceDayStart turns a yyyyMMdd service day into its first instant, UTC.
func serviceDayStart(day string) time.Time {
	t, err := time.Parse("20060102", day)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// serviceDayEnd turns a yyyyMMdd service day into its last instant, UTC.
func serviceDayEnd(day string) time.Time {
	t, err := time.Parse("20060102", day)
	if err != nil {
		return time.Time{}
	}
	return t.UTC().Add(24*time.Hour - time.Second)
}
