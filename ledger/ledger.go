// Package ledger implements the append-only, dedup-aware store of
// real-time events for one subscription, persisted as NDJSON.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"transitwatch/pkg/campaign"
	"transitwatch/storage"
)

// Outcome reports what an Append did, so the scheduler can count
// new_events and dedup_skipped per poll attempt.
type Outcome int

// Append outcomes.
const (
	Appended Outcome = iota // unseen eventId, record written
	Duplicate               // same eventId, identical payload, nothing written
	Updated                 // same eventId, payload changed, new revision written
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Duplicate:
		return "duplicate"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}

type entry struct {
	hash     string
	revision int
}

// Ledger owns the RTEvent collection of one subscription. Records are
// flushed line by line as they arrive; nothing is buffered that a crash
// could lose.
type Ledger struct {
	app   *storage.Appender
	seen  map[string]entry
	order []campaign.RTEvent
}

// Open opens (or creates) the ledger at path, replaying any existing
// records so dedup state survives process restarts. The second return value
// counts unparseable lines skipped during replay.
func Open(path string) (*Ledger, int, error) {
	events, skipped, err := ReadEvents(path)
	if err != nil {
		return nil, 0, err
	}

	l := &Ledger{
		seen:  make(map[string]entry, len(events)),
		order: events,
	}
	for _, ev := range events {
		l.seen[ev.EventID] = entry{hash: payloadHash(ev), revision: ev.Revision}
	}

	app, err := storage.OpenAppender(path)
	if err != nil {
		return nil, 0, err
	}
	l.app = app
	return l, skipped, nil
}

// Append inserts ev if its eventId is unseen; identical payloads are
// dropped, changed payloads get a superseding revision. Revision numbering
// is assigned here, not by the caller.
func (l *Ledger) Append(ev campaign.RTEvent) (Outcome, error) {
	hash := payloadHash(ev)

	prev, ok := l.seen[ev.EventID]
	switch {
	case !ok:
		ev.Revision = 0
	case prev.hash == hash:
		return Duplicate, nil
	default:
		ev.Revision = prev.revision + 1
	}

	if err := l.app.Append(ev); err != nil {
		return 0, err
	}
	l.seen[ev.EventID] = entry{hash: hash, revision: ev.Revision}
	l.order = append(l.order, ev)

	if ok {
		return Updated, nil
	}
	return Appended, nil
}

// All returns the ledger content in append order, every revision included.
func (l *Ledger) All() []campaign.RTEvent {
	out := make([]campaign.RTEvent, len(l.order))
	copy(out, l.order)
	return out
}

// Size returns the number of persisted records.
func (l *Ledger) Size() int { return len(l.order) }

// Close closes the underlying file.
func (l *Ledger) Close() error { return l.app.Close() }

// payloadHash fingerprints the event content used for dedup. Capture-time
// fields (observedAt, corrId, revision) are deliberately excluded: a later
// poll returning the same change must hash identically.
func payloadHash(ev campaign.RTEvent) string {
	h := sha256.New()
	for _, field := range []string{ev.ChangeType, ev.PlannedTime, ev.NewTime, ev.Title, ev.Text} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LatestRevisions reduces a revision-bearing event sequence to the latest
// revision per eventId, preserving first-appearance order. The correlation
// engine matches against this view.
func LatestRevisions(events []campaign.RTEvent) []campaign.RTEvent {
	latest := make(map[string]int, len(events)) // eventId -> index in out
	var out []campaign.RTEvent
	for _, ev := range events {
		if i, ok := latest[ev.EventID]; ok {
			if ev.Revision >= out[i].Revision {
				out[i] = ev
			}
			continue
		}
		latest[ev.EventID] = len(out)
		out = append(out, ev)
	}
	return out
}

// ReadEvents reads an event ledger, skipping and counting lines that fail
// to parse. A torn trailing line from an in-progress writer is counted, not
// fatal: partial data is more useful than none.
func ReadEvents(path string) ([]campaign.RTEvent, int, error) {
	var events []campaign.RTEvent
	skipped, err := readLines(path, func(line []byte) bool {
		var ev campaign.RTEvent
		if json.Unmarshal(line, &ev) != nil || ev.EventID == "" {
			return false
		}
		events = append(events, ev)
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	return events, skipped, nil
}

// ReadNotifications reads a device-notification ledger with the same
// tolerance as ReadEvents.
func ReadNotifications(path string) ([]campaign.DeviceNotification, int, error) {
	var notifs []campaign.DeviceNotification
	skipped, err := readLines(path, func(line []byte) bool {
		var n campaign.DeviceNotification
		if json.Unmarshal(line, &n) != nil || n.PostedAt.IsZero() {
			return false
		}
		notifs = append(notifs, n)
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	return notifs, skipped, nil
}

func readLines(path string, parse func([]byte) bool) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var skipped int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !parse([]byte(line)) {
			skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return skipped, fmt.Errorf("scan %s: %w", path, err)
	}
	return skipped, nil
}
