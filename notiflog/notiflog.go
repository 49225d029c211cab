// Package notiflog converts Notification Log export files into the
// device-notification ledger consumed by the correlation engine.
package notiflog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"transitwatch/pkg/campaign"
	"transitwatch/storage"
)

// Options control which export records become ledger lines.
type Options struct {
	Packages       []string // package allow-list; empty imports all
	IncludeRemoved bool     // also import removed[] records
	Append         bool     // append to an existing ledger
}

// export mirrors the Notification Log JSON shape. Unknown fields are
// ignored; items are kept raw because the app's field names drifted across
// versions.
type export struct {
	Device struct {
		Offset *int64 `json:"offset"` // device UTC offset, ms
	} `json:"device"`
	Posted  []json.RawMessage `json:"posted"`
	Removed []json.RawMessage `json:"removed"`
}

type item struct {
	IsGroupSummary bool    `json:"isGroupSummary"`
	PackageName    string  `json:"packageName"`
	Package        string  `json:"package"`
	PostTime       *int64  `json:"postTime"`
	When           *int64  `json:"when"`
	SystemTime     *int64  `json:"systemTime"`
	Offset         *int64  `json:"offset"`
	TitleBig       string  `json:"titleBig"`
	Title          string  `json:"title"`
	TextBig        string  `json:"textBig"`
	Text           string  `json:"text"`
	Category       string  `json:"category"`
	NID            anyText `json:"nid"`
	Key            anyText `json:"key"`
}

// anyText accepts a JSON string or number; the app emits nid both ways.
type anyText string

func (a *anyText) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = anyText(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*a = anyText(n.String())
		return nil
	}
	*a = ""
	return nil
}

// Convert reads a Notification Log export JSON and writes one
// DeviceNotification line per surviving record to outPath. It returns the
// number of lines written.
func Convert(exportPath, outPath string, opts Options, logger *slog.Logger) (int, error) {
	data, err := os.ReadFile(exportPath)
	if err != nil {
		return 0, fmt.Errorf("read export: %w", err)
	}

	var exp export
	if err := json.Unmarshal(data, &exp); err != nil {
		return 0, fmt.Errorf("parse export: %w", err)
	}

	if !opts.Append {
		if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("truncate %s: %w", outPath, err)
		}
	}
	app, err := storage.OpenAppender(outPath)
	if err != nil {
		return 0, err
	}
	defer app.Close()

	allowed := make(map[string]bool, len(opts.Packages))
	for _, pkg := range opts.Packages {
		allowed[pkg] = true
	}

	written := 0
	emit := func(raws []json.RawMessage, kind string) error {
		for _, raw := range raws {
			var it item
			if err := json.Unmarshal(raw, &it); err != nil {
				logger.Warn("Skipping unparseable export record", "kind", kind, "error", err)
				continue
			}
			// Group summaries are UI containers, not real content.
			if it.IsGroupSummary {
				continue
			}
			n, ok := toNotification(it, exp.Device.Offset, kind)
			if !ok {
				continue
			}
			if len(allowed) > 0 && !allowed[n.Package] {
				continue
			}
			if err := app.Append(n); err != nil {
				return fmt.Errorf("append notification: %w", err)
			}
			written++
		}
		return nil
	}

	if err := emit(exp.Posted, "posted"); err != nil {
		return written, err
	}
	if opts.IncludeRemoved {
		if err := emit(exp.Removed, "removed"); err != nil {
			return written, err
		}
	}

	logger.Info("Imported device notifications",
		"export", exportPath, "out", outPath, "written", written)
	return written, nil
}

// toNotification maps one export item to the ledger record. Records with
// no usable timestamp are dropped.
func toNotification(it item, deviceOffset *int64, kind string) (campaign.DeviceNotification, bool) {
	var tsMS int64
	switch {
	case it.PostTime != nil:
		tsMS = *it.PostTime
	case it.When != nil:
		tsMS = *it.When
	case it.SystemTime != nil:
		tsMS = *it.SystemTime
	default:
		return campaign.DeviceNotification{}, false
	}

	posted := time.UnixMilli(tsMS).UTC()

	offset := deviceOffset
	if it.Offset != nil {
		offset = it.Offset
	}
	local := posted.Format(time.RFC3339)
	if offset != nil {
		zone := time.FixedZone("device", int(*offset/1000))
		local = posted.In(zone).Format(time.RFC3339)
	}

	pkg := it.PackageName
	if pkg == "" {
		pkg = it.Package
	}
	title := it.TitleBig
	if title == "" {
		title = it.Title
	}
	text := it.TextBig
	if text == "" {
		text = it.Text
	}
	id := string(it.NID)
	if id == "" {
		id = string(it.Key)
	}

	return campaign.DeviceNotification{
		ID:            id,
		Key:           string(it.Key),
		PostedAt:      posted,
		PostedAtLocal: local,
		Package:       pkg,
		Title:         title,
		Text:          text,
		Channel:       it.Category,
		Kind:          kind,
	}, true
}
