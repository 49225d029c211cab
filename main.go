// Command transitwatch runs transit notification delivery campaigns: it
// creates push subscriptions upstream, polls them for real-time events,
// imports the notifications captured on a device, and correlates the two
// sides into delivery-quality reports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"

	"transitwatch/hafas"
	"transitwatch/ledger"
	"transitwatch/match"
	"transitwatch/notiflog"
	"transitwatch/pkg/campaign"
	"transitwatch/poll"
	"transitwatch/report"
	"transitwatch/scenario"
	"transitwatch/storage"
)

const usageText = `Usage: transitwatch <command> [flags]

Commands:
  subscribe                Create upstream subscriptions from a scenario file
  poll                     Poll subscriptions until every one is terminal
  import-notification-log  Convert a Notification Log export into device NDJSON
  sync-device-notifs       Copy a device NDJSON into a run directory
  report                   Correlate events with notifications and render reports
  search                   List active upstream subscriptions
  archive                  Upload a finished run directory to long-term storage
`

// Exit codes: 0 success, 1 config/usage error, 2 campaign finished with at
// least one failed subscription.
const (
	exitOK      = 0
	exitConfig  = 1
	exitPartial = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "subscribe":
		err = cmdSubscribe(ctx, args[1:], logger)
	case "poll":
		err = cmdPoll(ctx, args[1:], logger)
	case "import-notification-log":
		err = cmdImportNotificationLog(args[1:], logger)
	case "sync-device-notifs":
		err = cmdSyncDeviceNotifs(args[1:], logger)
	case "report":
		err = cmdReport(args[1:], logger)
	case "search":
		err = cmdSearch(ctx, args[1:], logger)
	case "archive":
		err = cmdArchive(ctx, args[1:], logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usageText)
		return exitConfig
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, poll.ErrPartialFailure):
		logger.Warn("Campaign finished with failed subscriptions")
		return exitPartial
	default:
		logger.Error("Command failed", "command", args[0], "error", err)
		return exitConfig
	}
}

// gateFlags registers the upstream gate settings on fs. Credentials default
// from the environment so they stay out of shell history.
func gateFlags(fs *flag.FlagSet) *hafas.Config {
	cfg := &hafas.Config{}
	fs.StringVar(&cfg.BaseURL, "base-url", os.Getenv("HAFAS_GATE_URL"), "HAFAS /gate endpoint")
	fs.StringVar(&cfg.AID, "aid", os.Getenv("HAFAS_AID"), "AID credential")
	fs.StringVar(&cfg.UserID, "user-id", os.Getenv("HAFAS_USER_ID"), "external user id")
	fs.StringVar(&cfg.ClientID, "client-id", envOr("HAFAS_CLIENT_ID", "HAFAS"), "envelope client.id enum (HAFAS, CFL)")
	fs.StringVar(&cfg.ChannelID, "channel-id", os.Getenv("HAFAS_CHANNEL_ID"), "push channel id (ANDROID-xxxx)")
	fs.StringVar(&cfg.Lang, "lang", "eng", "request language")
	fs.StringVar(&cfg.Ver, "ver", "1.72", "gate protocol version")
	fs.StringVar(&cfg.ClientType, "client-type", "AND", "hci client type")
	fs.IntVar(&cfg.ClientVersion, "client-version", 1000680, "hci client version")
	fs.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "per-request timeout")
	return cfg
}

func checkGateConfig(cfg *hafas.Config) error {
	if cfg.BaseURL == "" || cfg.AID == "" || cfg.UserID == "" || cfg.ChannelID == "" {
		return errors.New("gate configuration incomplete: base-url, aid, user-id and channel-id are required")
	}
	// A channel id in the client-id slot is the most common misconfiguration.
	if strings.HasPrefix(strings.ToUpper(cfg.ClientID), "ANDROID-") {
		return errors.New("client-id looks like a push channel id; use -channel-id for ANDROID-xxxx")
	}
	return nil
}

func cmdSubscribe(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("subscribe", flag.ContinueOnError)
	scenarioPath := fs.String("scenario", "", "scenario file (json or yaml)")
	outRoot := fs.String("out-root", ".", "directory to create the run under")
	noSaveLogs := fs.Bool("no-save-logs", false, "skip saving redacted gate payloads")
	gateCfg := gateFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *scenarioPath == "" {
		return errors.New("-scenario is required")
	}
	if err := checkGateConfig(gateCfg); err != nil {
		return err
	}

	sc, err := scenario.Load(*scenarioPath)
	if err != nil {
		return err
	}

	runDir, err := storage.NewRunDir(*outRoot, sc.CampaignName, time.Now())
	if err != nil {
		return err
	}
	if err := storage.WriteJSON(filepath.Join(runDir, "scenario.json"), sc); err != nil {
		return err
	}

	gate := hafas.New(*gateCfg, logger)
	secrets := gateCfg.Secrets()

	for i, item := range sc.Items {
		result, exchange, err := gate.CreateSubscription(ctx, item)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", item.ScenarioID, err)
		}

		subDir := filepath.Join(runDir, "subs", fmt.Sprintf("subscr_%d", result.SubscrID))
		manifest := poll.Manifest{
			ScenarioID:       item.ScenarioID,
			CtxRecon:         item.CtxRecon,
			BeginDate:        item.BeginDate,
			EndDate:          item.EndDate,
			NPass:            item.NPass,
			SubscrID:         result.SubscrID,
			HysteresisStored: result.Hysteresis,
			HysteresisWanted: item.Hysteresis,
			SubscribedAt:     time.Now().UTC(),
			SubscribeCorrID:  exchange.CorrID,
		}
		if err := storage.WriteJSON(filepath.Join(subDir, "manifest.json"), manifest); err != nil {
			return err
		}
		if !*noSaveLogs {
			if err := saveExchange(subDir, "01_subscrcreate", exchange, secrets); err != nil {
				return err
			}
		}
		logger.Info("Subscription created",
			"scenario_id", item.ScenarioID, "subscr_id", result.SubscrID, "index", i+1, "total", len(sc.Items))
	}

	if err := os.MkdirAll(filepath.Join(runDir, "device"), 0o755); err != nil {
		return fmt.Errorf("create device directory: %w", err)
	}
	fmt.Println(runDir)
	return nil
}

func cmdPoll(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("poll", flag.ContinueOnError)
	runDir := fs.String("run-dir", "", "run directory created by subscribe")
	pollSec := fs.Int("poll-sec", 0, "override scenario pollSec")
	preWindowMin := fs.Int("pre-window-min", -1, "override scenario preWindowMin")
	postWindowMin := fs.Int("post-window-min", -1, "override scenario postWindowMin")
	idleGraceMin := fs.Int("idle-grace-min", -1, "override scenario idleGraceMin")
	maxMinutes := fs.Int("max-minutes", -1, "override scenario maxRuntimeMin (0 = unlimited)")
	noSaveLogs := fs.Bool("no-save-logs", false, "skip saving redacted gate payloads")
	gateCfg := gateFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runDir == "" {
		return errors.New("-run-dir is required")
	}
	if err := checkGateConfig(gateCfg); err != nil {
		return err
	}

	sc, err := scenario.Load(filepath.Join(*runDir, "scenario.json"))
	if err != nil {
		return err
	}
	cfg := poll.Config{
		PollSec:       sc.PollSec,
		PreWindowMin:  sc.PreWindowMin,
		PostWindowMin: sc.PostWindowMin,
		IdleGraceMin:  sc.IdleGraceMin,
		MaxRuntimeMin: sc.MaxRuntimeMin,
	}
	if *pollSec > 0 {
		cfg.PollSec = *pollSec
	}
	if *preWindowMin >= 0 {
		cfg.PreWindowMin = *preWindowMin
	}
	if *postWindowMin >= 0 {
		cfg.PostWindowMin = *postWindowMin
	}
	if *idleGraceMin >= 0 {
		cfg.IdleGraceMin = *idleGraceMin
	}
	if *maxMinutes >= 0 {
		cfg.MaxRuntimeMin = *maxMinutes
	}

	subs, err := poll.LoadSubscriptions(*runDir, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, sub := range subs {
			if closeErr := sub.Ledger.Close(); closeErr != nil {
				logger.Warn("Failed to close ledger", "subscr_id", sub.SubscrID, "error", closeErr)
			}
		}
	}()

	audit, err := storage.OpenAppender(filepath.Join(*runDir, "poll", "attempts.ndjson"))
	if err != nil {
		return err
	}
	defer audit.Close()

	fetcher := &gateFetcher{
		gate:     hafas.New(*gateCfg, logger),
		secrets:  gateCfg.Secrets(),
		logger:   logger,
		saveLogs: !*noSaveLogs,
		dirs:     make(map[int]string, len(subs)),
	}
	for _, sub := range subs {
		fetcher.dirs[sub.SubscrID] = sub.Dir
	}

	return poll.New(fetcher, audit, cfg, logger).Run(ctx, subs)
}

// gateFetcher adapts the HAFAS gate to the scheduler's fetch contract and
// owns the redacted raw-payload snapshots.
type gateFetcher struct {
	gate     *hafas.Gate
	secrets  map[string]string
	logger   *slog.Logger
	dirs     map[int]string
	saveLogs bool
}

func (f *gateFetcher) FetchEvents(ctx context.Context, subscrID, attempt int) (*poll.FetchResult, error) {
	details, exchange, err := f.gate.SubscriptionDetails(ctx, subscrID)
	if err != nil {
		return nil, err
	}
	if f.saveLogs {
		if dir, ok := f.dirs[subscrID]; ok {
			prefix := fmt.Sprintf("%02d_subscrdetails", attempt+1)
			if err := saveExchange(dir, prefix, exchange, f.secrets); err != nil {
				f.logger.Warn("Failed to save raw gate payload", "subscr_id", subscrID, "error", err)
			}
		}
	}
	return &poll.FetchResult{
		Departure: details.Departure,
		Arrival:   details.Arrival,
		Events:    details.Events,
		CorrID:    exchange.CorrID,
	}, nil
}

// saveExchange persists one redacted request/response pair under dir/raw.
func saveExchange(dir, prefix string, exchange *hafas.Exchange, secrets map[string]string) error {
	rawDir := filepath.Join(dir, "raw")
	if err := storage.WriteJSONRedacted(filepath.Join(rawDir, prefix+"_req.json"), exchange.Request, secrets); err != nil {
		return err
	}
	if err := storage.WriteJSONRedacted(filepath.Join(rawDir, prefix+"_resp.json"), exchange.Response, secrets); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(rawDir, prefix+"_corrid.txt"), []byte(exchange.CorrID), 0o600); err != nil {
		return fmt.Errorf("write correlation id: %w", err)
	}
	return nil
}

func cmdImportNotificationLog(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("import-notification-log", flag.ContinueOnError)
	exportJSON := fs.String("export-json", "", "Notification Log export JSON")
	outNDJSON := fs.String("out-ndjson", "", "output NDJSON path")
	runDir := fs.String("run-dir", "", "run directory (writes device/notifications.ndjson)")
	appendOut := fs.Bool("append", false, "append instead of overwrite")
	includeRemoved := fs.Bool("include-removed", false, "also import removed[] records")
	packages := fs.String("packages", "", "comma-separated package allow-list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *exportJSON == "" {
		return errors.New("-export-json is required")
	}
	if (*outNDJSON == "") == (*runDir == "") {
		return errors.New("exactly one of -out-ndjson or -run-dir is required")
	}
	out := *outNDJSON
	if out == "" {
		out = filepath.Join(*runDir, "device", "notifications.ndjson")
	}

	written, err := notiflog.Convert(*exportJSON, out, notiflog.Options{
		Packages:       splitList(*packages),
		IncludeRemoved: *includeRemoved,
		Append:         *appendOut,
	}, logger)
	if err != nil {
		return err
	}
	fmt.Printf("OK: wrote %d NDJSON lines -> %s\n", written, out)
	return nil
}

func cmdSyncDeviceNotifs(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("sync-device-notifs", flag.ContinueOnError)
	runDir := fs.String("run-dir", "", "run directory")
	deviceNDJSON := fs.String("device-ndjson", "", "device notification NDJSON to copy")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runDir == "" || *deviceNDJSON == "" {
		return errors.New("-run-dir and -device-ndjson are required")
	}

	dest := filepath.Join(*runDir, "device", "notifications.ndjson")
	if err := storage.CopyFile(*deviceNDJSON, dest); err != nil {
		return err
	}
	logger.Info("Device notifications synced", "dest", dest)
	fmt.Println(dest)
	return nil
}

func cmdReport(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	runDir := fs.String("run-dir", "", "run directory")
	deviceNDJSON := fs.String("device-ndjson", "", "device NDJSON override")
	outDir := fs.String("out", "", "report output directory (default <run-dir>/report)")
	threshold := fs.Int("match-threshold", 70, "inclusive minimum match score, 0-100")
	maxSkew := fs.Duration("max-skew", 10*time.Minute, "max |notification - event| time skew")
	scorerName := fs.String("scorer", "token_set", "similarity scorer: token_set or ratio")
	packages := fs.String("packages", "", "comma-separated device package allow-list")
	noMarkdown := fs.Bool("no-markdown", false, "skip report.md")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runDir == "" {
		return errors.New("-run-dir is required")
	}

	scorer, err := match.ScorerFor(*scorerName)
	if err != nil {
		return err
	}
	opts := match.Options{
		Scorer:    scorer,
		Packages:  splitList(*packages),
		MaxSkew:   *maxSkew,
		Threshold: *threshold,
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	events, skipped, err := loadRunEvents(*runDir, logger)
	if err != nil {
		return err
	}

	notifPath := *deviceNDJSON
	if notifPath == "" {
		notifPath = filepath.Join(*runDir, "device", "notifications.ndjson")
	}
	notifs, notifSkipped, err := ledger.ReadNotifications(notifPath)
	if err != nil {
		return err
	}
	skipped += notifSkipped

	res, err := match.Correlate(events, notifs, opts)
	if err != nil {
		return err
	}
	summary := report.Aggregate(res)
	summary.SkippedLedgerLines = skipped

	dir := *outDir
	if dir == "" {
		dir = filepath.Join(*runDir, "report")
	}
	if err := report.WriteAll(dir, res, summary, !*noMarkdown); err != nil {
		return err
	}

	logger.Info("Report written",
		"dir", dir,
		"events", summary.TotalEvents,
		"matched", summary.MatchedEvents,
		"match_rate", summary.MatchRate,
		"skipped_lines", skipped)
	fmt.Println(dir)
	return nil
}

// loadRunEvents gathers every subscription ledger in the run, reduced to
// the latest revision per event so superseded revisions don't inflate the
// denominator.
func loadRunEvents(runDir string, logger *slog.Logger) ([]campaign.RTEvent, int, error) {
	paths, err := filepath.Glob(filepath.Join(runDir, "subs", "*", "poll", "rt_events.ndjson"))
	if err != nil {
		return nil, 0, fmt.Errorf("glob event ledgers: %w", err)
	}

	var all []campaign.RTEvent
	var skipped int
	for _, path := range paths {
		events, n, err := ledger.ReadEvents(path)
		if err != nil {
			return nil, 0, err
		}
		if n > 0 {
			logger.Warn("Skipped unparseable ledger lines", "path", path, "skipped", n)
		}
		all = append(all, ledger.LatestRevisions(events)...)
		skipped += n
	}
	return all, skipped, nil
}

func cmdSearch(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	gateCfg := gateFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := checkGateConfig(gateCfg); err != nil {
		return err
	}

	exchange, err := hafas.New(*gateCfg, logger).SearchSubscriptions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Correlation ID: %s\n", exchange.CorrID)
	fmt.Println(string(storage.Redact(exchange.Response, gateCfg.Secrets())))
	return nil
}

func cmdArchive(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	runDir := fs.String("run-dir", "", "run directory to upload")
	bucket := fs.String("bucket", os.Getenv("ARCHIVE_BUCKET"), "GCS bucket name")
	localPath := fs.String("local-path", os.Getenv("ARCHIVE_PATH"), "local archive directory (overrides bucket)")
	list := fs.Bool("list", false, "list archived runs instead of uploading")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bucket == "" && *localPath == "" {
		return errors.New("-bucket or -local-path is required")
	}

	var client *gcs.Client
	if *localPath == "" {
		var err error
		client, err = gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("Failed to close storage client", "error", closeErr)
			}
		}()
	}
	archive := storage.NewArchive(client, *bucket, *localPath, logger)

	if *list {
		runs, err := archive.List(ctx)
		if err != nil {
			return err
		}
		for _, run := range runs {
			fmt.Println(run)
		}
		return nil
	}

	if *runDir == "" {
		return errors.New("-run-dir is required")
	}
	return archive.Upload(ctx, *runDir)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
