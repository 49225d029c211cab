// Package hafas is the upstream feed collaborator. It speaks the HAFAS
// gate protocol to manage push subscriptions and fetch their real-time
// events.
// Transport retries and the auth envelope live here; the poll scheduler
// only sees fetched events or a terminal *GateError.
package hafas

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"

	"transitwatch/pkg/campaign"
)

// Config holds gate endpoint and credential settings.
type Config struct {
	BaseURL       string
	AID           string
	UserID        string
	ClientID      string // envelope client.id enum, e.g. HAFAS or CFL
	ChannelID     string // push channel id (ANDROID-xxxx) for delivery
	Lang          string
	Ver           string
	ClientType    string
	ClientVersion int
	Timeout       time.Duration
}

// Secrets maps credential values to the placeholders used when persisting
// raw gate payloads.
func (c Config) Secrets() map[string]string {
	return map[string]string{
		c.AID:       "<AID>",
		c.UserID:    "<USER_ID>",
		c.ChannelID: "<CHANNEL_ID>",
	}
}

// GateError is a terminal fetch failure after retries. The scheduler marks
// the affected subscription doneReason=error and keeps the campaign going.
type GateError struct {
	Err    error
	Method string
	Status int
}

func (e *GateError) Error() string {
	return fmt.Sprintf("hafas %s failed: %v", e.Method, e.Err)
}

func (e *GateError) Unwrap() error { return e.Err }

// IsGateError reports whether err is a terminal gate failure.
func IsGateError(err error) bool {
	var ge *GateError
	return errors.As(err, &ge)
}

// Gate is a HAFAS gate client.
type Gate struct {
	client *http.Client
	logger *slog.Logger
	cfg    Config
}

// New creates a gate client.
func New(cfg Config, logger *slog.Logger) *Gate {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Gate{
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		cfg:    cfg,
	}
}

// Exchange captures one request/response pair for the raw audit logs.
// Payloads still contain credentials; redact before persisting.
type Exchange struct {
	Request  any             `json:"request"`
	Response json.RawMessage `json:"response"`
	CorrID   string          `json:"corrId"`
}

type envelope struct {
	Auth    map[string]string `json:"auth"`
	Client  map[string]any    `json:"client"`
	Lang    string            `json:"lang"`
	Ver     string            `json:"ver"`
	SvcReqL []svcReq          `json:"svcReqL"`
}

type svcReq struct {
	Meth string         `json:"meth"`
	Req  any            `json:"req"`
	Cfg  map[string]any `json:"cfg"`
	ID   string         `json:"id"`
}

type gateResponse struct {
	Err     string `json:"err"`
	SvcResL []struct {
		Err string          `json:"err"`
		Res json.RawMessage `json:"res"`
	} `json:"svcResL"`
}

// post sends one service request inside the standard envelope and returns
// the first service result.
func (g *Gate) post(ctx context.Context, method string, req any) (json.RawMessage, *Exchange, error) {
	corrID := uuid.NewString()
	payload := envelope{
		Auth: map[string]string{"type": "AID", "aid": g.cfg.AID},
		Client: map[string]any{
			"type": g.cfg.ClientType,
			"id":   g.cfg.ClientID,
			"v":    g.cfg.ClientVersion,
		},
		Lang:    g.cfg.Lang,
		Ver:     g.cfg.Ver,
		SvcReqL: []svcReq{{Meth: method, Req: req, Cfg: map[string]any{}, ID: "0"}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	var raw []byte
	err = retry.Do(
		func() error {
			g.logger.Info("Gate request starting", "method", method, "corr_id", corrID)

			httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL, bytes.NewReader(body))
			if reqErr != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", reqErr))
			}
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("X-Correlation-ID", corrID)
			q := httpReq.URL.Query()
			q.Set("aid", g.cfg.AID)
			q.Set("hciClientType", g.cfg.ClientType)
			q.Set("hciClientVersion", strconv.Itoa(g.cfg.ClientVersion))
			q.Set("hciVersion", g.cfg.Ver)
			q.Set("hciMethod", method)
			httpReq.URL.RawQuery = q.Encode()

			start := time.Now()
			resp, doErr := g.client.Do(httpReq)
			duration := time.Since(start)
			if doErr != nil {
				g.logger.Warn("Gate request failed, will retry",
					"method", method, "duration_ms", duration.Milliseconds(), "error", doErr)
				return doErr
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					g.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			g.logger.Info("Gate request completed",
				"method", method, "status_code", resp.StatusCode, "duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				statusErr := fmt.Errorf("HTTP %d", resp.StatusCode)
				// Client errors won't heal on retry; 408 and 429 are the
				// transient exceptions.
				if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
					resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Unrecoverable(statusErr)
				}
				return statusErr
			}

			data, readErr := io.ReadAll(resp.Body)
			if readErr != nil {
				return fmt.Errorf("read response: %w", readErr)
			}
			raw = data
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			g.logger.Info("Retrying gate request after error", "attempt", n, "method", method, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, nil, &GateError{Method: method, Err: err}
	}

	var parsed gateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, &GateError{Method: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Err != "" && parsed.Err != "OK" {
		return nil, nil, &GateError{Method: method, Err: fmt.Errorf("gate error %q", parsed.Err)}
	}
	if len(parsed.SvcResL) == 0 {
		return nil, nil, &GateError{Method: method, Err: errors.New("empty svcResL")}
	}
	if svcErr := parsed.SvcResL[0].Err; svcErr != "" && svcErr != "OK" {
		return nil, nil, &GateError{Method: method, Err: fmt.Errorf("service error %q", svcErr)}
	}

	return parsed.SvcResL[0].Res, &Exchange{Request: payload, Response: raw, CorrID: corrID}, nil
}

// CreateResult is the upstream answer to a subscription request.
type CreateResult struct {
	Hysteresis json.RawMessage `json:"hysteresis,omitempty"`
	SubscrID   int             `json:"subscrId"`
}

// CreateSubscription registers one scenario item for push monitoring.
func (g *Gate) CreateSubscription(ctx context.Context, item campaign.ScenarioItem) (CreateResult, *Exchange, error) {
	end := item.EndDate
	if end == "" {
		end = item.BeginDate
	}
	minDeviation := item.Hysteresis.MinDeviationIntervalMin
	if minDeviation == 0 {
		minDeviation = 5
	}
	notificationStart := item.Hysteresis.NotificationStartMin
	if notificationStart == 0 {
		notificationStart = 60
	}

	req := map[string]any{
		"userId":   g.cfg.UserID,
		"channels": []map[string]string{{"channelId": g.cfg.ChannelID}},
		"conSubscr": map[string]any{
			"serviceDays": map[string]string{"beginDate": item.BeginDate, "endDate": end},
			"ctxRecon":    item.CtxRecon,
			"hysteresis": map[string]int{
				"minDeviationInterval": minDeviation,
				"notificationStart":    notificationStart,
			},
		},
		"nPass": item.NPass,
	}

	res, exchange, err := g.post(ctx, "SubscrCreate", req)
	if err != nil {
		return CreateResult{}, nil, err
	}
	var result CreateResult
	if err := json.Unmarshal(res, &result); err != nil {
		return CreateResult{}, nil, &GateError{Method: "SubscrCreate", Err: fmt.Errorf("decode result: %w", err)}
	}
	return result, exchange, nil
}

// Details is the parsed state of one subscription: the currently predicted
// connection times plus all real-time change events the feed is holding.
type Details struct {
	Departure time.Time
	Arrival   time.Time
	Events    []campaign.RTEvent
}

type detailsRes struct {
	ConnectionInfo []struct {
		DepartureTime string `json:"departureTime"`
		ArrivalTime   string `json:"arrivalTime"`
	} `json:"connectionInfo"`
	RTInfo struct {
		RTEventL []json.RawMessage `json:"rtEventL"`
	} `json:"rtInfo"`
}

type rtEventRaw struct {
	ChangeID   flexString `json:"changeId"`
	ChangeType string     `json:"changeType"`
	Title      string     `json:"title"`
	Msg        string     `json:"msg"`
	Received   string     `json:"received"`
	PlanrtTS   string     `json:"planrtTS"`
	RtTS       string     `json:"rtTS"`
}

// SubscriptionDetails fetches the current events for a subscription.
// Events come back partially filled; the scheduler stamps subscription
// identity and observation time.
func (g *Gate) SubscriptionDetails(ctx context.Context, subscrID int) (Details, *Exchange, error) {
	req := map[string]any{
		"subscrId":  subscrID,
		"userId":    g.cfg.UserID,
		"channelId": g.cfg.ChannelID,
	}
	res, exchange, err := g.post(ctx, "SubscrDetails", req)
	if err != nil {
		return Details{}, nil, err
	}

	var parsed detailsRes
	if err := json.Unmarshal(res, &parsed); err != nil {
		return Details{}, nil, &GateError{Method: "SubscrDetails", Err: fmt.Errorf("decode result: %w", err)}
	}

	var details Details
	if len(parsed.ConnectionInfo) > 0 {
		details.Departure = parseTime(parsed.ConnectionInfo[0].DepartureTime)
		details.Arrival = parseTime(parsed.ConnectionInfo[0].ArrivalTime)
	}

	for _, raw := range parsed.RTInfo.RTEventL {
		var ev rtEventRaw
		if err := json.Unmarshal(raw, &ev); err != nil {
			g.logger.Warn("Skipping malformed rtEvent", "error", err)
			continue
		}
		id := string(ev.ChangeID)
		if id == "" {
			// The feed occasionally omits changeId; fall back to a
			// content fingerprint so the dedup key stays stable.
			sum := sha1.Sum(raw)
			id = hex.EncodeToString(sum[:])
		}
		details.Events = append(details.Events, campaign.RTEvent{
			EventID:     id,
			ChangeType:  ev.ChangeType,
			Title:       ev.Title,
			Text:        ev.Msg,
			PlannedTime: ev.PlanrtTS,
			NewTime:     ev.RtTS,
			ObservedAt:  parseTime(ev.Received),
		})
	}
	return details, exchange, nil
}

// SearchSubscriptions lists the subscriptions registered for the user.
func (g *Gate) SearchSubscriptions(ctx context.Context) (*Exchange, error) {
	_, exchange, err := g.post(ctx, "SubscrSearch", map[string]any{"userId": g.cfg.UserID})
	return exchange, err
}

// DeleteSubscription removes one subscription upstream.
func (g *Gate) DeleteSubscription(ctx context.Context, subscrID int) (*Exchange, error) {
	req := map[string]any{"userId": g.cfg.UserID, "subscrId": subscrID}
	_, exchange, err := g.post(ctx, "SubscrDelete", req)
	return exchange, err
}

// flexString tolerates the gate sending ids as either strings or numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// parseTime accepts RFC3339 or naive ISO timestamps (assumed UTC). An
// unparseable or empty value yields the zero time.
func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05", value); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
