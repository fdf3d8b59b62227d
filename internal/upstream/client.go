// Package upstream implements the client that talks to the control
// plane over HTTP — conditional feature/delta fetches, token validation,
// heartbeats, and metrics upload — with the retryable/fatal error
// classification the refresher depends on.
package upstream

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/flagedge/edge/internal/domain"
	"github.com/flagedge/edge/internal/edgeerrors"
	"github.com/flagedge/edge/internal/logging"
	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

// Config configures the upstream HTTP client.
type Config struct {
	BaseURL          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	AppName          string
	ClientSpecHeader string
}

// Outcome classifies how a request terminated, matching the system's error
// taxonomy: callers branch on Outcome rather than inspecting raw errors.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNotModified
	OutcomeFatal      // 401/403: invalidate the token, stop refreshing it
	OutcomeGone       // 404: environment no longer provisioned
	OutcomeRetryable  // network error, 5xx, timeout
)

// FeaturesResult is the outcome of a fetch_features call.
type FeaturesResult struct {
	Outcome Outcome
	Set     *domain.FeatureSet
	ETag    string
	Err     error
}

// DeltaResult is the outcome of a fetch_delta call.
type DeltaResult struct {
	Outcome Outcome
	Events  []domain.DeltaEvent
	Err     error
}

// Client is the upstream control-plane HTTP client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	instanceID string
	connID     ulid.ULID
	log        *logging.Logger
}

// New builds a Client bound to cfg. The instance id is a fresh UUID, and a
// fresh ULID is minted for the process's Connection-Id header.
func New(cfg Config, log *logging.Logger) *Client {
	if cfg.AppName == "" {
		cfg.AppName = "unleash-edge"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{DialContext: dialer.DialContext}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		instanceID: uuid.NewString(),
		connID:     newULID(),
		log:        log,
	}
}

func newULID() ulid.ULID {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// commonHeaders attaches the headers every upstream call carries, per the
// request shape rule: application name, instance id, connection id, client
// spec version.
func (c *Client) commonHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", token)
	req.Header.Set("UNLEASH-APPNAME", c.cfg.AppName)
	req.Header.Set("UNLEASH-INSTANCEID", c.instanceID)
	req.Header.Set("Connection-Id", c.connID.String())
	if c.cfg.ClientSpecHeader != "" {
		req.Header.Set("Unleash-Client-Spec", c.cfg.ClientSpecHeader)
	}
	req.Header.Set("Content-Type", "application/json")
}

// classify maps an HTTP status to the system's retry/fatal taxonomy.
func classify(status int, err error) Outcome {
	if err != nil {
		return OutcomeRetryable
	}
	switch {
	case status == http.StatusNotModified:
		return OutcomeNotModified
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return OutcomeFatal
	case status == http.StatusNotFound:
		return OutcomeGone
	case status >= 500:
		return OutcomeRetryable
	case status >= 200 && status < 300:
		return OutcomeOK
	default:
		return OutcomeRetryable
	}
}

// FetchFeatures performs a conditional GET against /api/client/features.
func (c *Client) FetchFeatures(ctx context.Context, token, etag string) FeaturesResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/client/features", nil)
	if err != nil {
		return FeaturesResult{Outcome: OutcomeRetryable, Err: err}
	}
	c.commonHeaders(req, token)
	if etag != "" {
		req.Header.Set("If-None-Match", `"`+etag+`"`)
	}

	resp, err := c.httpClient.Do(req)
	outcome := classify(statusOf(resp), err)
	if err != nil {
		return FeaturesResult{Outcome: outcome, Err: err}
	}
	defer resp.Body.Close()

	if outcome != OutcomeOK {
		if outcome == OutcomeRetryable || outcome == OutcomeFatal || outcome == OutcomeGone {
			return FeaturesResult{Outcome: outcome, Err: statusErr(resp)}
		}
		return FeaturesResult{Outcome: outcome}
	}

	var wire struct {
		Version  int               `json:"version"`
		Features []domain.Feature  `json:"features"`
		Segments []domain.Segment  `json:"segments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return FeaturesResult{Outcome: OutcomeRetryable, Err: edgeerrors.Wrap(edgeerrors.KindParseError, "decode features response", err)}
	}
	return FeaturesResult{
		Outcome: OutcomeOK,
		Set:     &domain.FeatureSet{Version: wire.Version, Features: wire.Features, Segments: wire.Segments},
		ETag:    stripQuotes(resp.Header.Get("ETag")),
	}
}

// FetchDelta performs a conditional GET against /api/client/delta.
func (c *Client) FetchDelta(ctx context.Context, token string, sinceEventID uint32) DeltaResult {
	url := fmt.Sprintf("%s/api/client/delta", c.cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DeltaResult{Outcome: OutcomeRetryable, Err: err}
	}
	c.commonHeaders(req, token)
	if sinceEventID > 0 {
		req.Header.Set("If-None-Match", fmt.Sprintf(`"%d"`, sinceEventID))
	}

	resp, err := c.httpClient.Do(req)
	outcome := classify(statusOf(resp), err)
	if err != nil {
		return DeltaResult{Outcome: outcome, Err: err}
	}
	defer resp.Body.Close()

	if outcome != OutcomeOK {
		return DeltaResult{Outcome: outcome, Err: statusErr(resp)}
	}

	var wire struct {
		Events []struct {
			Type    string          `json:"type"`
			EventID uint32          `json:"eventId"`
			Feature *domain.Feature `json:"feature,omitempty"`
			Segment *domain.Segment `json:"segment,omitempty"`
		} `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return DeltaResult{Outcome: OutcomeRetryable, Err: edgeerrors.Wrap(edgeerrors.KindParseError, "decode delta response", err)}
	}

	events := make([]domain.DeltaEvent, 0, len(wire.Events))
	for _, e := range wire.Events {
		switch e.Type {
		case "feature-updated":
			if e.Feature != nil {
				events = append(events, domain.DeltaEvent{EventID: e.EventID, Kind: domain.EventFeatureUpdated, Feature: *e.Feature})
			}
		case "segment-updated":
			if e.Segment != nil {
				events = append(events, domain.DeltaEvent{EventID: e.EventID, Kind: domain.EventSegmentUpdated, Segment: *e.Segment})
			}
		}
	}
	return DeltaResult{Outcome: OutcomeOK, Events: events}
}

// ValidateTokens asks upstream which of the given secrets it accepts.
func (c *Client) ValidateTokens(ctx context.Context, secrets []string) ([]string, error) {
	body, _ := json.Marshal(map[string][]string{"tokens": secrets})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/edge/validate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.commonHeaders(req, "")
	req.Header.Del("Authorization")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusErr(resp)
	}

	var wire struct {
		Valid []string `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, err
	}
	return wire.Valid, nil
}

// SendHeartbeat posts the enterprise license heartbeat and returns the
// canonical LicenseState, mapping unrecognized wire values to Invalid.
func (c *Client) SendHeartbeat(ctx context.Context, token string) (domain.LicenseState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/edge/heartbeat", nil)
	if err != nil {
		return domain.LicenseInvalid, err
	}
	c.commonHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.LicenseInvalid, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.LicenseInvalid, statusErr(resp)
	}

	var wire struct {
		LicenseState int `json:"licenseState"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return domain.LicenseInvalid, err
	}
	state, recognized := domain.ParseLicenseState(wire.LicenseState)
	if !recognized && c.log != nil {
		c.log.WithFields(map[string]any{"raw_state": wire.LicenseState}).Warn("unrecognized license state from upstream, treating as invalid")
	}
	return state, nil
}

// PostBatchMetrics uploads a pre-serialized metrics batch, returning the
// same OK/Retryable/Fatal classification as the fetch paths so the
// metrics aggregator can
// decide whether to merge the snapshot back or discard it.
func (c *Client) PostBatchMetrics(ctx context.Context, token string, body []byte) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/client/metrics/bulk", bytes.NewReader(body))
	if err != nil {
		return OutcomeRetryable
	}
	c.commonHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return OutcomeRetryable
	}
	defer resp.Body.Close()
	return classify(resp.StatusCode, nil)
}

// PostInstanceData uploads a client-registration payload.
func (c *Client) PostInstanceData(ctx context.Context, token string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/client/register", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.commonHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusErr(resp)
	}
	return nil
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func statusErr(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(data))
}

func stripQuotes(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	if len(etag) >= 3 && etag[:2] == `W/` {
		return stripQuotes(etag[2:])
	}
	return etag
}
