package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/flagedge/edge/internal/domain"
	"github.com/flagedge/edge/internal/edgeerrors"
	"github.com/flagedge/edge/internal/httputil"
	"github.com/flagedge/edge/internal/metricsagg"
)

type featuresRequestBody struct {
	NamePrefix string `json:"namePrefix"`
}

func (s *Server) handleClientFeatures(w http.ResponseWriter, r *http.Request) {
	t, _ := TokenFromContext(r.Context())
	namePrefix := r.URL.Query().Get("namePrefix")
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		var body featuresRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httputil.WriteError(w, edgeerrors.ParseError("invalid request body"))
			return
		}
		if body.NamePrefix != "" {
			namePrefix = body.NamePrefix
		}
	}

	key := environmentKeyFor(t)
	var fs *domain.FeatureSet
	if s.refresher != nil {
		fs = s.refresher.FeaturesForFilter(key, t.Projects)
	} else if cached, ok := s.cache.Get(key); ok {
		fs = cached.FilterByProjects(t.Projects)
	}
	if fs == nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":       "no cached features for this environment yet",
			"retry_after": "1",
		})
		return
	}
	if namePrefix != "" {
		fs = filterByNamePrefix(fs, namePrefix)
	}
	fs.Query = &domain.Query{Projects: t.Projects, NamePrefix: namePrefix}
	httputil.WriteJSON(w, http.StatusOK, fs)
}

func filterByNamePrefix(fs *domain.FeatureSet, prefix string) *domain.FeatureSet {
	out := fs.Clone()
	filtered := out.Features[:0]
	for _, f := range out.Features {
		if len(f.Name) >= len(prefix) && f.Name[:len(prefix)] == prefix {
			filtered = append(filtered, f)
		}
	}
	out.Features = filtered
	return out
}

func (s *Server) handleClientDelta(w http.ResponseWriter, r *http.Request) {
	t, _ := TokenFromContext(r.Context())
	if s.deltaEn == nil && s.refresher == nil {
		httputil.WriteError(w, edgeerrors.CacheMiss("delta mode is not enabled on this edge"))
		return
	}
	since := parseLastEventID(r.Header.Get("If-None-Match"))
	filter := nameFilter(t.Projects, r.URL.Query().Get("namePrefix"))

	var events []domain.DeltaEvent
	if s.refresher != nil {
		events = s.refresher.DeltaEventsForFilter(environmentKeyFor(t), filter, since)
	} else {
		events = s.deltaEn.EventsSince(environmentKeyFor(t), since, filter)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleClientStreaming(w http.ResponseWriter, r *http.Request) {
	t, _ := TokenFromContext(r.Context())
	if s.bcast == nil {
		httputil.WriteError(w, edgeerrors.CacheMiss("streaming mode is not enabled on this edge"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, edgeerrors.New(edgeerrors.KindInternal, "streaming unsupported by response writer"))
		return
	}

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	filter := nameFilter(t.Projects, r.URL.Query().Get("namePrefix"))
	key := environmentKeyFor(t)
	events, initial, release := s.bcast.Connect(key, lastID, filter)
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, initial)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

type clientRegistration struct {
	AppName    string   `json:"appName"`
	InstanceID string   `json:"instanceId"`
	SDKVersion string   `json:"sdkVersion"`
	Strategies []string `json:"strategies"`
	Interval   int      `json:"interval"`
}

func (s *Server) handleClientRegister(w http.ResponseWriter, r *http.Request) {
	var body clientRegistration
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, edgeerrors.ParseError("invalid registration body"))
		return
	}
	if s.metrics != nil {
		s.metrics.RegisterClient(domain.ClientApplication{
			AppName:    body.AppName,
			InstanceID: body.InstanceID,
			SDKVersion: body.SDKVersion,
			Strategies: body.Strategies,
			Started:    time.Now(),
			Interval:   time.Duration(body.Interval) * time.Millisecond,
		})
	}
	w.WriteHeader(http.StatusAccepted)
}

type toggleMetricsCount struct {
	Yes      int64            `json:"yes"`
	No       int64            `json:"no"`
	Variants map[string]int64 `json:"variants"`
}

type clientMetricsBody struct {
	AppName     string `json:"appName"`
	InstanceID  string `json:"instanceId"`
	Environment string `json:"environment"`
	Bucket      struct {
		Start   time.Time                     `json:"start"`
		Stop    time.Time                     `json:"stop"`
		Toggles map[string]toggleMetricsCount `json:"toggles"`
	} `json:"bucket"`
}

func (s *Server) handleClientMetrics(w http.ResponseWriter, r *http.Request) {
	var body clientMetricsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, edgeerrors.ParseError("invalid metrics body"))
		return
	}
	if s.metrics != nil {
		perFeature := make(map[string]metricsagg.FeatureUsage, len(body.Bucket.Toggles))
		for name, c := range body.Bucket.Toggles {
			perFeature[name] = metricsagg.FeatureUsage{Yes: c.Yes, No: c.No, Variants: c.Variants}
		}
		s.metrics.IngestClientMetrics(body.AppName, body.InstanceID, body.Environment, body.Bucket.Start, body.Bucket.Stop, perFeature)
	}
	w.WriteHeader(http.StatusAccepted)
}

type bulkMetricsBody struct {
	Metrics       []domain.MetricsBucket `json:"metrics"`
	ViaAppName    string                 `json:"viaAppName"`
	ViaInstanceID string                 `json:"viaInstanceId"`
}

func (s *Server) handleClientMetricsBulk(w http.ResponseWriter, r *http.Request) {
	var body bulkMetricsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, edgeerrors.ParseError("invalid bulk metrics body"))
		return
	}
	if s.metrics != nil {
		s.metrics.IngestBulkMetrics(body.Metrics, body.ViaAppName, body.ViaInstanceID)
	}
	w.WriteHeader(http.StatusAccepted)
}

func parseLastEventID(raw string) uint32 {
	if raw == "" {
		return 0
	}
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}
