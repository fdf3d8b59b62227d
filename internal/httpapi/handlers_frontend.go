package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/flagedge/edge/internal/domain"
	"github.com/flagedge/edge/internal/edgeerrors"
	"github.com/flagedge/edge/internal/httputil"
	"github.com/flagedge/edge/internal/metricsagg"
)

type frontendRequestBody struct {
	Context EvalContext `json:"context"`
}

func (s *Server) evalContextFromRequest(r *http.Request) EvalContext {
	if r.Method != http.MethodPost || r.ContentLength == 0 {
		return contextFromQuery(r)
	}
	var body frontendRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Context == nil {
		return contextFromQuery(r)
	}
	return body.Context
}

func contextFromQuery(r *http.Request) EvalContext {
	ctx := EvalContext{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			ctx[k] = v[0]
		}
	}
	return ctx
}

func (s *Server) featureSetForRequest(r *http.Request) (*domain.FeatureSet, bool) {
	t, _ := TokenFromContext(r.Context())
	key := environmentKeyFor(t)
	var fs *domain.FeatureSet
	if s.refresher != nil {
		fs = s.refresher.FeaturesForFilter(key, t.Projects)
	} else if cached, ok := s.cache.Get(key); ok {
		fs = cached.FilterByProjects(t.Projects)
	}
	return fs, fs != nil
}

func (s *Server) handleFrontend(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.featureSetForRequest(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no cached features for this environment yet"})
		return
	}
	evalCtx := s.evalContextFromRequest(r)
	toggles := s.evaluator.ResolveAll(fs, evalCtx)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"toggles": toggles})
}

func (s *Server) handleFrontendAll(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.featureSetForRequest(r)
	if !ok {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no cached features for this environment yet"})
		return
	}
	evalCtx := s.evalContextFromRequest(r)
	toggles := s.evaluator.ResolveAll(fs, evalCtx)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"toggles": toggles, "all": true})
}

// handleFrontendMetrics ingests a frontend SDK's usage window. The body is
// the same shape as the client metrics path; the environment is taken from
// the authenticated token rather than trusted from the payload.
func (s *Server) handleFrontendMetrics(w http.ResponseWriter, r *http.Request) {
	var body clientMetricsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, edgeerrors.ParseError("invalid frontend metrics body"))
		return
	}
	if s.metrics != nil {
		t, _ := TokenFromContext(r.Context())
		perFeature := make(map[string]metricsagg.FeatureUsage, len(body.Bucket.Toggles))
		for name, c := range body.Bucket.Toggles {
			perFeature[name] = metricsagg.FeatureUsage{Yes: c.Yes, No: c.No, Variants: c.Variants}
		}
		s.metrics.IngestClientMetrics(body.AppName, body.InstanceID, t.Environment, body.Bucket.Start, body.Bucket.Stop, perFeature)
	}
	w.WriteHeader(http.StatusAccepted)
}
