package httpapi

import "github.com/flagedge/edge/internal/domain"

// EvalContext is the client-supplied evaluation context for frontend
// endpoints (user id, session id, custom properties, ...). Its shape is
// opaque to the edge; only the injected Evaluator interprets it.
type EvalContext map[string]any

// Toggle is one evaluated flag as returned to a frontend/proxy client.
type Toggle struct {
	Name    string         `json:"name"`
	Enabled bool           `json:"enabled"`
	Variant map[string]any `json:"variant,omitempty"`
}

// Evaluator is the flag-evaluation rules engine collaborator: the edge
// consumes it strictly through its two published operations and never
// reimplements strategy/variant logic itself.
type Evaluator interface {
	ResolveAll(fs *domain.FeatureSet, ctx EvalContext) []Toggle
	CheckEnabled(fs *domain.FeatureSet, flag string, ctx EvalContext) (Toggle, bool)
}

// staticEvaluator is the edge's bundled default Evaluator: it echoes each
// Feature's precomputed Enabled bit without interpreting strategies or
// constraints, appropriate for environments where the upstream control
// plane has already resolved toggles server-side before they reach the
// cache. Deployments embedding the real strategy-evaluation engine inject
// their own Evaluator in its place at assembly time (cmd/edge/main.go).
type staticEvaluator struct{}

// NewStaticEvaluator returns the edge's default Evaluator.
func NewStaticEvaluator() Evaluator { return staticEvaluator{} }

func (staticEvaluator) ResolveAll(fs *domain.FeatureSet, _ EvalContext) []Toggle {
	if fs == nil {
		return nil
	}
	out := make([]Toggle, 0, len(fs.Features))
	for _, f := range fs.Features {
		out = append(out, Toggle{Name: f.Name, Enabled: f.Enabled})
	}
	return out
}

func (staticEvaluator) CheckEnabled(fs *domain.FeatureSet, flag string, _ EvalContext) (Toggle, bool) {
	if fs == nil {
		return Toggle{}, false
	}
	for _, f := range fs.Features {
		if f.Name == flag {
			return Toggle{Name: f.Name, Enabled: f.Enabled}, true
		}
	}
	return Toggle{}, false
}
