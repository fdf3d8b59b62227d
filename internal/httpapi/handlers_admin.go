package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/flagedge/edge/internal/edgeerrors"
	"github.com/flagedge/edge/internal/httputil"
	"github.com/flagedge/edge/internal/token"
)

type validateRequestBody struct {
	Tokens []string `json:"tokens"`
}

// handleValidate implements the unauthenticated /edge/validate endpoint:
// each presented secret is parsed, registered, and validated against
// upstream (coalesced per secret like the auth middleware path), and the
// subset accepted is echoed back.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body validateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, edgeerrors.ParseError("invalid validate body"))
		return
	}

	valid := make([]string, 0, len(body.Tokens))
	for _, secret := range body.Tokens {
		t, err := s.resolveToken(r.Context(), secret)
		if err != nil {
			continue
		}
		if t.Status == token.StatusValidated || t.Status == token.StatusTrusted {
			valid = append(valid, secret)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"valid": valid})
}
