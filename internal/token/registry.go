package token

import "sync"

// Registry is the in-memory, concurrency-safe store of known tokens, keyed
// by secret. Kind is not encoded in the secret grammar, so it is resolved
// lazily: the first request that presents a token against a given API
// surface (client/frontend/admin) stamps that surface's Kind onto it,
// mirroring how the upstream control plane assigns a token's type at
// issuance time rather than deriving it from the string itself.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]*Token

	inFlightMu sync.Mutex
	inFlight   map[string]chan struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token), inFlight: make(map[string]chan struct{})}
}

// ValidateUnknown coalesces concurrent validation attempts for the same
// secret: the first caller for a given secret runs validate and stamps the
// result via SetStatus; any caller that arrives while that validation is
// already in flight blocks until it completes and then reads the now-updated
// status. An Unknown token is validated at most once in flight per secret.
func (r *Registry) ValidateUnknown(secret string, validate func() (Status, error)) (Status, error) {
	r.inFlightMu.Lock()
	if ch, ok := r.inFlight[secret]; ok {
		r.inFlightMu.Unlock()
		<-ch
		if t, ok := r.Lookup(secret); ok {
			return t.Status, nil
		}
		return StatusUnknown, nil
	}
	ch := make(chan struct{})
	r.inFlight[secret] = ch
	r.inFlightMu.Unlock()

	status, err := validate()

	r.inFlightMu.Lock()
	delete(r.inFlight, secret)
	r.inFlightMu.Unlock()
	close(ch)

	if err == nil {
		r.SetStatus(secret, status)
	}
	return status, err
}

// Register inserts a newly parsed token if its secret is unseen, or returns
// the existing entry unchanged. Registration never overwrites Kind, Status,
// or a resolved scope for a token already on file.
func (r *Registry) Register(t *Token) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tokens[t.Secret]; ok {
		return existing
	}
	r.tokens[t.Secret] = t
	return t
}

// Lookup returns the registered token for secret, if any.
func (r *Registry) Lookup(secret string) (*Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[secret]
	return t, ok
}

// SetStatus updates a registered token's validation status. It is a no-op
// if the secret is not registered.
func (r *Registry) SetStatus(secret string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[secret]; ok {
		t.Status = status
	}
}

// Touch stamps kind onto a registered token the first time it is presented
// against a given API surface. If the token already carries a different,
// resolved kind, the mismatch is reported so the caller can reject the
// request as out-of-scope rather than silently reassigning it.
func (r *Registry) Touch(secret string, kind Kind) (mismatch bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[secret]
	if !ok {
		return false
	}
	if t.Kind == KindUnknown {
		t.Kind = kind
		return false
	}
	return t.Kind != kind
}

// ResolveScope replaces a deferred "[]" scope with the concrete project
// list learned from upstream validation.
func (r *Registry) ResolveScope(secret string, projects []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[secret]; ok && t.DeferredScope {
		t.Projects = projects
		t.DeferredScope = false
	}
}

// Purge removes a token from the registry, e.g. once upstream reports it
// revoked and past its grace window.
func (r *Registry) Purge(secret string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, secret)
}

// All returns every registered token, in no particular order.
func (r *Registry) All() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t)
	}
	return out
}

// IterValidated returns every token currently in StatusValidated or
// StatusTrusted, the set eligible to drive refresh targets.
func (r *Registry) IterValidated() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		if t.Status == StatusValidated || t.Status == StatusTrusted {
			out = append(out, t)
		}
	}
	return out
}

// Len reports how many tokens are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}
