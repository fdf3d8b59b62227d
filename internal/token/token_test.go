package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWildcardScope(t *testing.T) {
	tok, err := Parse("*:production.abcdef123")
	require.NoError(t, err)
	assert.True(t, tok.HasWildcardScope())
	assert.Equal(t, "production", tok.Environment)
	assert.False(t, tok.DeferredScope)
	assert.Equal(t, "*:production.abcdef123", tok.String())
}

func TestParseBareProjectName(t *testing.T) {
	tok, err := Parse("storefront:development.secretvalue")
	require.NoError(t, err)
	assert.Equal(t, []string{"storefront"}, tok.Projects)
	assert.True(t, tok.HasProject("storefront"))
	assert.False(t, tok.HasProject("other"))
}

func TestParseBracketedProjectList(t *testing.T) {
	tok, err := Parse("[beta,alpha]:production.xyz")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, tok.Projects)
	assert.Equal(t, "alpha,beta", tok.CanonicalProjectScope())
}

func TestParseEmptyBracketDefersScope(t *testing.T) {
	tok, err := Parse("[]:production.xyz")
	require.NoError(t, err)
	assert.True(t, tok.DeferredScope)
	assert.True(t, tok.HasWildcardScope())
	assert.Equal(t, "[]:production.xyz", tok.String())
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"production.nope",       // missing ':'
		"*:productionsecret",    // missing '.'
		":production.xyz",      // empty project scope
		"*:.xyz",                // empty environment
		"[alpha:production.xyz", // unbalanced bracket
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.Error(t, err, "input %q should fail to parse", c)
	}
}

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	a, _ := Parse("*:production.abc")
	first := r.Register(a)

	b, _ := Parse("*:production.abc")
	b.Status = StatusValidated
	second := r.Register(b)

	assert.Same(t, first, second)
	assert.Equal(t, StatusUnknown, second.Status, "register must not overwrite an existing entry")
}

func TestRegistrySetStatusAndIterValidated(t *testing.T) {
	r := NewRegistry()
	tok, _ := Parse("*:production.abc")
	r.Register(tok)

	assert.Empty(t, r.IterValidated())

	r.SetStatus(tok.Secret, StatusValidated)
	validated := r.IterValidated()
	require.Len(t, validated, 1)
	assert.Equal(t, tok.Secret, validated[0].Secret)
}

func TestRegistryTouchAssignsKindOnce(t *testing.T) {
	r := NewRegistry()
	tok, _ := Parse("*:production.abc")
	r.Register(tok)

	mismatch := r.Touch(tok.Secret, KindClient)
	assert.False(t, mismatch)
	assert.Equal(t, KindClient, tok.Kind)

	mismatch = r.Touch(tok.Secret, KindFrontend)
	assert.True(t, mismatch, "a token already bound to one surface must not silently rebind")
	assert.Equal(t, KindClient, tok.Kind, "kind must not change on mismatch")
}

func TestRegistryResolveScope(t *testing.T) {
	r := NewRegistry()
	tok, _ := Parse("[]:production.abc")
	r.Register(tok)

	r.ResolveScope(tok.Secret, []string{"checkout", "storefront"})
	assert.False(t, tok.DeferredScope)
	assert.Equal(t, []string{"checkout", "storefront"}, tok.Projects)
}

func TestRegistryPurgeAndAll(t *testing.T) {
	r := NewRegistry()
	a, _ := Parse("*:production.abc")
	b, _ := Parse("*:development.def")
	r.Register(a)
	r.Register(b)
	assert.Len(t, r.All(), 2)

	r.Purge(a.Secret)
	all := r.All()
	require.Len(t, all, 1)
	assert.Equal(t, b.Secret, all[0].Secret)
}
