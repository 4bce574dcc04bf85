package tenants

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFromHost(t *testing.T) {
	res := NewResolver(Options{BaseDomain: "lti.example.com", HostIsTenant: true, ForceHTTPS: true})

	r := httptest.NewRequest("GET", "http://school-a.lti.example.com/jwks", nil)
	tenant, issuer, err := res.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "school-a", tenant)
	assert.Equal(t, "https://school-a.lti.example.com", issuer)
}

func TestResolveFromPath(t *testing.T) {
	res := NewResolver(Options{BaseDomain: "lti.example.com", PathPrefix: "t"})

	r := httptest.NewRequest("GET", "http://lti.example.com/t/district-9/lti/login", nil)
	tenant, issuer, err := res.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "district-9", tenant)
	assert.Equal(t, "http://lti.example.com/t/district-9", issuer)
}

func TestResolveHeaderOnlyWhenConfigured(t *testing.T) {
	r := httptest.NewRequest("GET", "http://lti.example.com/jwks", nil)
	r.Header.Set("X-ME-Tenant", "evil")

	_, _, err := NewResolver(Options{BaseDomain: "lti.example.com", HostIsTenant: true}).Resolve(r)
	assert.Error(t, err)

	tenant, _, err := NewResolver(Options{HeaderKey: "X-ME-Tenant"}).Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "evil", tenant)
}

func TestResolveRejectsBadTenantToken(t *testing.T) {
	r := httptest.NewRequest("GET", "http://x/", nil)
	r.Header.Set("X-ME-Tenant", "../etc")
	_, _, err := NewResolver(Options{HeaderKey: "X-ME-Tenant"}).Resolve(r)
	assert.ErrorIs(t, err, errBadTenantToken)
}

func TestIssuerForTenant(t *testing.T) {
	iss, err := NewResolver(Options{BaseDomain: "lti.example.com", HostIsTenant: true}).
		IssuerForTenant(context.Background(), "School-A")
	require.NoError(t, err)
	assert.Equal(t, "https://school-a.lti.example.com", iss)

	_, err = NewResolver(Options{}).IssuerForTenant(context.Background(), "a")
	assert.Error(t, err)
}
