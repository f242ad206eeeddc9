package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerClient(t *testing.T, store *ClientStore, authMethod string, redirects ...string) *ClientRegistrationResponse {
	t.Helper()
	resp, err := store.RegisterClient(&ClientRegistrationRequest{
		RedirectURIs:            redirects,
		TokenEndpointAuthMethod: authMethod,
	}, "127.0.0.1")
	require.NoError(t, err)
	return resp
}

func TestNewClientPolicy(t *testing.T) {
	store := NewClientStore(discardLogger())

	for name, want := range map[string]string{"": PolicyStrict, PolicyStrict: PolicyStrict, PolicyPermissive: PolicyPermissive} {
		p, err := NewClientPolicy(name, store)
		require.NoError(t, err)
		assert.Equal(t, want, p.Name())
	}

	_, err := NewClientPolicy("open", store)
	assert.Error(t, err)
}

func TestStrictPolicy(t *testing.T) {
	store := NewClientStore(discardLogger())
	policy, _ := NewClientPolicy(PolicyStrict, store)

	single := registerClient(t, store, AuthMethodNone, "https://app.example.com/cb")
	multi := registerClient(t, store, AuthMethodClientSecretPost, "https://a.example.com/cb", "https://b.example.com/cb")

	_, err := policy.ResolveClient("unknown")
	require.Error(t, err)
	assert.Equal(t, CodeInvalidClient, AsOAuthError(err).Code)

	client, err := policy.ResolveClient(single.ClientID)
	require.NoError(t, err)

	tests := []struct {
		name      string
		clientID  string
		requested string
		want      string
		wantErr   bool
	}{
		{name: "omitted with one registered", clientID: single.ClientID, want: "https://app.example.com/cb"},
		{name: "exact match", clientID: multi.ClientID, requested: "https://b.example.com/cb", want: "https://b.example.com/cb"},
		{name: "omitted with several registered", clientID: multi.ClientID, wantErr: true},
		{name: "unregistered", clientID: single.ClientID, requested: "https://evil.example.com/cb", wantErr: true},
		{name: "prefix is not a match", clientID: single.ClientID, requested: "https://app.example.com/cb/extra", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := policy.ResolveClient(tt.clientID)
			require.NoError(t, err)
			got, err := policy.ResolveRedirectURI(c, tt.requested)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, CodeInvalidRequest, AsOAuthError(err).Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.NoError(t, policy.AuthenticateClient(client, ""), "public clients need no secret")

	confidential, _ := policy.ResolveClient(multi.ClientID)
	assert.Error(t, policy.AuthenticateClient(confidential, ""))
	assert.Error(t, policy.AuthenticateClient(confidential, "wrong"))
	assert.NoError(t, policy.AuthenticateClient(confidential, multi.ClientSecret))
}

func TestPermissivePolicy(t *testing.T) {
	store := NewClientStore(discardLogger())
	policy, _ := NewClientPolicy(PolicyPermissive, store)

	client, err := policy.ResolveClient("c1")
	require.NoError(t, err)
	assert.True(t, client.Ephemeral)
	assert.True(t, client.IsPublic())
	assert.Equal(t, 0, store.Len(), "ephemeral clients are not stored")

	redirect, err := policy.ResolveRedirectURI(client, "https://app/cb")
	require.NoError(t, err)
	assert.Equal(t, "https://app/cb", redirect)

	_, err = policy.ResolveRedirectURI(client, "")
	assert.Error(t, err, "no registered redirect to fall back to")

	registered := registerClient(t, store, AuthMethodClientSecretPost, "https://app.example.com/cb")
	c, err := policy.ResolveClient(registered.ClientID)
	require.NoError(t, err)
	assert.False(t, c.Ephemeral)
	redirect, err = policy.ResolveRedirectURI(c, "")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/cb", redirect)
	assert.NoError(t, policy.AuthenticateClient(c, ""), "secrets are not checked")

	_, err = policy.ResolveClient("")
	assert.Error(t, err)
}
