package tooltest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/health-record-mcp/internal/transport"
)

var _ transport.Verifier = StoreVerifier{}

func TestNewEnv_BindsTransport(t *testing.T) {
	env := NewEnv(t, `{"fhir":{"Patient":[{"resourceType":"Patient","id":"p1"}]}}`)

	s, err := env.Server.Binder().Resolve(env.TransportID)
	require.NoError(t, err)
	assert.Equal(t, env.Session.ID, s.ID)

	_, err = env.Server.Binder().Attach(context.Background(), "not-a-token", "")
	assert.Error(t, err)
}

func TestStoreVerifier(t *testing.T) {
	env := NewEnv(t, `{"fhir":{"Patient":[{"resourceType":"Patient","id":"p1"}]}}`)
	v := StoreVerifier{Store: env.Store}

	s, err := v.Verify(env.Token)
	require.NoError(t, err)
	assert.Equal(t, env.Session.ID, s.ID)

	revoked, err := env.Store.Revoke(context.Background(), env.Token)
	require.NoError(t, err)
	require.True(t, revoked)
	_, err = v.Verify(env.Token)
	assert.Error(t, err)
}
