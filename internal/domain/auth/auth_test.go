package auth

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKeys struct {
	byHash map[string]*APIKeyInfo
}

func (m *mockKeys) FindByHash(_ context.Context, hash string) (*APIKeyInfo, error) {
	if k, ok := m.byHash[hash]; ok {
		return k, nil
	}
	return nil, errors.New("not found")
}

func (m *mockKeys) Upsert(_ context.Context, info APIKeyInfo) error {
	m.byHash[info.KeyHash] = &info
	return nil
}

func newAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	pepper := []byte("pepper")
	keys := &mockKeys{byHash: map[string]*APIKeyInfo{}}
	require.NoError(t, keys.Upsert(context.Background(), APIKeyInfo{
		ID: "ops", KeyHash: HashAPIKey(pepper, "admin-key"), Name: "Ops", Scopes: []string{"admin"},
	}))
	require.NoError(t, keys.Upsert(context.Background(), APIKeyInfo{
		ID: "shop", KeyHash: HashAPIKey(pepper, "shop-key"), Name: "Shop", Scopes: []string{"create_order"},
	}))
	return NewAuthenticator(keys, pepper, []byte("jwt-secret"), "storefront")
}

func TestAuthenticator_APIKey(t *testing.T) {
	a := newAuthenticator(t)
	ctx := context.Background()

	p, err := a.APIKey(ctx, "admin-key")
	require.NoError(t, err)
	assert.True(t, p.IsAdmin())
	assert.Equal(t, "apikey:ops", p.Subject)

	p, err = a.APIKey(ctx, "shop-key")
	require.NoError(t, err)
	assert.False(t, p.IsAdmin())

	_, err = a.APIKey(ctx, "wrong")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = a.APIKey(ctx, "")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticator_Bearer(t *testing.T) {
	a := newAuthenticator(t)

	token, err := a.Issue("staff-1", RoleAdmin, time.Hour)
	require.NoError(t, err)

	p, err := a.Bearer(token)
	require.NoError(t, err)
	assert.Equal(t, "staff-1", p.Subject)
	assert.True(t, p.IsAdmin())
	assert.Equal(t, "jwt", p.Method)
}

func TestAuthenticator_BearerRejected(t *testing.T) {
	a := newAuthenticator(t)

	expired, err := a.Issue("staff-1", RoleAdmin, -time.Minute)
	require.NoError(t, err)
	_, err = a.Bearer(expired)
	require.ErrorIs(t, err, ErrUnauthorized)

	other := NewAuthenticator(nil, nil, []byte("different"), "storefront")
	forged, err := other.Issue("staff-1", RoleAdmin, time.Hour)
	require.NoError(t, err)
	_, err = a.Bearer(forged)
	require.ErrorIs(t, err, ErrUnauthorized)

	wrongIssuer := NewAuthenticator(nil, nil, []byte("jwt-secret"), "elsewhere")
	tok, err := wrongIssuer.Issue("staff-1", RoleAdmin, time.Hour)
	require.NoError(t, err)
	_, err = a.Bearer(tok)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = a.Bearer("not.a.token")
	require.ErrorIs(t, err, ErrUnauthorized)

	disabled := NewAuthenticator(nil, nil, nil, "")
	_, err = disabled.Bearer(tok)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))

	p := &Principal{Subject: "x", Role: RoleAdmin}
	assert.Same(t, p, FromContext(WithPrincipal(ctx, p)))

	var nilP *Principal
	assert.False(t, nilP.IsAdmin())
}
