package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClients() (*Clients, *kv.Memory) {
	store := kv.NewMemory()
	return NewClients(store, testLogger()), store
}

func TestClients_RegisterStatic(t *testing.T) {
	c, store := newTestClients()
	ctx := context.Background()

	id, secret, err := c.RegisterStatic(ctx, "alice", "CLI", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotEmpty(t, secret)

	client, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", client.Owner)
	assert.False(t, client.Dynamic)
	assert.Equal(t, []string{ScopeTools}, client.Scopes)
	assert.Equal(t, HashSecret(secret), client.SecretHash)

	raw, err := store.Get(ctx, clientKey(id))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), secret, "plaintext secret must not be stored")
}

func TestClients_RegisterStatic_RequiresOwner(t *testing.T) {
	c, _ := newTestClients()

	_, _, err := c.RegisterStatic(context.Background(), "", "CLI", nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestClients_RegisterDynamic_Unowned(t *testing.T) {
	c, _ := newTestClients()
	ctx := context.Background()

	id, _, err := c.RegisterDynamic(ctx, "App", []string{testRedirect}, []string{"authorization_code"}, nil)
	require.NoError(t, err)

	client, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, client.HasOwner())
	assert.True(t, client.Dynamic)
	assert.Equal(t, []string{testRedirect}, client.RedirectURIs)
}

func TestClients_Get_Unknown(t *testing.T) {
	c, _ := newTestClients()

	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestClients_AssignOwnerIfUnset(t *testing.T) {
	c, _ := newTestClients()
	ctx := context.Background()

	id, _, err := c.RegisterDynamic(ctx, "App", []string{testRedirect}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.AssignOwnerIfUnset(ctx, id, "alice"))
	// Second assignment is a silent no-op.
	require.NoError(t, c.AssignOwnerIfUnset(ctx, id, "bob"))

	client, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", client.Owner)
}

func TestClients_AssignOwnerIfUnset_Unknown(t *testing.T) {
	c, _ := newTestClients()

	err := c.AssignOwnerIfUnset(context.Background(), "missing", "alice")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestClients_AssignOwnerIfUnset_Concurrent(t *testing.T) {
	c, _ := newTestClients()
	ctx := context.Background()

	id, _, err := c.RegisterDynamic(ctx, "App", []string{testRedirect}, nil, nil)
	require.NoError(t, err)

	principals := []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7"}

	var wg sync.WaitGroup
	for _, p := range principals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.AssignOwnerIfUnset(ctx, id, p))
		}()
	}
	wg.Wait()

	client, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, principals, client.Owner)

	// Owner never changes afterwards.
	require.NoError(t, c.AssignOwnerIfUnset(ctx, id, "late"))
	again, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, client.Owner, again.Owner)
}

func TestClients_Verify(t *testing.T) {
	c, _ := newTestClients()
	ctx := context.Background()

	id, secret, err := c.RegisterStatic(ctx, "alice", "CLI", nil)
	require.NoError(t, err)

	client, err := c.Verify(ctx, id, secret)
	require.NoError(t, err)
	assert.Equal(t, id, client.ClientID)

	stored, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastUsedAt)
}

func TestClients_Verify_Failures(t *testing.T) {
	c, _ := newTestClients()
	ctx := context.Background()

	id, secret, err := c.RegisterStatic(ctx, "alice", "CLI", nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		clientID string
		secret   string
	}{
		{"wrong secret", id, "nope"},
		{"unknown client", "missing", secret},
		{"empty secret", id, ""},
		{"empty id", "", secret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Verify(ctx, tt.clientID, tt.secret)
			assertOAuthError(t, err, CodeInvalidClient)
			assert.True(t, errors.Is(err, apperrors.ErrInvalidClient))
		})
	}
}

func TestClients_Revoke(t *testing.T) {
	c, _ := newTestClients()
	ctx := context.Background()

	id, secret, err := c.RegisterStatic(ctx, "alice", "CLI", nil)
	require.NoError(t, err)

	require.NoError(t, c.Revoke(ctx, id))
	require.NoError(t, c.Revoke(ctx, id), "revoking twice is harmless")

	_, err = c.Verify(ctx, id, secret)
	assertOAuthError(t, err, CodeInvalidClient)

	assert.ErrorIs(t, c.Revoke(ctx, "missing"), apperrors.ErrNotFound)
}

func TestClients_List(t *testing.T) {
	c, _ := newTestClients()
	ctx := context.Background()

	_, _, err := c.RegisterStatic(ctx, "alice", "one", nil)
	require.NoError(t, err)
	_, _, err = c.RegisterDynamic(ctx, "two", []string{testRedirect}, nil, nil)
	require.NoError(t, err)

	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
