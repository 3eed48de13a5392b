package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/kv"
	"github.com/alexjbarnes/toolpay/internal/models"
)

const (
	clientPrefix = "client:"

	clientIDBytes     = 16
	clientSecretBytes = 32
)

// Clients is the OAuth client registry.
type Clients struct {
	store  kv.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewClients returns a registry backed by store.
func NewClients(store kv.Store, logger *slog.Logger) *Clients {
	return &Clients{store: store, logger: logger, now: time.Now}
}

func clientKey(clientID string) string {
	return clientPrefix + clientID
}

// RegisterStatic provisions a client owned by owner from the start. The
// secret is returned once and never stored.
func (c *Clients) RegisterStatic(ctx context.Context, owner, name string, scopes []string, redirectURIs ...string) (string, string, error) {
	if owner == "" {
		return "", "", fmt.Errorf("static client needs an owner: %w", apperrors.ErrInvalidRequest)
	}

	return c.register(ctx, &models.OAuthClient{
		Owner:        owner,
		ClientName:   name,
		RedirectURIs: redirectURIs,
		Scopes:       scopes,
	})
}

// RegisterDynamic stores a self-registered client. It has no owner until
// the first principal approves an authorization for it.
func (c *Clients) RegisterDynamic(ctx context.Context, name string, redirectURIs, grantTypes, scopes []string) (string, string, error) {
	return c.register(ctx, &models.OAuthClient{
		ClientName:   name,
		RedirectURIs: redirectURIs,
		GrantTypes:   grantTypes,
		Scopes:       scopes,
		Dynamic:      true,
	})
}

func (c *Clients) register(ctx context.Context, client *models.OAuthClient) (string, string, error) {
	if len(client.Scopes) == 0 {
		client.Scopes = SupportedScopes
	}

	secret := RandomHex(clientSecretBytes)
	client.SecretHash = HashSecret(secret)
	client.CreatedAt = c.now().UTC()

	for range 3 {
		client.ClientID = RandomHex(clientIDBytes)

		ok, err := kv.CreateJSON(ctx, c.store, clientKey(client.ClientID), client, 0)
		if err != nil {
			return "", "", fmt.Errorf("storing client: %w", err)
		}

		if ok {
			c.logger.Info("client registered",
				slog.String("client_id", client.ClientID),
				slog.String("client_name", client.ClientName),
				slog.Bool("dynamic", client.Dynamic),
			)

			return client.ClientID, secret, nil
		}
	}

	return "", "", fmt.Errorf("allocating client id: %w", apperrors.ErrServer)
}

// Get returns the client record. Unknown clients yield ErrNotFound.
func (c *Clients) Get(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	client, _, err := kv.GetJSON[models.OAuthClient](ctx, c.store, clientKey(clientID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("client %s: %w", clientID, apperrors.ErrNotFound)
	}

	if err != nil {
		return nil, err
	}

	return client, nil
}

// AssignOwnerIfUnset binds the client to principal unless it already
// has an owner. Losing the race is not an error: callers must re-read
// the client and compare owners.
func (c *Clients) AssignOwnerIfUnset(ctx context.Context, clientID, principal string) error {
	_, err := kv.Mutate(ctx, c.store, clientKey(clientID), kv.NoTTL[models.OAuthClient], func(client *models.OAuthClient) error {
		if client.HasOwner() {
			return kv.ErrNoChange
		}

		client.Owner = principal

		return nil
	})
	if errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("client %s: %w", clientID, apperrors.ErrNotFound)
	}

	return err
}

// Verify checks the client secret in constant time. Unknown, revoked
// and mismatched clients all fail with invalid_client.
func (c *Clients) Verify(ctx context.Context, clientID, secret string) (*models.OAuthClient, error) {
	if clientID == "" || secret == "" {
		return nil, newError(CodeInvalidClient, "client authentication failed")
	}

	client, err := c.Get(ctx, clientID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, errServer("client lookup failed")
	}

	expected := HashSecret("\x00unknown-client")
	if client != nil {
		expected = client.SecretHash
	}

	match := subtle.ConstantTimeCompare([]byte(expected), []byte(HashSecret(secret))) == 1
	if client == nil || !match {
		c.logger.Warn("client authentication failed", slog.String("client_id", clientID))
		return nil, newError(CodeInvalidClient, "client authentication failed")
	}

	if client.Revoked {
		c.logger.Warn("revoked client presented credentials", slog.String("client_id", clientID))
		return nil, newError(CodeInvalidClient, "client has been revoked")
	}

	c.touch(ctx, clientID)

	return client, nil
}

// touch records client use. Failures are logged and ignored.
func (c *Clients) touch(ctx context.Context, clientID string) {
	now := c.now().UTC()

	_, err := kv.Mutate(ctx, c.store, clientKey(clientID), kv.NoTTL[models.OAuthClient], func(client *models.OAuthClient) error {
		client.LastUsedAt = &now
		return nil
	})
	if err != nil {
		c.logger.Debug("updating client last_used_at", slog.String("client_id", clientID), slog.Any("error", err))
	}
}

// Revoke permanently disables a client.
func (c *Clients) Revoke(ctx context.Context, clientID string) error {
	_, err := kv.Mutate(ctx, c.store, clientKey(clientID), kv.NoTTL[models.OAuthClient], func(client *models.OAuthClient) error {
		if client.Revoked {
			return kv.ErrNoChange
		}

		client.Revoked = true

		return nil
	})
	if errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("client %s: %w", clientID, apperrors.ErrNotFound)
	}

	if err != nil {
		return err
	}

	c.logger.Info("client revoked", slog.String("client_id", clientID))

	return nil
}

// List returns all registered clients.
func (c *Clients) List(ctx context.Context) ([]*models.OAuthClient, error) {
	entries, err := c.store.Scan(ctx, clientPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]*models.OAuthClient, 0, len(entries))
	for key, raw := range entries {
		var client models.OAuthClient
		if err := json.Unmarshal(raw, &client); err != nil {
			c.logger.Warn("skipping undecodable client", slog.String("key", key), slog.Any("error", err))
			continue
		}

		out = append(out, &client)
	}

	slices.SortFunc(out, func(a, b *models.OAuthClient) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return out, nil
}
