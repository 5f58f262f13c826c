package repository

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"time"
)

// Client mirrors the 'oauth_clients' table. The URI and grant lists are
// stored as JSON text columns.
type Client struct {
	ClientID      string
	ClientSecret  string
	ClientName    string
	RedirectURIs  []string
	GrantTypes    []string
	ResponseTypes []string
	Scope         string
	IsActive      bool
	CreatedAt     time.Time
}

// AllowsRedirect reports whether uri is an exact member of the registered
// set. No prefix or wildcard matching.
func (c Client) AllowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AllowsGrant reports whether the grant type is registered for this client.
func (c Client) AllowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// ClientRepo owns the oauth_clients table. Clients are deactivated rather
// than deleted so issued tokens keep a resolvable owner.
type ClientRepo struct{ DB *sql.DB }

func NewClientRepo(db *sql.DB) *ClientRepo { return &ClientRepo{DB: db} }

// Get fetches a client by id.
func (r *ClientRepo) Get(ctx context.Context, clientID string) (Client, error) {
	var (
		c                                   Client
		redirectURIs, grantTypes, respTypes []byte
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT client_id,client_secret,client_name,redirect_uris,grant_types,response_types,scope,is_active,created_at FROM oauth_clients WHERE client_id=? LIMIT 1",
		clientID).Scan(&c.ClientID, &c.ClientSecret, &c.ClientName,
		&redirectURIs, &grantTypes, &respTypes, &c.Scope, &c.IsActive, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return Client{}, ErrUnknownClient
	}
	if err != nil {
		return Client{}, err
	}
	_ = json.Unmarshal(redirectURIs, &c.RedirectURIs)
	_ = json.Unmarshal(grantTypes, &c.GrantTypes)
	_ = json.Unmarshal(respTypes, &c.ResponseTypes)
	return c, nil
}

// Authenticate resolves a client and checks its secret. The failure order is
// unknown -> inactive -> bad secret, and the secret comparison is constant
// time.
func (r *ClientRepo) Authenticate(ctx context.Context, clientID, clientSecret string) (Client, error) {
	c, err := r.Get(ctx, clientID)
	if err != nil {
		return Client{}, err
	}
	if !c.IsActive {
		return Client{}, ErrClientInactive
	}
	if subtle.ConstantTimeCompare([]byte(c.ClientSecret), []byte(clientSecret)) != 1 {
		return Client{}, ErrInvalidClientSecret
	}
	return c, nil
}

// Ensure inserts the client if it does not exist yet. Used at startup for
// the first-party client so every instance converges on the same row.
func (r *ClientRepo) Ensure(ctx context.Context, c Client) error {
	redirectURIs, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return err
	}
	grantTypes, err := json.Marshal(c.GrantTypes)
	if err != nil {
		return err
	}
	respTypes, err := json.Marshal(c.ResponseTypes)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO oauth_clients (client_id, client_secret, client_name, redirect_uris, grant_types, response_types, scope, is_active)
		 VALUES (?,?,?,?,?,?,?,1)
		 ON DUPLICATE KEY UPDATE client_id = client_id`,
		c.ClientID, c.ClientSecret, c.ClientName, redirectURIs, grantTypes, respTypes, c.Scope)
	return err
}

// Deactivate turns a client off; every grant it attempts afterwards fails.
func (r *ClientRepo) Deactivate(ctx context.Context, clientID string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE oauth_clients SET is_active=0 WHERE client_id=?", clientID)
	return err
}
