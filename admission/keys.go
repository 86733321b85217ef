// Package admission gates execution requests: authentication, rate limiting,
// request validation and spending caps, in that order.
package admission

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
)

// KeyPrefix starts every issued API key
const KeyPrefix = "cp_"

// AuthContext identifies the caller of an admitted request
type AuthContext struct {
	OrganizationID string `json:"organizationId"`
	APIKeyID       string `json:"apiKeyId"`
}

// APIKey is a stored key. The plaintext is never stored.
type APIKey struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	Name           string     `json:"name"`
	Prefix         string     `json:"prefix"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
}

// KeyStore persists API keys as sha256 hashes.
type KeyStore struct {
	db  *db.DB
	now func() time.Time
}

// NewKeyStore creates a key store
func NewKeyStore(conn *db.DB) *KeyStore {
	return &KeyStore{db: conn, now: time.Now}
}

// HashKey returns the stored form of a plaintext key
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Create issues a key for an organization. The plaintext is returned once.
func (s *KeyStore) Create(ctx context.Context, organizationID, name string) (string, *APIKey, error) {
	if organizationID == "" {
		return "", nil, errors.New("organization id is required")
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, errors.Wrap(err, "failed to generate key")
	}
	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(secret)

	key := &APIKey{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		Name:           name,
		Prefix:         plaintext[:len(KeyPrefix)+6],
		CreatedAt:      s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_keys (id, organization_id, name, key_hash, prefix, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.OrganizationID, key.Name, HashKey(plaintext), key.Prefix, db.FormatTime(key.CreatedAt))
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to store api key")
	}
	return plaintext, key, nil
}

// Authenticate resolves a plaintext key. Unknown and revoked keys are
// authentication errors; datastore failures are returned as-is.
func (s *KeyStore) Authenticate(ctx context.Context, plaintext string) (*AuthContext, error) {
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return nil, errors.NewAuthenticationError("missing API key")
	}

	var id, org string
	var revokedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, revoked_at FROM api_keys WHERE key_hash = ?`, HashKey(plaintext)).
		Scan(&id, &org, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewAuthenticationError("invalid API key")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up api key")
	}
	if revokedAt.Valid {
		return nil, errors.NewAuthenticationError("API key has been revoked")
	}

	// Usage timestamp is informational
	_, _ = s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		db.FormatTime(s.now().UTC()), id)

	return &AuthContext{OrganizationID: org, APIKeyID: id}, nil
}

// Revoke disables a key
func (s *KeyStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		db.FormatTime(s.now().UTC()), id)
	if err != nil {
		return errors.Wrap(err, "failed to revoke api key")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("active api key %s not found", id)
	}
	return nil
}

// List returns an organization's keys, newest first
func (s *KeyStore) List(ctx context.Context, organizationID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, organization_id, name, prefix, created_at, last_used_at, revoked_at
		FROM api_keys WHERE organization_id = ? ORDER BY created_at DESC`, organizationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list api keys")
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var createdAt string
		var lastUsed, revoked sql.NullString
		if err := rows.Scan(&k.ID, &k.OrganizationID, &k.Name, &k.Prefix, &createdAt, &lastUsed, &revoked); err != nil {
			return nil, errors.Wrap(err, "failed to scan api key")
		}
		if k.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if k.LastUsedAt, err = db.ParseNullTime(lastUsed); err != nil {
			return nil, err
		}
		if k.RevokedAt, err = db.ParseNullTime(revoked); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
