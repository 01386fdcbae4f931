// Package apikey manages the per-project API credential lifecycle.
// Raw keys exist only in the response that creates them; the database
// holds a bcrypt hash plus a short cleartext prefix for lookup.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ignite/email-relay/internal/mailer"
)

const (
	// KeyTag is the public prefix identifying this credential family.
	KeyTag = "esp_"

	// randomBytes of entropy behind each key, URL-safe encoded.
	randomBytes = 48

	// PrefixLength is how many leading characters are stored in
	// cleartext for lookup. Long enough to narrow the candidate set
	// to a handful of rows without a uniqueness constraint.
	PrefixLength = 12

	bcryptCost = 10
)

// Key is freshly generated credential material. Raw is shown to the
// caller exactly once; only Prefix and Hash are persisted.
type Key struct {
	Raw    string
	Prefix string
	Hash   string
}

// Generate produces a new API key. Pure generation; persisting the
// hash and prefix is the caller's job.
func Generate() (Key, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return Key{}, fmt.Errorf("read random: %w", err)
	}

	raw := KeyTag + base64.RawURLEncoding.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcryptCost)
	if err != nil {
		return Key{}, fmt.Errorf("hash key: %w", err)
	}

	return Key{
		Raw:    raw,
		Prefix: raw[:PrefixLength],
		Hash:   string(hash),
	}, nil
}

// Manager validates and rotates project credentials against the store.
type Manager struct {
	store *mailer.Store
}

// NewManager creates a credential manager
func NewManager(store *mailer.Store) *Manager {
	return &Manager{store: store}
}

// Validate resolves a raw key to its active project, or (nil, nil).
// Wrong key, expired key and unknown prefix all fail identically so a
// caller cannot probe which part was wrong.
func (m *Manager) Validate(ctx context.Context, rawKey string) (*mailer.Project, error) {
	if len(rawKey) < PrefixLength || !strings.HasPrefix(rawKey, KeyTag) {
		return nil, nil
	}

	project, err := m.store.GetActiveProjectByPrefix(ctx, rawKey[:PrefixLength])
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, nil
	}

	if bcrypt.CompareHashAndPassword([]byte(project.APIKeyHash), []byte(rawKey)) != nil {
		return nil, nil
	}

	if project.APIKeyExpiresAt != nil && project.APIKeyExpiresAt.Before(time.Now().UTC()) {
		return nil, nil
	}

	return project, nil
}

// Rotate replaces a project's credential in one update and returns the
// new raw key. The old key stops validating the moment this commits;
// there is no grace period.
func (m *Manager) Rotate(ctx context.Context, project *mailer.Project) (string, error) {
	key, err := Generate()
	if err != nil {
		return "", err
	}

	if err := m.store.UpdateProjectKey(ctx, project.ID, key.Hash, key.Prefix); err != nil {
		return "", fmt.Errorf("update key material: %w", err)
	}

	project.APIKeyHash = key.Hash
	project.APIKeyPrefix = key.Prefix
	return key.Raw, nil
}
