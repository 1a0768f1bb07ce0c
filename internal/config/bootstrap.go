package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/storage"
)

// Bootstrap seeds the default organization, project, admin key and the
// gateway-owned provider credentials. Every step is create-if-absent, so
// running it on every boot is safe.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	org, err := seedOrg(ctx, cfg.Bootstrap.Org, store)
	if err != nil {
		return fmt.Errorf("bootstrap org: %w", err)
	}
	project, err := seedProject(ctx, cfg.Bootstrap.Project, org.ID, store)
	if err != nil {
		return fmt.Errorf("bootstrap project: %w", err)
	}
	if err := seedAdminKey(ctx, cfg.Bootstrap.AdminKey, project.ID, store); err != nil {
		return fmt.Errorf("bootstrap admin key: %w", err)
	}
	if err := seedProviderKeys(ctx, cfg.Bootstrap.ProviderKeys, store); err != nil {
		return fmt.Errorf("bootstrap provider keys: %w", err)
	}
	return nil
}

func seedOrg(ctx context.Context, entry OrgEntry, store storage.Store) (*gateway.Organization, error) {
	id := entry.ID
	if id == "" {
		id = "org-default"
	}
	org, err := store.GetOrg(ctx, id)
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}

	credits := decimal.Zero
	if entry.Credits != "" {
		credits, err = decimal.NewFromString(entry.Credits)
		if err != nil {
			return nil, fmt.Errorf("credits %q: %w", entry.Credits, err)
		}
	}
	name := entry.Name
	if name == "" {
		name = "Default Organization"
	}
	plan := entry.Plan
	if plan == "" {
		plan = gateway.PlanFree
	}
	retention := entry.Retention
	if retention == "" {
		retention = gateway.RetentionRetain
	}

	now := time.Now().UTC()
	org = &gateway.Organization{
		ID:             id,
		Name:           name,
		Credits:        credits,
		Plan:           plan,
		RetentionLevel: retention,
		Status:         gateway.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateOrg(ctx, org); err != nil {
		return nil, err
	}
	slog.Info("bootstrapped organization", "id", org.ID, "name", org.Name)
	return org, nil
}

func seedProject(ctx context.Context, entry ProjectEntry, orgID string, store storage.Store) (*gateway.Project, error) {
	id := entry.ID
	if id == "" {
		id = "proj-default"
	}
	project, err := store.GetProject(ctx, id)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}

	name := entry.Name
	if name == "" {
		name = "Default Project"
	}
	mode := entry.Mode
	if mode == "" {
		mode = gateway.ModeHybrid
	}

	now := time.Now().UTC()
	project = &gateway.Project{
		ID:        id,
		OrgID:     orgID,
		Name:      name,
		Mode:      mode,
		Status:    gateway.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	slog.Info("bootstrapped project", "id", project.ID, "org_id", orgID)
	return project, nil
}

// seedAdminKey stores the configured admin key hash. With no key configured
// and none in the database it generates one and logs the plaintext, which is
// the only time the plaintext is ever visible.
func seedAdminKey(ctx context.Context, plaintext, projectID string, store storage.Store) error {
	generated := false
	if plaintext == "" {
		existing, err := store.ListKeys(ctx, projectID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		plaintext = GenerateAdminKey()
		generated = true
	}

	hash := gateway.HashKey(plaintext)
	if _, err := store.GetAuthByHash(ctx, hash); err == nil {
		return nil
	} else if !errors.Is(err, gateway.ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	key := &gateway.APIKey{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ProjectID:   projectID,
		KeyHash:     hash,
		MaskedKey:   maskKey(plaintext),
		Description: "admin key",
		Status:      gateway.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateKey(ctx, key); err != nil {
		return err
	}
	if generated {
		slog.Info("bootstrapped generated admin key", "key", plaintext)
	} else {
		slog.Info("bootstrapped admin key", "masked", key.MaskedKey)
	}
	return nil
}

func seedProviderKeys(ctx context.Context, entries []ProviderKeyEntry, store storage.Store) error {
	for _, entry := range entries {
		// A ${VAR} left unexpanded means the secret is not set in this
		// environment; seeding it as a literal token would poison routing.
		if entry.Token == "" || entry.Provider == "" || strings.HasPrefix(entry.Token, "${") {
			continue
		}
		// Gateway-owned credentials carry an empty org id.
		_, err := store.FindProviderKey(ctx, "", entry.Provider)
		if err == nil {
			continue
		}
		if !errors.Is(err, gateway.ErrNotFound) {
			return err
		}
		pk := &gateway.ProviderKey{
			ID:         uuid.Must(uuid.NewV7()).String(),
			ProviderID: entry.Provider,
			Token:      entry.Token,
			Status:     gateway.StatusActive,
			CreatedAt:  time.Now().UTC(),
		}
		if err := store.UpsertProviderKey(ctx, pk); err != nil {
			return err
		}
		slog.Info("bootstrapped provider key", "provider", entry.Provider)
	}
	return nil
}

func maskKey(plaintext string) string {
	if len(plaintext) <= 12 {
		return plaintext
	}
	return plaintext[:8] + "..." + plaintext[len(plaintext)-4:]
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
