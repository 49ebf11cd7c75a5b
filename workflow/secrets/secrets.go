// Package secrets defines the versioned secrets contract used by workflow
// expressions. Secrets are multi-version: each set creates a new version with
// a monotonic creation timestamp, getSecret without a version returns the
// latest enabled non-expired one, and delete is a soft delete that disables
// every version. Listing exposes properties only, never values.
package secrets

import (
	"context"
	"errors"
	"time"
)

type (
	// Secret is one secret version with its value.
	Secret struct {
		Name        string            `json:"name" bson:"name"`
		Version     string            `json:"version" bson:"version"`
		Value       string            `json:"value" bson:"value"`
		Enabled     bool              `json:"enabled" bson:"enabled"`
		ContentType string            `json:"content_type,omitempty" bson:"content_type,omitempty"`
		Tags        map[string]string `json:"tags,omitempty" bson:"tags,omitempty"`
		CreatedAt   time.Time         `json:"created_at" bson:"created_at"`
		// ExpiresOn hides the version after the given instant. Zero means
		// the version never expires.
		ExpiresOn time.Time `json:"expires_on,omitempty" bson:"expires_on,omitempty"`
	}

	// Properties is the value-free view of a secret version.
	Properties struct {
		Name        string            `json:"name" bson:"name"`
		Version     string            `json:"version" bson:"version"`
		Enabled     bool              `json:"enabled" bson:"enabled"`
		ContentType string            `json:"content_type,omitempty" bson:"content_type,omitempty"`
		Tags        map[string]string `json:"tags,omitempty" bson:"tags,omitempty"`
		CreatedAt   time.Time         `json:"created_at" bson:"created_at"`
		ExpiresOn   time.Time         `json:"expires_on,omitempty" bson:"expires_on,omitempty"`
	}

	// SetOptions shape a new secret version.
	SetOptions struct {
		// Enabled defaults to true when nil.
		Enabled *bool
		// ExpiresOn hides the version after the given instant when non-zero.
		ExpiresOn time.Time
		// ContentType annotates the value format.
		ContentType string
		// Tags label the version.
		Tags map[string]string
	}

	// Store is the versioned secrets contract.
	Store interface {
		// GetSecret returns the named secret. An empty version selects the
		// latest enabled, non-expired version. Disabled or expired versions
		// are not returned even when addressed explicitly.
		GetSecret(ctx context.Context, name, version string) (*Secret, error)

		// SetSecret creates a new version of the secret and returns it.
		SetSecret(ctx context.Context, name, value string, opts SetOptions) (*Secret, error)

		// DeleteSecret disables every version of the secret. The versions
		// remain stored; none is returned by GetSecret afterwards.
		DeleteSecret(ctx context.Context, name string) error

		// ListSecrets returns the properties of the latest version of every
		// secret, values excluded.
		ListSecrets(ctx context.Context) ([]Properties, error)
	}
)

// ErrNotFound reports that no matching secret version exists.
var ErrNotFound = errors.New("secret not found")

// Props returns the value-free view of the secret.
func (s *Secret) Props() Properties {
	return Properties{
		Name:        s.Name,
		Version:     s.Version,
		Enabled:     s.Enabled,
		ContentType: s.ContentType,
		Tags:        s.Tags,
		CreatedAt:   s.CreatedAt,
		ExpiresOn:   s.ExpiresOn,
	}
}

// Usable reports whether the version may be served at the given instant.
func (s *Secret) Usable(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if !s.ExpiresOn.IsZero() && !now.Before(s.ExpiresOn) {
		return false
	}
	return true
}
