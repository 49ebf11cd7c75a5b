// Package store defines the versioned workflow definition store. The first
// create of an id pins version 1.0.0; publish applies a strict semver bump
// (patch, minor or major) on the latest version; versions are listed in
// creation order.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loomhq/loom/workflow"
)

type (
	// Bump selects the semver component advanced by a publish.
	Bump string

	// Metadata describes one stored workflow version.
	Metadata struct {
		// ID identifies the workflow across versions.
		ID string `json:"id" bson:"id"`
		// Version is the strict semver label of this revision.
		Version string `json:"version" bson:"version"`
		// CreatedAt records when the version was stored (UTC).
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
		// UpdatedAt tracks metadata edits; equals CreatedAt initially.
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
		// Description is free-form.
		Description string `json:"description,omitempty" bson:"description,omitempty"`
		// Tags label the version.
		Tags []string `json:"tags,omitempty" bson:"tags,omitempty"`
	}

	// Version pairs metadata with the definition it describes.
	Version struct {
		Metadata   Metadata            `json:"metadata" bson:"metadata"`
		Definition workflow.Definition `json:"definition" bson:"definition"`
	}

	// CreateOptions annotate the initial version.
	CreateOptions struct {
		Description string
		Tags        []string
	}

	// Store is the versioned workflow definition contract.
	Store interface {
		// Create stores the first version of the workflow at 1.0.0. A second
		// create of the same id fails with ErrExists.
		Create(ctx context.Context, id string, def workflow.Definition, opts CreateOptions) (*Version, error)

		// Publish stores a new version whose label is the latest version
		// bumped per the semver rule.
		Publish(ctx context.Context, id string, def workflow.Definition, bump Bump) (*Version, error)

		// Get returns the latest version of the workflow.
		Get(ctx context.Context, id string) (*Version, error)

		// GetVersion returns one specific version.
		GetVersion(ctx context.Context, id, version string) (*Version, error)

		// ListVersions returns every version of the workflow in creation
		// order.
		ListVersions(ctx context.Context, id string) ([]Version, error)
	}
)

// Semver bumps.
const (
	BumpPatch Bump = "patch"
	BumpMinor Bump = "minor"
	BumpMajor Bump = "major"
)

// InitialVersion is the label pinned by Create.
const InitialVersion = "1.0.0"

var (
	// ErrNotFound reports that the workflow or version does not exist.
	ErrNotFound = errors.New("workflow not found")
	// ErrExists reports a duplicate create.
	ErrExists = errors.New("workflow already exists")
)

// NextVersion applies the bump to a strict M.m.p version label.
func NextVersion(current string, bump Bump) (string, error) {
	parts := strings.Split(current, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed version %q", current)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return "", fmt.Errorf("malformed version %q", current)
		}
		nums[i] = n
	}
	switch bump {
	case BumpMajor:
		nums[0], nums[1], nums[2] = nums[0]+1, 0, 0
	case BumpMinor:
		nums[1], nums[2] = nums[1]+1, 0
	case BumpPatch:
		nums[2]++
	default:
		return "", fmt.Errorf("unknown version bump %q", bump)
	}
	return fmt.Sprintf("%d.%d.%d", nums[0], nums[1], nums[2]), nil
}
