package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/workflow/secrets"
)

func TestSetAndGetLatest(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.SetSecret(ctx, "api-key", "v1", secrets.SetOptions{})
	require.NoError(t, err)
	sec, err := s.SetSecret(ctx, "api-key", "v2", secrets.SetOptions{ContentType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, "2", sec.Version)

	got, err := s.GetSecret(ctx, "api-key", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Value)

	got, err = s.GetSecret(ctx, "api-key", "1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Value)
}

func TestGetMissing(t *testing.T) {
	s := New()
	_, err := s.GetSecret(context.Background(), "ghost", "")
	require.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestDisabledVersionHidden(t *testing.T) {
	ctx := context.Background()
	s := New()
	disabled := false
	_, err := s.SetSecret(ctx, "api-key", "v1", secrets.SetOptions{})
	require.NoError(t, err)
	_, err = s.SetSecret(ctx, "api-key", "v2", secrets.SetOptions{Enabled: &disabled})
	require.NoError(t, err)

	// The latest version is disabled, so the previous one is served.
	got, err := s.GetSecret(ctx, "api-key", "")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Value)

	_, err = s.GetSecret(ctx, "api-key", "2")
	require.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestExpiredVersionHidden(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()
	s.SetClock(func() time.Time { return now })

	_, err := s.SetSecret(ctx, "token", "short-lived", secrets.SetOptions{ExpiresOn: now.Add(time.Hour)})
	require.NoError(t, err)

	got, err := s.GetSecret(ctx, "token", "")
	require.NoError(t, err)
	assert.Equal(t, "short-lived", got.Value)

	now = now.Add(2 * time.Hour)
	_, err = s.GetSecret(ctx, "token", "")
	require.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestSoftDeleteDisablesAllVersions(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.SetSecret(ctx, "api-key", "v1", secrets.SetOptions{})
	require.NoError(t, err)
	_, err = s.SetSecret(ctx, "api-key", "v2", secrets.SetOptions{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSecret(ctx, "api-key"))
	_, err = s.GetSecret(ctx, "api-key", "")
	require.ErrorIs(t, err, secrets.ErrNotFound)
	_, err = s.GetSecret(ctx, "api-key", "1")
	require.ErrorIs(t, err, secrets.ErrNotFound)

	require.ErrorIs(t, s.DeleteSecret(ctx, "ghost"), secrets.ErrNotFound)
}

func TestListExposesPropertiesOnly(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.SetSecret(ctx, "b-key", "v1", secrets.SetOptions{})
	require.NoError(t, err)
	_, err = s.SetSecret(ctx, "a-key", "v1", secrets.SetOptions{Tags: map[string]string{"env": "test"}})
	require.NoError(t, err)
	_, err = s.SetSecret(ctx, "a-key", "v2", secrets.SetOptions{})
	require.NoError(t, err)

	props, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.Equal(t, "a-key", props[0].Name)
	assert.Equal(t, "2", props[0].Version)
	assert.Equal(t, "b-key", props[1].Name)
}
