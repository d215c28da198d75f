package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upperCipher struct{}

func (upperCipher) Encrypt(s string) (string, error) { return "enc:" + strings.ToUpper(s), nil }
func (upperCipher) Decrypt(s string) (string, error) {
	return strings.ToLower(strings.TrimPrefix(s, "enc:")), nil
}

func TestTestStores_ShareDatabase(t *testing.T) {
	stores := TestStores(t, nil)
	ctx := context.Background()

	SeedProfile(t, stores.Profiles, ProfileFixture("u1"))
	ok, err := stores.Quota.Reserve(ctx, "textbelt", 1, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	var profiles, quotas int
	require.NoError(t, stores.DB.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM user_profiles`).Scan(&profiles))
	require.NoError(t, stores.DB.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM provider_quotas`).Scan(&quotas))
	assert.Equal(t, 1, profiles)
	assert.Equal(t, 1, quotas)
}

func TestTestStores_Cipher(t *testing.T) {
	stores := TestStores(t, upperCipher{})
	ctx := context.Background()

	SeedProfile(t, stores.Profiles, ProfileFixture("u1"))

	var email string
	require.NoError(t, stores.DB.Conn().QueryRowContext(ctx,
		`SELECT email FROM user_profiles WHERE user_id = ?`, "u1").Scan(&email))
	assert.Equal(t, "enc:SAM@EXAMPLE.COM", email)

	got, err := stores.Profiles.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sam@example.com", got.Email)
}
