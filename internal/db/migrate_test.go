package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionsAreOrdered(t *testing.T) {
	versions, err := Versions()
	require.NoError(t, err)
	require.NotEmpty(t, versions)

	assert.True(t, isSorted(versions))
	assert.Equal(t, "0001_accounts.sql", versions[0])
}

func TestMigrationsCreateEveryTable(t *testing.T) {
	versions, err := Versions()
	require.NoError(t, err)

	var all strings.Builder
	for _, version := range versions {
		script, err := migrationFiles.ReadFile("migrations/" + version)
		require.NoError(t, err)
		all.Write(script)
	}

	for _, table := range []string{
		"accounts",
		"account_security_settings",
		"auth_refresh_tokens",
		"auth_ephemeral_tokens",
		"auth_two_factor_secrets",
		"auth_one_time_codes",
	} {
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func isSorted(versions []string) bool {
	for i := 1; i < len(versions); i++ {
		if versions[i-1] > versions[i] {
			return false
		}
	}
	return true
}
