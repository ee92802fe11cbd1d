package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_JWT_SECRET", "jwt-secret")
	t.Setenv("INVITE_TOKEN_SECRET", "0123456789abcdef0123456789abcdef")
}

func TestParse_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Parse()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 168*time.Hour, cfg.HoldTTL)
	require.Equal(t, "deadline", cfg.HoldExtendFrom)
	require.Equal(t, "@every 1m", cfg.SweepSchedule)
	require.Equal(t, []string{"http://localhost:5173", "http://127.0.0.1:5173"}, cfg.CORSOrigins)
}

func TestParse_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("HOLD_TTL", "72h")
	t.Setenv("HOLD_EXTEND_FROM", "now")
	t.Setenv("OPERATOR_USER_IDS", "u1,u2")

	cfg, err := Parse()
	require.NoError(t, err)
	require.Equal(t, 72*time.Hour, cfg.HoldTTL)
	require.Equal(t, "now", cfg.HoldExtendFrom)
	require.Equal(t, []string{"u1", "u2"}, cfg.OperatorUserIDs)
}

func TestTrustedProxyPrefixes(t *testing.T) {
	setRequired(t)
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1,2001:db8::/32")

	cfg, err := Parse()
	require.NoError(t, err)
	prefixes, err := cfg.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	require.Equal(t, "10.0.0.0/8", prefixes[0].String())
	require.Equal(t, "192.0.2.1/32", prefixes[1].String())
	require.Equal(t, "2001:db8::/32", prefixes[2].String())
}

func TestParse_Rejects(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("AUTH_JWT_SECRET", "jwt-secret")
		t.Setenv("INVITE_TOKEN_SECRET", "")
		os.Unsetenv("INVITE_TOKEN_SECRET")

		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("bad extend base", func(t *testing.T) {
		setRequired(t)
		t.Setenv("HOLD_EXTEND_FROM", "tomorrow")

		_, err := Parse()
		require.ErrorIs(t, err, ErrInvalidExtendFrom)
	})

	t.Run("bad trusted proxy", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,proxy.internal")

		_, err := Parse()
		require.ErrorIs(t, err, ErrInvalidProxy)
	})

	t.Run("zero ttl", func(t *testing.T) {
		setRequired(t)
		t.Setenv("HOLD_TTL", "0s")

		_, err := Parse()
		require.ErrorIs(t, err, ErrInvalidDuration)
	})
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("PORT=9999\nREDIS_ADDR=redis:6379\n"), 0o600))

	t.Chdir(dir)

	t.Setenv("PORT", "7000")
	t.Setenv("REDIS_ADDR", "")
	os.Unsetenv("REDIS_ADDR")

	path, err := LoadDotEnv()
	require.NoError(t, err)
	require.Equal(t, "redis:6379", os.Getenv("REDIS_ADDR"))
	require.Equal(t, "7000", os.Getenv("PORT"))
	require.NotEmpty(t, path)
}
