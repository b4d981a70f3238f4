package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"claimdesk/api/internal/auth"
	"claimdesk/api/internal/config"
	"claimdesk/api/internal/rbac"
	"claimdesk/api/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DatabaseDriver: store.DriverSQLite,
		DatabaseURL:    filepath.Join(t.TempDir(), "claimdesk.db"),
		JWTSecret:      "ctl-secret",
		TokenTTL:       time.Hour,
		HoldDuration:   72 * time.Hour,
		StoreTimeout:   time.Second,
		RetryAttempts:  1,
	}
}

func runCtl(t *testing.T, cfg config.Config, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), cfg, args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestTokenCommandIssuesParseableToken(t *testing.T) {
	cfg := testConfig(t)

	code, out, errOut := runCtl(t, cfg, "token", "--sub", "staff-9", "--role", "staff", "--ttl", "10m")
	require.Equal(t, 0, code, errOut)

	principal, err := auth.ParseToken([]byte(cfg.JWTSecret), strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, auth.Principal{SubjectID: "staff-9", Role: rbac.RoleStaff}, principal)
}

func TestTokenCommandValidatesFlags(t *testing.T) {
	cfg := testConfig(t)

	code, _, errOut := runCtl(t, cfg, "token")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "--sub is required")

	code, _, errOut = runCtl(t, cfg, "token", "--sub", "u1", "--role", "root")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "unknown role")

	code, _, _ = runCtl(t, cfg, "token", "--bogus")
	require.Equal(t, 2, code)
}

func TestMigrateThenReport(t *testing.T) {
	cfg := testConfig(t)

	code, out, errOut := runCtl(t, cfg, "migrate")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "applied 0001")

	code, out, errOut = runCtl(t, cfg, "holds")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "no expired holds")

	code, _, errOut = runCtl(t, cfg, "audit")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "--claim is required")

	code, _, errOut = runCtl(t, cfg, "audit", "--claim", "clm-missing")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "NOT_FOUND")
}

func TestUsage(t *testing.T) {
	cfg := testConfig(t)

	code, out, _ := runCtl(t, cfg, "help")
	require.Equal(t, 0, code)
	for _, name := range []string{"migrate", "token", "holds", "audit"} {
		require.Contains(t, out, name)
	}

	code, _, errOut := runCtl(t, cfg, "purge")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "unknown command purge")
}
