package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/adminaccess/internal/permissions"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
logging:
  level: error
database:
  driver: sqlite
  path: %s
rbac:
  sync_on_start: false
`, filepath.Join(dir, "data", "roles.sqlite"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunSynchronizesAndPrintsReport(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfgPath, "-migrate"}, &out))

	var report permissions.SyncReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Equal(t, permissions.CanonVersion, report.Version)
	require.Equal(t, len(permissions.DefaultRoles()), report.Counts.Created)

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"-config", cfgPath}, &out))
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Zero(t, report.Counts.Created)
	require.Equal(t, len(permissions.DefaultRoles()), report.Counts.Skipped)
}

func TestRunWithRolesFileOverride(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	rolesPath := filepath.Join(dir, "roles.yaml")
	require.NoError(t, os.WriteFile(rolesPath, []byte(`
version: "2025.2"
roles:
  - name: super_admin
    display_name: Super Administrator
    level: 100
    permissions:
      modules: [blog]
      actions: [manage]
`), 0o600))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfgPath, "-migrate", "-roles", rolesPath, "-force"}, &out))

	var report permissions.SyncReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Equal(t, "2025.2", report.Version)
	require.Equal(t, []string{"super_admin"}, report.Created)
}

func TestRunFailures(t *testing.T) {
	dir := t.TempDir()

	var out bytes.Buffer
	err := run(context.Background(), []string{"-config", filepath.Join(dir, "missing.yaml")}, &out)
	require.ErrorContains(t, err, "does not exist")

	cfgPath := writeConfig(t, dir)
	err = run(context.Background(), []string{"-config", cfgPath}, &out)
	require.Error(t, err, "synchronizing without migrated tables fails")

	err = run(context.Background(), []string{"-config", cfgPath, "-roles", filepath.Join(dir, "absent.yaml")}, &out)
	require.ErrorContains(t, err, "absent.yaml")
}
