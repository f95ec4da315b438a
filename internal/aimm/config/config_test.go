package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	c := New()
	assert.Equal(t, ":8081", c.Server.AdminAddr)
	assert.Equal(t, "jsonfile", c.Backend.Kind)
	assert.Equal(t, 8, c.Engine.MaxChildren)
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsUnknownBackendKind(t *testing.T) {
	c := New()
	c.Backend.Kind = "carrier-pigeon"
	assert.Error(t, c.Validate())
}

func TestValidateRequiresSQLDSNForSQLBackend(t *testing.T) {
	c := New()
	c.Backend.Kind = "sql"
	assert.Error(t, c.Validate())

	c.Backend.SQLDSN = "postgres://localhost/aimm"
	assert.NoError(t, c.Validate())
}

func TestValidateRequiresRedisAddrForEventBusBackend(t *testing.T) {
	c := New()
	c.Backend.Kind = "eventbus"
	assert.Error(t, c.Validate())

	c.Backend.RedisAddr = "localhost:6379"
	assert.NoError(t, c.Validate())
}

func TestValidateRequiresJWTSecretAndCredsWhenSessionEnabled(t *testing.T) {
	c := New()
	c.Session.Enabled = true
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")

	c.Session.JWTSecret = "shh"
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creds")

	c.Session.Creds = []SessionCredential{{Username: "admin", PasswordHash: "deadbeef"}}
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsNonPositiveMaxChildren(t *testing.T) {
	c := New()
	c.Engine.MaxChildren = 0
	assert.Error(t, c.Validate())
}

func TestToEngineConfigWiresReExecCoordinates(t *testing.T) {
	c := New()
	ec := c.ToEngineConfig("/proc/self/exe", "--aimm-worker-exec")
	assert.Equal(t, c.Engine.MaxChildren, ec.MaxChildren)
	assert.Equal(t, "/proc/self/exe", ec.WorkerArgv0)
	assert.Equal(t, "--aimm-worker-exec", ec.WorkerArg)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aimm.yaml")
	yamlContent := `
server:
  admin_addr: ":9090"
engine:
  max_children: 3
backend:
  kind: memory
session:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", c.Server.AdminAddr)
	assert.Equal(t, 3, c.Engine.MaxChildren)
	assert.Equal(t, "memory", c.Backend.Kind)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, New().Backend.Kind, c.Backend.Kind)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("AIMM_ADMIN_ADDR", ":7000")
	t.Setenv("AIMM_BACKEND_KIND", "memory")
	t.Setenv("AIMM_MAX_CHILDREN", "2")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", c.Server.AdminAddr)
	assert.Equal(t, "memory", c.Backend.Kind)
	assert.Equal(t, 2, c.Engine.MaxChildren)
}

func TestLoadIgnoresInvalidMaxChildrenEnvOverride(t *testing.T) {
	t.Setenv("AIMM_MAX_CHILDREN", "not-a-number")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, New().Engine.MaxChildren, c.Engine.MaxChildren)
}

func TestGCConfigDefaults(t *testing.T) {
	c := New()
	assert.Equal(t, "@every 1m", c.GC.Schedule)
	assert.Equal(t, 10*time.Minute, c.GC.GracePeriod)
}
