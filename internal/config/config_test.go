package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnfi-network/lnlauncher/internal/paths"
	"github.com/lnfi-network/lnlauncher/internal/registry"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "lnlauncher.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "Lnfi-Node", c.App.Name)
	assert.Equal(t, 8091, c.Backend.BasePort)
	assert.Equal(t, 5*time.Second, c.Backend.ReadyTimeout)
	assert.Equal(t, 2*time.Second, c.Backend.DiscoveryDelay)
	assert.Equal(t, []string{"npm", "install"}, c.Backend.InstallCommand)
	assert.Equal(t, "regtest", c.Backend.Network)
	assert.Equal(t, 10*time.Second, c.Registry.ScanInterval)
	assert.Equal(t, 3*time.Second, c.Registry.ExitDelay)
	assert.Equal(t, []string{"starting litd", "[litd]"}, c.Daemons.Primary.Triggers)
	assert.Equal(t, "litd", c.Daemons.Primary.Executable)
	assert.Equal(t, "127.0.0.1:18091", c.Control.Listen)
}

func TestLoadFileOverrides(t *testing.T) {
	p := writeTOML(t, `
[app]
name = "Custom"
mode = "development"
source_root = "/src"

[backend]
base_port = 9000
ready_timeout = "750ms"
install_deps = false
env = ["A=1"]

[daemons.secondary]
triggers = ["rgb up"]

[log]
level = "debug"
dir = "/tmp/logs"
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "Custom", c.App.Name)
	assert.Equal(t, 9000, c.Backend.BasePort)
	assert.Equal(t, 750*time.Millisecond, c.Backend.ReadyTimeout)
	assert.False(t, c.Backend.InstallDeps)
	assert.Equal(t, []string{"A=1"}, c.Backend.Env)
	assert.Equal(t, []string{"rgb up"}, c.Triggers()[registry.RoleSecondary])
	assert.Equal(t, "rgb-lightning-node", c.Daemons.Secondary.Executable)

	opts := c.PathOptions()
	assert.Equal(t, paths.ModeDevelopment, opts.Mode)
	assert.Equal(t, "/src", opts.SourceRoot)

	lc := c.LoggerConfig()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "/tmp/logs", lc.File.Dir)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LNLAUNCHER_BACKEND_BASE_PORT", "9100")
	t.Setenv("LNLAUNCHER_BACKEND_OWNER", "npub1owner")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9100, c.Backend.BasePort)
	assert.Equal(t, "npub1owner", c.Backend.Owner)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad mode":      "[app]\nmode = \"portable\"\n",
		"bad port":      "[backend]\nbase_port = 70000\n",
		"zero timeout":  "[backend]\nready_timeout = \"0s\"\n",
		"bad pattern":   "[daemons.primary]\npattern = \"litd (\"\n",
		"public listen": "[control]\nlisten = \"0.0.0.0:9000\"\n",
		"no installer":  "[backend]\ninstall_command = []\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeTOML(t, data))
			assert.Error(t, err)
		})
	}
}

func TestDaemonDefs(t *testing.T) {
	c := Default()
	defs := c.DaemonDefs()
	assert.True(t, defs[registry.RolePrimary].Pattern.MatchString("/opt/bin/litd --disableui --network=regtest"))
	assert.False(t, defs[registry.RolePrimary].Pattern.MatchString("litd"))
	assert.True(t, defs[registry.RoleSecondary].Pattern.MatchString("rgb-lightning-node /data --daemon-listening-port 3001"))
}

func TestControlListenAllowsEmptyAndLocalhost(t *testing.T) {
	_, err := Load(writeTOML(t, "[control]\nlisten = \"\"\n"))
	assert.NoError(t, err)
	_, err = Load(writeTOML(t, "[control]\nlisten = \"localhost:1234\"\n"))
	assert.NoError(t, err)
}
