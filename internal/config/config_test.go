// Package config handles application configuration.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromArgsDefaults(t *testing.T) {
	cfg, err := FromArgs(nil)
	require.NoError(t, err)

	assert.Equal(t, 80, cfg.Port)
	assert.Equal(t, "@RustyManager", cfg.Status)
	assert.Equal(t, "127.0.0.1:22", cfg.SSHTarget)
	assert.Equal(t, "127.0.0.1:1194", cfg.OpenVPNTarget)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTPTarget)
	assert.Empty(t, cfg.WSTarget)
	assert.Empty(t, cfg.TLSTarget)
	assert.Equal(t, FallbackSSH, cfg.Fallback)
	assert.Equal(t, WSPassthrough, cfg.WSMode)
	assert.Equal(t, 2*time.Second, cfg.PeekTimeout)
	assert.Equal(t, 30*time.Second, cfg.ClientTimeout)
	assert.Equal(t, 5*time.Second, cfg.GracePeriod)
	assert.Equal(t, 1000, cfg.MaxConnections)
}

// TestFromArgs is a table-driven test for flag, environment, and file layering.
func TestFromArgs(t *testing.T) {
	testCases := []struct {
		name        string
		args        []string
		env         map[string]string
		check       func(t *testing.T, cfg *Config)
		expectError string
	}{
		{
			name: "All flags",
			args: []string{
				"-port", "8443",
				"-status", "@Custom",
				"-ssh-target", "10.0.0.1:22",
				"-openvpn-target", "10.0.0.1:1194",
				"-http-target", "10.0.0.1:80",
				"-ws-target", "10.0.0.1:8081",
				"-tls-target", "10.0.0.1:443",
				"-fallback", "openvpn",
				"-ws-mode", "terminate",
				"-peek-timeout", "1",
				"-client-timeout", "60",
				"-max-conn", "50",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8443, cfg.Port)
				assert.Equal(t, "@Custom", cfg.Status)
				assert.Equal(t, "10.0.0.1:22", cfg.SSHTarget)
				assert.Equal(t, "10.0.0.1:1194", cfg.OpenVPNTarget)
				assert.Equal(t, "10.0.0.1:80", cfg.HTTPTarget)
				assert.Equal(t, "10.0.0.1:8081", cfg.WSTarget)
				assert.Equal(t, "10.0.0.1:443", cfg.TLSTarget)
				assert.Equal(t, FallbackOpenVPN, cfg.Fallback)
				assert.Equal(t, WSTerminate, cfg.WSMode)
				assert.Equal(t, 1*time.Second, cfg.PeekTimeout)
				assert.Equal(t, 60*time.Second, cfg.ClientTimeout)
				assert.Equal(t, 50, cfg.MaxConnections)
			},
		},
		{
			name: "Environment overrides defaults",
			env: map[string]string{
				"SSH_PROXY_ADDR":       "192.168.0.1:2222",
				"OPENVPN_PROXY_ADDR":   "192.168.0.1:1194",
				"HTTP_PROXY_ADDR":      "192.168.0.1:8080",
				"WEBSOCKET_PROXY_ADDR": "192.168.0.1:8081",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "192.168.0.1:2222", cfg.SSHTarget)
				assert.Equal(t, "192.168.0.1:1194", cfg.OpenVPNTarget)
				assert.Equal(t, "192.168.0.1:8080", cfg.HTTPTarget)
				assert.Equal(t, "192.168.0.1:8081", cfg.WSTarget)
			},
		},
		{
			name: "Flags override environment",
			args: []string{"-ssh-target", "10.0.0.9:22"},
			env:  map[string]string{"SSH_PROXY_ADDR": "192.168.0.1:2222"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "10.0.0.9:22", cfg.SSHTarget)
			},
		},
		{
			name:        "Invalid fallback",
			args:        []string{"-fallback", "gopher"},
			expectError: "invalid fallback protocol",
		},
		{
			name:        "Invalid ws-mode",
			args:        []string{"-ws-mode", "bridge"},
			expectError: "invalid ws-mode",
		},
		{
			name:        "Invalid port",
			args:        []string{"-port", "70000"},
			expectError: "invalid port",
		},
		{
			name:        "Zero max connections",
			args:        []string{"-max-conn", "0"},
			expectError: "max connections",
		},
		{
			name:        "Zero peek timeout",
			args:        []string{"-peek-timeout", "0"},
			expectError: "peek timeout",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := FromArgs(tc.args)
			if tc.expectError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.expectError)
				return
			}
			require.NoError(t, err)
			tc.check(t, cfg)
		})
	}
}

func TestFromArgsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camoproxy.yaml")
	content := `
port: 8080
status: "@FromFile"
ssh_target: "172.16.0.1:22"
fallback: http
ws_mode: terminate
peek_timeout: 3
client_timeout: 45
max_connections: 200
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Run("File overrides defaults", func(t *testing.T) {
		cfg, err := FromArgs([]string{"-config", path})
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "@FromFile", cfg.Status)
		assert.Equal(t, "172.16.0.1:22", cfg.SSHTarget)
		assert.Equal(t, FallbackHTTP, cfg.Fallback)
		assert.Equal(t, WSTerminate, cfg.WSMode)
		assert.Equal(t, 3*time.Second, cfg.PeekTimeout)
		assert.Equal(t, 45*time.Second, cfg.ClientTimeout)
		assert.Equal(t, 200, cfg.MaxConnections)
		// Untouched fields keep their defaults.
		assert.Equal(t, "127.0.0.1:1194", cfg.OpenVPNTarget)
	})

	t.Run("Flags override file", func(t *testing.T) {
		cfg, err := FromArgs([]string{"-config", path, "-port", "9090"})
		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Port)
		assert.Equal(t, "@FromFile", cfg.Status)
	})

	t.Run("Environment overrides file", func(t *testing.T) {
		t.Setenv("SSH_PROXY_ADDR", "10.9.9.9:22")
		cfg, err := FromArgs([]string{"-config", path})
		require.NoError(t, err)
		assert.Equal(t, "10.9.9.9:22", cfg.SSHTarget)
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := FromArgs([]string{"-config", filepath.Join(t.TempDir(), "nope.yaml")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reading config file")
	})

	t.Run("Malformed file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("port: [not a number"), 0o644))
		_, err := FromArgs([]string{"-config", bad})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})
}
