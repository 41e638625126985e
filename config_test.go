package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func validArgs() []string {
	return []string{"localhost", "cnode", "cnode@localhost", "secret", "3"}
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig(validArgs(), "")
		require.NoError(t, err)

		require.Equal(t, "localhost", cfg.HostName)
		require.Equal(t, "cnode", cfg.AliveName)
		require.Equal(t, "cnode@localhost", cfg.NodeName)
		require.Equal(t, "secret", cfg.Cookie)
		require.Equal(t, uint32(3), cfg.Creation)
		require.Equal(t, 5*time.Second, cfg.AcceptTimeout)
		require.Equal(t, 5*time.Second, cfg.ReceiveTimeout)
		require.Equal(t, 4369, cfg.EPMDPort)
		require.Equal(t, "0.0.0.0:0", cfg.ListenAddr)
		require.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("CNODE_RECEIVE_TIMEOUT", "250ms")
		t.Setenv("ERL_EPMD_PORT", "4370")
		t.Setenv("CNODE_LOG_LEVEL", "debug")

		cfg, err := LoadConfig(validArgs(), "")
		require.NoError(t, err)
		require.Equal(t, 250*time.Millisecond, cfg.ReceiveTimeout)
		require.Equal(t, 4370, cfg.EPMDPort)
		require.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cnode.yaml")
		require.NoError(t, os.WriteFile(path, []byte("accept_timeout: 2s\nlisten_addr: 127.0.0.1:0\n"), 0o600))

		cfg, err := LoadConfig(validArgs(), path)
		require.NoError(t, err)
		require.Equal(t, 2*time.Second, cfg.AcceptTimeout)
		require.Equal(t, "127.0.0.1:0", cfg.ListenAddr)
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := LoadConfig(validArgs(), filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})

	t.Run("cookie fallback", func(t *testing.T) {
		t.Setenv(cookieEnv, "env-cookie")
		args := validArgs()
		args[3] = ""

		cfg, err := LoadConfig(args, "")
		require.NoError(t, err)
		require.Equal(t, "env-cookie", cfg.Cookie)
	})

	t.Run("explicit cookie wins", func(t *testing.T) {
		t.Setenv(cookieEnv, "env-cookie")

		cfg, err := LoadConfig(validArgs(), "")
		require.NoError(t, err)
		require.Equal(t, "secret", cfg.Cookie)
	})
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv(cookieEnv, "")

	cases := []struct {
		name string
		edit func([]string) []string
		want error
	}{
		{"too few", func(a []string) []string { return a[:4] }, errUsage},
		{"too many", func(a []string) []string { return append(a, "extra") }, errUsage},
		{"long host", func(a []string) []string { a[0] = strings.Repeat("x", 255); return a }, errArgTooLong},
		{"long cookie", func(a []string) []string { a[3] = strings.Repeat("x", 300); return a }, errArgTooLong},
		{"no cookie", func(a []string) []string { a[3] = ""; return a }, errNoCookie},
		{"creation not a number", func(a []string) []string { a[4] = "one"; return a }, errBadCreation},
		{"creation negative", func(a []string) []string { a[4] = "-1"; return a }, errBadCreation},
		{"creation too large", func(a []string) []string { a[4] = "70000"; return a }, errBadCreation},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(tc.edit(validArgs()), "")
			require.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestMaxLengthBoundary(t *testing.T) {
	args := validArgs()
	args[0] = strings.Repeat("x", 254)
	_, err := LoadConfig(args, "")
	require.NoError(t, err)
}
