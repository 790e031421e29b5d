package main

import (
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json", "tint"} {
		logger, err := newLogger("debug", format)
		require.NoError(t, err)
		require.NotNil(t, logger)
	}

	_, err := newLogger("verbose", "text")
	require.ErrorContains(t, err, "invalid log level")

	_, err = newLogger("info", "xml")
	require.ErrorContains(t, err, "invalid log format")
}

func TestCLIDefaults(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)

	_, err = parser.Parse([]string{"--backend-url", "https://x.supabase.co", "--cache-max-entries", "50", "--image-hosts", "cdn.example.org,img.example.net"})
	require.NoError(t, err)
	require.Equal(t, ":8080", cli.Address)
	require.Equal(t, "https://x.supabase.co", cli.BackendURL)
	require.Equal(t, 50, cli.CacheMaxEntries)
	require.Equal(t, "30m0s", cli.CacheTTL.String())
	require.Equal(t, "5m0s", cli.SweepInterval.String())
	require.True(t, cli.Prometheus)
	require.Equal(t, []string{"cdn.example.org", "img.example.net"}, cli.ImageHosts)

	_, err = parser.Parse([]string{"--log-format", "xml"})
	require.Error(t, err)
}
