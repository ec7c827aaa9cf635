package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func write(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "kilnctl.toml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults, *cfg)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(write(t, `
Transport = "speculos"
SpeculosAddr = "10.0.0.2:9999"
BlindSigning = true
`))
	require.NoError(t, err)
	require.Equal(t, "speculos", cfg.Transport)
	require.Equal(t, "10.0.0.2:9999", cfg.SpeculosAddr)
	require.True(t, cfg.BlindSigning)
	require.Equal(t, Defaults.Model, cfg.Model)
}

func TestLoadUnknownField(t *testing.T) {
	_, err := Load(write(t, "Colour = \"blue\"\n"))
	require.ErrorContains(t, err, "Colour")
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Defaults
	cfg.Model = "nanox"
	data, err := cfg.Marshal()
	require.NoError(t, err)

	got, err := Load(write(t, string(data)))
	require.NoError(t, err)
	require.Equal(t, cfg, *got)
}
