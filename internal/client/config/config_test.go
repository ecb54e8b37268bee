package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	in := &Config{
		DataDir:      "/home/alice/DriftFS",
		Email:        "alice@example.com",
		ServerURL:    "http://localhost:8890",
		RefreshToken: "tok",
	}
	require.NoError(t, in.Save(path))

	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, in.DataDir, out.DataDir)
	assert.Equal(t, in.Email, out.Email)
	assert.Equal(t, in.RefreshToken, out.RefreshToken)
	assert.Equal(t, path, out.Path)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{Email: "a@b.c", DataDir: "/d", ServerURL: "http://x"}
	assert.NoError(t, cfg.Validate())

	assert.Error(t, (&Config{DataDir: "/d", ServerURL: "http://x"}).Validate())
	assert.Error(t, (&Config{Email: "a@b.c", ServerURL: "http://x"}).Validate())
	assert.Error(t, (&Config{Email: "a@b.c", DataDir: "/d"}).Validate())
}
