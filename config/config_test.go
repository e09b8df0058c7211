package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "multisig.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		s, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, 30*time.Second, s.Ceremony.MaxStageDuration)
		assert.Equal(t, uint64(6000), s.Ceremony.IDWindow)
		assert.Equal(t, 60*time.Second, s.Ceremony.PendingSigningTimeout)
		assert.Equal(t, "secp256k1", s.Ceremony.Scheme)
		assert.Equal(t, "data/multisig", s.DB.Path)
		assert.Empty(t, s.DB.GenesisHash)
		assert.Equal(t, "info", s.Logging.Level)
		assert.Equal(t, "production", s.Logging.Mode)
		assert.Equal(t, "multisig", s.Metrics.Namespace)

		scheme, err := s.Ceremony.CryptoScheme()
		require.NoError(t, err)
		assert.Equal(t, "secp256k1", scheme.Name())
	})

	t.Run("File", func(t *testing.T) {
		file := writeFile(t, `
ceremony:
  max_stage_duration: 5s
  scheme: bjj
db:
  path: /var/lib/multisig
  genesis_hash: "0xabcd"
logging:
  mode: development
`)
		s, err := Load(file)
		require.NoError(t, err)

		assert.Equal(t, 5*time.Second, s.Ceremony.MaxStageDuration)
		assert.Equal(t, "bjj", s.Ceremony.Scheme)
		assert.Equal(t, "/var/lib/multisig", s.DB.Path)
		assert.Equal(t, "development", s.Logging.Mode)
		assert.Equal(t, uint64(6000), s.Ceremony.IDWindow)

		hash, err := s.DB.GenesisHashBytes()
		require.NoError(t, err)
		assert.Equal(t, []byte{0xab, 0xcd}, hash)
	})

	t.Run("EnvironmentOverridesFile", func(t *testing.T) {
		file := writeFile(t, "ceremony:\n  id_window: 10\n")
		t.Setenv("MULTISIG_CEREMONY_ID_WINDOW", "20")
		t.Setenv("MULTISIG_LOGGING_LEVEL", "debug")

		s, err := Load(file)
		require.NoError(t, err)
		assert.Equal(t, uint64(20), s.Ceremony.IDWindow)
		assert.Equal(t, "debug", s.Logging.Level)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	for name, env := range map[string][2]string{
		"UnknownScheme":   {"MULTISIG_CEREMONY_SCHEME", "ed448"},
		"ZeroWindow":      {"MULTISIG_CEREMONY_ID_WINDOW", "0"},
		"NegativeTimeout": {"MULTISIG_CEREMONY_PENDING_SIGNING_TIMEOUT", "-1s"},
		"BadLogMode":      {"MULTISIG_LOGGING_MODE", "verbose"},
		"BadGenesisHash":  {"MULTISIG_DB_GENESIS_HASH", "xyz"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
