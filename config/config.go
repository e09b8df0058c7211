// Package config loads node settings from defaults, an optional YAML file
// and MULTISIG_* environment variables, in increasing order of precedence.
package config

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/f3rmion/multisig/frost"
)

// EnvPrefix prefixes every environment variable, e.g.
// MULTISIG_CEREMONY_ID_WINDOW for ceremony.id_window.
const EnvPrefix = "MULTISIG"

// Setting keys
const (
	KeyMaxStageDuration      = "ceremony.max_stage_duration"
	KeyIDWindow              = "ceremony.id_window"
	KeyPendingSigningTimeout = "ceremony.pending_signing_timeout"
	KeyScheme                = "ceremony.scheme"
	KeyDBPath                = "db.path"
	KeyGenesisHash           = "db.genesis_hash"
	KeyLogLevel              = "logging.level"
	KeyLogMode               = "logging.mode"
	KeyMetricsNamespace      = "metrics.namespace"
)

// Settings are the resolved settings of a node.
type Settings struct {
	Ceremony CeremonySettings
	DB       DBSettings
	Logging  LoggingSettings
	Metrics  MetricsSettings
}

type CeremonySettings struct {
	MaxStageDuration      time.Duration
	IDWindow              uint64
	PendingSigningTimeout time.Duration
	Scheme                string
}

type DBSettings struct {
	Path string
	// GenesisHash is hex encoded; empty disables the check.
	GenesisHash string
}

type LoggingSettings struct {
	Level string
	Mode  string
}

type MetricsSettings struct {
	Namespace string
}

// SetDefaults registers the default of every setting.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyMaxStageDuration, 30*time.Second)
	v.SetDefault(KeyIDWindow, 6000)
	v.SetDefault(KeyPendingSigningTimeout, 60*time.Second)
	v.SetDefault(KeyScheme, "secp256k1")
	v.SetDefault(KeyDBPath, "data/multisig")
	v.SetDefault(KeyGenesisHash, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogMode, "production")
	v.SetDefault(KeyMetricsNamespace, "multisig")
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the settings. file may be empty.
func Load(file string) (*Settings, error) {
	v := New()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", file)
		}
	}
	return FromViper(v)
}

// FromViper resolves and validates the settings held by v.
func FromViper(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		Ceremony: CeremonySettings{
			MaxStageDuration:      v.GetDuration(KeyMaxStageDuration),
			IDWindow:              v.GetUint64(KeyIDWindow),
			PendingSigningTimeout: v.GetDuration(KeyPendingSigningTimeout),
			Scheme:                v.GetString(KeyScheme),
		},
		DB: DBSettings{
			Path:        v.GetString(KeyDBPath),
			GenesisHash: v.GetString(KeyGenesisHash),
		},
		Logging: LoggingSettings{
			Level: v.GetString(KeyLogLevel),
			Mode:  v.GetString(KeyLogMode),
		},
		Metrics: MetricsSettings{
			Namespace: v.GetString(KeyMetricsNamespace),
		},
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the settings for values no component accepts.
func (s *Settings) Validate() error {
	if s.Ceremony.MaxStageDuration <= 0 {
		return errors.Errorf("%s must be positive", KeyMaxStageDuration)
	}
	if s.Ceremony.IDWindow == 0 {
		return errors.Errorf("%s must be positive", KeyIDWindow)
	}
	if s.Ceremony.PendingSigningTimeout <= 0 {
		return errors.Errorf("%s must be positive", KeyPendingSigningTimeout)
	}
	if _, err := frost.ByName(s.Ceremony.Scheme); err != nil {
		return errors.Wrap(err, KeyScheme)
	}
	if s.DB.Path == "" {
		return errors.Errorf("%s must be set", KeyDBPath)
	}
	if _, err := s.DB.GenesisHashBytes(); err != nil {
		return err
	}
	switch s.Logging.Mode {
	case "production", "development":
	default:
		return errors.Errorf("%s must be production or development, got %q", KeyLogMode, s.Logging.Mode)
	}
	return nil
}

// GenesisHashBytes decodes the configured genesis hash, nil when unset.
func (s DBSettings) GenesisHashBytes() ([]byte, error) {
	if s.GenesisHash == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s.GenesisHash, "0x"))
	if err != nil {
		return nil, errors.Wrapf(err, "%s", KeyGenesisHash)
	}
	return b, nil
}

// CryptoScheme returns the configured crypto scheme.
func (s CeremonySettings) CryptoScheme() (*frost.FROST, error) {
	return frost.ByName(s.Scheme)
}
