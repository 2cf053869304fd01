// Package config loads runtime configuration from file, environment, and
// flags via viper, and validates it before a run starts.
package config

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/stackform-io/stackform/internal/errors"
	"github.com/stackform-io/stackform/internal/state"
)

// Config is the full runtime configuration of a reconciliation run.
type Config struct {
	Scope    string        `mapstructure:"scope" validate:"required"`
	Document string        `mapstructure:"document" validate:"required"`
	Log      LogConfig     `mapstructure:"log"`
	Backend  BackendConfig `mapstructure:"backend"`
	Apply    ApplyConfig   `mapstructure:"apply"`
	LockWait LockConfig    `mapstructure:"lock"`
	Retry    RetryConfig   `mapstructure:"retry"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// BackendConfig selects and configures the snapshot store.
type BackendConfig struct {
	Type string         `mapstructure:"type" validate:"required,oneof=local s3"`
	Dir  string         `mapstructure:"dir"`
	S3   state.S3Config `mapstructure:"s3"`
}

type ApplyConfig struct {
	Parallelism int     `mapstructure:"parallelism" validate:"gte=0,lte=64"`
	RateLimit   float64 `mapstructure:"rate_limit" validate:"gte=0"`
}

type LockConfig struct {
	Wait     time.Duration `mapstructure:"wait"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Document: "stackform.yaml",
		Log:      LogConfig{Level: "info", Format: "text"},
		Backend:  BackendConfig{Type: "local", Dir: ".stackform"},
		Apply:    ApplyConfig{Parallelism: 10},
		LockWait: LockConfig{Wait: 0, LeaseTTL: state.DefaultLeaseTTL},
		Retry:    RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
	}
}

// NewViper builds a viper instance wired to the stackform config file and
// STACKFORM_* environment variables.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("STACKFORM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "reading config file")
		}
	} else {
		v.SetConfigName("stackform")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !stderrors.As(err, &notFound) {
				return nil, errors.Wrap(err, errors.KindConfig, "reading config file")
			}
		}
	}
	return v, nil
}

// FromViper unmarshals and validates the configuration.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := Default()
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "unmarshalling configuration")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		var b strings.Builder
		b.WriteString("configuration validation failed:")
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fmt.Fprintf(&b, "\n - field %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
			}
		}
		return nil, errors.New(errors.KindConfig, b.String())
	}
	return cfg, nil
}
