// Package config loads posrelay.cfg.json through viper and hands out
// validated, typed sections of it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "posrelay.cfg.json"

var validate = validator.New()

// RelayConfig holds the relay connection settings.
type RelayConfig struct {
	URL              string          `json:"url" mapstructure:"url" validate:"required,url,startswith=ws"`
	Protocols        []string        `json:"protocols" mapstructure:"protocols"`
	HandshakeTimeout time.Duration   `json:"handshakeTimeout" mapstructure:"handshakeTimeout" validate:"gte=0"`
	WriteWait        time.Duration   `json:"writeWait" mapstructure:"writeWait" validate:"gt=0"`
	SendQueueSize    int             `json:"sendQueueSize" mapstructure:"sendQueueSize" validate:"gt=0"`
	MaxFrameSize     int64           `json:"maxFrameSize" mapstructure:"maxFrameSize" validate:"gt=0"`
	Reconnect        ReconnectConfig `json:"reconnect" mapstructure:"reconnect"`
}

// ReconnectConfig holds the exponential backoff used for automatic redial.
type ReconnectConfig struct {
	Enabled         bool          `json:"enabled" mapstructure:"enabled"`
	InitialInterval time.Duration `json:"initialInterval" mapstructure:"initialInterval" validate:"gt=0"`
	MaxInterval     time.Duration `json:"maxInterval" mapstructure:"maxInterval" validate:"gtefield=InitialInterval"`
	// Zero retries forever.
	MaxElapsedTime time.Duration `json:"maxElapsedTime" mapstructure:"maxElapsedTime" validate:"gte=0"`
}

// IdentityConfig names the local participant.
type IdentityConfig struct {
	Email    string `json:"email" mapstructure:"email" validate:"required,email"`
	Username string `json:"username" mapstructure:"username" validate:"required"`
	Note     string `json:"note" mapstructure:"note"`
}

// MapConfig holds the peer marker style.
type MapConfig struct {
	MarkerColor string        `json:"markerColor" mapstructure:"markerColor" validate:"required"`
	Transition  time.Duration `json:"transition" mapstructure:"transition" validate:"gte=0"`
	FollowZoom  float64       `json:"followZoom" mapstructure:"followZoom" validate:"gte=0,lte=22"`
}

// SourceConfig selects where NMEA sentences are read from. An empty Path
// means stdin.
type SourceConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// GraylogConfig holds the GELF sink settings.
type GraylogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address" validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// OTelConfig holds the telemetry settings.
type OTelConfig struct {
	Enabled        bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName    string        `json:"serviceName" mapstructure:"serviceName" validate:"required"`
	BatchTimeout   time.Duration `json:"batchTimeout" mapstructure:"batchTimeout" validate:"gt=0"`
	MetricInterval time.Duration `json:"metricInterval" mapstructure:"metricInterval" validate:"gt=0"`
	Endpoint       string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure       bool          `json:"insecure" mapstructure:"insecure"`
}

// SetDefaults registers every default value. Load calls it; tests that
// skip the file can call it directly.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("relay.url", "ws://localhost:8080/")
	viper.SetDefault("relay.protocols", []string{"chat", "superchat"})
	viper.SetDefault("relay.handshakeTimeout", "0s")
	viper.SetDefault("relay.writeWait", "10s")
	viper.SetDefault("relay.sendQueueSize", 256)
	viper.SetDefault("relay.maxFrameSize", 65536)

	viper.SetDefault("relay.reconnect.enabled", false)
	viper.SetDefault("relay.reconnect.initialInterval", "1s")
	viper.SetDefault("relay.reconnect.maxInterval", "30s")
	viper.SetDefault("relay.reconnect.maxElapsedTime", "5m")

	viper.SetDefault("identity.email", "guy@guy.com")
	viper.SetDefault("identity.username", "guy1")
	viper.SetDefault("identity.note", "hi there")

	viper.SetDefault("map.markerColor", "cyan")
	viper.SetDefault("map.transition", "2s")
	viper.SetDefault("map.followZoom", 17)

	viper.SetDefault("source.path", "")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "posrelay")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.metricInterval", "1m")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// Load sets defaults, enables POSRELAY_* environment overrides and reads
// the config file from configDir. Defaults stay in effect when the file is
// missing; check with IsNotFound.
func Load(configDir string) error {
	SetDefaults()

	viper.SetEnvPrefix("POSRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// IsNotFound reports whether err from Load only means the file is absent.
func IsNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf)
}

// settings is the whole file. Sections are decoded together because
// viper only merges defaults into nested keys on a full Unmarshal.
type settings struct {
	Relay    RelayConfig    `mapstructure:"relay"`
	Identity IdentityConfig `mapstructure:"identity"`
	Map      MapConfig      `mapstructure:"map"`
	Source   SourceConfig   `mapstructure:"source"`
	Graylog  GraylogConfig  `mapstructure:"graylog"`
	OTel     OTelConfig     `mapstructure:"otel"`
}

func section[T any](name string, pick func(*settings) T) (T, error) {
	var all settings
	if err := viper.Unmarshal(&all); err != nil {
		var zero T
		return zero, fmt.Errorf("decoding config: %w", err)
	}
	out := pick(&all)
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("invalid %s config: %w", name, err)
	}
	return out, nil
}

// GetRelayConfig returns the validated relay section.
func GetRelayConfig() (RelayConfig, error) {
	return section("relay", func(s *settings) RelayConfig { return s.Relay })
}

// GetIdentity returns the validated identity section.
func GetIdentity() (IdentityConfig, error) {
	return section("identity", func(s *settings) IdentityConfig { return s.Identity })
}

// GetMapStyle returns the validated map section.
func GetMapStyle() (MapConfig, error) {
	return section("map", func(s *settings) MapConfig { return s.Map })
}

// GetSourceConfig returns the source section.
func GetSourceConfig() (SourceConfig, error) {
	return section("source", func(s *settings) SourceConfig { return s.Source })
}

// GetGraylogConfig returns the validated graylog section.
func GetGraylogConfig() (GraylogConfig, error) {
	return section("graylog", func(s *settings) GraylogConfig { return s.Graylog })
}

// GetOTelConfig returns the validated otel section.
func GetOTelConfig() (OTelConfig, error) {
	return section("otel", func(s *settings) OTelConfig { return s.OTel })
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}
