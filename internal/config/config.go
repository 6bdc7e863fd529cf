package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/jjshanks/asset-server/internal/sampler"
)

// EnvPrefix is prepended to every configuration key read from the environment.
const EnvPrefix = "ASSETS"

type Config struct {
	// Server configuration
	RootDirectory    string
	Address          string
	KeepAliveTimeout time.Duration
	HeadersTimeout   time.Duration
	GracefulTimeout  time.Duration

	// Optional TLS; both must be set to enable it
	CertFile string
	KeyFile  string

	// In-process sampler
	Metrics MetricsConfig

	// Tracing is disabled when the endpoint is empty
	TracingEndpoint string
	TracingInsecure bool

	// Logging configuration
	LogLevel string
	Console  bool
}

// MetricsConfig controls the in-process request rate and lag sampler.
type MetricsConfig struct {
	Enabled        bool
	SampleInterval time.Duration
	LagThreshold   time.Duration
}

// SamplerConfig converts the metrics settings into a sampler.Config.
func (m MetricsConfig) SamplerConfig() sampler.Config {
	return sampler.Config{
		SampleInterval: m.SampleInterval,
		LagThreshold:   m.LagThreshold,
	}
}

// New creates a new Config with default values
func New() *Config {
	return &Config{
		RootDirectory:    defaultRootDirectory(),
		Address:          "0.0.0.0:3000",
		KeepAliveTimeout: 5 * time.Second,
		HeadersTimeout:   7 * time.Second,
		GracefulTimeout:  5 * time.Second,
		Metrics: MetricsConfig{
			Enabled:        false,
			SampleInterval: sampler.DefaultSampleInterval,
			LagThreshold:   sampler.DefaultLagThreshold,
		},
		LogLevel: "info",
		Console:  false,
	}
}

func defaultRootDirectory() string {
	root, err := filepath.Abs(filepath.Join("dist", "public"))
	if err != nil {
		return filepath.Join("dist", "public")
	}
	return root
}

// TLSEnabled reports whether both certificate and key are configured.
func (c *Config) TLSEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate logging configuration
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %v", c.LogLevel, err)
	}

	// Validate address format
	host, port, err := net.SplitHostPort(c.Address)
	if err != nil {
		return fmt.Errorf("invalid address format %q: %v", c.Address, err)
	}

	// Validate port
	if _, err := net.LookupPort("tcp", port); err != nil {
		return fmt.Errorf("invalid port %q: %v", port, err)
	}

	// Validate host
	if host != "" && host != "0.0.0.0" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil {
			return fmt.Errorf("invalid IP address: %q", host)
		}
	}

	if c.RootDirectory == "" {
		return fmt.Errorf("root directory must be set")
	}
	if !filepath.IsAbs(c.RootDirectory) {
		return fmt.Errorf("root directory must be an absolute path, got %q", c.RootDirectory)
	}

	if c.KeepAliveTimeout <= 0 {
		return fmt.Errorf("keep-alive timeout must be positive, got %v", c.KeepAliveTimeout)
	}
	if c.HeadersTimeout <= 0 {
		return fmt.Errorf("headers timeout must be positive, got %v", c.HeadersTimeout)
	}
	if c.GracefulTimeout <= 0 {
		return fmt.Errorf("graceful timeout must be positive, got %v", c.GracefulTimeout)
	}

	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("cert-file and key-file must be set together")
	}

	if c.Metrics.Enabled {
		if err := c.Metrics.SamplerConfig().Validate(); err != nil {
			return fmt.Errorf("invalid metrics configuration: %w", err)
		}
	}

	return nil
}

// InitializeLogging sets up the logging configuration
func (c *Config) InitializeLogging() {
	level, _ := zerolog.ParseLevel(c.LogLevel)
	zerolog.SetGlobalLevel(level)

	if c.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02T15:04:05.000Z",
		})
	}
}

// ValidateCertPaths verifies the certificate and key files
func (c *Config) ValidateCertPaths() error {
	certInfo, err := os.Stat(c.CertFile)
	if err != nil {
		return fmt.Errorf("certificate file error: %v", err)
	}
	if !certInfo.Mode().IsRegular() {
		return fmt.Errorf("certificate path is not a regular file")
	}

	keyInfo, err := os.Stat(c.KeyFile)
	if err != nil {
		return fmt.Errorf("key file error: %v", err)
	}
	if !keyInfo.Mode().IsRegular() {
		return fmt.Errorf("key path is not a regular file")
	}

	keyMode := keyInfo.Mode().Perm()
	if keyMode&0o077 != 0 {
		return fmt.Errorf("key file %s has excessive permissions %v", c.KeyFile, keyMode)
	}
	return nil
}

// configKeys lists every key read from flags, environment and config file.
var configKeys = []string{
	"root",
	"address",
	"port",
	"keep-alive-timeout",
	"headers-timeout",
	"graceful-timeout",
	"cert-file",
	"key-file",
	"metrics",
	"metrics-sample",
	"metrics-threshold",
	"tracing-endpoint",
	"tracing-insecure",
	"log-level",
	"console",
}

var (
	stringKeys   = []string{"root", "address", "cert-file", "key-file", "tracing-endpoint", "log-level"}
	boolKeys     = []string{"metrics", "tracing-insecure", "console"}
	durationKeys = []string{"keep-alive-timeout", "headers-timeout", "graceful-timeout", "metrics-sample", "metrics-threshold"}
)

// LoadConfig loads the configuration from viper
func LoadConfig(cfgFile string) (*Config, error) {
	config := New()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, key := range configKeys {
		if err := viper.BindEnv(key); err != nil {
			log.Error().Err(err).Msgf("Failed to bind environment variable for key: %s", key)
		}
	}
	// PORT is honoured for platforms that inject it
	if err := viper.BindEnv("port", EnvPrefix+"_PORT", "PORT"); err != nil {
		log.Error().Err(err).Msg("Failed to bind environment variable for key: port")
	}

	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("error parsing config: %v", err)
			}
			return nil, fmt.Errorf("error reading config file: %v", err)
		}
		log.Info().Str("config", viper.ConfigFileUsed()).Msg("Using config file")

		if err := checkConfigTypes(); err != nil {
			return nil, err
		}
	}

	// Update config from viper (flags, environment variables or config file values)
	if viper.IsSet("root") {
		root, err := filepath.Abs(viper.GetString("root"))
		if err != nil {
			return nil, fmt.Errorf("invalid root directory %q: %v", viper.GetString("root"), err)
		}
		config.RootDirectory = root
	}
	if viper.IsSet("address") {
		config.Address = viper.GetString("address")
	}
	if viper.IsSet("port") {
		port := viper.GetString("port")
		if port != "" && port != "0" {
			host, _, err := net.SplitHostPort(config.Address)
			if err != nil {
				return nil, fmt.Errorf("invalid address format %q: %v", config.Address, err)
			}
			config.Address = net.JoinHostPort(host, port)
		}
	}
	if viper.IsSet("cert-file") {
		config.CertFile = viper.GetString("cert-file")
	}
	if viper.IsSet("key-file") {
		config.KeyFile = viper.GetString("key-file")
	}
	if viper.IsSet("metrics") {
		config.Metrics.Enabled = viper.GetBool("metrics")
	}
	if viper.IsSet("tracing-endpoint") {
		config.TracingEndpoint = viper.GetString("tracing-endpoint")
	}
	if viper.IsSet("tracing-insecure") {
		config.TracingInsecure = viper.GetBool("tracing-insecure")
	}
	if viper.IsSet("log-level") {
		config.LogLevel = viper.GetString("log-level")
	}
	if viper.IsSet("console") {
		config.Console = viper.GetBool("console")
	}

	durations := map[string]*time.Duration{
		"keep-alive-timeout": &config.KeepAliveTimeout,
		"headers-timeout":    &config.HeadersTimeout,
		"graceful-timeout":   &config.GracefulTimeout,
		"metrics-sample":     &config.Metrics.SampleInterval,
		"metrics-threshold":  &config.Metrics.LagThreshold,
	}
	for key, dst := range durations {
		if !viper.IsSet(key) {
			continue
		}
		d, err := ParseMillis(viper.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s value: %v", key, err)
		}
		*dst = d
	}

	return config, nil
}

// checkConfigTypes verifies the types of values read from a config file.
func checkConfigTypes() error {
	for _, key := range stringKeys {
		if viper.IsSet(key) {
			if _, ok := viper.Get(key).(string); !ok {
				return fmt.Errorf("error unmarshaling config: %s must be a string", key)
			}
		}
	}
	for _, key := range boolKeys {
		if !viper.IsSet(key) {
			continue
		}
		switch v := viper.Get(key).(type) {
		case bool:
		case string:
			if _, err := strconv.ParseBool(v); err != nil {
				return fmt.Errorf("error unmarshaling config: %s must be a boolean", key)
			}
		default:
			return fmt.Errorf("error unmarshaling config: %s must be a boolean", key)
		}
	}
	for _, key := range durationKeys {
		if !viper.IsSet(key) {
			continue
		}
		switch v := viper.Get(key).(type) {
		case int, int32, int64:
		case string:
			if _, err := ParseMillis(v); err != nil {
				return fmt.Errorf("invalid %s duration: %v", key, err)
			}
		default:
			return fmt.Errorf("%s must be a duration string or integer milliseconds", key)
		}
	}
	if viper.IsSet("port") {
		switch v := viper.Get("port").(type) {
		case int, int32, int64:
		case string:
			if _, err := strconv.Atoi(v); err != nil {
				return fmt.Errorf("error unmarshaling config: port must be an integer")
			}
		default:
			return fmt.Errorf("error unmarshaling config: port must be an integer")
		}
	}
	return nil
}

// ParseMillis parses a duration string ("5s", "250ms") or a bare integer
// number of milliseconds.
func ParseMillis(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is neither a duration nor integer milliseconds", raw)
	}
	return d, nil
}
