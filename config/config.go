package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLedgerTTL   = 10 * time.Minute
	DefaultRequestCode = 1001
	DefaultLogLevel    = "info"

	envPrefix = "IAP_"
)

type Platform string

const (
	PlatformApple  Platform = "apple"
	PlatformGoogle Platform = "google"
)

type Config struct {
	Platform Platform `yaml:"platform"`
	Products []string `yaml:"products"`

	Android Android `yaml:"android"`

	// LedgerTTL bounds how long resolved transactions are remembered for
	// redelivery checks.
	LedgerTTL time.Duration `yaml:"ledger_ttl"`

	// MetricsAddr is the listen address for /metrics. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
}

type Android struct {
	// PublicKey is the base58 encoded licensing key used to check purchase
	// signatures. The simulator generates one when empty.
	PublicKey   string `yaml:"public_key"`
	RequestCode int    `yaml:"request_code"`
}

// Load reads the YAML file at path, if any, then applies IAP_* overrides from
// the environment and from envFiles. The process environment wins over env
// files. When no envFiles are given, a .env file in the working directory is
// used if present.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := &Config{}

	if len(path) > 0 {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading config file %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "error parsing config file %s", path)
		}
	}

	env, err := readEnvFiles(envFiles)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.LedgerTTL == 0 {
		c.LedgerTTL = DefaultLedgerTTL
	}
	if c.Android.RequestCode == 0 {
		c.Android.RequestCode = DefaultRequestCode
	}
	if len(c.LogLevel) == 0 {
		c.LogLevel = DefaultLogLevel
	}

	switch c.Platform {
	case PlatformApple, PlatformGoogle:
	default:
		return errors.Errorf("unknown platform: %q", c.Platform)
	}

	if len(c.Products) == 0 {
		return errors.New("at least one product is required")
	}
	for _, product := range c.Products {
		if len(product) == 0 {
			return errors.New("product id is required")
		}
	}

	if c.LedgerTTL < 0 {
		return errors.New("ledger ttl must be positive")
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "invalid log level")
	}

	return nil
}

func (c *Config) applyEnv(fromFiles map[string]string) error {
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			return v, true
		}
		v, ok := fromFiles[envPrefix+key]
		return v, ok
	}

	if v, ok := lookup("PLATFORM"); ok {
		c.Platform = Platform(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup("PRODUCTS"); ok {
		c.Products = nil
		for _, product := range strings.Split(v, ",") {
			product = strings.TrimSpace(product)
			if len(product) > 0 {
				c.Products = append(c.Products, product)
			}
		}
	}
	if v, ok := lookup("ANDROID_PUBLIC_KEY"); ok {
		c.Android.PublicKey = v
	}
	if v, ok := lookup("ANDROID_REQUEST_CODE"); ok {
		code, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "invalid IAP_ANDROID_REQUEST_CODE")
		}
		c.Android.RequestCode = code
	}
	if v, ok := lookup("LEDGER_TTL"); ok {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "invalid IAP_LEDGER_TTL")
		}
		c.LedgerTTL = ttl
	}
	if v, ok := lookup("METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	return nil
}

func readEnvFiles(envFiles []string) (map[string]string, error) {
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil, nil
		}
		envFiles = []string{".env"}
	}

	env, err := godotenv.Read(envFiles...)
	if err != nil {
		return nil, errors.Wrap(err, "error reading env files")
	}
	return env, nil
}
