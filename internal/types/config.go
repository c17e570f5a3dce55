package types

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Settings drives the engine and the daemon.
// (AppKey, AppSecret) is the pre-established credential pair sent on every server call.
// Host and Scheme locate the config service.
// UpdateInterval is how often the whole cache is reconciled, as a Go duration string.
// Backend selects the entry store ("sqlite", "redis" or "ddb"); SQLitePath is used by the sqlite store.
// DedupFetches joins concurrent fetches of the same key into one request.
// HTTPTimeout bounds every wire call. ListenPort is for the local HTTP surface, 0 disables it.
// SNSTopicArn, when set, receives a message for each changed entry.
type Settings struct {
	AppKey         string `yaml:"app_key" json:"app_key"`
	AppSecret      string `yaml:"app_secret" json:"app_secret"`
	Host           string `yaml:"host" json:"host"`
	Scheme         string `yaml:"scheme" json:"scheme"`
	UpdateInterval string `yaml:"update_interval" json:"update_interval"`
	Backend        string `yaml:"backend" json:"backend"`
	SQLitePath     string `yaml:"sqlite_path" json:"sqlite_path"`
	DedupFetches   bool   `yaml:"dedup_fetches" json:"dedup_fetches"`
	HTTPTimeout    string `yaml:"http_timeout" json:"http_timeout"`
	ListenPort     int    `yaml:"listen_port" json:"listen_port"`
	SNSTopicArn    string `yaml:"sns_topic_arn" json:"sns_topic_arn"`
}

const (
	DefaultHost           = "api.duducat.com"
	DefaultScheme         = "http"
	DefaultUpdateInterval = time.Hour
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultSQLitePath     = "activeconfig.db"

	MinUpdateInterval = time.Second

	EnvAppKey         = "ACTIVECONFIG_APP_KEY"
	EnvAppSecret      = "ACTIVECONFIG_APP_SECRET"
	EnvHost           = "ACTIVECONFIG_HOST"
	EnvUpdateInterval = "ACTIVECONFIG_UPDATE_INTERVAL"
	EnvBackend        = "ACTIVECONFIG_BACKEND"
	EnvSQLitePath     = "ACTIVECONFIG_SQLITE_PATH"
	EnvDedup          = "ACTIVECONFIG_DEDUP"
	EnvListenPort     = "ACTIVECONFIG_PORT"
	EnvSNSTopicArn    = "ACTIVECONFIG_SNS_TOPIC_ARN"
)

// DefaultSettings returns settings with every optional field filled in.
func DefaultSettings() Settings {
	return Settings{
		Host:           DefaultHost,
		Scheme:         DefaultScheme,
		UpdateInterval: DefaultUpdateInterval.String(),
		HTTPTimeout:    DefaultHTTPTimeout.String(),
		SQLitePath:     DefaultSQLitePath,
	}
}

// LoadSettings reads a YAML settings file on top of the defaults and applies env overrides.
// An empty path skips the file.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return s, err
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return s, Err(ErrInvalidSettings, err, "parse %s", path)
		}
	}
	s.applyEnv()
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Settings) applyEnv() {
	overrideString(&s.AppKey, EnvAppKey)
	overrideString(&s.AppSecret, EnvAppSecret)
	overrideString(&s.Host, EnvHost)
	overrideString(&s.UpdateInterval, EnvUpdateInterval)
	overrideString(&s.Backend, EnvBackend)
	overrideString(&s.SQLitePath, EnvSQLitePath)
	overrideString(&s.SNSTopicArn, EnvSNSTopicArn)
	if v := os.Getenv(EnvDedup); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.DedupFetches = b
		}
	}
	if v := os.Getenv(EnvListenPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			s.ListenPort = p
		}
	}
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Interval returns the parsed update interval, falling back to the default.
func (s Settings) Interval() time.Duration {
	d, err := time.ParseDuration(s.UpdateInterval)
	if err != nil || d <= 0 {
		return DefaultUpdateInterval
	}
	return d
}

// Timeout returns the parsed HTTP timeout, falling back to the default.
func (s Settings) Timeout() time.Duration {
	d, err := time.ParseDuration(s.HTTPTimeout)
	if err != nil || d <= 0 {
		return DefaultHTTPTimeout
	}
	return d
}

func (s Settings) Validate() error {
	if s.AppKey == "" {
		return fmt.Errorf("%w: app_key is required", ErrInvalidSettings)
	}
	if s.AppSecret == "" {
		return fmt.Errorf("%w: app_secret is required", ErrInvalidSettings)
	}
	if s.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidSettings)
	}
	if s.Scheme != "http" && s.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidSettings)
	}
	if s.UpdateInterval != "" {
		d, err := time.ParseDuration(s.UpdateInterval)
		if err != nil {
			return fmt.Errorf("%w: update_interval: %v", ErrInvalidSettings, err)
		}
		if d < MinUpdateInterval {
			return fmt.Errorf("%w: update_interval must be at least %s", ErrInvalidSettings, MinUpdateInterval)
		}
	}
	if s.HTTPTimeout != "" {
		if _, err := time.ParseDuration(s.HTTPTimeout); err != nil {
			return fmt.Errorf("%w: http_timeout: %v", ErrInvalidSettings, err)
		}
	}
	if s.ListenPort < 0 || s.ListenPort > 65535 {
		return fmt.Errorf("%w: listen_port out of range", ErrInvalidSettings)
	}
	return nil
}
