package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backend names accepted by the "backend" setting.
const (
	BackendIMAP  = "imap"
	BackendGraph = "graph"
)

// IMAPConfig holds settings specific to the IMAP backend.
type IMAPConfig struct {
	// TLS selects implicit TLS; when false the client upgrades via STARTTLS.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// IdleRestart is how long a single IDLE command may run before it is
	// refreshed. RFC 2177 asks clients to re-issue IDLE within 29 minutes.
	IdleRestart time.Duration `mapstructure:"idle_restart" yaml:"idle_restart"`
}

// GraphConfig holds settings for the Microsoft Graph backend.
type GraphConfig struct {
	TenantID string `mapstructure:"tenant_id" yaml:"tenant_id"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`

	// ListenAddr is where the change-notification webhook listens.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// NotificationURL is the public URL Graph posts notifications to.
	NotificationURL string `mapstructure:"notification_url" yaml:"notification_url"`

	// SubscriptionTTL is the lifetime requested for each subscription;
	// subscriptions are renewed at half this interval.
	SubscriptionTTL time.Duration `mapstructure:"subscription_ttl" yaml:"subscription_ttl"`
}

// DedupConfig controls the optional local ledger of processed items.
type DedupConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DBPath  string `mapstructure:"db_path" yaml:"db_path"`

	// Retention is how long ledger rows are kept; zero keeps them forever.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// NATSConfig controls the optional audit stream. An empty URL disables it.
type NATSConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"`
	ServerURI string `mapstructure:"server_uri" yaml:"server_uri"`
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"password"`

	Subject      string `mapstructure:"subject" yaml:"subject"`
	Folder       string `mapstructure:"folder" yaml:"folder"`
	OutputDir    string `mapstructure:"output_dir" yaml:"output_dir"`
	PageSize     int    `mapstructure:"page_size" yaml:"page_size"`
	ProcessedTag string `mapstructure:"processed_tag" yaml:"processed_tag"`

	ReconnectInitialBackoff time.Duration `mapstructure:"reconnect_initial_backoff" yaml:"reconnect_initial_backoff"`
	ReconnectMaxBackoff     time.Duration `mapstructure:"reconnect_max_backoff" yaml:"reconnect_max_backoff"`
	ShutdownGrace           time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`

	Log   LogConfig   `mapstructure:"log" yaml:"log"`
	IMAP  IMAPConfig  `mapstructure:"imap" yaml:"imap"`
	Graph GraphConfig `mapstructure:"graph" yaml:"graph"`
	Dedup DedupConfig `mapstructure:"dedup" yaml:"dedup"`
	NATS  NATSConfig  `mapstructure:"nats" yaml:"nats"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailwatch/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailwatch", "config.yaml")
}

// Flags returns the command-line flags understood by LoadConfig.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("mailwatch", pflag.ContinueOnError)
	fs.String("config", "", "path to the YAML configuration file")
	fs.String("backend", "", "mail store backend (imap or graph)")
	fs.String("subject", "", "subject substring that selects messages")
	fs.String("output-dir", "", "directory attachments are written to")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	return fs
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"backend":    "backend",
	"subject":    "subject",
	"output-dir": "output_dir",
	"log-level":  "log.level",
}

// legacyKeys maps the key names of the original config.json layout to the
// current ones.
var legacyKeys = map[string]string{
	"host": "server_uri",
	"path": "output_dir",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendIMAP)
	v.SetDefault("folder", string(FolderInbox))
	v.SetDefault("page_size", 15)
	v.SetDefault("processed_tag", DefaultProcessedTag)
	v.SetDefault("reconnect_initial_backoff", time.Second)
	v.SetDefault("reconnect_max_backoff", 10*time.Minute)
	v.SetDefault("shutdown_grace", time.Duration(0))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.idle_restart", 25*time.Minute)
	v.SetDefault("graph.listen_addr", ":8088")
	v.SetDefault("graph.subscription_ttl", time.Hour)
	v.SetDefault("dedup.enabled", false)
	v.SetDefault("dedup.db_path", filepath.Join(".", "mailwatch.db"))
	v.SetDefault("dedup.retention", 30*24*time.Hour)
	v.SetDefault("nats.subject_prefix", "mailwatch")
}

// LoadConfig reads configuration from the YAML file at path (or the
// default locations when path is empty), a .env file in the working
// directory, MAILWATCH_* environment variables and the given flags, in
// increasing order of precedence. flags may be nil.
func LoadConfig(path string, flags *pflag.FlagSet) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAILWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Dir(DefaultConfigPath()))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	for legacy, key := range legacyKeys {
		if !v.IsSet(key) && v.IsSet(legacy) {
			v.Set(key, v.Get(legacy))
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *AppConfig) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendIMAP:
		if c.ServerURI == "" {
			errs = append(errs, errors.New("server_uri is required"))
		}
	case BackendGraph:
		if c.Graph.TenantID == "" || c.Graph.ClientID == "" {
			errs = append(errs, errors.New("graph.tenant_id and graph.client_id are required"))
		}
		if c.Graph.NotificationURL == "" {
			errs = append(errs, errors.New("graph.notification_url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if c.Subject == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	if _, ok := ParseFolder(c.Folder); !ok {
		errs = append(errs, fmt.Errorf("unknown folder %q", c.Folder))
	}
	if c.PageSize < 1 {
		errs = append(errs, fmt.Errorf("page_size must be positive, got %d", c.PageSize))
	}

	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	} else if info, err := os.Stat(c.OutputDir); err != nil {
		errs = append(errs, fmt.Errorf("output_dir: %w", err))
	} else if !info.IsDir() {
		errs = append(errs, fmt.Errorf("output_dir %s is not a directory", c.OutputDir))
	}

	if c.ReconnectInitialBackoff <= 0 || c.ReconnectMaxBackoff < c.ReconnectInitialBackoff {
		errs = append(errs, errors.New("reconnect backoff must be positive and max >= initial"))
	}
	if c.Dedup.Enabled && c.Dedup.DBPath == "" {
		errs = append(errs, errors.New("dedup.db_path is required when dedup is enabled"))
	}

	return errors.Join(errs...)
}

// Filter returns the filter criteria described by the configuration.
func (c *AppConfig) Filter() FilterCriteria {
	folder, _ := ParseFolder(c.Folder)
	return FilterCriteria{
		Folder:           folder,
		SubjectSubstring: c.Subject,
		UnreadOnly:       true,
	}
}

// Credentials returns the connection credentials, using secret in place
// of the configured password.
func (c *AppConfig) Credentials(secret string) Credentials {
	return Credentials{
		Principal: c.Username,
		Secret:    secret,
		ServerURI: c.ServerURI,
	}
}
