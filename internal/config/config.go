// Package config loads the bot configuration from YAML or TOML files, .env
// files and IRCBOT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/matt0x6f/ircbot/internal/constants"
	"github.com/matt0x6f/ircbot/internal/irc"
	"github.com/matt0x6f/ircbot/internal/logger"
	"github.com/matt0x6f/ircbot/internal/security"
	"github.com/matt0x6f/ircbot/internal/service"
	"github.com/matt0x6f/ircbot/internal/threadpool"
	"github.com/matt0x6f/ircbot/internal/validation"
)

// Default ports used when a server entry leaves port unset
const (
	DefaultPort    = 6667
	DefaultTLSPort = 6697
)

// Config is the complete bot configuration.
type Config struct {
	Service ServiceConfig  `yaml:"service" toml:"service"`
	Threads ThreadsConfig  `yaml:"threads" toml:"threads"`
	Log     LogConfig      `yaml:"log" toml:"log"`
	Servers []ServerConfig `yaml:"servers" toml:"servers" validate:"required,min=1,dive"`
	Storage StorageConfig  `yaml:"storage" toml:"storage"`
	Metrics MetricsConfig  `yaml:"metrics" toml:"metrics"`
	Notify  NotifyConfig   `yaml:"notify" toml:"notify"`

	// Source is the file the configuration was read from
	Source string `yaml:"-" toml:"-"`
}

// ServiceConfig holds reactor and process settings.
type ServiceConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" toml:"tick_interval" env:"IRCBOT_TICK_INTERVAL" validate:"gte=0"`
	UID          int           `yaml:"uid" toml:"uid" env:"IRCBOT_UID" validate:"gte=-1"`
	GID          int           `yaml:"gid" toml:"gid" env:"IRCBOT_GID" validate:"gte=-1"`
	PIDFile      string        `yaml:"pidfile" toml:"pidfile" env:"IRCBOT_PIDFILE"`
	Daemonize    bool          `yaml:"daemonize" toml:"daemonize" env:"IRCBOT_DAEMONIZE"`
}

// ThreadsConfig sizes the worker pool. Zero values take the pool defaults.
type ThreadsConfig struct {
	NThreads          int `yaml:"nthreads" toml:"nthreads" env:"IRCBOT_NTHREADS" validate:"gte=0"`
	MaxThreads        int `yaml:"maxthreads" toml:"maxthreads" validate:"gte=0"`
	ThreadsPerCPU     int `yaml:"threads_per_cpu" toml:"threads_per_cpu" validate:"gte=0"`
	DefNThreads       int `yaml:"def_nthreads" toml:"def_nthreads" validate:"gte=0"`
	QueueLen          int `yaml:"queue_len" toml:"queue_len" env:"IRCBOT_QUEUE_LEN" validate:"gte=0"`
	MaxQueueLen       int `yaml:"max_queue_len" toml:"max_queue_len" validate:"gte=0"`
	MinQueueLen       int `yaml:"min_queue_len" toml:"min_queue_len" validate:"gte=0"`
	QueueLenPerThread int `yaml:"queue_len_per_thread" toml:"queue_len_per_thread" validate:"gte=0"`
}

// LogConfig selects the log sink.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" env:"IRCBOT_LOG_LEVEL" validate:"omitempty,oneof=trace debug info warn warning error fatal panic none off"`
	File   string `yaml:"file" toml:"file" env:"IRCBOT_LOG_FILE"`
	Syslog bool   `yaml:"syslog" toml:"syslog" env:"IRCBOT_LOG_SYSLOG"`
	Async  bool   `yaml:"async" toml:"async" env:"IRCBOT_LOG_ASYNC"`
	Silent bool   `yaml:"silent" toml:"silent" env:"IRCBOT_LOG_SILENT"`
}

// ServerConfig describes one IRC network.
type ServerConfig struct {
	ID               string   `yaml:"id" toml:"id"`
	Host             string   `yaml:"host" toml:"host" validate:"required,irchost"`
	Port             int      `yaml:"port" toml:"port" validate:"gte=1,lte=65535"`
	TLS              bool     `yaml:"tls" toml:"tls"`
	Nick             string   `yaml:"nick" toml:"nick" validate:"required,ircnick"`
	User             string   `yaml:"user" toml:"user"`
	RealName         string   `yaml:"realname" toml:"realname"`
	Password         string   `yaml:"password" toml:"password"`
	PasswordKeychain bool     `yaml:"password_keychain" toml:"password_keychain"`
	NumericHosts     bool     `yaml:"numeric_hosts" toml:"numeric_hosts"`
	Channels         []string `yaml:"channels" toml:"channels" validate:"dive,ircchannel"`
	QuitMessage      string   `yaml:"quit_message" toml:"quit_message"`
	FloodRate        float64  `yaml:"flood_rate" toml:"flood_rate" validate:"gte=0"`
	FloodBurst       int      `yaml:"flood_burst" toml:"flood_burst" validate:"gte=0"`
}

// StorageConfig configures the message archive. An empty path disables it.
type StorageConfig struct {
	Path          string        `yaml:"path" toml:"path" env:"IRCBOT_STORAGE_PATH"`
	Buffer        int           `yaml:"buffer" toml:"buffer" validate:"gte=0"`
	FlushInterval time.Duration `yaml:"flush_interval" toml:"flush_interval" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus endpoint. An empty listen address
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" toml:"listen" env:"IRCBOT_METRICS_LISTEN" validate:"omitempty,hostname_port"`
	Path   string `yaml:"path" toml:"path"`
}

// NotifyConfig enables desktop notifications when the bot's nick is mentioned.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" env:"IRCBOT_NOTIFY"`
	Title   string `yaml:"title" toml:"title"`
}

// PasswordSource looks up stored server passwords.
type PasswordSource interface {
	GetPassword(serverID string) (string, error)
}

// Default returns a configuration with every default applied and no servers.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			TickInterval: constants.DefaultTickInterval,
			UID:          -1,
			GID:          -1,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Buffer:        100,
			FlushInterval: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Notify: NotifyConfig{
			Title: "ircbot",
		},
	}
}

// Load reads the configuration at path. Environment files next to the
// configuration and in the working directory are loaded first, then
// IRCBOT_* variables override file values. Server passwords flagged with
// password_keychain are read from the OS keychain.
func Load(path string) (*Config, error) {
	if err := loadEnvFiles(path); err != nil {
		return nil, err
	}
	cfg := Default()
	if err := cfg.loadFromFile(path); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	cfg.applyServerDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ResolvePasswords(security.NewKeychain()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles loads .env from the working directory and from the directory
// of the configuration file. Variables already set are left alone.
func loadEnvFiles(path string) error {
	var files []string
	seen := make(map[string]bool)
	for _, dir := range []string{".", filepath.Dir(path)} {
		abs, err := filepath.Abs(filepath.Join(dir, ".env"))
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err == nil {
			files = append(files, abs)
		}
	}
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load environment files: %w", err)
	}
	logger.Log.Debug().Strs("files", files).Msg("Loaded environment files")
	return nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	c.Source = path
	return nil
}

func (c *Config) applyServerDefaults() {
	for i := range c.Servers {
		s := &c.Servers[i]
		s.Host = strings.TrimSpace(s.Host)
		if s.ID == "" {
			s.ID = s.Host
		}
		if s.Port == 0 {
			s.Port = DefaultPort
			if s.TLS {
				s.Port = DefaultTLSPort
			}
		}
	}
}

// Validate checks the configuration against its validate tags and rejects
// duplicate server ids.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := validation.Register(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	ids := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if ids[s.ID] {
			return fmt.Errorf("invalid config: duplicate server id %q", s.ID)
		}
		ids[s.ID] = true
	}
	return nil
}

// ResolvePasswords fills in passwords of servers with password_keychain set
// and no password in the file.
func (c *Config) ResolvePasswords(src PasswordSource) error {
	for i := range c.Servers {
		s := &c.Servers[i]
		if !s.PasswordKeychain || s.Password != "" {
			continue
		}
		password, err := src.GetPassword(s.ID)
		if err != nil {
			return fmt.Errorf("server %s: %w", s.ID, err)
		}
		if password == "" {
			logger.Log.Warn().Str("server", s.ID).Msg("No password stored in keychain")
		}
		s.Password = password
	}
	return nil
}

// Options converts the reactor settings.
func (s ServiceConfig) Options() service.Options {
	opts := service.DefaultOptions()
	if s.TickInterval > 0 {
		opts.TickInterval = s.TickInterval
	}
	opts.UID = s.UID
	opts.GID = s.GID
	opts.PIDFile = s.PIDFile
	return opts
}

// Options converts the pool sizing.
func (t ThreadsConfig) Options() threadpool.Options {
	return threadpool.Options{
		NThreads:          t.NThreads,
		MaxThreads:        t.MaxThreads,
		ThreadsPerCPU:     t.ThreadsPerCPU,
		DefNThreads:       t.DefNThreads,
		QueueLen:          t.QueueLen,
		MaxQueueLen:       t.MaxQueueLen,
		MinQueueLen:       t.MinQueueLen,
		QueueLenPerThread: t.QueueLenPerThread,
	}
}

// Options converts the log settings.
func (l LogConfig) Options() logger.Options {
	return logger.Options{
		Level:  l.Level,
		File:   l.File,
		Syslog: l.Syslog,
		Silent: l.Silent,
	}
}

// Options converts a server entry.
func (s ServerConfig) Options() irc.ServerOptions {
	return irc.ServerOptions{
		ID:          s.ID,
		Host:        s.Host,
		Port:        s.Port,
		TLS:         s.TLS,
		Nick:        s.Nick,
		User:        s.User,
		RealName:    s.RealName,
		Password:    s.Password,
		QuitMessage: s.QuitMessage,
		FloodRate:   s.FloodRate,
		FloodBurst:  s.FloodBurst,
	}
}

// applyEnvOverrides sets every field carrying an env tag whose variable is
// set, descending into nested structs.
func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem())
}

func applyEnvOverridesRecursive(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		fv := v.Field(i)
		if tag := field.Tag.Get("env"); tag != "" {
			if value, ok := os.LookupEnv(tag); ok {
				if err := setFieldFromEnv(fv, value); err != nil {
					logger.Log.Warn().Err(err).Str("env", tag).Msg("Ignoring environment override")
				}
			}
			continue
		}
		if field.Type.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(fv)
		}
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldFromEnv(field reflect.Value, value string) error {
	value = strings.TrimSpace(value)
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		field.SetBool(parseBool(value))
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(value, ",")
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(strings.TrimSpace(p))
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "y", "on":
		return true
	}
	return false
}
