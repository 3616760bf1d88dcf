// Package config loads jobtrail configuration from defaults, an optional
// YAML file, JOBTRAIL_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/jobtrail/pkg/bodystore"
	bodys3 "github.com/3leaps/jobtrail/pkg/bodystore/s3"
)

const (
	// AppName is the binary and config directory name.
	AppName = "jobtrail"
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "JOBTRAIL"
)

// Config is the resolved application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Bodies    BodiesConfig    `mapstructure:"bodies"`
	Alive     AliveConfig     `mapstructure:"alive"`
	Aggregate AggregateConfig `mapstructure:"aggregate"`
	// MaxInstances caps instances per job. Zero keeps the library default.
	MaxInstances int64 `mapstructure:"max_instances"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the server logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Profile is "structured" (JSON) or "console".
	Profile string `mapstructure:"profile"`
}

// StoreConfig selects the jobs database. URL wins over Path.
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// BodiesConfig selects where job bodies are kept.
type BodiesConfig struct {
	Backend bodystore.Backend `mapstructure:"backend"`
	// Dir is the root of the file backend.
	Dir string `mapstructure:"dir"`
	// S3 settings are read from the bodies section itself.
	S3 bodys3.Config `mapstructure:",squash"`
}

// AliveConfig throttles batch report application.
type AliveConfig struct {
	// Rate is reports per second; zero or less disables throttling.
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// AggregateConfig configures resource summaries.
type AggregateConfig struct {
	NBins int `mapstructure:"nbins"`
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Store.Path) == "" && strings.TrimSpace(c.Store.URL) == "" {
		return errors.New("store.path or store.url is required")
	}
	switch c.Bodies.Backend {
	case bodystore.BackendMemory:
	case bodystore.BackendFile:
		if strings.TrimSpace(c.Bodies.Dir) == "" {
			return errors.New("bodies.dir is required for the file backend")
		}
	case bodystore.BackendS3:
		if err := c.Bodies.S3.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("bodies.backend must be memory, file or s3, got %q", c.Bodies.Backend)
	}
	if c.Aggregate.NBins < 0 {
		return fmt.Errorf("aggregate.nbins must not be negative: %d", c.Aggregate.NBins)
	}
	if c.MaxInstances < 0 {
		return fmt.Errorf("max_instances must not be negative: %d", c.MaxInstances)
	}
	return nil
}

// EnvSpec maps a short environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// DataDir is where jobtrail keeps local state. JOBTRAIL_DATA_DIR wins over
// the platform app data directory.
func DataDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvPrefix + "_DATA_DIR")); dir != "" {
		return dir
	}
	return gfconfig.GetAppDataDir(AppName)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	dataDir := DataDir()
	v.SetDefault("store.path", filepath.Join(dataDir, "jobs.db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("bodies.backend", string(bodystore.BackendFile))
	v.SetDefault("bodies.dir", filepath.Join(dataDir, "bodies"))
	v.SetDefault("bodies.bucket", "")
	v.SetDefault("bodies.prefix", "")
	v.SetDefault("bodies.region", "")
	v.SetDefault("bodies.endpoint", "")
	v.SetDefault("bodies.profile", "")
	v.SetDefault("bodies.access_key_id", "")
	v.SetDefault("bodies.secret_access_key", "")
	v.SetDefault("bodies.force_path_style", false)

	v.SetDefault("alive.rate", 0)
	v.SetDefault("alive.burst", 1)

	v.SetDefault("aggregate.nbins", 20)
	v.SetDefault("max_instances", 0)
}

// getEnvSpecs lists the short aliases bound on top of the automatic
// JOBTRAIL_<SECTION>_<KEY> names.
func getEnvSpecs() []EnvSpec {
	p := EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "DB", Path: "store.path"},
		{Name: p + "DB_URL", Path: "store.url"},
		{Name: p + "DB_AUTH_TOKEN", Path: "store.auth_token"},
		{Name: p + "BODIES", Path: "bodies.backend"},
		{Name: p + "BODIES_DIR", Path: "bodies.dir"},
		{Name: p + "BUCKET", Path: "bodies.bucket"},
		{Name: p + "S3_ENDPOINT", Path: "bodies.endpoint"},
		{Name: p + "ALIVE_RATE", Path: "alive.rate"},
	}
}

// configFile returns the config file to read: JOBTRAIL_CONFIG if set,
// otherwise the first of ./jobtrail.yaml and the user config dir that exists.
func configFile() string {
	if path := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); path != "" {
		return path
	}
	candidates := []string{AppName + ".yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, AppName, "config.yaml"))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

// Load resolves the configuration and makes it available through GetConfig.
// Each override is a nested map merged at the highest precedence.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	path := configFile()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = path
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// flatten turns nested maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}
