package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/iquestfs/pkg/utils"
)

var validate = validator.New()

// Configuration represents the complete application configuration
type Configuration struct {
	Remote     RemoteConfig     `yaml:"remote"`
	Query      QueryConfig      `yaml:"query"`
	Pool       PoolConfig       `yaml:"pool"`
	Cache      CacheConfig      `yaml:"cache"`
	Staging    StagingConfig    `yaml:"staging"`
	Mount      MountConfig      `yaml:"mount"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Backend    BackendConfig    `yaml:"backend"`
}

// RemoteConfig addresses the catalog server and the user's working collection.
type RemoteConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port" validate:"min=0,max=65535"`
	User        string `yaml:"user"`
	Zone        string `yaml:"zone"`
	Cwd         string `yaml:"cwd" validate:"required,startswith=/"`
	RequireConn bool   `yaml:"require_conn"`
}

// QueryConfig controls how query paths are recognised and listed.
type QueryConfig struct {
	// Base holds attr=value pairs separated by ";" prepended to every query.
	Base          string `yaml:"base"`
	Indicator     string `yaml:"indicator" validate:"required,excludesall=/"`
	SlashRemap    string `yaml:"slash_remap" validate:"required"`
	ShowIndicator bool   `yaml:"show_indicator"`
}

// PoolConfig sizes the connection pool and its background manager.
type PoolConfig struct {
	MaxConns        int           `yaml:"max_conns" validate:"min=1"`
	HighWater       int           `yaml:"high_water" validate:"min=1"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ManagerInterval time.Duration `yaml:"manager_interval" validate:"gt=0"`
	WaitTimeout     time.Duration `yaml:"wait_timeout" validate:"gt=0"`
	MaxDescriptors  int           `yaml:"max_descriptors" validate:"min=4"`
}

// CacheConfig configures the path cache.
type CacheConfig struct {
	ExpireInterval time.Duration `yaml:"expire_interval" validate:"gt=0"`
	HashSlots      int           `yaml:"hash_slots" validate:"min=1"`
	Hash           string        `yaml:"hash" validate:"oneof=sum cityhash"`
}

// StagingConfig configures local staging of small objects and new files.
type StagingConfig struct {
	Dir                string        `yaml:"dir" validate:"required"`
	ReadStageMax       string        `yaml:"read_stage_max" validate:"required"`
	WriteStageMax      string        `yaml:"write_stage_max" validate:"required"`
	NewlyCreatedSlots  int           `yaml:"newly_created_slots" validate:"min=1"`
	NewlyCreatedMaxAge time.Duration `yaml:"newly_created_max_age" validate:"gt=0"`
}

// MountConfig holds FUSE mount options.
type MountConfig struct {
	AllowOther   bool          `yaml:"allow_other"`
	ReadOnly     bool          `yaml:"read_only"`
	Foreground   bool          `yaml:"foreground"`
	DebugTrace   bool          `yaml:"debug_trace"`
	MaxWrite     string        `yaml:"max_write"`
	AttrTimeout  time.Duration `yaml:"attr_timeout" validate:"min=0"`
	EntryTimeout time.Duration `yaml:"entry_timeout" validate:"min=0"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
	Path    string `yaml:"path" validate:"startswith=/"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR"`
	File       string `yaml:"file"`
	MaxSize    string `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
	Compress   bool   `yaml:"compress"`
}

// BackendConfig selects the catalog implementation.
type BackendConfig struct {
	Type string   `yaml:"type" validate:"oneof=memory s3"`
	S3   S3Config `yaml:"s3"`
}

// S3Config configures the S3-backed catalog.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	Profile        string `yaml:"profile"`
	Prefix         string `yaml:"prefix"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	UseCargoship   bool   `yaml:"use_cargoship"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Remote: RemoteConfig{
			Host: "localhost",
			Port: 1247,
			Zone: "tempZone",
			Cwd:  "/",
		},
		Query: QueryConfig{
			Indicator:  "Q",
			SlashRemap: "\\",
		},
		Pool: PoolConfig{
			MaxConns:        10,
			HighWater:       5,
			IdleTimeout:     120 * time.Second,
			ManagerInterval: 60 * time.Second,
			WaitTimeout:     30 * time.Second,
			MaxDescriptors:  512,
		},
		Cache: CacheConfig{
			ExpireInterval: 600 * time.Second,
			HashSlots:      201,
			Hash:           "sum",
		},
		Staging: StagingConfig{
			Dir:                "/tmp/fuseCache",
			ReadStageMax:       "1MB",
			WriteStageMax:      "4MB",
			NewlyCreatedSlots:  5,
			NewlyCreatedMaxAge: 5 * time.Second,
		},
		Mount: MountConfig{
			MaxWrite:     "128KB",
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled: false,
				Port:    9464,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			MaxSize:    "100MB",
			MaxBackups: 3,
		},
		Backend: BackendConfig{
			Type: "memory",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies IQUESTFS_* environment overrides. Malformed values are
// reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	env := envReader{}

	// Remote
	env.str("IQUESTFS_HOST", &c.Remote.Host)
	env.int("IQUESTFS_PORT", &c.Remote.Port)
	env.str("IQUESTFS_USER", &c.Remote.User)
	env.str("IQUESTFS_ZONE", &c.Remote.Zone)
	env.str("IQUESTFS_CWD", &c.Remote.Cwd)
	env.bool("IQUESTFS_REQUIRE_CONN", &c.Remote.RequireConn)

	// Query
	env.str("IQUESTFS_QUERY", &c.Query.Base)
	env.str("IQUESTFS_INDICATOR", &c.Query.Indicator)
	env.str("IQUESTFS_SLASH_REMAP", &c.Query.SlashRemap)
	env.bool("IQUESTFS_SHOW_INDICATOR", &c.Query.ShowIndicator)

	// Pool and cache
	env.int("IQUESTFS_MAX_CONNS", &c.Pool.MaxConns)
	env.int("IQUESTFS_HIGH_WATER", &c.Pool.HighWater)
	env.duration("IQUESTFS_IDLE_TIMEOUT", &c.Pool.IdleTimeout)
	env.duration("IQUESTFS_WAIT_TIMEOUT", &c.Pool.WaitTimeout)
	env.duration("IQUESTFS_CACHE_EXPIRE", &c.Cache.ExpireInterval)
	env.str("IQUESTFS_CACHE_HASH", &c.Cache.Hash)

	// Staging
	env.str("IQUESTFS_STAGING_DIR", &c.Staging.Dir)
	env.str("IQUESTFS_READ_STAGE_MAX", &c.Staging.ReadStageMax)
	env.str("IQUESTFS_WRITE_STAGE_MAX", &c.Staging.WriteStageMax)

	// Logging and metrics
	env.str("IQUESTFS_LOG_LEVEL", &c.Logging.Level)
	env.str("IQUESTFS_LOG_FILE", &c.Logging.File)
	env.bool("IQUESTFS_METRICS_ENABLED", &c.Monitoring.Metrics.Enabled)
	env.int("IQUESTFS_METRICS_PORT", &c.Monitoring.Metrics.Port)

	// Backend
	env.str("IQUESTFS_BACKEND", &c.Backend.Type)
	env.str("IQUESTFS_S3_BUCKET", &c.Backend.S3.Bucket)
	env.str("IQUESTFS_S3_REGION", &c.Backend.S3.Region)
	env.str("IQUESTFS_S3_ENDPOINT", &c.Backend.S3.Endpoint)
	env.bool("IQUESTFS_S3_USE_CARGOSHIP", &c.Backend.S3.UseCargoship)

	return env.err
}

type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	val, ok := os.LookupEnv(key)
	return val, ok && val != ""
}

func (r *envReader) fail(key, val string, err error) {
	r.err = fmt.Errorf("invalid %s=%q: %w", key, val, err)
}

func (r *envReader) str(key string, dst *string) {
	if val, ok := r.lookup(key); ok {
		*dst = val
	}
}

func (r *envReader) int(key string, dst *int) {
	if val, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			r.fail(key, val, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) bool(key string, dst *bool) {
	if val, ok := r.lookup(key); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			r.fail(key, val, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if val, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			r.fail(key, val, err)
			return
		}
		*dst = d
	}
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks struct tags first, then the rules that span fields.
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if c.Pool.HighWater > c.Pool.MaxConns {
		return fmt.Errorf("pool.high_water (%d) must not exceed pool.max_conns (%d)",
			c.Pool.HighWater, c.Pool.MaxConns)
	}
	if _, err := c.SlashRemapRune(); err != nil {
		return err
	}
	if strings.Contains(c.Query.Base, "/") {
		return fmt.Errorf("query.base must not contain '/'")
	}

	readMax, err := utils.ParseBytes(c.Staging.ReadStageMax)
	if err != nil {
		return fmt.Errorf("staging.read_stage_max: %w", err)
	}
	writeMax, err := utils.ParseBytes(c.Staging.WriteStageMax)
	if err != nil {
		return fmt.Errorf("staging.write_stage_max: %w", err)
	}
	if readMax <= 0 || writeMax <= 0 {
		return fmt.Errorf("staging thresholds must be positive")
	}
	if c.Mount.MaxWrite != "" {
		if _, err := utils.ParseBytes(c.Mount.MaxWrite); err != nil {
			return fmt.Errorf("mount.max_write: %w", err)
		}
	}
	if c.Logging.MaxSize != "" {
		if _, err := utils.ParseBytes(c.Logging.MaxSize); err != nil {
			return fmt.Errorf("logging.max_size: %w", err)
		}
	}

	if c.Backend.Type == "s3" && c.Backend.S3.Bucket == "" {
		return fmt.Errorf("backend.s3.bucket is required for the s3 backend")
	}
	return nil
}

// SlashRemapRune returns the single rune that stands in for "/" in query values.
func (c *Configuration) SlashRemapRune() (rune, error) {
	s := c.Query.SlashRemap
	if utf8.RuneCountInString(s) != 1 || s == "/" {
		return 0, fmt.Errorf("query.slash_remap must be exactly one character other than '/', got %q", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}

// StageLimits returns the read and write staging thresholds in bytes.
func (c *Configuration) StageLimits() (readMax, writeMax int64, err error) {
	if readMax, err = utils.ParseBytes(c.Staging.ReadStageMax); err != nil {
		return 0, 0, err
	}
	if writeMax, err = utils.ParseBytes(c.Staging.WriteStageMax); err != nil {
		return 0, 0, err
	}
	return readMax, writeMax, nil
}

func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
