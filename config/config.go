package config

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"avatarcam/internal/driver"
	"avatarcam/internal/shm"
	"avatarcam/pkg/models"
)

// EnvPrefix prefixes every environment override, e.g. AVATARCAM_REGION_WIDTH
const EnvPrefix = "AVATARCAM"

// Config holds all application configuration
type Config struct {
	// Shared region
	RegionPath  string
	Width       int
	Height      int
	PixelFormat models.PixelFormat
	Sequenced   bool

	// Reader
	MaxRetries         int
	StaleCheckInterval time.Duration

	// Pump
	PumpInterval time.Duration

	// Driver adapter
	DriverKind     string
	DriverFlip     bool
	DriverPoolSize int

	// HTTP Server
	HTTPEnabled bool
	HTTPAddr    string

	// Preview
	PreviewFPS  float64
	JPEGQuality int

	// Auth
	ControlToken string

	// Snapshots
	SnapshotEnabled  bool
	SnapshotInterval time.Duration
	SnapshotMax      int
	StorageType      string // "local" or "gcs"
	StorageDir       string
	GCSProjectID     string
	GCSBucketName    string
	GCSBaseDir       string

	// Logging
	LogLevel  string
	LogFormat string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("region.path", shm.DefaultRegionPath())
	v.SetDefault("region.width", 1280)
	v.SetDefault("region.height", 720)
	v.SetDefault("region.pixel_format", string(models.PixelFormatBGRA))
	v.SetDefault("region.sequenced", false)

	v.SetDefault("reader.max_retries", shm.DefaultMaxRetries)
	v.SetDefault("reader.stale_check_interval", shm.DefaultStaleCheckInterval)

	v.SetDefault("pump.interval", time.Second/30)

	v.SetDefault("driver.kind", driver.KindNone)
	v.SetDefault("driver.flip", true)
	v.SetDefault("driver.pool_size", driver.DefaultPoolSize)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("preview.fps", 10.0)
	v.SetDefault("preview.jpeg_quality", 80)

	v.SetDefault("auth.token", "")

	v.SetDefault("snapshot.enabled", false)
	v.SetDefault("snapshot.interval", 10*time.Second)
	v.SetDefault("snapshot.max", 10)
	v.SetDefault("snapshot.storage", "local")
	v.SetDefault("snapshot.dir", "./data/snapshots")
	v.SetDefault("snapshot.gcs_project", "")
	v.SetDefault("snapshot.gcs_bucket", "")
	v.SetDefault("snapshot.gcs_base_dir", "avatarcam")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads defaults, then an optional avatarcam.yaml, then AVATARCAM_*
// environment variables. A non-empty configFile must exist.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("avatarcam")
		v.SetConfigType("yaml")
		for _, path := range []string{".", "$HOME/.avatarcam", "/etc/avatarcam"} {
			v.AddConfigPath(os.ExpandEnv(path))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
		// Config file not found; use defaults
	}

	format, err := models.ParsePixelFormat(strings.ToLower(v.GetString("region.pixel_format")))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RegionPath:         v.GetString("region.path"),
		Width:              v.GetInt("region.width"),
		Height:             v.GetInt("region.height"),
		PixelFormat:        format,
		Sequenced:          v.GetBool("region.sequenced"),
		MaxRetries:         v.GetInt("reader.max_retries"),
		StaleCheckInterval: v.GetDuration("reader.stale_check_interval"),
		PumpInterval:       v.GetDuration("pump.interval"),
		DriverKind:         strings.ToLower(v.GetString("driver.kind")),
		DriverFlip:         v.GetBool("driver.flip"),
		DriverPoolSize:     v.GetInt("driver.pool_size"),
		HTTPEnabled:        v.GetBool("http.enabled"),
		HTTPAddr:           v.GetString("http.addr"),
		PreviewFPS:         v.GetFloat64("preview.fps"),
		JPEGQuality:        v.GetInt("preview.jpeg_quality"),
		ControlToken:       v.GetString("auth.token"),
		SnapshotEnabled:    v.GetBool("snapshot.enabled"),
		SnapshotInterval:   v.GetDuration("snapshot.interval"),
		SnapshotMax:        v.GetInt("snapshot.max"),
		StorageType:        strings.ToLower(v.GetString("snapshot.storage")),
		StorageDir:         v.GetString("snapshot.dir"),
		GCSProjectID:       v.GetString("snapshot.gcs_project"),
		GCSBucketName:      v.GetString("snapshot.gcs_bucket"),
		GCSBaseDir:         v.GetString("snapshot.gcs_base_dir"),
		LogLevel:           v.GetString("log.level"),
		LogFormat:          v.GetString("log.format"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the relay cannot run with
func (c *Config) Validate() error {
	if c.RegionPath == "" {
		return errors.New("region.path must not be empty")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return errors.Errorf("region dimensions must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.PumpInterval <= 0 {
		return errors.Errorf("pump.interval must be positive, got %s", c.PumpInterval)
	}
	if c.MaxRetries < 0 {
		return errors.Errorf("reader.max_retries must not be negative, got %d", c.MaxRetries)
	}
	if !driver.ValidKind(c.DriverKind) {
		return errors.Errorf("unknown driver.kind %q", c.DriverKind)
	}
	if c.DriverPoolSize < 1 {
		return errors.Errorf("driver.pool_size must be at least 1, got %d", c.DriverPoolSize)
	}
	if c.HTTPEnabled {
		if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
			return errors.Wrapf(err, "http.addr %q", c.HTTPAddr)
		}
		if c.PreviewFPS <= 0 {
			return errors.Errorf("preview.fps must be positive, got %v", c.PreviewFPS)
		}
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return errors.Errorf("preview.jpeg_quality must be within 1-100, got %d", c.JPEGQuality)
	}
	if c.SnapshotEnabled {
		if c.SnapshotInterval <= 0 {
			return errors.Errorf("snapshot.interval must be positive, got %s", c.SnapshotInterval)
		}
		switch c.StorageType {
		case "local":
			if c.StorageDir == "" {
				return errors.New("snapshot.dir must be set when snapshot.storage=local")
			}
		case "gcs":
			if c.GCSProjectID == "" || c.GCSBucketName == "" {
				return errors.New("snapshot.gcs_project and snapshot.gcs_bucket must be set when snapshot.storage=gcs")
			}
		default:
			return errors.Errorf("unknown snapshot.storage %q", c.StorageType)
		}
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return errors.Errorf("unknown log.format %q", c.LogFormat)
	}
	return nil
}

// Resolution formats the configured frame size as WIDTHxHEIGHT
func (c *Config) Resolution() string {
	f := models.Frame{Width: c.Width, Height: c.Height}
	return f.Resolution()
}
