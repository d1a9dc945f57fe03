package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read from the working directory when neither --config
// nor CONFIG_PATH names a file.
const DefaultConfigFile = "deckpdf.yaml"

// Config holds the whole application configuration.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Build   BuildConfig   `yaml:"build"`
	Preview PreviewConfig `yaml:"preview"`
	PDF     PDFConfig     `yaml:"pdf"`
	Cache   CacheConfig   `yaml:"cache"`
	History HistoryConfig `yaml:"history"`
}

type LoggerConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// BuildConfig describes where the static site lives and how to produce it.
type BuildConfig struct {
	Dir     string   `yaml:"dir"`
	Command []string `yaml:"command"`
}

// PreviewConfig controls the preview server child process. Command entries may
// contain {host}, {port} and {dir} placeholders.
type PreviewConfig struct {
	Host          string        `yaml:"host"`
	Builtin       bool          `yaml:"builtin"`
	Command       []string      `yaml:"command"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type PDFConfig struct {
	ChromePath      string        `yaml:"chrome_path"`
	ChromeNoSandbox bool          `yaml:"chrome_no_sandbox"`
	UserDataDir     string        `yaml:"user_data_dir"`
	DeckPath        string        `yaml:"deck_path"`
	PrintQuery      string        `yaml:"print_query"`
	PageSelector    string        `yaml:"page_selector"`
	ContentTimeout  time.Duration `yaml:"content_timeout"`
	RenderTimeout   time.Duration `yaml:"render_timeout"`
	ViewportWidth   int64         `yaml:"viewport_width"`
	ViewportHeight  int64         `yaml:"viewport_height"`
}

type CacheConfig struct {
	PDFCacheEnabled bool          `yaml:"pdf_cache_enabled"`
	PDFCacheTTL     time.Duration `yaml:"pdf_cache_ttl"`
	RedisHost       string        `yaml:"redis_host"`
	PDFCacheDB      int           `yaml:"redis_pdf_db"`
}

type HistoryConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Enabled reports whether a history database has been configured.
func (c PostgresConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

var (
	configMu sync.RWMutex
	// AppConfig is the configuration most recently loaded by LoadConfig.
	AppConfig = DefaultConfig()
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Logger: LoggerConfig{
			Level:      "warn",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Build: BuildConfig{
			Dir:     "dist",
			Command: []string{"pnpm", "run", "build"},
		},
		Preview: PreviewConfig{
			Host:          "127.0.0.1",
			Command:       []string{"pnpm", "exec", "vite", "preview", "--host", "{host}", "--port", "{port}", "--strictPort"},
			ReadyTimeout:  30 * time.Second,
			PollInterval:  250 * time.Millisecond,
			ShutdownGrace: 5 * time.Second,
		},
		PDF: PDFConfig{
			DeckPath:       "/decks/{deck}/",
			PrintQuery:     "view=print",
			PageSelector:   ".pdf-page",
			ContentTimeout: 15 * time.Second,
			RenderTimeout:  60 * time.Second,
			ViewportWidth:  1600,
			ViewportHeight: 900,
		},
		Cache: CacheConfig{
			PDFCacheTTL: 24 * time.Hour,
			RedisHost:   "127.0.0.1:6379",
		},
	}
}

// GetConfig returns the currently loaded configuration.
func GetConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return AppConfig
}

// LoadConfig loads .env from the working directory, then reads path (or
// CONFIG_PATH, or deckpdf.yaml when it exists) over the defaults.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		Warn("Failed to load .env", "error", err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}

	cfg := DefaultConfig()
	if path != "" {
		var err error
		cfg, err = LoadFrom(path)
		if err != nil {
			return Config{}, err
		}
	}

	// Allow the common container env var to override chrome_path.
	if cfg.PDF.ChromePath == "" {
		cfg.PDF.ChromePath = os.Getenv("CHROME_BIN")
	}

	configMu.Lock()
	AppConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// LoadFrom decodes the YAML file at path over DefaultConfig and validates it.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the exporter cannot run with.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Build.Dir) == "":
		return errors.New("build.dir must not be empty")
	case len(c.Build.Command) == 0:
		return errors.New("build.command must not be empty")
	case !c.Preview.Builtin && len(c.Preview.Command) == 0:
		return errors.New("preview.command must not be empty unless preview.builtin is set")
	case c.Preview.ReadyTimeout <= 0:
		return errors.New("preview.ready_timeout must be positive")
	case c.Preview.PollInterval <= 0:
		return errors.New("preview.poll_interval must be positive")
	case c.Preview.ShutdownGrace < 0:
		return errors.New("preview.shutdown_grace must not be negative")
	case c.PDF.ContentTimeout <= 0:
		return errors.New("pdf.content_timeout must be positive")
	case c.PDF.RenderTimeout <= 0:
		return errors.New("pdf.render_timeout must be positive")
	case c.PDF.ViewportWidth <= 0 || c.PDF.ViewportHeight <= 0:
		return errors.New("pdf viewport must be positive")
	case strings.TrimSpace(c.PDF.PageSelector) == "":
		return errors.New("pdf.page_selector must not be empty")
	case c.Cache.PDFCacheEnabled && c.Cache.RedisHost == "":
		return errors.New("cache.redis_host is required when the pdf cache is enabled")
	}
	return nil
}
