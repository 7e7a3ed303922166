// Package config loads pagerender settings with Viper from .pagerender.yml,
// PAGERENDER_* environment variables and bound command-line flags.
//
// Load applies defaults for every key and validates the result; invalid
// settings are reported as configuration errors before anything starts.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/pagerender/internal/errors"
	"github.com/conneroisu/pagerender/internal/logging"
)

// Asset sources.
const (
	AssetSourceDir = "dir"
	AssetSourceS3  = "s3"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Routes    RoutesConfig    `mapstructure:"routes"`
	Assets    AssetsConfig    `mapstructure:"assets"`
	Render    RenderConfig    `mapstructure:"render"`
	Prerender PrerenderConfig `mapstructure:"prerender"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Dev             bool          `mapstructure:"dev"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RoutesConfig struct {
	// Manifest is the YAML route manifest.
	Manifest string `mapstructure:"manifest"`
	// Watch reloads the manifest on change.
	Watch bool `mapstructure:"watch"`
}

type AssetsConfig struct {
	Source string   `mapstructure:"source"`
	Dir    string   `mapstructure:"dir"`
	S3     S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type RenderConfig struct {
	// Document is the shell template path, relative to the asset source.
	// Prerender writes the shell under this name next to its pages.
	Document string `mapstructure:"document"`
	// SourceDocument is the bundler's shell, read when Document has not
	// been written yet.
	SourceDocument string `mapstructure:"source_document"`
	// Command is the external render program and its arguments.
	Command []string `mapstructure:"command"`
	// Pages maps route patterns to HTML fragment files rendered into the
	// shell outlet. Mutually exclusive with Command.
	Pages             []PageConfig  `mapstructure:"pages"`
	NotFoundPage      string        `mapstructure:"not_found_page"`
	Outlet            string        `mapstructure:"outlet"`
	Timeout           time.Duration `mapstructure:"timeout"`
	InlineCriticalCSS bool          `mapstructure:"inline_critical_css"`
	AppShellRoute     string        `mapstructure:"app_shell_route"`
	BaseURL           string        `mapstructure:"base_url"`
}

type PageConfig struct {
	Path string `mapstructure:"path"`
	File string `mapstructure:"file"`
}

type PrerenderConfig struct {
	OutputDir  string `mapstructure:"output_dir"`
	RoutesFile string `mapstructure:"routes_file"`
	Discover   bool   `mapstructure:"discover"`
	MaxThreads int    `mapstructure:"max_threads"`
	Compress   bool   `mapstructure:"compress"`
}

type CacheConfig struct {
	Size int `mapstructure:"size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers the default value of every key on viper.
func SetDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.dev", false)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)

	viper.SetDefault("routes.manifest", "routes.yml")
	viper.SetDefault("routes.watch", false)

	viper.SetDefault("assets.source", AssetSourceDir)
	viper.SetDefault("assets.dir", "dist")

	viper.SetDefault("render.document", "index.csr.html")
	viper.SetDefault("render.source_document", "index.html")
	viper.SetDefault("render.outlet", "app")
	viper.SetDefault("render.timeout", time.Duration(0))
	viper.SetDefault("render.inline_critical_css", false)

	viper.SetDefault("prerender.output_dir", "dist")
	viper.SetDefault("prerender.discover", true)
	viper.SetDefault("prerender.max_threads", 4)
	viper.SetDefault("prerender.compress", false)

	viper.SetDefault("cache.size", 50)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}

// Load decodes viper state into a validated Config.
func Load() (*Config, error) {
	SetDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "failed to decode configuration")
	}

	// A command given as one string, e.g. from an environment variable.
	if len(config.Render.Command) == 1 {
		config.Render.Command = strings.Fields(config.Render.Command[0])
	}
	config.Assets.Source = strings.ToLower(strings.TrimSpace(config.Assets.Source))

	if err := validateConfig(&config); err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "invalid configuration")
	}

	return &config, nil
}

// Address returns host:port.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggerConfig converts the log section for logging.NewLogger.
func (c *LogConfig) LoggerConfig() (*logging.LoggerConfig, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = c.Format
	return cfg, nil
}

// validateConfig validates configuration values for correctness
func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validateAssetsConfig(&config.Assets); err != nil {
		return fmt.Errorf("assets config: %w", err)
	}
	if err := validateRenderConfig(&config.Render); err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	if config.Prerender.MaxThreads < 1 {
		return fmt.Errorf("prerender config: max_threads must be at least 1, got %d", config.Prerender.MaxThreads)
	}
	if config.Cache.Size < 1 {
		return fmt.Errorf("cache config: size must be at least 1, got %d", config.Cache.Size)
	}
	if config.Prerender.RoutesFile != "" {
		if err := validatePath(config.Prerender.RoutesFile); err != nil {
			return fmt.Errorf("prerender config: routes_file: %w", err)
		}
	}
	if err := config.ValidateOutputLayout(); err != nil {
		return fmt.Errorf("prerender config: %w", err)
	}
	if _, err := logging.ParseLevel(config.Log.Level); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	if config.Log.Format != "text" && config.Log.Format != "json" {
		return fmt.Errorf("log config: format must be text or json, got %q", config.Log.Format)
	}
	return nil
}

// ValidateOutputLayout rejects a prerender output directory in which a
// rendered page would replace the shell document. Every page is written as
// <route>/index.html, so the shell must not sit at such a path.
func (c *Config) ValidateOutputLayout() error {
	if c.Assets.Source != AssetSourceDir || c.Prerender.OutputDir == "" {
		return nil
	}
	out, err := filepath.Abs(c.Prerender.OutputDir)
	if err != nil {
		return err
	}
	doc, err := filepath.Abs(filepath.Join(c.Assets.Dir, filepath.FromSlash(c.Render.Document)))
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(out, doc)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	if filepath.Base(rel) == "index.html" {
		return fmt.Errorf("output_dir %s would overwrite render.document %s with a rendered page; name the shell differently, e.g. index.csr.html",
			c.Prerender.OutputDir, c.Render.Document)
	}
	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Allow 0 for system-assigned ports in testing
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\", " "}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				return fmt.Errorf("host contains invalid character: %q", char)
			}
		}
	}

	if config.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}
	return nil
}

func validateAssetsConfig(config *AssetsConfig) error {
	switch config.Source {
	case AssetSourceDir:
		if err := validatePath(config.Dir); err != nil {
			return fmt.Errorf("dir: %w", err)
		}
	case AssetSourceS3:
		if strings.TrimSpace(config.S3.Bucket) == "" {
			return fmt.Errorf("s3.bucket is required when source is s3")
		}
		if config.S3.Endpoint != "" {
			if u, err := url.Parse(config.S3.Endpoint); err != nil || !u.IsAbs() {
				return fmt.Errorf("s3.endpoint must be an absolute URL: %q", config.S3.Endpoint)
			}
		}
	default:
		return fmt.Errorf("source must be %q or %q, got %q", AssetSourceDir, AssetSourceS3, config.Source)
	}
	return nil
}

func validateRenderConfig(config *RenderConfig) error {
	if config.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if config.Document == "" {
		return fmt.Errorf("document is required")
	}
	if config.BaseURL != "" {
		if u, err := url.Parse(config.BaseURL); err != nil || !u.IsAbs() {
			return fmt.Errorf("base_url must be an absolute URL: %q", config.BaseURL)
		}
	}
	if len(config.Pages) > 0 && len(config.Command) > 0 {
		return fmt.Errorf("pages and command cannot both be set")
	}
	for i, p := range config.Pages {
		if !strings.HasPrefix(p.Path, "/") {
			return fmt.Errorf("pages[%d]: path must start with /, got %q", i, p.Path)
		}
		if err := validatePath(p.File); err != nil {
			return fmt.Errorf("pages[%d]: file: %w", i, err)
		}
	}
	if config.NotFoundPage != "" {
		if err := validatePath(config.NotFoundPage); err != nil {
			return fmt.Errorf("not_found_page: %w", err)
		}
	}
	return nil
}

// validatePath rejects empty paths and parent directory traversal.
func validatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if part == ".." {
			return fmt.Errorf("path contains traversal: %s", path)
		}
	}
	return nil
}
