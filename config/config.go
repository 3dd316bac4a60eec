package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the standard locations.
const FileName = "cacherouter.yaml"

// EnvConfig names an explicit config file path.
const EnvConfig = "CACHEROUTER_CONFIG"

// Backend types.
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendS3     = "s3"
	BackendRedis  = "redis"
)

type Config struct {
	// Source is the file the config was read from, empty for defaults.
	Source string `yaml:"-"`

	Listen       string        `yaml:"listen"`
	Origin       string        `yaml:"origin"`
	LogLevel     string        `yaml:"log_level"`
	Debug        bool          `yaml:"debug"`
	Backend      Backend       `yaml:"backend"`
	Partitions   Partitions    `yaml:"partitions"`
	Precache     []string      `yaml:"precache"`
	Patterns     Patterns      `yaml:"patterns"`
	APIFreshness time.Duration `yaml:"api_freshness"`
	SkipWaiting  bool          `yaml:"skip_waiting"`
}

type Backend struct {
	Type      string `yaml:"type"`
	Dir       string `yaml:"dir"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Profile   string `yaml:"profile"`
	Endpoint  string `yaml:"endpoint"`
	RedisAddr string `yaml:"redis_addr"`
	Namespace string `yaml:"namespace"`
}

// Partitions names the three known partitions. Bumping a version suffix
// makes activation garbage collect the previous generation.
type Partitions struct {
	Static string `yaml:"static"`
	API    string `yaml:"api"`
	Image  string `yaml:"image"`
}

// Names returns the partition names in classification order.
func (p Partitions) Names() []string {
	return []string{p.Static, p.API, p.Image}
}

type Patterns struct {
	Static    string `yaml:"static"`
	APIPrefix string `yaml:"api_prefix"`
	Image     string `yaml:"image"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:   ":8080",
		Origin:   "http://localhost:3000",
		LogLevel: "info",
		Backend: Backend{
			Type:      BackendMemory,
			Dir:       "./cache",
			Namespace: "cacherouter",
		},
		Partitions: Partitions{
			Static: "basearcade-static-v1",
			API:    "basearcade-api-v1",
			Image:  "basearcade-images-v1",
		},
		Precache: []string{"/", "/index.html", "/manifest.json", "/favicon.ico"},
		Patterns: Patterns{
			Static:    `\.(?:js|mjs|css|woff2?|ttf|otf|eot|ico|png|svg)$`,
			APIPrefix: "/api/",
			Image:     `\.(?:png|jpe?g|gif|webp|avif|svg|bmp)$`,
		},
		APIFreshness: 5 * time.Minute,
		SkipWaiting:  true,
	}
}

// Load reads the config file over the defaults. An explicit path (argument
// or CACHEROUTER_CONFIG) must exist; otherwise the standard locations are
// searched and a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return Config{}, fmt.Errorf("config file not found: %w", err)
		}
		if info.IsDir() {
			return Config{}, fmt.Errorf("config path %s points to a directory", path)
		}
	} else {
		var ok bool
		if path, ok = findConfigPath(); !ok {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Source = path
	return cfg, nil
}

func findConfigPath() (string, bool) {
	candidates := []string{
		os.Getenv("XDG_CONFIG_HOME"),
		os.Getenv("HOME"),
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		file := filepath.Join(c, FileName)
		if info, err := os.Stat(file); err == nil && !info.IsDir() {
			return file, true
		}
	}
	return "", false
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error

	if c.Origin == "" {
		errs = append(errs, errors.New("origin is required"))
	} else if u, err := url.Parse(c.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("origin %q is not an absolute URL", c.Origin))
	}

	seen := make(map[string]bool)
	for _, name := range c.Partitions.Names() {
		if name == "" {
			errs = append(errs, errors.New("partition names must not be empty"))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("duplicate partition name %q", name))
		}
		seen[name] = true
	}

	if !strings.HasPrefix(c.Patterns.APIPrefix, "/") {
		errs = append(errs, fmt.Errorf("api_prefix %q must start with /", c.Patterns.APIPrefix))
	}
	for name, expr := range map[string]string{"static": c.Patterns.Static, "image": c.Patterns.Image} {
		if _, err := regexp.Compile(expr); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s pattern: %w", name, err))
		}
	}

	for _, p := range c.Precache {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("precache path %q must start with /", p))
		}
	}

	if c.APIFreshness <= 0 {
		errs = append(errs, fmt.Errorf("api_freshness must be positive, got %s", c.APIFreshness))
	}

	switch c.Backend.Type {
	case BackendMemory:
	case BackendDisk:
		if c.Backend.Dir == "" {
			errs = append(errs, errors.New("disk backend requires dir"))
		}
	case BackendS3:
		if c.Backend.Bucket == "" {
			errs = append(errs, errors.New("s3 backend requires bucket"))
		}
	case BackendRedis:
		if c.Backend.RedisAddr == "" {
			errs = append(errs, errors.New("redis backend requires redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend type %q", c.Backend.Type))
	}

	return errors.Join(errs...)
}
