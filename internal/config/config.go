// Package config loads, merges, and validates crawler configuration. A YAML
// file supplies the base values; CRAWL_* environment variables override it,
// so the crawler is fully configurable from the environment alone.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables recognised by FromEnv / Load.
const (
	EnvURLPrefix     = "CRAWL_URL_PREFIX"
	EnvMatchRegex    = "CRAWL_MATCH_REGEX"
	EnvMaxPages      = "CRAWL_MAX_PAGES"
	EnvTimeout       = "CRAWL_TIMEOUT"
	EnvLogLevel      = "CRAWL_LOG_LEVEL"
	EnvOutputDir     = "CRAWL_OUTPUT_DIR"
	EnvLogDiscovered = "CRAWL_LOG_DISCOVERED"
)

// Config captures everything required to run a crawl.
type Config struct {
	Crawl   CrawlConfig   `yaml:"crawl"`
	Worker  WorkerConfig  `yaml:"worker"`
	Robots  RobotsConfig  `yaml:"robots"`
	Output  OutputConfig  `yaml:"output"`
	DB      SQLConfig     `yaml:"db"`
	Logging LoggingConfig `yaml:"logging"`
}

// CrawlConfig controls scope, matching, limits, and politeness.
type CrawlConfig struct {
	URLPrefix      string            `yaml:"url_prefix"`
	MatchRegex     string            `yaml:"match_regex"`
	MaxPages       int               `yaml:"max_pages"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	UserAgent      string            `yaml:"user_agent"`
	Headers        map[string]string `yaml:"headers"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
	PerHostDelay   Duration          `yaml:"per_host_delay"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit"`
	LogDiscovered  bool              `yaml:"log_discovered"`
}

// WorkerConfig controls fetch concurrency. A concurrency of 1 yields the
// deterministic breadth-first crawl order.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// RateLimitConfig applies a token bucket per host.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// RobotsConfig configures optional robots.txt checking. Respect defaults to
// false; the crawler only consults robots.txt when explicitly told to.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// OutputConfig locates the persistence root.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// SQLConfig describes an optional relational mirror for match records.
type SQLConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// Enabled reports whether the relational mirror is configured.
func (s SQLConfig) Enabled() bool {
	return s.Driver != "" && s.DSN != ""
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults. The prefix and
// match pattern have no default; they must come from the file or environment.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			RequestTimeout: DurationFrom(100 * time.Second),
			UserAgent:      "pagesieve/1.0",
			Headers:        map[string]string{},
			MaxBodyBytes:   6 * 1024 * 1024,
		},
		Worker: WorkerConfig{
			Concurrency: 1,
		},
		Robots: RobotsConfig{
			Respect:   false,
			UserAgent: "pagesieve/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Output: OutputConfig{
			Dir: "out",
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: false,
		},
	}
}

// Load reads configuration from an optional YAML file, applies environment
// overrides, and validates the result. An empty path skips the file and
// configures from the environment alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fh, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer fh.Close()
		if err := decodeYAML(fh, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromReader decodes configuration from an arbitrary reader without
// consulting the environment.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvURLPrefix); ok {
		c.Crawl.URLPrefix = v
	}
	if v, ok := os.LookupEnv(EnvMatchRegex); ok {
		c.Crawl.MatchRegex = v
	}
	if v, ok := os.LookupEnv(EnvMaxPages); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer (got %q)", EnvMaxPages, v)
		}
		c.Crawl.MaxPages = n
	}
	if v, ok := os.LookupEnv(EnvTimeout); ok {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || secs <= 0 {
			return fmt.Errorf("%s must be a positive integer of seconds (got %q)", EnvTimeout, v)
		}
		c.Crawl.RequestTimeout = DurationFrom(time.Duration(secs) * time.Second)
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.Logging.Level = v
	}
	if v, ok := os.LookupEnv(EnvOutputDir); ok {
		c.Output.Dir = v
	}
	if v, ok := os.LookupEnv(EnvLogDiscovered); ok {
		c.Crawl.LogDiscovered = v == "1" || strings.EqualFold(v, "true")
	}
	return nil
}

// Validate enforces required invariants. A failure here is a configuration
// error: the process must exit before any fetch.
func (c Config) Validate() error {
	if c.Crawl.URLPrefix == "" {
		return fmt.Errorf("crawl.url_prefix is required (%s)", EnvURLPrefix)
	}
	u, err := url.Parse(c.Crawl.URLPrefix)
	if err != nil {
		return fmt.Errorf("crawl.url_prefix: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("crawl.url_prefix must start with http:// or https:// (got %q)", c.Crawl.URLPrefix)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("crawl.url_prefix must include a hostname (got %q)", c.Crawl.URLPrefix)
	}
	if c.Crawl.MatchRegex == "" {
		return fmt.Errorf("crawl.match_regex is required (%s)", EnvMatchRegex)
	}
	if _, err := regexp.Compile(c.Crawl.MatchRegex); err != nil {
		return fmt.Errorf("crawl.match_regex: %w", err)
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("crawl.request_timeout must be > 0 (got %s)", c.Crawl.RequestTimeout)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Crawl.RateLimit.Requests < 0 {
		return fmt.Errorf("crawl.rate_limit.requests must be >= 0 (got %d)", c.Crawl.RateLimit.Requests)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		return errors.New("output.dir must be set")
	}
	return nil
}

// Pattern compiles the configured match expression. Validate must have
// succeeded first.
func (c Config) Pattern() (*regexp.Regexp, error) {
	return regexp.Compile(c.Crawl.MatchRegex)
}

func (c *Config) normalise() {
	c.Crawl.URLPrefix = strings.TrimSpace(c.Crawl.URLPrefix)
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Output.Dir = strings.TrimSpace(c.Output.Dir)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Crawl.Headers == nil {
		c.Crawl.Headers = map[string]string{}
	}
}
